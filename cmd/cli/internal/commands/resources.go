package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/estatedash/internal/models"
	"github.com/wolfeidau/estatedash/internal/resources"
)

// PropertiesCmd manages property listings.
type PropertiesCmd struct {
	List   PropertiesListCmd   `cmd:"" help:"List properties"`
	Get    PropertiesGetCmd    `cmd:"" help:"Show a property"`
	Create PropertiesCreateCmd `cmd:"" help:"Create a property from a YAML or JSON file"`
	Update PropertiesUpdateCmd `cmd:"" help:"Replace a property from a YAML or JSON file"`
	Delete PropertiesDeleteCmd `cmd:"" help:"Delete a property"`
}

// UsersCmd manages dashboard users.
type UsersCmd struct {
	List   UsersListCmd   `cmd:"" help:"List users"`
	Get    UsersGetCmd    `cmd:"" help:"Show a user"`
	Create UsersCreateCmd `cmd:"" help:"Create a user from a YAML or JSON file"`
	Update UsersUpdateCmd `cmd:"" help:"Replace a user from a YAML or JSON file"`
	Delete UsersDeleteCmd `cmd:"" help:"Delete a user"`
}

type listFlags struct {
	JSON bool `help:"print as JSON" default:"false"`
}

type idArg struct {
	ID string `arg:"" help:"resource ID"`
}

type fileArg struct {
	File string `arg:"" help:"YAML or JSON file, - reads stdin"`
}

type PropertiesListCmd struct{ listFlags }
type PropertiesGetCmd struct{ idArg }
type PropertiesCreateCmd struct{ fileArg }
type PropertiesDeleteCmd struct{ idArg }
type PropertiesUpdateCmd struct {
	idArg
	fileArg
}

type UsersListCmd struct{ listFlags }
type UsersGetCmd struct{ idArg }
type UsersCreateCmd struct{ fileArg }
type UsersDeleteCmd struct{ idArg }
type UsersUpdateCmd struct {
	idArg
	fileArg
}

func (c *PropertiesListCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Properties, func(coll *resources.Collection[models.Property]) error {
		props, err := coll.List(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			return printJSON(globals.out(), props)
		}
		printProperties(globals.out(), props)
		return nil
	})
}

func (c *PropertiesGetCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Properties, getItem[models.Property](ctx, globals, c.ID))
}

func (c *PropertiesCreateCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Properties, createItem[models.Property](ctx, globals, c.File))
}

func (c *PropertiesUpdateCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Properties, updateItem[models.Property](ctx, globals, c.ID, c.File))
}

func (c *PropertiesDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Properties, deleteItem[models.Property](ctx, globals, c.ID))
}

func (c *UsersListCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Users, func(coll *resources.Collection[models.User]) error {
		users, err := coll.List(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			return printJSON(globals.out(), users)
		}
		printUsers(globals.out(), users)
		return nil
	})
}

func (c *UsersGetCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Users, getItem[models.User](ctx, globals, c.ID))
}

func (c *UsersCreateCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Users, createItem[models.User](ctx, globals, c.File))
}

func (c *UsersUpdateCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Users, updateItem[models.User](ctx, globals, c.ID, c.File))
}

func (c *UsersDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	return withCollection(ctx, globals, resources.Users, deleteItem[models.User](ctx, globals, c.ID))
}

func withCollection[T any](ctx context.Context, globals *Globals, newColl func(resources.Caller) *resources.Collection[T], fn func(*resources.Collection[T]) error) error {
	a, closeApp, err := open(ctx, globals, "")
	if err != nil {
		return err
	}
	defer closeApp()

	return explain(fn(newColl(a.Gateway)))
}

func getItem[T any](ctx context.Context, globals *Globals, id string) func(*resources.Collection[T]) error {
	return func(coll *resources.Collection[T]) error {
		item, err := coll.Get(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(globals.out(), item)
	}
}

func createItem[T any](ctx context.Context, globals *Globals, file string) func(*resources.Collection[T]) error {
	return func(coll *resources.Collection[T]) error {
		item, err := readItem[T](file)
		if err != nil {
			return err
		}
		created, err := coll.Create(ctx, item)
		if err != nil {
			return err
		}
		return printJSON(globals.out(), created)
	}
}

func updateItem[T any](ctx context.Context, globals *Globals, id, file string) func(*resources.Collection[T]) error {
	return func(coll *resources.Collection[T]) error {
		item, err := readItem[T](file)
		if err != nil {
			return err
		}
		updated, err := coll.Update(ctx, id, item)
		if err != nil {
			return err
		}
		return printJSON(globals.out(), updated)
	}
}

func deleteItem[T any](ctx context.Context, globals *Globals, id string) func(*resources.Collection[T]) error {
	return func(coll *resources.Collection[T]) error {
		if err := coll.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(globals.out(), "Deleted %s\n", id)
		return nil
	}
}

// readItem decodes a YAML or JSON document. JSON is valid YAML.
func readItem[T any](file string) (*T, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	item := new(T)
	if err := yaml.Unmarshal(data, item); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}
	return item, nil
}

func printProperties(out io.Writer, props []models.Property) {
	if len(props) == 0 {
		fmt.Fprintln(out, "No properties found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tPRICE\tBEDS\tBATHS")
	for _, p := range props {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%s\t%s\n", p.ID, p.Name, p.Address, p.Price, optional(p.Bedrooms), optional(p.Bathrooms))
	}
	w.Flush()
}

func printUsers(out io.Writer, users []models.User) {
	if len(users) == 0 {
		fmt.Fprintln(out, "No users found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Username, u.Email, strings.ToLower(u.Role))
	}
	w.Flush()
}

func optional(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}
