// Package resources exposes the gateway's property and user collections.
package resources

import (
	"context"
	"fmt"
	"net/url"

	"github.com/wolfeidau/estatedash/internal/gateway"
	"github.com/wolfeidau/estatedash/internal/models"
)

// Caller is the subset of the gateway client used here.
type Caller interface {
	Get(ctx context.Context, path string, query url.Values) (*gateway.Response, error)
	Post(ctx context.Context, path string, body any) (*gateway.Response, error)
	Put(ctx context.Context, path string, body any) (*gateway.Response, error)
	Delete(ctx context.Context, path string) (*gateway.Response, error)
}

// Collection is a CRUD passthrough for one gateway resource path.
type Collection[T any] struct {
	caller Caller
	path   string
}

// NewCollection returns a collection rooted at path.
func NewCollection[T any](caller Caller, path string) *Collection[T] {
	return &Collection[T]{caller: caller, path: path}
}

// Properties returns the property collection.
func Properties(caller Caller) *Collection[models.Property] {
	return NewCollection[models.Property](caller, "/properties")
}

// Users returns the user collection.
func Users(caller Caller) *Collection[models.User] {
	return NewCollection[models.User](caller, "/users")
}

// List returns every item in the collection.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	resp, err := c.caller.Get(ctx, c.path, nil)
	if err != nil {
		return nil, err
	}

	items := []T{}
	if err := resp.Decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}

// Get returns the item with id.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	path, err := c.itemPath(id)
	if err != nil {
		return nil, err
	}

	resp, err := c.caller.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	return decode[T](resp)
}

// Create stores item and returns the gateway's copy.
func (c *Collection[T]) Create(ctx context.Context, item *T) (*T, error) {
	resp, err := c.caller.Post(ctx, c.path, item)
	if err != nil {
		return nil, err
	}

	return decode[T](resp)
}

// Update replaces the item with id.
func (c *Collection[T]) Update(ctx context.Context, id string, item *T) (*T, error) {
	path, err := c.itemPath(id)
	if err != nil {
		return nil, err
	}

	resp, err := c.caller.Put(ctx, path, item)
	if err != nil {
		return nil, err
	}

	return decode[T](resp)
}

// Delete removes the item with id.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	path, err := c.itemPath(id)
	if err != nil {
		return err
	}

	_, err = c.caller.Delete(ctx, path)
	return err
}

func (c *Collection[T]) itemPath(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%s: id is required", c.path)
	}
	return c.path + "/" + url.PathEscape(id), nil
}

func decode[T any](resp *gateway.Response) (*T, error) {
	item := new(T)
	if err := resp.Decode(item); err != nil {
		return nil, err
	}
	return item, nil
}
