package app

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when present. Keys are flag names, for example
// gateway-url or postgres-conn-string; underscores are accepted too.
const DefaultConfigFile = "~/.estatedash/config.yaml"

// YAMLConfig is a kong.ConfigurationLoader for YAML files of flag values.
func YAMLConfig(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	flat := map[string]any{}
	flatten("", values, flat)

	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		if v, ok := flat[flag.Name]; ok {
			return v, nil
		}
		if v, ok := flat[strings.ReplaceAll(flag.Name, "-", "_")]; ok {
			return v, nil
		}
		return nil, nil
	}), nil
}

// flatten joins nested mappings with '-' so a postgres section with a
// conn-string key resolves the postgres-conn-string flag.
func flatten(prefix string, values map[string]any, out map[string]any) {
	for k, v := range values {
		key := k
		if prefix != "" {
			key = prefix + "-" + k
		}

		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}

		if list, ok := v.([]any); ok {
			parts := make([]string, 0, len(list))
			for _, item := range list {
				parts = append(parts, fmt.Sprint(item))
			}
			v = strings.Join(parts, ",")
		}

		out[key] = v
	}
}

// LoadEnv loads environment files, expanding a leading ~ to $HOME. Missing
// files are skipped and variables already set are kept.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			file = strings.Replace(file, "~", home, 1)
		}
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
