package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultProfile is used when no profile name is configured.
const DefaultProfile = "default"

// profileFile is the on-disk representation of one profile.
type profileFile struct {
	Version int               `json:"version"`
	Values  map[string]string `json:"values"`
}

// FileBackend stores one profile as a JSON document on the local filesystem.
// Values are written in clear text, readable only by the owner.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

// NewFileBackend creates a backend for profile under baseDir.
// If baseDir is empty, uses ~/.estatedash/profiles/
func NewFileBackend(baseDir, profile string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".estatedash", "profiles")
	}

	if profile == "" {
		profile = DefaultProfile
	}

	if filepath.Base(profile) != profile || profile == "." || profile == ".." {
		return nil, fmt.Errorf("invalid profile name %q", profile)
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	log.Debug().Str("baseDir", baseDir).Str("profile", profile).Msg("file token backend initialized")

	return &FileBackend{path: filepath.Join(baseDir, profile+".json")}, nil
}

// Path returns the location of the profile document.
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Load(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileBackend) Apply(_ context.Context, set map[string]string, del []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}

	for _, k := range del {
		delete(values, k)
	}
	maps.Copy(values, set)

	return f.save(values)
}

func (f *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var doc profileFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	if doc.Values == nil {
		doc.Values = make(map[string]string)
	}

	return doc.Values, nil
}

// save writes the profile atomically.
func (f *FileBackend) save(values map[string]string) error {
	data, err := json.MarshalIndent(profileFile{Version: 1, Values: values}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	tempPath := f.path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save profile: %w", err)
	}

	return nil
}
