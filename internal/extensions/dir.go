package extensions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const manifestFile = "manifest.json"

// Dir reads extensions unpacked under Root, one directory per extension
// id holding a manifest.json, with settings in SettingsRoot/<id>.json.
type Dir struct {
	Root         string
	SettingsRoot string
	logger       *slog.Logger
}

// NewDir returns a reader for the given directories.
func NewDir(root, settingsRoot string, logger *slog.Logger) *Dir {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{Root: root, SettingsRoot: settingsRoot, logger: logger}
}

// List returns every installed extension in id order. A missing root is
// no extensions. Entries without a readable manifest are logged and
// skipped.
func (d *Dir) List() ([]Extension, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read extensions directory: %w", err)
	}

	var out []Extension
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		path := filepath.Join(d.Root, id)

		data, err := os.ReadFile(filepath.Join(path, manifestFile))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				d.logger.Warn("failed to read extension manifest", "extension", id, "error", err)
			}
			continue
		}

		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			d.logger.Warn("failed to parse extension manifest", "extension", id, "error", err)
			continue
		}

		out = append(out, Extension{
			ID:       id,
			Path:     path,
			Manifest: m,
			Settings: d.settings(id),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// settings reads an extension's settings file. Missing or malformed
// settings mean enabled with no user values.
func (d *Dir) settings(id string) Settings {
	data, err := os.ReadFile(filepath.Join(d.SettingsRoot, id+".json"))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("failed to read extension settings", "extension", id, "error", err)
		}
		return Settings{}
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		d.logger.Warn("failed to parse extension settings", "extension", id, "error", err)
		return Settings{}
	}
	return s
}
