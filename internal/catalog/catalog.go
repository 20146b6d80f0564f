// Package catalog holds the element type descriptions rendered into the
// inference prompt. A built-in set is embedded; an override file may replace
// or extend entries and is reloaded when it changes.
package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed types.yaml
var builtin []byte

// Type describes one element type.
type Type struct {
	Type       string         `yaml:"type"`
	Definition string         `yaml:"definition"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// Catalog is a concurrency-safe list of type descriptions.
type Catalog struct {
	mu     sync.RWMutex
	types  []Type
	logger *slog.Logger
}

// New returns a catalog holding the built-in types.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	types, err := parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in types: %v", err))
	}
	return &Catalog{types: types, logger: logger}
}

// Load merges the types from a YAML file over the built-in set. Entries with
// a known type name replace the built-in entry; others are appended.
func (c *Catalog) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("catalog: read %s: %w", path, err)
	}
	overrides, err := parse(data)
	if err != nil {
		return fmt.Errorf("catalog: %s: %w", path, err)
	}

	merged, _ := parse(builtin)
	pos := make(map[string]int, len(merged))
	for i, t := range merged {
		pos[t.Type] = i
	}
	for _, t := range overrides {
		if i, ok := pos[t.Type]; ok {
			merged[i] = t
			continue
		}
		pos[t.Type] = len(merged)
		merged = append(merged, t)
	}

	c.mu.Lock()
	c.types = merged
	c.mu.Unlock()

	c.logger.Info("catalog: loaded", slog.String("path", path), slog.Int("types", len(merged)))
	return nil
}

// Types returns a copy of the current type list.
func (c *Catalog) Types() []Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Type(nil), c.types...)
}

// Names returns the type names in catalogue order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.types))
	for i, t := range c.types {
		names[i] = t.Type
	}
	return names
}

// Render formats the catalogue for the prompt. When supported is non-empty,
// types the repository does not support are left out unless that would
// leave nothing.
func (c *Catalog) Render(supported []string) string {
	types := c.Types()
	if len(supported) > 0 {
		allowed := make(map[string]bool, len(supported))
		for _, s := range supported {
			allowed[s] = true
		}
		var kept []Type
		for _, t := range types {
			if allowed[t.Type] {
				kept = append(kept, t)
			}
		}
		if len(kept) > 0 {
			types = kept
		}
	}

	out, err := yaml.Marshal(types)
	if err != nil {
		c.logger.Warn("catalog: render failed", slog.String("error", err.Error()))
		return ""
	}
	return string(out)
}

func parse(data []byte) ([]Type, error) {
	var types []Type
	if err := yaml.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("parse types: %w", err)
	}
	for i, t := range types {
		if t.Type == "" {
			return nil, fmt.Errorf("parse types: entry %d has no type", i)
		}
	}
	return types, nil
}
