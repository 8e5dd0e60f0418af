// Package staticcatalog loads a toolselector.Catalog from a JSON config file
// on disk, the common case where a deployment ships a fixed tool list rather
// than discovering one from a federated registry.
package staticcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/taskorch/orchestrator/toolselector"
)

// Catalog implements toolselector.Catalog from a fixed, in-memory tool list.
type Catalog struct {
	tools []toolselector.Tool
}

// New returns a Catalog serving tools as-is. Callers are expected to have
// already run toolselector.ValidateCatalog.
func New(tools []toolselector.Tool) *Catalog {
	return &Catalog{tools: tools}
}

// Load reads a JSON array of toolselector.Tool from path, validates every
// entry's schemas, and returns a ready Catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("staticcatalog: read %s: %w", path, err)
	}
	var tools []toolselector.Tool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("staticcatalog: decode %s: %w", path, err)
	}
	if err := toolselector.ValidateCatalog(tools); err != nil {
		return nil, fmt.Errorf("staticcatalog: %s: %w", path, err)
	}
	return New(tools), nil
}

// List implements toolselector.Catalog.
func (c *Catalog) List(_ context.Context) ([]toolselector.Tool, error) {
	return c.tools, nil
}
