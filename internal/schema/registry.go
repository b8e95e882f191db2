// Package schema holds optional JSON schemas per table. Payloads are checked
// against them before any remote write so invalid data fails fast and is
// never queued.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gestor360/internal/remote"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const baseURL = "https://gestor360.local/schemas/"

type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// ValidationError reports a payload rejected by its table schema.
type ValidationError struct {
	Table string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload for %s does not match schema: %v", e.Table, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Register compiles and installs the schema for table, replacing any previous one.
func (r *Registry) Register(table string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", table, err)
	}
	url := baseURL + table + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", table, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", table, err)
	}
	r.mu.Lock()
	r.schemas[table] = sch
	r.mu.Unlock()
	return nil
}

// LoadDir registers every <table>.json file in dir.
func (r *Registry) LoadDir(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("list schemas: %w", err)
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return 0, fmt.Errorf("read schema %s: %w", file, err)
		}
		table := strings.TrimSuffix(filepath.Base(file), ".json")
		if err := r.Register(table, data); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

func (r *Registry) Has(table string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[table]
	return ok
}

// Validate checks doc against the table's schema. Tables without a schema accept anything.
func (r *Registry) Validate(table string, doc remote.Document) error {
	r.mu.RLock()
	sch, ok := r.schemas[table]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	// placeholders validate as the timestamp string they will become
	resolved, err := doc.Resolve(context.Background(), func(context.Context) (time.Time, error) {
		return time.Now(), nil
	})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return &ValidationError{Table: table, Err: err}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Table: table, Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Table: table, Err: err}
	}
	return nil
}
