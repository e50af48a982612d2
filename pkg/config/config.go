// Package config parses and validates Umpire configuration documents.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

//go:embed schema.json
var schemaJSON string

// ErrMissingActiveBundle is returned when active_bundle_id names no bundle.
var ErrMissingActiveBundle = errors.New("missing active bundle")

// SchemaError reports a config document that does not match the Umpire
// config schema.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string { return "invalid umpire config: " + e.Err.Error() }
func (e *SchemaError) Unwrap() error { return e.Err }

func schemaErrorf(format string, args ...any) error {
	return &SchemaError{Err: fmt.Errorf(format, args...)}
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func compileSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = jsonschema.CompileString("umpire.schema.json", schemaJSON)
	})
	return compiled, compileErr
}

// Parse decodes a YAML (or JSON) Umpire config and validates its structure
// and bundle references.
func Parse(data []byte) (*schemas.UmpireConfig, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &SchemaError{Err: fmt.Errorf("decode yaml: %w", err)}
	}
	if doc == nil {
		return nil, schemaErrorf("empty document")
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	// The validator works on JSON-decoded values.
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, &SchemaError{Err: fmt.Errorf("encode document: %w", err)}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &SchemaError{Err: fmt.Errorf("decode document: %w", err)}
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, &SchemaError{Err: err}
	}

	var cfg schemas.UmpireConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &SchemaError{Err: err}
	}
	if err := check(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the config file at path.
func Load(path string) (*schemas.UmpireConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func check(cfg *schemas.UmpireConfig) error {
	ids := make(map[string]struct{}, len(cfg.Bundles))
	for _, b := range cfg.Bundles {
		if _, dup := ids[b.ID]; dup {
			return schemaErrorf("duplicate bundle id %q", b.ID)
		}
		ids[b.ID] = struct{}{}
	}
	for i, r := range cfg.Rulesets {
		if _, ok := ids[r.BundleID]; !ok {
			return schemaErrorf("ruleset %d references unknown bundle %q", i, r.BundleID)
		}
	}
	_, err := ActiveBundle(cfg)
	return err
}

// ActiveBundle returns the bundle named by active_bundle_id.
func ActiveBundle(cfg *schemas.UmpireConfig) (*schemas.Bundle, error) {
	b, ok := cfg.FindBundle(cfg.ActiveBundleID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingActiveBundle, cfg.ActiveBundleID)
	}
	return b, nil
}
