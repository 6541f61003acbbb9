package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://lootsync.local/schemas/"

// Validator checks inbound client payloads against the embedded JSON schemas.
// Message types without a schema pass unchecked.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schema. Each file other than
// common.json is keyed by its base name, which is the message type.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	names, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		data, err := schemaFS.ReadFile(n)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+path.Base(n), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("protocol: add schema %s: %w", n, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, n := range names {
		base := path.Base(n)
		if base == "common.json" {
			continue
		}
		s, err := c.Compile(schemaBase + base)
		if err != nil {
			return nil, fmt.Errorf("protocol: compile schema %s: %w", base, err)
		}
		v.schemas[strings.TrimSuffix(base, ".json")] = s
	}
	return v, nil
}

// Has reports whether msgType has a schema.
func (v *Validator) Has(msgType string) bool {
	_, ok := v.schemas[msgType]
	return ok
}

// Validate checks raw against the schema registered for msgType.
func (v *Validator) Validate(msgType string, raw json.RawMessage) error {
	s, ok := v.schemas[msgType]
	if !ok {
		return nil
	}
	if len(raw) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", msgType)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("protocol: %s: %w", msgType, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("protocol: %s: %w", msgType, err)
	}
	return nil
}
