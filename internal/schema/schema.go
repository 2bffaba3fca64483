// Package schema describes the form fields a run fills: which record column
// maps to which form input, how ingestion normalizes it, and what default is
// written when a record has no value.
package schema

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptySchema    = errors.New("schema: no fields defined")
	ErrDuplicateField = errors.New("schema: duplicate field name")
	ErrUnknownKind    = errors.New("schema: unknown field kind")
)

// Kind is a form control variant. The driver dispatches on it; an empty kind
// means "whatever the form declares".
type Kind string

const (
	KindAuto     Kind = ""
	KindText     Kind = "text"
	KindTextarea Kind = "textarea"
	KindSelect   Kind = "select"
	KindCheckbox Kind = "checkbox"
	KindRadio    Kind = "radio"
	KindHidden   Kind = "hidden"
)

func (k Kind) valid() bool {
	switch k {
	case KindAuto, KindText, KindTextarea, KindSelect, KindCheckbox, KindRadio, KindHidden:
		return true
	}
	return false
}

// Field binds one record column to one form input.
type Field struct {
	Name      string   `yaml:"name"`      // record column name
	Target    string   `yaml:"target"`    // form input name, defaults to Name
	Kind      Kind     `yaml:"kind"`      // optional override of the control kind
	Required  bool     `yaml:"required"`  // ingestion rejects rows missing it
	Normalize []string `yaml:"normalize"` // ingestion normalizers, applied in order
	Default   string   `yaml:"default"`   // written when the record has no value
	Aliases   []string `yaml:"aliases"`   // alternative header names
}

// TargetName returns the form input the field is written to.
func (f Field) TargetName() string {
	if f.Target != "" {
		return f.Target
	}
	return f.Name
}

// Schema is the ordered list of fields for one target form.
type Schema struct {
	Fields []Field `yaml:"fields"`
}

// Load reads a YAML schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks names are present and unique and kinds are known.
func (s *Schema) Validate() error {
	if s == nil || len(s.Fields) == 0 {
		return ErrEmptySchema
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("schema: field %d has no name", i)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateField, name)
		}
		seen[key] = true
		if !f.Kind.valid() {
			return fmt.Errorf("%w: %q on field %s", ErrUnknownKind, f.Kind, name)
		}
	}
	return nil
}

// Lookup finds a field by its record name, case-insensitively.
func (s *Schema) Lookup(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	for _, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// Match resolves a tabular header to a field using names and aliases.
func (s *Schema) Match(header string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	h := normalizeHeader(header)
	for _, f := range s.Fields {
		if normalizeHeader(f.Name) == h {
			return f, true
		}
		for _, a := range f.Aliases {
			if normalizeHeader(a) == h {
				return f, true
			}
		}
	}
	return Field{}, false
}

// KindOf returns the kind override for a target input name.
func (s *Schema) KindOf(target string) Kind {
	if s == nil {
		return KindAuto
	}
	for _, f := range s.Fields {
		if f.TargetName() == target {
			return f.Kind
		}
	}
	return KindAuto
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	return h
}
