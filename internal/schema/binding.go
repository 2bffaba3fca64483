package schema

import "github.com/ChuLiYu/formrelay/pkg/types"

// Assignment is one value to write into one form input.
type Assignment struct {
	Field  string // record field name
	Target string // form input name
	Kind   Kind
	Value  string
}

// Bind lists the writes needed to fill rec. With a schema, every schema field
// is written, falling back to its default when the record lacks a value;
// fields with neither are skipped. Without a schema, every record field is
// written to the input of the same name.
func (s *Schema) Bind(rec types.Record) []Assignment {
	if s == nil || len(s.Fields) == 0 {
		out := make([]Assignment, 0, rec.Len())
		for _, f := range rec.Fields {
			out = append(out, Assignment{Field: f.Name, Target: f.Name, Value: f.Value})
		}
		return out
	}

	out := make([]Assignment, 0, len(s.Fields))
	for _, f := range s.Fields {
		value, ok := rec.Get(f.Name)
		if !ok || value == "" {
			if f.Default == "" {
				continue
			}
			value = f.Default
		}
		out = append(out, Assignment{
			Field:  f.Name,
			Target: f.TargetName(),
			Kind:   f.Kind,
			Value:  value,
		})
	}
	return out
}
