package strand

import "slices"

// AttrSpec declares the expected type of one attribute for a kind.
type AttrSpec struct {
	Type     AttrType `json:"type" koanf:"type"`
	Values   []string `json:"values,omitempty" koanf:"values"`
	Required bool     `json:"required,omitempty" koanf:"required"`
}

// KindSchema declares the attributes a kind carries. Attributes not listed
// are accepted with their self-described type.
type KindSchema struct {
	Kind       string              `json:"kind" koanf:"kind"`
	Attributes map[string]AttrSpec `json:"attributes" koanf:"attributes"`
}

// Check validates s against the schema.
func (k KindSchema) Check(s *Strand) error {
	if s.Kind != k.Kind {
		return invalid("kind", "schema for %q applied to %q", k.Kind, s.Kind)
	}
	for name, spec := range k.Attributes {
		v, ok := s.Attributes.Get(name)
		if !ok {
			// Braids only inherit shared attributes.
			if spec.Required && s.Level == 0 {
				return invalid(name, "required attribute missing")
			}
			continue
		}
		if spec.Type != "" && v.Type != spec.Type {
			return invalid(name, "expected %s, got %s", spec.Type, v.Type)
		}
		if spec.Type == TypeEnum && len(spec.Values) > 0 && !slices.Contains(spec.Values, v.Str) {
			return invalid(name, "value %q not in %v", v.Str, spec.Values)
		}
	}
	return nil
}

// Schemas indexes kind schemas by kind.
type Schemas map[string]KindSchema

// Validate runs structural validation and then the kind's schema, if any.
func (m Schemas) Validate(s *Strand) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if schema, ok := m[s.Kind]; ok {
		return schema.Check(s)
	}
	return nil
}
