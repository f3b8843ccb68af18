package strand

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AttrType is the declared type of an attribute value. It decides how
// equality and bucketing are computed during clustering.
type AttrType string

const (
	// TypeCategorical is a free-form string compared by exact match.
	TypeCategorical AttrType = "categorical"

	// TypeEnum is a string restricted to a declared value set.
	TypeEnum AttrType = "enum"

	// TypeNumeric is a finite float64, bucketed by range strategies.
	TypeNumeric AttrType = "numeric"

	// TypeBoolean is a true/false flag, typically an outcome.
	TypeBoolean AttrType = "boolean"
)

// Valid reports whether t is a known attribute type.
func (t AttrType) Valid() bool {
	switch t {
	case TypeCategorical, TypeEnum, TypeNumeric, TypeBoolean:
		return true
	}
	return false
}

// Value is a typed attribute value.
type Value struct {
	Type AttrType
	Str  string
	Num  float64
	Bool bool
}

// String returns a categorical value.
func String(s string) Value { return Value{Type: TypeCategorical, Str: s} }

// EnumOf returns an enum value.
func EnumOf(s string) Value { return Value{Type: TypeEnum, Str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{Type: TypeNumeric, Num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Type: TypeBoolean, Bool: b} }

// Key renders the canonical text form used in bucket keys and equality filters.
func (v Value) Key() string {
	switch v.Type {
	case TypeNumeric:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case TypeBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Equal compares two values by type and canonical form.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	if v.Type == TypeNumeric {
		return v.Num == o.Num
	}
	return v.Key() == o.Key()
}

func (v Value) validate(field string) error {
	if !v.Type.Valid() {
		return invalid(field, "unknown attribute type %q", v.Type)
	}
	if v.Type == TypeNumeric && (math.IsNaN(v.Num) || math.IsInf(v.Num, 0)) {
		return invalid(field, "numeric value must be finite")
	}
	return nil
}

type wireValue struct {
	Type  AttrType        `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var raw any
	switch v.Type {
	case TypeNumeric:
		raw = v.Num
	case TypeBoolean:
		raw = v.Bool
	default:
		raw = v.Str
	}
	inner, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.Type, Value: inner})
}

// UnmarshalJSON decodes the {"type": ..., "value": ...} form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Value{Type: w.Type}
	var err error
	switch w.Type {
	case TypeNumeric:
		err = json.Unmarshal(w.Value, &out.Num)
	case TypeBoolean:
		err = json.Unmarshal(w.Value, &out.Bool)
	case TypeCategorical, TypeEnum:
		err = json.Unmarshal(w.Value, &out.Str)
	default:
		return fmt.Errorf("unknown attribute type %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("decoding %s value: %w", w.Type, err)
	}
	*v = out
	return nil
}

// Attribute is one named clustering field of a strand.
type Attribute struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Attributes is an ordered list of attributes with unique names.
type Attributes []Attribute

// Get returns the value for name.
func (a Attributes) Get(name string) (Value, bool) {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value for name, or appends it if absent.
func (a Attributes) Set(name string, v Value) Attributes {
	for i := range a {
		if a[i].Name == name {
			a[i].Value = v
			return a
		}
	}
	return append(a, Attribute{Name: name, Value: v})
}

// Common returns the attributes whose value is identical across every set,
// in the order of the first set.
func Common(sets ...Attributes) Attributes {
	if len(sets) == 0 {
		return nil
	}
	var out Attributes
	for _, attr := range sets[0] {
		shared := true
		for _, other := range sets[1:] {
			v, ok := other.Get(attr.Name)
			if !ok || !v.Equal(attr.Value) {
				shared = false
				break
			}
		}
		if shared {
			out = append(out, attr)
		}
	}
	return out
}

func (a Attributes) clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	copy(out, a)
	return out
}

func (a Attributes) validate() error {
	seen := make(map[string]struct{}, len(a))
	for i, attr := range a {
		field := fmt.Sprintf("attributes[%d]", i)
		if attr.Name == "" {
			return invalid(field, "attribute name cannot be empty")
		}
		if _, dup := seen[attr.Name]; dup {
			return &ValidationError{Field: attr.Name, Reason: ErrDuplicateAttr.Error()}
		}
		seen[attr.Name] = struct{}{}
		if err := attr.Value.validate(attr.Name); err != nil {
			return err
		}
	}
	return nil
}

// String renders the attributes as "name=value, ..." in order.
func (a Attributes) String() string {
	parts := make([]string, len(a))
	for i, attr := range a {
		parts[i] = attr.Name + "=" + attr.Value.Key()
	}
	return strings.Join(parts, ", ")
}
