package strand

import (
	"fmt"
	"strings"
)

// Condition constrains one attribute. Equals compares against the value's
// canonical Key; Min and Max bound numeric values inclusively. A strand
// missing the attribute never matches.
type Condition struct {
	Name   string   `json:"name" koanf:"name"`
	Equals *string  `json:"equals,omitempty" koanf:"equals"`
	Min    *float64 `json:"min,omitempty" koanf:"min"`
	Max    *float64 `json:"max,omitempty" koanf:"max"`
}

// Eq returns an equality condition.
func Eq(name, value string) Condition {
	return Condition{Name: name, Equals: &value}
}

// Between returns an inclusive numeric range condition. Either bound may be nil.
func Between(name string, minV, maxV *float64) Condition {
	return Condition{Name: name, Min: minV, Max: maxV}
}

// Matches reports whether attrs satisfy the condition.
func (c Condition) Matches(attrs Attributes) bool {
	v, ok := attrs.Get(c.Name)
	if !ok {
		return false
	}
	if c.Equals != nil && v.Key() != *c.Equals {
		return false
	}
	if c.Min != nil || c.Max != nil {
		if v.Type != TypeNumeric {
			return false
		}
		if c.Min != nil && v.Num < *c.Min {
			return false
		}
		if c.Max != nil && v.Num > *c.Max {
			return false
		}
	}
	return true
}

func (c Condition) String() string {
	var parts []string
	if c.Equals != nil {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Name, *c.Equals))
	}
	if c.Min != nil {
		parts = append(parts, fmt.Sprintf("%s>=%g", c.Name, *c.Min))
	}
	if c.Max != nil {
		parts = append(parts, fmt.Sprintf("%s<=%g", c.Name, *c.Max))
	}
	if len(parts) == 0 {
		return c.Name + " present"
	}
	return strings.Join(parts, ",")
}

// Filter is a conjunction of conditions. The empty filter matches everything.
type Filter []Condition

// Matches reports whether attrs satisfy every condition.
func (f Filter) Matches(attrs Attributes) bool {
	for _, c := range f {
		if !c.Matches(attrs) {
			return false
		}
	}
	return true
}

func (f Filter) String() string {
	parts := make([]string, len(f))
	for i, c := range f {
		parts[i] = c.String()
	}
	return strings.Join(parts, ";")
}

// AnyOf is a disjunction of filters. It matches when any member filter
// matches. The empty set matches nothing.
type AnyOf []Filter

// Matches reports whether attrs satisfy at least one filter.
func (a AnyOf) Matches(attrs Attributes) bool {
	for _, f := range a {
		if f.Matches(attrs) {
			return true
		}
	}
	return false
}
