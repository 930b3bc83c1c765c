package entity

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	// KindLiteral accepts exactly one value.
	KindLiteral Kind = iota + 1

	// KindOneOf accepts any value from a set.
	KindOneOf

	// KindAny accepts any value, but requires the key to be present.
	KindAny
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindOneOf:
		return "one_of"
	case KindAny:
		return "any"
	default:
		return "invalid"
	}
}

// Value is a filter value: Literal(v), OneOf(set) or Any.
type Value struct {
	kind   Kind
	values []string
}

// Literal returns a Value accepting exactly v.
func Literal(v string) Value {
	return Value{kind: KindLiteral, values: []string{v}}
}

// OneOf returns a Value accepting any of vs. Duplicates are removed.
func OneOf(vs ...string) Value {
	set := slices.Clone(vs)
	sort.Strings(set)
	return Value{kind: KindOneOf, values: slices.Compact(set)}
}

// Any returns a Value accepting every present value.
func Any() Value {
	return Value{kind: KindAny}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Values returns the accepted values (empty for Any).
func (v Value) Values() []string { return slices.Clone(v.values) }

// Accepts reports whether the (possibly absent) value satisfies v.
func (v Value) Accepts(val string, present bool) bool {
	if !present {
		return false
	}
	switch v.kind {
	case KindAny:
		return true
	case KindLiteral:
		return val == v.values[0]
	case KindOneOf:
		_, found := slices.BinarySearch(v.values, val)
		return found
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindAny:
		return "*"
	case KindLiteral:
		return v.values[0]
	case KindOneOf:
		return "{" + strings.Join(v.values, "|") + "}"
	default:
		return "<invalid>"
	}
}

// Term is one key constraint of a Filter.
type Term struct {
	Key   string
	Value Value
}

// Filter is a conjunction of per-key terms. The zero Filter accepts everything.
type Filter struct {
	terms []Term
}

// NewFilter builds a filter; terms are ordered by key for stable output.
func NewFilter(terms map[string]Value) Filter {
	out := make([]Term, 0, len(terms))
	for k, v := range terms {
		out = append(out, Term{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return Filter{terms: out}
}

// Terms returns the terms sorted by key.
func (f Filter) Terms() []Term {
	return slices.Clone(f.terms)
}

// IsEmpty reports whether the filter has no terms.
func (f Filter) IsEmpty() bool {
	return len(f.terms) == 0
}

// Match reports whether s satisfies every term.
func (f Filter) Match(s Set) bool {
	for _, t := range f.terms {
		val, ok := s.Get(t.Key)
		if !t.Value.Accepts(val, ok) {
			return false
		}
	}
	return true
}

func (f Filter) String() string {
	parts := make([]string, len(f.terms))
	for i, t := range f.terms {
		parts[i] = fmt.Sprintf("%s=%s", t.Key, t.Value)
	}
	return strings.Join(parts, ",")
}
