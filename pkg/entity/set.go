// Package entity parses derivative filenames into structured entities.
//
// An entity is a named attribute extracted from a filename, such as the
// subject or session of a BIDS-style derivative:
//
//	sub-01_ses-A_desc-brain_mask.nii.gz
//	  subject=01 session=A desc=brain suffix=mask extension=.nii.gz
//
// Keys come from a fixed, configurable Vocabulary. The vocabulary order is
// the canonical order of every Set, so two sets built from the same
// vocabulary always list their pairs identically.
package entity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKey is returned when a key is not part of the vocabulary.
var ErrUnknownKey = errors.New("unknown entity key")

// Entity describes one vocabulary entry.
type Entity struct {
	// Name is the entity key (e.g., "subject").
	Name string `json:"name" yaml:"name"`

	// Label is the short form used in output names (e.g., "sub").
	// Defaults to Name.
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Vocabulary is the ordered set of entity keys a run understands.
type Vocabulary struct {
	entities []Entity
	pos      map[string]int
}

// DefaultEntities is the BIDS-like vocabulary used when a document declares none.
var DefaultEntities = []Entity{
	{Name: "subject", Label: "sub"},
	{Name: "session", Label: "ses"},
	{Name: "task", Label: "task"},
	{Name: "acquisition", Label: "acq"},
	{Name: "run", Label: "run"},
	{Name: "space", Label: "space"},
	{Name: "desc", Label: "desc"},
	{Name: "suffix", Label: "suffix"},
	{Name: "extension", Label: "ext"},
}

// NewVocabulary builds a vocabulary. Names must be non-empty and unique.
func NewVocabulary(entities []Entity) (*Vocabulary, error) {
	if len(entities) == 0 {
		return nil, errors.New("vocabulary is empty")
	}
	v := &Vocabulary{
		entities: make([]Entity, 0, len(entities)),
		pos:      make(map[string]int, len(entities)),
	}
	for _, e := range entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, errors.New("vocabulary entry has empty name")
		}
		if _, dup := v.pos[name]; dup {
			return nil, fmt.Errorf("duplicate vocabulary entry %q", name)
		}
		label := strings.TrimSpace(e.Label)
		if label == "" {
			label = name
		}
		v.pos[name] = len(v.entities)
		v.entities = append(v.entities, Entity{Name: name, Label: label})
	}
	return v, nil
}

// MustVocabulary is NewVocabulary for static tables. It panics on error.
func MustVocabulary(entities []Entity) *Vocabulary {
	v, err := NewVocabulary(entities)
	if err != nil {
		panic(err)
	}
	return v
}

// Has reports whether key is in the vocabulary.
func (v *Vocabulary) Has(key string) bool {
	_, ok := v.pos[key]
	return ok
}

// Label returns the output label for key, or key itself when unknown.
func (v *Vocabulary) Label(key string) string {
	if i, ok := v.pos[key]; ok {
		return v.entities[i].Label
	}
	return key
}

// Entities returns a copy of the vocabulary entries in order.
func (v *Vocabulary) Entities() []Entity {
	out := make([]Entity, len(v.entities))
	copy(out, v.entities)
	return out
}

// NewSet builds a Set from unordered values, ordering pairs by vocabulary
// position. Empty values are dropped.
func (v *Vocabulary) NewSet(values map[string]string) (Set, error) {
	pairs := make([]Pair, 0, len(values))
	for k, val := range values {
		if !v.Has(k) {
			return Set{}, fmt.Errorf("%w: %s", ErrUnknownKey, k)
		}
		if val == "" {
			continue
		}
		pairs = append(pairs, Pair{Key: k, Value: val})
	}
	sortPairs(pairs, v.pos)
	return Set{pairs: pairs}, nil
}

// Pair is a single entity key/value.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Set is an ordered, immutable mapping from entity key to value.
type Set struct {
	pairs []Pair
}

// Get returns the value for key.
func (s Set) Get(key string) (string, bool) {
	for _, p := range s.pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Len returns the number of pairs.
func (s Set) Len() int { return len(s.pairs) }

// Pairs returns a copy of the pairs in order.
func (s Set) Pairs() []Pair {
	out := make([]Pair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// Map returns the set as a plain map.
func (s Set) Map() map[string]string {
	out := make(map[string]string, len(s.pairs))
	for _, p := range s.pairs {
		out[p.Key] = p.Value
	}
	return out
}

// Project returns the Key formed by keys, in the order given. Missing keys
// project to an empty value so files without e.g. a session still group.
func (s Set) Project(keys []string) Key {
	k := make(Key, len(keys))
	for i, name := range keys {
		val, _ := s.Get(name)
		k[i] = Pair{Key: name, Value: val}
	}
	return k
}

// Equal reports whether both sets agree on every key in keys.
// A nil keys slice compares the full sets.
func (s Set) Equal(other Set, keys []string) bool {
	if keys == nil {
		if len(s.pairs) != len(other.pairs) {
			return false
		}
		for i := range s.pairs {
			if s.pairs[i] != other.pairs[i] {
				return false
			}
		}
		return true
	}
	return s.Project(keys).Compare(other.Project(keys)) == 0
}

// String renders the set as "key=value,key=value".
func (s Set) String() string {
	return joinPairs(s.pairs)
}

// Key is the projection of a Set onto an ordered list of matching keys.
// It identifies one group of files and, through it, one Job.
type Key []Pair

// Compare orders keys lexicographically over their value tuples.
func (k Key) Compare(other Key) int {
	n := min(len(k), len(other))
	for i := 0; i < n; i++ {
		if c := strings.Compare(k[i].Value, other[i].Value); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(other):
		return -1
	case len(k) > len(other):
		return 1
	}
	return 0
}

// NonEmpty returns the pairs that carry a value.
func (k Key) NonEmpty() []Pair {
	out := make([]Pair, 0, len(k))
	for _, p := range k {
		if p.Value != "" {
			out = append(out, p)
		}
	}
	return out
}

// Map returns the non-empty pairs as a map.
func (k Key) Map() map[string]string {
	out := make(map[string]string, len(k))
	for _, p := range k {
		if p.Value != "" {
			out[p.Key] = p.Value
		}
	}
	return out
}

// String renders the key as "key=value,key=value", skipping empty values.
func (k Key) String() string {
	return joinPairs(k.NonEmpty())
}

func joinPairs(pairs []Pair) string {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

func sortPairs(pairs []Pair, pos map[string]int) {
	// insertion sort; sets are small
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pos[pairs[j].Key] < pos[pairs[j-1].Key]; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
}
