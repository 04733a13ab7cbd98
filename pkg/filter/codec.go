// Package filter translates named, user-defined filter values into the fixed
// width numbered slots understood by the vector and text indexes.
//
// A namespace declares up to MaxFilters filter names. The position of a name
// in that list is its slot number.
package filter

import (
	"errors"
	"fmt"
)

// MaxFilters is the number of filter slots carried by every vector record.
const MaxFilters = 4

var (
	// ErrTooManyFilters is returned when a schema declares more than MaxFilters names
	ErrTooManyFilters = errors.New("too many filter names")

	// ErrUnknownFilter is returned when a filter name is not part of the schema
	ErrUnknownFilter = errors.New("unknown filter name")

	// ErrDuplicateFilter is returned when a filter name is used more than once
	ErrDuplicateFilter = errors.New("duplicate filter name")
)

// Named is a user facing filter value.
type Named struct {
	Name  string `msgpack:"n" json:"name" yaml:"name"`
	Value Value  `msgpack:"v" json:"value" yaml:"value"`
}

// Numbered holds one optional value per filter slot.
type Numbered [MaxFilters]*Value

// IsEmpty reports whether no slot is set.
func (n Numbered) IsEmpty() bool {
	for _, v := range n {
		if v != nil {
			return false
		}
	}
	return true
}

// ValidateNames checks a namespace filter schema.
func ValidateNames(names []string) error {
	if len(names) > MaxFilters {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFilters, len(names), MaxFilters)
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateFilter, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Encode maps named values onto slots using the schema ordering.
func Encode(names []string, values []Named) (Numbered, error) {
	var out Numbered
	for _, nv := range values {
		slot := indexOf(names, nv.Name)
		if slot < 0 {
			return Numbered{}, fmt.Errorf("%w: %q", ErrUnknownFilter, nv.Name)
		}
		if out[slot] != nil {
			return Numbered{}, fmt.Errorf("%w: %q", ErrDuplicateFilter, nv.Name)
		}
		v := nv.Value
		out[slot] = &v
	}
	return out, nil
}

// Decode is the inverse of Encode. Slots beyond the schema are ignored.
func Decode(names []string, numbered Numbered) []Named {
	var out []Named
	for slot, name := range names {
		if slot >= MaxFilters {
			break
		}
		if v := numbered[slot]; v != nil {
			out = append(out, Named{Name: name, Value: *v})
		}
	}
	return out
}

// Compile builds the OR-list of slot sets used by a search. Every entry of
// anyOf becomes its own single-slot set; every group in allOf becomes one set
// whose slots must all match.
func Compile(names []string, anyOf []Named, allOf [][]Named) ([]Numbered, error) {
	sets := make([]Numbered, 0, len(anyOf)+len(allOf))
	for _, nv := range anyOf {
		set, err := Encode(names, []Named{nv})
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	for _, group := range allOf {
		if len(group) == 0 {
			continue
		}
		set, err := Encode(names, group)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// SetEqual reports whether two filter lists contain the same name/value pairs
// regardless of order.
func SetEqual(a, b []Named) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, nv := range a {
		counts[pairKey(nv)]++
	}
	for _, nv := range b {
		k := pairKey(nv)
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}
	return true
}

func pairKey(nv Named) string {
	return nv.Name + "\x00" + nv.Value.Key()
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
