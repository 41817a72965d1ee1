package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Set maps active filters to their intensity. A missing key means the filter
// is inactive. Sets are snapshots: replace them, don't mutate shared ones.
type Set map[Name]float64

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Validate checks every entry against the catalog and its domain.
func (s Set) Validate() error {
	for _, name := range s.names() {
		d, err := Lookup(name)
		if err != nil {
			return err
		}
		if v := s[name]; !d.Contains(v) {
			return fmt.Errorf("%w: %s=%g (allowed %g..%g)", ErrValueOutOfRange, name, v, d.Min, d.Max)
		}
	}
	return nil
}

// String formats the set as comma separated name=value pairs in catalog order.
func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, d := range catalog {
		if v, ok := s[d.Name]; ok {
			parts = append(parts, string(d.Name)+"="+strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	return strings.Join(parts, ",")
}

// names returns the keys sorted, so errors are reported deterministically.
func (s Set) names() []Name {
	names := make([]Name, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Parse reads a set from "name=value" pairs separated by commas or spaces.
// "name:value" is accepted as well, and a value may carry its filter's unit
// ("blur=4px"). An empty string yields an empty set.
func Parse(s string) (Set, error) {
	set := Set{}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	for _, f := range fields {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			key, val, ok = strings.Cut(f, ":")
		}
		if !ok {
			return nil, fmt.Errorf("parse filter %q: expected name=value", f)
		}
		name := Name(strings.ToLower(strings.TrimSpace(key)))
		def, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		// Only the filter's own unit may follow the number.
		v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(val), string(def.Unit)), 64)
		if err != nil {
			return nil, fmt.Errorf("parse filter %s value %q: %w", name, val, err)
		}
		set[name] = v
	}
	return set, nil
}
