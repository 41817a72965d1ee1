// Package filter implements the closed catalog of visual adjustments and
// compiles a set of them into a single composite transform for a surface.
package filter

import (
	"errors"
	"fmt"
	"math"
)

// Static errors for filter operations.
var (
	// ErrInvalidFilterName is returned for a name outside the catalog.
	ErrInvalidFilterName = errors.New("invalid filter name")
	// ErrValueOutOfRange is returned when a value falls outside its domain.
	ErrValueOutOfRange = errors.New("filter value out of range")
)

// Name identifies a filter in the catalog.
type Name string

// Catalog filter names. The declaration order is the order in which filters
// are compiled and applied.
const (
	Blur       Name = "blur"
	Brightness Name = "brightness"
	Contrast   Name = "contrast"
	Grayscale  Name = "grayscale"
	HueRotate  Name = "hue-rotate"
	Invert     Name = "invert"
	Opacity    Name = "opacity"
	Saturate   Name = "saturate"
	Sepia      Name = "sepia"
)

// Unit is the unit a filter value is expressed in.
type Unit string

const (
	UnitPixel   Unit = "px"
	UnitPercent Unit = "%"
	UnitDegree  Unit = "deg"
)

// Definition describes one catalog entry.
type Definition struct {
	Name    Name     `json:"name"`
	Unit    Unit     `json:"unit"`
	Default *float64 `json:"default,omitempty"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Step    float64  `json:"step"`
}

func def(v float64) *float64 { return &v }

var catalog = []Definition{
	{Name: Blur, Unit: UnitPixel, Default: def(0), Min: 0, Max: 20, Step: 1},
	{Name: Brightness, Unit: UnitPercent, Default: def(100), Min: 0, Max: 200, Step: 1},
	{Name: Contrast, Unit: UnitPercent, Default: def(100), Min: 0, Max: 200, Step: 1},
	{Name: Grayscale, Unit: UnitPercent, Default: def(0), Min: 0, Max: 100, Step: 1},
	{Name: HueRotate, Unit: UnitDegree, Default: def(0), Min: 0, Max: 360, Step: 1},
	{Name: Invert, Unit: UnitPercent, Default: def(0), Min: 0, Max: 100, Step: 1},
	{Name: Opacity, Unit: UnitPercent, Default: def(100), Min: 0, Max: 100, Step: 1},
	{Name: Saturate, Unit: UnitPercent, Default: def(100), Min: 0, Max: 200, Step: 1},
	{Name: Sepia, Unit: UnitPercent, Default: def(0), Min: 0, Max: 100, Step: 1},
}

var byName = func() map[Name]int {
	m := make(map[Name]int, len(catalog))
	for i, d := range catalog {
		m[d.Name] = i
	}
	return m
}()

// Catalog returns a copy of the filter definitions in catalog order.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the definition for name.
func Lookup(name Name) (Definition, error) {
	i, ok := byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrInvalidFilterName, name)
	}
	return catalog[i], nil
}

// IsValid reports whether name belongs to the catalog.
func (n Name) IsValid() bool {
	_, ok := byName[n]
	return ok
}

// Clamp limits v to the definition's domain. NaN maps to the default, or
// to Min when the filter has none.
func (d Definition) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		if d.Default != nil {
			return *d.Default
		}
		return d.Min
	}
	return math.Min(math.Max(v, d.Min), d.Max)
}

// Contains reports whether v lies within the definition's domain.
func (d Definition) Contains(v float64) bool {
	return !math.IsNaN(v) && v >= d.Min && v <= d.Max
}
