package filter

import (
	"fmt"
	"image"
	"image/draw"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/gift"

	"github.com/maauso/reframe/internal/surface"
)

// identityString is how an empty transform is rendered.
const identityString = "none"

// Term is one compiled filter with its clamped value.
type Term struct {
	Name  Name
	Value float64
	Unit  Unit
}

// String renders the term as name(value+unit), e.g. "blur(4px)".
func (t Term) String() string {
	return string(t.Name) + "(" + strconv.FormatFloat(t.Value, 'f', -1, 64) + string(t.Unit) + ")"
}

// Transform is the composite of all active filters, in catalog order.
// The zero value is the identity transform.
type Transform struct {
	terms []Term
	g     *gift.GIFT
}

// Compile builds the composite transform for s. Terms are ordered by the
// catalog, never by map iteration, so equal sets always compile to the same
// transform. Values are clamped to their domain.
func Compile(s Set) (Transform, error) {
	for name := range s {
		if !name.IsValid() {
			return Transform{}, fmt.Errorf("%w: %q", ErrInvalidFilterName, name)
		}
	}

	var terms []Term
	for _, d := range catalog {
		v, ok := s[d.Name]
		if !ok {
			continue
		}
		terms = append(terms, Term{Name: d.Name, Value: d.Clamp(v), Unit: d.Unit})
	}
	if len(terms) == 0 {
		return Transform{}, nil
	}

	filters := make([]gift.Filter, 0, len(terms))
	for _, t := range terms {
		if f := kernel(t); f != nil {
			filters = append(filters, f)
		}
	}

	return Transform{terms: terms, g: gift.New(filters...)}, nil
}

// MustCompile is like Compile but panics on an invalid name. It is meant for
// sets that were already validated at the boundary.
func MustCompile(s Set) Transform {
	t, err := Compile(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Apply sets t as the active transform of the surface. The identity
// transform clears any previous one.
func Apply(s *surface.Surface, t Transform) {
	if t.IsIdentity() {
		s.SetEffect(nil)
		return
	}
	s.SetEffect(t)
}

// Terms returns a copy of the compiled terms.
func (t Transform) Terms() []Term {
	out := make([]Term, len(t.terms))
	copy(out, t.terms)
	return out
}

// IsIdentity reports whether the transform leaves pixels untouched.
func (t Transform) IsIdentity() bool {
	return len(t.terms) == 0
}

// String renders the transform as space separated terms, or "none".
func (t Transform) String() string {
	if t.IsIdentity() {
		return identityString
	}
	parts := make([]string, len(t.terms))
	for i, term := range t.terms {
		parts[i] = term.String()
	}
	return strings.Join(parts, " ")
}

// Draw applies the transform to src and writes the result into dst.
func (t Transform) Draw(dst draw.Image, src image.Image) {
	if t.g == nil {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return
	}
	t.g.Draw(dst, src)
}

// kernel maps a term onto a gift filter. Values at their neutral point
// produce no filter.
func kernel(t Term) gift.Filter {
	amount := t.Value / 100
	switch t.Name {
	case Blur:
		if t.Value <= 0 {
			return nil
		}
		return gift.GaussianBlur(float32(t.Value))
	case Brightness:
		return colorFunc(func(c float32) float32 { return c * float32(amount) }, nil)
	case Contrast:
		a := float32(amount)
		return colorFunc(func(c float32) float32 { return (c-0.5)*a + 0.5 }, nil)
	case Grayscale:
		return grayscale(amount)
	case HueRotate:
		shift := math.Mod(t.Value, 360)
		if shift > 180 {
			shift -= 360
		}
		if shift == 0 {
			return nil
		}
		return gift.Hue(float32(shift))
	case Invert:
		a := float32(amount)
		return colorFunc(func(c float32) float32 { return a*(1-c) + (1-a)*c }, nil)
	case Opacity:
		a := float32(amount)
		return colorFunc(nil, func(alpha float32) float32 { return alpha * a })
	case Saturate:
		if t.Value == 100 {
			return nil
		}
		return gift.Saturation(float32(t.Value - 100))
	case Sepia:
		if t.Value <= 0 {
			return nil
		}
		return gift.Sepia(float32(t.Value))
	}
	return nil
}

// colorFunc applies rgb to each colour channel and alpha to the alpha
// channel. Either may be nil.
func colorFunc(rgb, alpha func(float32) float32) gift.Filter {
	return gift.ColorFunc(func(r0, g0, b0, a0 float32) (r, g, b, a float32) {
		r, g, b, a = r0, g0, b0, a0
		if rgb != nil {
			r, g, b = clamp01(rgb(r0)), clamp01(rgb(g0)), clamp01(rgb(b0))
		}
		if alpha != nil {
			a = clamp01(alpha(a0))
		}
		return r, g, b, a
	})
}

// grayscale applies the luminance matrix used by the CSS grayscale() filter.
func grayscale(amount float64) gift.Filter {
	if amount <= 0 {
		return nil
	}
	s := float32(1 - math.Min(amount, 1))
	m := [9]float32{
		0.2126 + 0.7874*s, 0.7152 - 0.7152*s, 0.0722 - 0.0722*s,
		0.2126 - 0.2126*s, 0.7152 + 0.2848*s, 0.0722 - 0.0722*s,
		0.2126 - 0.2126*s, 0.7152 - 0.7152*s, 0.0722 + 0.9278*s,
	}
	return gift.ColorFunc(func(r0, g0, b0, a0 float32) (r, g, b, a float32) {
		r = clamp01(m[0]*r0 + m[1]*g0 + m[2]*b0)
		g = clamp01(m[3]*r0 + m[4]*g0 + m[5]*b0)
		b = clamp01(m[6]*r0 + m[7]*g0 + m[8]*b0)
		return r, g, b, a0
	})
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
