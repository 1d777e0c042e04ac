// Package geometry computes the spatial bookkeeping of a U-shaped convolution pyramid.
//
// A pyramid has NumLevels levels; level 0 is the coarsest (bottom of the U) and
// level NumLevels-1 is the finest (original resolution). Every level runs LevelDepth
// "valid" 3x3 convolutions, so each level trims LevelDepth pixels from every border.
// Going up one level doubles the resolution.
//
// The output shape of each level follows
//
//	out[0] = base
//	out[l] = 2*out[l-1] - 2*depth
//
// and the input tile shape is built by adding the depth padding first and then doubling:
//
//	t = base + 2*depth
//	repeat numLevels-1 times: t = 2*t + 2*depth
//
// Example usage:
//
//	spec, err := geometry.NewPyramidSpec(geometry.Shape{28, 28}, 3, 2)
//	if err != nil { ... }
//	in := spec.InputShape()       // input tile shape
//	outs, _ := spec.OutputShapes() // output tile shape per level, bottom to top
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is returned for pyramid configurations that cannot produce positive tile shapes.
var ErrInvalidConfig = errors.New("invalid pyramid configuration")

// Shape is a (height, width) pair.
type Shape [2]int

// Square returns a shape with equal height and width.
func Square(n int) Shape { return Shape{n, n} }

// H returns the height.
func (s Shape) H() int { return s[0] }

// W returns the width.
func (s Shape) W() int { return s[1] }

// Area returns H*W.
func (s Shape) Area() int { return s[0] * s[1] }

// Add returns the elementwise sum.
func (s Shape) Add(o Shape) Shape { return Shape{s[0] + o[0], s[1] + o[1]} }

// Sub returns the elementwise difference.
func (s Shape) Sub(o Shape) Shape { return Shape{s[0] - o[0], s[1] - o[1]} }

// Scale multiplies both dimensions by k.
func (s Shape) Scale(k int) Shape { return Shape{s[0] * k, s[1] * k} }

// Pad adds n to both dimensions.
func (s Shape) Pad(n int) Shape { return Shape{s[0] + n, s[1] + n} }

// Positive reports whether both dimensions are > 0.
func (s Shape) Positive() bool { return s[0] > 0 && s[1] > 0 }

// Fits reports whether s fits inside o elementwise.
func (s Shape) Fits(o Shape) bool { return s[0] <= o[0] && s[1] <= o[1] }

func (s Shape) String() string { return fmt.Sprintf("%dx%d", s[0], s[1]) }

// PyramidSpec is the immutable description of a pyramid.
type PyramidSpec struct {
	BaseShape  Shape `json:"base_shape"`
	NumLevels  int   `json:"num_levels"`
	LevelDepth int   `json:"level_depth"`
}

// LevelShape holds the derived extents of one level.
type LevelShape struct {
	Level int `json:"level"`
	// Input is the encoder-side input at this level: the receptive field the level needs.
	Input Shape `json:"input_shape"`
	// Skip is the encoder output at this level (Input trimmed by the level's convolutions).
	Skip Shape `json:"skip_shape"`
	// DecoderInput is the decoder-side input: base+2*depth at level 0, 2*out[l-1] above.
	DecoderInput Shape `json:"decoder_input_shape"`
	Output       Shape `json:"output_shape"`
}

// NewPyramidSpec validates and returns a pyramid spec.
func NewPyramidSpec(base Shape, numLevels, levelDepth int) (PyramidSpec, error) {
	spec := PyramidSpec{BaseShape: base, NumLevels: numLevels, LevelDepth: levelDepth}
	if err := spec.Validate(); err != nil {
		return PyramidSpec{}, err
	}
	return spec, nil
}

// Validate checks the invariants numLevels >= 1, levelDepth >= 0 and that every
// derived output dimension is positive.
func (p PyramidSpec) Validate() error {
	if p.NumLevels < 1 {
		return fmt.Errorf("%w: num levels must be >= 1, got %d", ErrInvalidConfig, p.NumLevels)
	}
	if p.LevelDepth < 0 {
		return fmt.Errorf("%w: level depth must be >= 0, got %d", ErrInvalidConfig, p.LevelDepth)
	}
	if !p.BaseShape.Positive() {
		return fmt.Errorf("%w: base shape must be positive, got %v", ErrInvalidConfig, p.BaseShape)
	}
	_, err := p.OutputShapes()
	return err
}

// OutputShapes returns the output tile shape of every level, bottom to top.
func (p PyramidSpec) OutputShapes() ([]Shape, error) {
	if p.NumLevels < 1 {
		return nil, fmt.Errorf("%w: num levels must be >= 1, got %d", ErrInvalidConfig, p.NumLevels)
	}
	shapes := make([]Shape, 0, p.NumLevels)
	s := p.BaseShape
	shapes = append(shapes, s)
	for l := 1; l < p.NumLevels; l++ {
		s = s.Scale(2).Pad(-2 * p.LevelDepth)
		if !s.Positive() {
			return nil, fmt.Errorf("%w: level %d output shape %v is not positive", ErrInvalidConfig, l, s)
		}
		shapes = append(shapes, s)
	}
	return shapes, nil
}

// OutputShape returns the output tile shape of the finest level.
func (p PyramidSpec) OutputShape() (Shape, error) {
	shapes, err := p.OutputShapes()
	if err != nil {
		return Shape{}, err
	}
	return shapes[len(shapes)-1], nil
}

// InputShape returns the input tile shape. Padding is added before doubling at every step.
func (p PyramidSpec) InputShape() Shape {
	t := p.BaseShape.Pad(2 * p.LevelDepth)
	for l := 0; l < p.NumLevels-1; l++ {
		t = t.Scale(2).Pad(2 * p.LevelDepth)
	}
	return t
}

// encoderInputs returns the encoder input shape per level, bottom to top.
func (p PyramidSpec) encoderInputs() []Shape {
	shapes := make([]Shape, p.NumLevels)
	t := p.BaseShape.Pad(2 * p.LevelDepth)
	shapes[0] = t
	for l := 1; l < p.NumLevels; l++ {
		t = t.Scale(2).Pad(2 * p.LevelDepth)
		shapes[l] = t
	}
	return shapes
}

// LevelInputShapes returns the decoder-side input shape of every level, bottom to top.
func (p PyramidSpec) LevelInputShapes() ([]Shape, error) {
	outs, err := p.OutputShapes()
	if err != nil {
		return nil, err
	}
	shapes := make([]Shape, p.NumLevels)
	shapes[0] = p.BaseShape.Pad(2 * p.LevelDepth)
	for l := 1; l < p.NumLevels; l++ {
		shapes[l] = outs[l-1].Scale(2)
	}
	return shapes, nil
}

// Levels returns the full shape table, bottom to top.
func (p PyramidSpec) Levels() ([]LevelShape, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	outs, _ := p.OutputShapes()
	decIn, _ := p.LevelInputShapes()
	encIn := p.encoderInputs()

	levels := make([]LevelShape, p.NumLevels)
	for l := range levels {
		levels[l] = LevelShape{
			Level:        l,
			Input:        encIn[l],
			Skip:         encIn[l].Pad(-2 * p.LevelDepth),
			DecoderInput: decIn[l],
			Output:       outs[l],
		}
	}
	return levels, nil
}

// NormalizeLevel maps a possibly negative level index (-1 is the finest level) into
// [0, NumLevels).
func (p PyramidSpec) NormalizeLevel(level int) (int, error) {
	l := level
	if l < 0 {
		l += p.NumLevels
	}
	if l < 0 || l >= p.NumLevels {
		return 0, fmt.Errorf("%w: level %d out of range for %d levels", ErrInvalidConfig, level, p.NumLevels)
	}
	return l, nil
}

// Point is a position in the tile space of some level. Halving is exact in float64,
// so repeated conversions accumulate no rounding.
type Point [2]float64

// Coordinate is a point tagged with the level it belongs to.
type Coordinate struct {
	Point Point `json:"point"`
	Level int   `json:"level"`
}

// ConvertCoordinate moves a point from the tile space of level from to level to.
// Going up: p = 2p + depth. Going down: p = (p - depth) / 2.
func (p PyramidSpec) ConvertCoordinate(pt Point, from, to int) (Point, error) {
	from, err := p.NormalizeLevel(from)
	if err != nil {
		return Point{}, err
	}
	to, err = p.NormalizeLevel(to)
	if err != nil {
		return Point{}, err
	}
	d := float64(p.LevelDepth)
	for from < to {
		pt = Point{2*pt[0] + d, 2*pt[1] + d}
		from++
	}
	for from > to {
		pt = Point{(pt[0] - d) / 2, (pt[1] - d) / 2}
		from--
	}
	return pt, nil
}

// Convert returns c expressed at level to. The returned level is normalized.
func (p PyramidSpec) Convert(c Coordinate, to int) (Coordinate, error) {
	pt, err := p.ConvertCoordinate(c.Point, c.Level, to)
	if err != nil {
		return Coordinate{}, err
	}
	to, _ = p.NormalizeLevel(to)
	return Coordinate{Point: pt, Level: to}, nil
}

// ConvertDistance scales a distance by 2^(to-from).
func (p PyramidSpec) ConvertDistance(distance float64, from, to int) (float64, error) {
	from, err := p.NormalizeLevel(from)
	if err != nil {
		return 0, err
	}
	to, err = p.NormalizeLevel(to)
	if err != nil {
		return 0, err
	}
	return math.Ldexp(distance, to-from), nil
}
