package nn

import (
	"errors"
	"fmt"
)

// Numeric is the set of element types a Tensor can hold.
type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// ErrShape is returned by operators when input shapes do not fit the operator.
var ErrShape = errors.New("tensor shape mismatch")

// Tensor is a dense row-major tensor.
type Tensor[T Numeric] struct {
	Data    []T
	Shape   []int
	Strides []int
}

func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NewTensor allocates a zero tensor with the given shape.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	s := append([]int(nil), shape...)
	return &Tensor[T]{
		Data:    make([]T, volume(s)),
		Shape:   s,
		Strides: stridesFor(s),
	}
}

// NewTensorFromSlice wraps data (not copied) with the given shape.
// If shape is empty the tensor is 1-D.
func NewTensorFromSlice[T Numeric](data []T, shape ...int) *Tensor[T] {
	s := append([]int(nil), shape...)
	if len(s) == 0 {
		s = []int{len(data)}
	}
	return &Tensor[T]{Data: data, Shape: s, Strides: stridesFor(s)}
}

// Size returns the number of elements.
func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	return &Tensor[T]{
		Data:    append([]T(nil), t.Data...),
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
	}
}

// Reshape returns a view with a new shape sharing t's data, or nil if the
// element count differs.
func (t *Tensor[T]) Reshape(shape ...int) *Tensor[T] {
	if volume(shape) != len(t.Data) {
		return nil
	}
	s := append([]int(nil), shape...)
	return &Tensor[T]{Data: t.Data, Shape: s, Strides: stridesFor(s)}
}

// Dims4 returns the NHWC dimensions. A 3-D tensor is read as [b][h][w] with one channel.
func (t *Tensor[T]) Dims4() (b, h, w, c int, err error) {
	switch len(t.Shape) {
	case 4:
		return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
	case 3:
		return t.Shape[0], t.Shape[1], t.Shape[2], 1, nil
	default:
		return 0, 0, 0, 0, fmt.Errorf("%w: expected NHWC tensor, got shape %v", ErrShape, t.Shape)
	}
}

// Index4 returns the flat index of (b, y, x, c) for an NHWC tensor with height h,
// width w and c channels.
func Index4(b, y, x, ch, h, w, c int) int {
	return ((b*h+y)*w+x)*c + ch
}

// At4 reads element (b, y, x, ch) of an NHWC tensor.
func (t *Tensor[T]) At4(b, y, x, ch int) T {
	_, h, w, c, _ := t.Dims4()
	return t.Data[Index4(b, y, x, ch, h, w, c)]
}

// Set4 writes element (b, y, x, ch) of an NHWC tensor.
func (t *Tensor[T]) Set4(b, y, x, ch int, v T) {
	_, h, w, c, _ := t.Dims4()
	t.Data[Index4(b, y, x, ch, h, w, c)] = v
}

// SameShape reports whether a and b have identical shapes.
func SameShape[T Numeric](a, b *Tensor[T]) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v.
func (t *Tensor[T]) Fill(v T) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
