// Package routing implements block-sparse execution: selecting the spatial blocks of a
// mask that exceed a threshold, gathering those blocks out of a dense NHWC tensor into
// a smaller batch, and scattering per-block results back into a full-size tensor.
//
// Selection, gather and scatter all address blocks by the same (batch, row, col) grid
// index. Each step places block (r, c) at
//
//	origin = (r*Stride.H + Offset.H, c*Stride.W + Offset.W)
//
// with its own BlockSpec, so a gather can read a wider window (convolution halo) than
// the scatter later writes, while both stay aligned to one logical grid.
package routing

import (
	"errors"
	"fmt"

	"github.com/zhuokaizhao/artifice/geometry"
)

var (
	// ErrShapeMismatch is returned when tensors do not fit the block configuration.
	ErrShapeMismatch = errors.New("block shape mismatch")
	// ErrOverlappingScatter is returned when scatter blocks would overlap (stride < size).
	ErrOverlappingScatter = errors.New("overlapping scatter blocks")
	// ErrInvalidBlockSpec is returned for non-positive block sizes or strides.
	ErrInvalidBlockSpec = errors.New("invalid block spec")
)

// BoundaryPolicy decides what happens to the trailing block when the stride does not
// divide the extent evenly.
type BoundaryPolicy int

const (
	// BoundaryPad keeps the trailing partial block. Out-of-range positions are ignored by
	// selection, zero-filled by gather and clipped by scatter.
	BoundaryPad BoundaryPolicy = 0
	// BoundaryDrop keeps only blocks that lie entirely inside the extent.
	BoundaryDrop BoundaryPolicy = 1
)

func (p BoundaryPolicy) String() string {
	if p == BoundaryDrop {
		return "drop"
	}
	return "pad"
}

// ParseBoundaryPolicy converts "pad" / "drop" to a policy. Empty means pad.
func ParseBoundaryPolicy(s string) (BoundaryPolicy, error) {
	switch s {
	case "", "pad":
		return BoundaryPad, nil
	case "drop":
		return BoundaryDrop, nil
	default:
		return 0, fmt.Errorf("unknown boundary policy %q", s)
	}
}

// BlockSpec places blocks of Size every Stride pixels, starting at Offset.
type BlockSpec struct {
	Size   geometry.Shape `json:"size"`
	Stride geometry.Shape `json:"stride"`
	Offset geometry.Shape `json:"offset,omitempty"`
}

// Validate checks that size and stride are positive and the offset is not negative.
func (s BlockSpec) Validate() error {
	if !s.Size.Positive() || !s.Stride.Positive() {
		return fmt.Errorf("%w: size %v stride %v", ErrInvalidBlockSpec, s.Size, s.Stride)
	}
	if s.Offset[0] < 0 || s.Offset[1] < 0 {
		return fmt.Errorf("%w: negative offset %v", ErrInvalidBlockSpec, s.Offset)
	}
	return nil
}

// Overlaps reports whether neighbouring blocks share pixels.
func (s BlockSpec) Overlaps() bool {
	return s.Stride[0] < s.Size[0] || s.Stride[1] < s.Size[1]
}

// Origin returns the top-left pixel of block (row, col).
func (s BlockSpec) Origin(row, col int) (y, x int) {
	return row*s.Stride[0] + s.Offset[0], col*s.Stride[1] + s.Offset[1]
}

// Grid is the number of block rows and columns.
type Grid struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Blocks returns Rows*Cols.
func (g Grid) Blocks() int { return g.Rows * g.Cols }

func gridCount(extent, size, stride, offset int, policy BoundaryPolicy) int {
	avail := extent - offset
	if policy == BoundaryDrop {
		if avail < size {
			return 0
		}
		return 1 + (avail-size)/stride
	}
	if avail <= 0 {
		return 0
	}
	rest := avail - size
	if rest <= 0 {
		return 1
	}
	return 1 + (rest+stride-1)/stride
}

// Grid returns the block grid over an extent under policy.
func (s BlockSpec) Grid(extent geometry.Shape, policy BoundaryPolicy) Grid {
	return Grid{
		Rows: gridCount(extent[0], s.Size[0], s.Stride[0], s.Offset[0], policy),
		Cols: gridCount(extent[1], s.Size[1], s.Stride[1], s.Offset[1], policy),
	}
}

// BlockIndex addresses one block of one batch element.
type BlockIndex struct {
	Batch int `json:"batch"`
	Row   int `json:"row"`
	Col   int `json:"col"`
}

// ActiveBlockSet lists active blocks in discovery order: batch-major, then row-major.
// Gather and scatter consume Indices by position, so the order must not change.
type ActiveBlockSet struct {
	Count   int          `json:"count"`
	Indices []BlockIndex `json:"indices"`
	Grid    Grid         `json:"grid"`
	Batch   int          `json:"batch"`
}

// AllBlocks returns a set with every block of every batch element active.
func AllBlocks(batch int, grid Grid) *ActiveBlockSet {
	set := &ActiveBlockSet{Grid: grid, Batch: batch, Indices: make([]BlockIndex, 0, batch*grid.Blocks())}
	for b := 0; b < batch; b++ {
		for r := 0; r < grid.Rows; r++ {
			for c := 0; c < grid.Cols; c++ {
				set.Indices = append(set.Indices, BlockIndex{Batch: b, Row: r, Col: c})
			}
		}
	}
	set.Count = len(set.Indices)
	return set
}

// Total returns the number of blocks in the grid across the batch.
func (s *ActiveBlockSet) Total() int {
	return s.Batch * s.Grid.Blocks()
}

// Bitmap returns one flag per grid block, indexed (batch*Rows+row)*Cols+col.
func (s *ActiveBlockSet) Bitmap() []bool {
	bits := make([]bool, s.Total())
	for _, idx := range s.Indices {
		bits[(idx.Batch*s.Grid.Rows+idx.Row)*s.Grid.Cols+idx.Col] = true
	}
	return bits
}

// Slice returns the set of Indices[from:to] over the same grid, sharing s's storage.
func (s *ActiveBlockSet) Slice(from, to int) *ActiveBlockSet {
	return &ActiveBlockSet{Count: to - from, Indices: s.Indices[from:to], Grid: s.Grid, Batch: s.Batch}
}

func (s *ActiveBlockSet) validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil active block set", ErrShapeMismatch)
	}
	if s.Count != len(s.Indices) {
		return fmt.Errorf("%w: count %d but %d indices", ErrShapeMismatch, s.Count, len(s.Indices))
	}
	return nil
}
