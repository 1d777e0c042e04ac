package routing

import (
	"fmt"
	"math"

	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/nn"
	"gonum.org/v1/gonum/floats"
)

// SelectBlocks marks block (b, r, c) of grid active when the largest absolute mask
// value inside its window is strictly greater than tol. tol is first rounded to the
// mask's element precision, so a float32 mask value stored as tol stays inactive.
// Window positions outside the mask are ignored. All channels of the mask take part in
// the reduction.
func SelectBlocks[T nn.Numeric](mask *nn.Tensor[T], spec BlockSpec, grid Grid, tol float64) (*ActiveBlockSet, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	batch, h, w, c, err := mask.Dims4()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}

	limit := threshold[T](tol)
	set := &ActiveBlockSet{Grid: grid, Batch: batch}
	window := make([]float64, 0, spec.Size.Area()*c)
	for b := 0; b < batch; b++ {
		for r := 0; r < grid.Rows; r++ {
			for col := 0; col < grid.Cols; col++ {
				y0, x0 := spec.Origin(r, col)
				y1, x1 := min(y0+spec.Size[0], h), min(x0+spec.Size[1], w)
				window = window[:0]
				for y := max(y0, 0); y < y1; y++ {
					for x := max(x0, 0); x < x1; x++ {
						base := nn.Index4(b, y, x, 0, h, w, c)
						for ch := 0; ch < c; ch++ {
							window = append(window, float64(mask.Data[base+ch]))
						}
					}
				}
				if len(window) == 0 {
					continue
				}
				if floats.Norm(window, math.Inf(1)) > limit {
					set.Indices = append(set.Indices, BlockIndex{Batch: b, Row: r, Col: col})
				}
			}
		}
	}
	set.Count = len(set.Indices)
	return set, nil
}

// threshold rounds tol to the precision of T. Widening a float32 mask value is exact,
// so comparing against the rounded tol matches a comparison done in float32.
func threshold[T nn.Numeric](tol float64) float64 {
	var zero T
	if _, ok := any(zero).(float32); ok {
		return float64(float32(tol))
	}
	return tol
}

// ReduceMask selects active blocks over the grid the spec and policy produce for the
// mask's own extent.
func ReduceMask[T nn.Numeric](mask *nn.Tensor[T], spec BlockSpec, policy BoundaryPolicy, tol float64) (*ActiveBlockSet, error) {
	_, h, w, _, err := mask.Dims4()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	return SelectBlocks(mask, spec, spec.Grid(geometry.Shape{h, w}, policy), tol)
}

// BlockMaxima returns the max-abs value of every grid block, indexed like Bitmap.
// Blocks past the mask edge are clipped; a block with no pixels reports 0.
func BlockMaxima[T nn.Numeric](mask *nn.Tensor[T], spec BlockSpec, grid Grid) ([]float64, error) {
	batch, h, w, c, err := mask.Dims4()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	out := make([]float64, batch*grid.Blocks())
	window := make([]float64, 0, spec.Size.Area()*c)
	i := 0
	for b := 0; b < batch; b++ {
		for r := 0; r < grid.Rows; r++ {
			for col := 0; col < grid.Cols; col++ {
				y0, x0 := spec.Origin(r, col)
				window = window[:0]
				for y := max(y0, 0); y < min(y0+spec.Size[0], h); y++ {
					for x := max(x0, 0); x < min(x0+spec.Size[1], w); x++ {
						base := nn.Index4(b, y, x, 0, h, w, c)
						for ch := 0; ch < c; ch++ {
							window = append(window, float64(mask.Data[base+ch]))
						}
					}
				}
				if len(window) > 0 {
					out[i] = floats.Norm(window, math.Inf(1))
				}
				i++
			}
		}
	}
	return out, nil
}
