package routing

import (
	"fmt"

	"github.com/zhuokaizhao/artifice/nn"
)

// CheckGather validates a gather of set from a tensor of shape [batch][h][w][c]. A
// block may run past the edge but its origin must lie inside the input. Backends call
// it before touching any data.
func CheckGather(shape [4]int, set *ActiveBlockSet, spec BlockSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := set.validate(); err != nil {
		return err
	}
	for _, idx := range set.Indices {
		y0, x0 := spec.Origin(idx.Row, idx.Col)
		if idx.Batch < 0 || idx.Batch >= shape[0] || idx.Row < 0 || idx.Col < 0 || y0 >= shape[1] || x0 >= shape[2] {
			return fmt.Errorf("%w: block %+v outside input of shape %v", ErrShapeMismatch, idx, shape)
		}
	}
	return nil
}

// Gather copies the window of every active block out of input into a stacked tensor
// [count][size.H][size.W][C]. Block i of the result is set.Indices[i]. Window positions
// outside input are zero.
func Gather[T nn.Numeric](input *nn.Tensor[T], set *ActiveBlockSet, spec BlockSpec) (*nn.Tensor[T], error) {
	batch, h, w, c, err := input.Dims4()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if err := CheckGather([4]int{batch, h, w, c}, set, spec); err != nil {
		return nil, err
	}

	sh, sw := spec.Size[0], spec.Size[1]
	output := nn.NewTensor[T](set.Count, sh, sw, c)
	for i, idx := range set.Indices {
		y0, x0 := spec.Origin(idx.Row, idx.Col)
		xs, xe := max(x0, 0), min(x0+sw, w)
		if xs >= xe {
			continue
		}
		for dy := 0; dy < sh; dy++ {
			y := y0 + dy
			if y < 0 || y >= h {
				continue
			}
			src := nn.Index4(idx.Batch, y, xs, 0, h, w, c)
			dst := nn.Index4(i, dy, xs-x0, 0, sh, sw, c)
			copy(output.Data[dst:dst+(xe-xs)*c], input.Data[src:src+(xe-xs)*c])
		}
	}
	return output, nil
}
