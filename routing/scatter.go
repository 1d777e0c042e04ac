package routing

import (
	"fmt"

	"github.com/zhuokaizhao/artifice/nn"
)

// CheckScatter validates a scatter of blocks with the given shape into a target of
// shape [batch][h][w][c]. Backends call it before touching any data.
func CheckScatter(blocks []int, set *ActiveBlockSet, spec BlockSpec, shape [4]int) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Overlaps() {
		return fmt.Errorf("%w: stride %v < size %v", ErrOverlappingScatter, spec.Stride, spec.Size)
	}
	if err := set.validate(); err != nil {
		return err
	}
	batch, h, w, c := shape[0], shape[1], shape[2], shape[3]
	if batch < 0 || h <= 0 || w <= 0 || c <= 0 {
		return fmt.Errorf("%w: invalid scatter target %v", ErrShapeMismatch, shape)
	}
	if len(blocks) != 4 || blocks[0] != set.Count || blocks[1] != spec.Size[0] || blocks[2] != spec.Size[1] || blocks[3] != c {
		return fmt.Errorf("%w: blocks %v, want [%d %d %d %d]", ErrShapeMismatch, blocks, set.Count, spec.Size[0], spec.Size[1], c)
	}
	seen := make(map[BlockIndex]struct{}, len(set.Indices))
	for _, idx := range set.Indices {
		y0, x0 := spec.Origin(idx.Row, idx.Col)
		if idx.Batch < 0 || idx.Batch >= batch || idx.Row < 0 || idx.Col < 0 || y0 >= h || x0 >= w {
			return fmt.Errorf("%w: block %+v does not fit target %v", ErrShapeMismatch, idx, shape)
		}
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("%w: block %+v listed twice", ErrOverlappingScatter, idx)
		}
		seen[idx] = struct{}{}
	}
	return nil
}

// Scatter writes block i of blocks to the position of set.Indices[i] in a new zero
// tensor of shape [batch][extent.H][extent.W][C]. Positions of a block that fall past
// the target edge are clipped. Blocks not listed in set stay zero.
//
// Blocks must not overlap: a spec with Stride < Size, or a set listing a block twice,
// returns ErrOverlappingScatter.
func Scatter[T nn.Numeric](blocks *nn.Tensor[T], set *ActiveBlockSet, spec BlockSpec, shape [4]int) (*nn.Tensor[T], error) {
	if err := CheckScatter(blocks.Shape, set, spec, shape); err != nil {
		return nil, err
	}
	batch, h, w, c := shape[0], shape[1], shape[2], shape[3]
	sh, sw := spec.Size[0], spec.Size[1]

	output := nn.NewTensor[T](batch, h, w, c)
	for i, idx := range set.Indices {
		y0, x0 := spec.Origin(idx.Row, idx.Col)
		cols := min(sw, w-x0)
		for dy := 0; dy < sh && y0+dy < h; dy++ {
			src := nn.Index4(i, dy, 0, 0, sh, sw, c)
			dst := nn.Index4(idx.Batch, y0+dy, x0, 0, h, w, c)
			copy(output.Data[dst:dst+cols*c], blocks.Data[src:src+cols*c])
		}
	}
	return output, nil
}

// ScatterInto is Scatter writing into an existing tensor: only positions covered by
// active blocks are overwritten.
func ScatterInto[T nn.Numeric](dst, blocks *nn.Tensor[T], set *ActiveBlockSet, spec BlockSpec) error {
	batch, h, w, c, err := dst.Dims4()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if err := CheckScatter(blocks.Shape, set, spec, [4]int{batch, h, w, c}); err != nil {
		return err
	}
	sh, sw := spec.Size[0], spec.Size[1]
	for i, idx := range set.Indices {
		y0, x0 := spec.Origin(idx.Row, idx.Col)
		cols := min(sw, w-x0)
		for dy := 0; dy < sh && y0+dy < h; dy++ {
			src := nn.Index4(i, dy, 0, 0, sh, sw, c)
			at := nn.Index4(idx.Batch, y0+dy, x0, 0, h, w, c)
			copy(dst.Data[at:at+cols*c], blocks.Data[src:src+cols*c])
		}
	}
	return nil
}
