package nn

import "fmt"

// UpsampleNearest repeats every pixel factor x factor times.
func UpsampleNearest[T Numeric](input *Tensor[T], factor int) (*Tensor[T], error) {
	b, h, w, c, err := input.Dims4()
	if err != nil {
		return nil, err
	}
	if factor <= 0 {
		return nil, fmt.Errorf("%w: invalid upsample factor %d", ErrShape, factor)
	}
	outH, outW := h*factor, w*factor
	output := NewTensor[T](b, outH, outW, c)
	for bi := 0; bi < b; bi++ {
		for y := 0; y < outH; y++ {
			for x := 0; x < outW; x++ {
				src := Index4(bi, y/factor, x/factor, 0, h, w, c)
				dst := Index4(bi, y, x, 0, outH, outW, c)
				copy(output.Data[dst:dst+c], input.Data[src:src+c])
			}
		}
	}
	return output, nil
}

// CenterCrop crops the spatial extent to outH x outW. When the difference is odd the
// extra row/column is taken from the bottom/right.
func CenterCrop[T Numeric](input *Tensor[T], outH, outW int) (*Tensor[T], error) {
	b, h, w, c, err := input.Dims4()
	if err != nil {
		return nil, err
	}
	if outH > h || outW > w || outH < 0 || outW < 0 {
		return nil, fmt.Errorf("%w: cannot crop %dx%d to %dx%d", ErrShape, h, w, outH, outW)
	}
	top := (h - outH) / 2
	left := (w - outW) / 2
	output := NewTensor[T](b, outH, outW, c)
	for bi := 0; bi < b; bi++ {
		for y := 0; y < outH; y++ {
			src := Index4(bi, top+y, left, 0, h, w, c)
			dst := Index4(bi, y, 0, 0, outH, outW, c)
			copy(output.Data[dst:dst+outW*c], input.Data[src:src+outW*c])
		}
	}
	return output, nil
}

// ConcatChannels concatenates a and b along the channel axis, a's channels first.
func ConcatChannels[T Numeric](a, b *Tensor[T]) (*Tensor[T], error) {
	ab, ah, aw, ac, err := a.Dims4()
	if err != nil {
		return nil, err
	}
	bb, bh, bw, bc, err := b.Dims4()
	if err != nil {
		return nil, err
	}
	if ab != bb || ah != bh || aw != bw {
		return nil, fmt.Errorf("%w: cannot concat %v with %v", ErrShape, a.Shape, b.Shape)
	}
	c := ac + bc
	output := NewTensor[T](ab, ah, aw, c)
	for p := 0; p < ab*ah*aw; p++ {
		copy(output.Data[p*c:p*c+ac], a.Data[p*ac:(p+1)*ac])
		copy(output.Data[p*c+ac:(p+1)*c], b.Data[p*bc:(p+1)*bc])
	}
	return output, nil
}

// SliceBatch returns a copy of batch rows [from, to).
func SliceBatch[T Numeric](input *Tensor[T], from, to int) (*Tensor[T], error) {
	b, h, w, c, err := input.Dims4()
	if err != nil {
		return nil, err
	}
	if from < 0 || to > b || from > to {
		return nil, fmt.Errorf("%w: batch slice [%d,%d) of %d", ErrShape, from, to, b)
	}
	n := h * w * c
	output := NewTensor[T](to-from, h, w, c)
	copy(output.Data, input.Data[from*n:to*n])
	return output, nil
}
