package main

import (
	"fmt"
	"image"

	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/nn"
	"github.com/zhuokaizhao/artifice/routing"
	"github.com/zhuokaizhao/artifice/sparse"
	"github.com/zhuokaizhao/artifice/tiling"
)

// detection is the whole-image result of running a pyramid over every tile.
type detection struct {
	Mask   *nn.Tensor[float32] // [1][h][w][1], finest level
	Blocks *nn.Tensor[float32] // [1][rows][cols][1], peak of each mask block
	Tiles  int
	Chunks []sparse.ForwardStats
}

func (d *detection) active() (active, total int) {
	for _, s := range d.Chunks {
		a, t := s.Active()
		active += a
		total += t
	}
	return active, total
}

// detect tiles img, runs the pyramid chunk by chunk and stitches the finest masks. The
// last chunk is padded with empty tiles when the pyramid needs a fixed batch.
func detect(p *sparse.Pyramid, img image.Image) (*detection, error) {
	tiler, err := tiling.NewTiler(p.Spec())
	if err != nil {
		return nil, err
	}
	channels := p.InputChannels()
	if channels == 0 {
		return nil, fmt.Errorf("pyramid has no encoder")
	}
	tiles, err := tiler.TileImage(img, channels)
	if err != nil {
		return nil, err
	}

	n := tiles.Shape[0]
	batch := p.BatchSize()
	if batch <= 0 {
		batch = n
	}
	b := img.Bounds()
	res := &detection{Tiles: n, Mask: nn.NewTensor[float32](1, b.Dy(), b.Dx(), 1)}
	for from := 0; from < n; from += batch {
		to := min(from+batch, n)
		chunk, err := nn.SliceBatch(tiles, from, to)
		if err != nil {
			return nil, err
		}
		if to-from < batch {
			chunk = padBatch(chunk, batch)
		}
		in, err := p.Encode(chunk)
		if err != nil {
			return nil, fmt.Errorf("tiles %d-%d: %w", from, to, err)
		}
		r, err := p.Forward(in)
		if err != nil {
			return nil, fmt.Errorf("tiles %d-%d: %w", from, to, err)
		}
		top, err := nn.SliceBatch(r.Masks[len(r.Masks)-1], 0, to-from)
		if err != nil {
			return nil, err
		}
		if err := tiler.UntileInto(res.Mask, top, from); err != nil {
			return nil, err
		}
		res.Chunks = append(res.Chunks, r.Stats)
	}

	if res.Blocks, err = blockPeaks(res.Mask, maskBlock(p, tiler)); err != nil {
		return nil, err
	}
	return res, nil
}

// maskBlock is the block the finest level routes over, or the whole output tile when
// the pyramid runs dense.
func maskBlock(p *sparse.Pyramid, tiler *tiling.Tiler) routing.BlockSpec {
	plans := p.Plans()
	if p.Strategy().Sparse() && len(plans) > 1 {
		out := plans[len(plans)-1].Output
		return routing.BlockSpec{Size: out.Size, Stride: out.Stride}
	}
	return routing.BlockSpec{Size: tiler.Output, Stride: tiler.Output}
}

// blockPeaks reduces mask to the max-abs value of each block, one pixel per block.
func blockPeaks(mask *nn.Tensor[float32], spec routing.BlockSpec) (*nn.Tensor[float32], error) {
	grid := spec.Grid(geometry.Shape{mask.Shape[1], mask.Shape[2]}, routing.BoundaryPad)
	peaks, err := routing.BlockMaxima(mask, spec, grid)
	if err != nil {
		return nil, err
	}
	out := nn.NewTensor[float32](mask.Shape[0], grid.Rows, grid.Cols, 1)
	for i, v := range peaks {
		out.Data[i] = float32(v)
	}
	return out, nil
}

// padBatch grows x to batch rows, filling with zeros.
func padBatch(x *nn.Tensor[float32], batch int) *nn.Tensor[float32] {
	shape := append([]int{batch}, x.Shape[1:]...)
	out := nn.NewTensor[float32](shape...)
	copy(out.Data, x.Data)
	return out
}

// render turns a detection into a heatmap, drawn over img when opacity > 0. With
// blocks set it draws the per-block peaks, stretched to the image size.
func render(img image.Image, d *detection, opacity float64, blocks bool) (image.Image, error) {
	src := d.Mask
	if blocks {
		src = d.Blocks
	}
	heat, err := tiling.Heatmap(src, 0)
	if err != nil {
		return nil, err
	}
	switch {
	case opacity > 0:
		return tiling.Overlay(img, heat, opacity), nil
	case blocks:
		return tiling.Overlay(img, heat, 1), nil
	}
	return heat, nil
}
