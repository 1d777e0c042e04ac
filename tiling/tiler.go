// Package tiling cuts whole images into pyramid input tiles and stitches the top-level
// outputs back together.
//
// Output tiles of the pyramid's finest output shape are laid edge to edge over the image.
// Each input tile is its output tile grown by the halo (InputShape - OutputShape)/2 on
// every side. Halo that falls outside the image is zero.
package tiling

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/clone"

	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/nn"
	"github.com/zhuokaizhao/artifice/routing"
)

// Tiler maps between whole images and pyramid tiles.
type Tiler struct {
	Spec   geometry.PyramidSpec
	Input  geometry.Shape // input tile
	Output geometry.Shape // finest output tile
	Halo   geometry.Shape // per side
}

// NewTiler derives the tile geometry of spec.
func NewTiler(spec geometry.PyramidSpec) (*Tiler, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	out, err := spec.OutputShape()
	if err != nil {
		return nil, err
	}
	in := spec.InputShape()
	diff := in.Sub(out)
	if diff[0]%2 != 0 || diff[1]%2 != 0 {
		return nil, fmt.Errorf("%w: tile halo %v is not symmetric", geometry.ErrInvalidConfig, diff)
	}
	return &Tiler{Spec: spec, Input: in, Output: out, Halo: geometry.Shape{diff[0] / 2, diff[1] / 2}}, nil
}

// tileSpec addresses input tiles in the halo-padded image.
func (t *Tiler) tileSpec() routing.BlockSpec {
	return routing.BlockSpec{Size: t.Input, Stride: t.Output}
}

// outputSpec addresses output tiles in the full-size result.
func (t *Tiler) outputSpec() routing.BlockSpec {
	return routing.BlockSpec{Size: t.Output, Stride: t.Output}
}

// Grid returns the tile grid covering an h x w image. Trailing partial tiles are kept.
func (t *Tiler) Grid(h, w int) routing.Grid {
	return t.outputSpec().Grid(geometry.Shape{h, w}, routing.BoundaryPad)
}

// Tiles returns the number of tiles an h x w image is cut into.
func (t *Tiler) Tiles(h, w int) int { return t.Grid(h, w).Blocks() }

// Tile cuts every image of an NHWC batch into input tiles. Tiles are ordered by image,
// then row-major over the grid.
func (t *Tiler) Tile(img *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	b, h, w, c, err := img.Dims4()
	if err != nil {
		return nil, err
	}
	padded := padTensor(img, t.Halo)
	return t.gather(padded, b, h, w, c)
}

// TileImage pads img with a zero halo and cuts it into input tiles of the given channel
// count.
func (t *Tiler) TileImage(img image.Image, channels int) (*nn.Tensor[float32], error) {
	bounds := img.Bounds()
	padded := clone.Pad(img, t.Halo.W(), t.Halo.H(), clone.NoFill)
	x, err := ToTensor(padded, channels)
	if err != nil {
		return nil, err
	}
	return t.gather(x, 1, bounds.Dy(), bounds.Dx(), channels)
}

func (t *Tiler) gather(padded *nn.Tensor[float32], b, h, w, c int) (*nn.Tensor[float32], error) {
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: cannot tile %dx%d image", routing.ErrShapeMismatch, h, w)
	}
	set := routing.AllBlocks(b, t.Grid(h, w))
	tiles, err := routing.Gather(padded, set, t.tileSpec())
	if err != nil {
		return nil, fmt.Errorf("tile: %w", err)
	}
	return tiles, nil
}

// Untile stitches finest-level output tiles of a batch of h x w images back into one
// tensor. Tiles running past the image are clipped.
func (t *Tiler) Untile(outputs *nn.Tensor[float32], h, w int) (*nn.Tensor[float32], error) {
	n, oh, ow, c, err := outputs.Dims4()
	if err != nil {
		return nil, err
	}
	if oh != t.Output.H() || ow != t.Output.W() {
		return nil, fmt.Errorf("%w: output tiles are %dx%d, want %v", routing.ErrShapeMismatch, oh, ow, t.Output)
	}
	grid := t.Grid(h, w)
	if grid.Blocks() == 0 || n%grid.Blocks() != 0 {
		return nil, fmt.Errorf("%w: %d tiles do not fill a %dx%d grid", routing.ErrShapeMismatch, n, grid.Rows, grid.Cols)
	}
	batch := n / grid.Blocks()
	out, err := routing.Scatter(outputs, routing.AllBlocks(batch, grid), t.outputSpec(), [4]int{batch, h, w, c})
	if err != nil {
		return nil, fmt.Errorf("untile: %w", err)
	}
	return out, nil
}

// UntileInto writes output tiles first, first+1, ... of the tile order of dst's images
// straight into dst, so a stream of chunks can be stitched without buffering them.
// Tiles running past the image are clipped.
func (t *Tiler) UntileInto(dst, tiles *nn.Tensor[float32], first int) error {
	batch, h, w, _, err := dst.Dims4()
	if err != nil {
		return err
	}
	n, _, _, _, err := tiles.Dims4()
	if err != nil {
		return err
	}
	all := routing.AllBlocks(batch, t.Grid(h, w))
	if first < 0 || first+n > all.Count {
		return fmt.Errorf("%w: tiles [%d, %d) outside the %d tiles of %v", routing.ErrShapeMismatch, first, first+n, all.Count, dst.Shape)
	}
	if err := routing.ScatterInto(dst, tiles, all.Slice(first, first+n), t.outputSpec()); err != nil {
		return fmt.Errorf("untile: %w", err)
	}
	return nil
}

// padTensor surrounds every image of an NHWC tensor with a zero border.
func padTensor(x *nn.Tensor[float32], halo geometry.Shape) *nn.Tensor[float32] {
	b, h, w, c, _ := x.Dims4()
	ph, pw := h+2*halo.H(), w+2*halo.W()
	out := nn.NewTensor[float32](b, ph, pw, c)
	for n := 0; n < b; n++ {
		for y := 0; y < h; y++ {
			src := nn.Index4(n, y, 0, 0, h, w, c)
			dst := nn.Index4(n, y+halo.H(), halo.W(), 0, ph, pw, c)
			copy(out.Data[dst:dst+w*c], x.Data[src:src+w*c])
		}
	}
	return out
}
