package sparse

import (
	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/routing"
)

// LevelPlan is the block layout of one decoder level above level 0. All four specs
// address the same logical grid: block (r, c) selects the interior of the previous
// level's mask, gathers the matching window of previous features and skip, and writes
// one non-overlapping output block.
type LevelPlan struct {
	Level int `json:"level"`
	// Select runs on the previous level's mask.
	Select routing.BlockSpec `json:"select"`
	// Features gathers previous-level features, halo included.
	Features routing.BlockSpec `json:"features"`
	// Skip gathers the cropped encoder skip at this level's resolution.
	Skip   routing.BlockSpec `json:"skip"`
	Output routing.BlockSpec `json:"output"`
	Grid   routing.Grid      `json:"grid"`

	PrevShape   geometry.Shape `json:"prev_shape"`
	SkipCrop    geometry.Shape `json:"skip_crop"`
	OutputShape geometry.Shape `json:"output_shape"`
}

// buildPlans derives the plan of every level. Entry 0 is left zero: level 0 is always
// computed densely.
//
// With block size b and depth d (even), at the previous level's resolution a block
// produces b-d interior positions after upsampling and d valid convolutions trim the
// 2b window down to 2b-2d:
//
//	select   size b-d   stride b-d    offset d/2
//	features size b     stride b-d
//	skip     size 2b    stride 2(b-d)
//	output   size 2b-2d stride 2b-2d
func buildPlans(levels []geometry.LevelShape, block geometry.Shape, depth int, policy routing.BoundaryPolicy) []LevelPlan {
	interior := block.Pad(-depth)
	plans := make([]LevelPlan, len(levels))
	for l := 1; l < len(levels); l++ {
		prev := levels[l-1].Output
		out := routing.BlockSpec{Size: interior.Scale(2), Stride: interior.Scale(2)}
		plans[l] = LevelPlan{
			Level:       l,
			Select:      routing.BlockSpec{Size: interior, Stride: interior, Offset: geometry.Square(depth / 2)},
			Features:    routing.BlockSpec{Size: block, Stride: interior},
			Skip:        routing.BlockSpec{Size: block.Scale(2), Stride: interior.Scale(2)},
			Output:      out,
			Grid:        out.Grid(levels[l].Output, policy),
			PrevShape:   prev,
			SkipCrop:    prev.Scale(2),
			OutputShape: levels[l].Output,
		}
	}
	return plans
}
