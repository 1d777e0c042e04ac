package sparse

import (
	"fmt"

	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/nn"
	"github.com/zhuokaizhao/artifice/routing"
)

// Pyramid is a built, immutable pyramid. Use Config.Build to create one.
type Pyramid struct {
	spec     geometry.PyramidSpec
	levels   []geometry.LevelShape
	plans    []LevelPlan
	ops      []LevelOperator
	encoder  *Encoder
	strategy Strategy
	policy   routing.BoundaryPolicy
	tol      float64
	batch    int
	backend  routing.Backend
	observer LevelObserver
}

// Inputs are the tensors one forward pass consumes.
type Inputs struct {
	// Features is the level-0 input, [batch][base+2d][base+2d][C].
	Features *nn.Tensor[float32]
	// Skips holds the encoder output of every level; entry 0 is unused. Skips[l] must
	// be at least 2*out[l-1] in each dimension and is center-cropped to that.
	Skips []*nn.Tensor[float32]
	// Mask optionally replaces the level-0 mask head output for selecting level-1 blocks.
	Mask *nn.Tensor[float32]
}

// Result is the output of one forward pass.
type Result struct {
	// Output is the top level's features (the pose map when a pose head is configured).
	Output *nn.Tensor[float32]
	// Masks holds the mask of every level, bottom to top.
	Masks []*nn.Tensor[float32]
	Stats ForwardStats
}

func (p *Pyramid) Spec() geometry.PyramidSpec { return p.spec }

func (p *Pyramid) Levels() []geometry.LevelShape {
	return append([]geometry.LevelShape(nil), p.levels...)
}

// Plans returns the block plan of every level; entry 0 and dense pyramids have none.
func (p *Pyramid) Plans() []LevelPlan { return append([]LevelPlan(nil), p.plans...) }

func (p *Pyramid) Strategy() Strategy { return p.strategy }

func (p *Pyramid) Backend() routing.Backend { return p.backend }

func (p *Pyramid) Boundary() routing.BoundaryPolicy { return p.policy }

// InputChannels is the channel count Encode expects, or 0 without an encoder.
func (p *Pyramid) InputChannels() int {
	if p.encoder == nil {
		return 0
	}
	return p.encoder.InputChannels
}

// BatchSize is the batch sparse strategies were built for; 0 means any.
func (p *Pyramid) BatchSize() int { return p.batch }

// InputShape returns the input tile shape Encode expects.
func (p *Pyramid) InputShape() geometry.Shape { return p.spec.InputShape() }

// OutputShape returns the top level's output tile shape.
func (p *Pyramid) OutputShape() geometry.Shape { return p.levels[len(p.levels)-1].Output }

// WithBackend returns a copy of p that routes gather and scatter through b.
func (p *Pyramid) WithBackend(b routing.Backend) *Pyramid {
	q := *p
	q.backend = b
	return &q
}

// WithObserver returns a copy of p that reports every level to o.
func (p *Pyramid) WithObserver(o LevelObserver) *Pyramid {
	q := *p
	q.observer = o
	return &q
}

// Encode runs the reference encoder on input tiles of InputShape. It fails for
// pyramids built with external operators.
func (p *Pyramid) Encode(images *nn.Tensor[float32]) (Inputs, error) {
	if p.encoder == nil {
		return Inputs{}, fmt.Errorf("%w: pyramid has no encoder", ErrConfig)
	}
	_, h, w, _, err := images.Dims4()
	if err != nil {
		return Inputs{}, err
	}
	if in := p.InputShape(); h != in[0] || w != in[1] {
		return Inputs{}, fmt.Errorf("%w: input tiles %dx%d, want %v", routing.ErrShapeMismatch, h, w, in)
	}
	return p.encoder.Encode(images)
}

// Forward runs every level from the coarsest to the finest. A level with no active
// blocks still runs and produces zeros. On error no partial result is returned.
func (p *Pyramid) Forward(in Inputs) (*Result, error) {
	batch, err := p.checkInputs(in)
	if err != nil {
		return nil, err
	}

	var stats ForwardStats
	features, mask, err := p.ops[0].Apply(in.Features)
	if err != nil {
		return nil, fmt.Errorf("level 0: %w", err)
	}
	if err := checkSpatial(features, mask, p.levels[0].Output); err != nil {
		return nil, fmt.Errorf("level 0: %w", err)
	}
	if in.Mask != nil {
		mask = in.Mask
	}
	p.notify(stats.record(LevelStats{Level: 0, Strategy: StrategyDense.String(), GridBlocks: batch, ActiveBlocks: batch, MaskMax: maxAbs(mask)}), features)

	masks := []*nn.Tensor[float32]{mask}
	for l := 1; l < len(p.levels); l++ {
		skip, err := nn.CenterCrop(in.Skips[l], 2*p.levels[l-1].Output[0], 2*p.levels[l-1].Output[1])
		if err != nil {
			return nil, fmt.Errorf("level %d skip: %w", l, err)
		}

		var ls LevelStats
		switch p.strategy {
		case StrategyDense:
			features, mask, ls, err = p.denseLevel(l, features, skip, batch)
		case StrategyMasked:
			features, mask, ls, err = p.maskedLevel(l, features, mask, skip)
		default:
			features, mask, ls, err = p.blockLevel(l, features, mask, skip, batch)
		}
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", l, err)
		}
		ls.MaskMax = maxAbs(mask)
		p.notify(stats.record(ls), features)
		masks = append(masks, mask)
	}
	return &Result{Output: features, Masks: masks, Stats: stats}, nil
}

func (p *Pyramid) checkInputs(in Inputs) (int, error) {
	if in.Features == nil {
		return 0, fmt.Errorf("%w: missing features", routing.ErrShapeMismatch)
	}
	batch, h, w, _, err := in.Features.Dims4()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", routing.ErrShapeMismatch, err)
	}
	if want := p.levels[0].DecoderInput; h != want[0] || w != want[1] {
		return 0, fmt.Errorf("%w: level-0 features %dx%d, want %v", routing.ErrShapeMismatch, h, w, want)
	}
	if p.strategy.Sparse() && batch != p.batch {
		return 0, fmt.Errorf("%w: batch %d, pyramid built for %d", routing.ErrShapeMismatch, batch, p.batch)
	}
	if len(p.levels) > 1 && len(in.Skips) != len(p.levels) {
		return 0, fmt.Errorf("%w: %d skips for %d levels", routing.ErrShapeMismatch, len(in.Skips), len(p.levels))
	}
	for l := 1; l < len(p.levels); l++ {
		s := in.Skips[l]
		if s == nil {
			return 0, fmt.Errorf("%w: missing skip for level %d", routing.ErrShapeMismatch, l)
		}
		sb, sh, sw, _, err := s.Dims4()
		if err != nil {
			return 0, fmt.Errorf("%w: skip %d: %v", routing.ErrShapeMismatch, l, err)
		}
		crop := p.levels[l-1].Output.Scale(2)
		if sb != batch || sh < crop[0] || sw < crop[1] {
			return 0, fmt.Errorf("%w: skip %d has shape %v, need batch %d and at least %v", routing.ErrShapeMismatch, l, s.Shape, batch, crop)
		}
	}
	if in.Mask != nil {
		mb, mh, mw, _, err := in.Mask.Dims4()
		if err != nil || mb != batch || mh != p.levels[0].Output[0] || mw != p.levels[0].Output[1] {
			return 0, fmt.Errorf("%w: level-0 mask shape %v", routing.ErrShapeMismatch, in.Mask.Shape)
		}
	}
	return batch, nil
}

// denseStep computes one level on whole tensors.
func (p *Pyramid) denseStep(l int, features, skip *nn.Tensor[float32]) (*nn.Tensor[float32], *nn.Tensor[float32], error) {
	op := p.ops[l]
	up, err := op.Upsample(features)
	if err != nil {
		return nil, nil, err
	}
	x, err := nn.ConcatChannels(skip, up)
	if err != nil {
		return nil, nil, err
	}
	f, m, err := op.Apply(x)
	if err != nil {
		return nil, nil, err
	}
	if err := checkSpatial(f, m, p.levels[l].Output); err != nil {
		return nil, nil, err
	}
	return f, m, nil
}

func (p *Pyramid) denseLevel(l int, features, skip *nn.Tensor[float32], batch int) (*nn.Tensor[float32], *nn.Tensor[float32], LevelStats, error) {
	f, m, err := p.denseStep(l, features, skip)
	ls := LevelStats{Level: l, Strategy: StrategyDense.String(), GridBlocks: batch, ActiveBlocks: batch}
	return f, m, ls, err
}

func (p *Pyramid) maskedLevel(l int, features, prevMask, skip *nn.Tensor[float32]) (*nn.Tensor[float32], *nn.Tensor[float32], LevelStats, error) {
	plan := p.plans[l]
	set, err := routing.SelectBlocks(prevMask, plan.Select, plan.Grid, p.tol)
	if err != nil {
		return nil, nil, LevelStats{}, err
	}
	f, m, err := p.denseStep(l, features, skip)
	if err != nil {
		return nil, nil, LevelStats{}, err
	}
	if f, err = p.keepActive(f, set, plan.Output); err != nil {
		return nil, nil, LevelStats{}, err
	}
	if m, err = p.keepActive(m, set, plan.Output); err != nil {
		return nil, nil, LevelStats{}, err
	}
	ls := LevelStats{Level: l, Strategy: StrategyMasked.String(), GridBlocks: set.Total(), ActiveBlocks: set.Count}
	return f, m, ls, nil
}

// keepActive zeroes every position of t not covered by an active output block.
func (p *Pyramid) keepActive(t *nn.Tensor[float32], set *routing.ActiveBlockSet, spec routing.BlockSpec) (*nn.Tensor[float32], error) {
	b, h, w, c, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	blocks, err := p.backend.Gather(t, set, spec)
	if err != nil {
		return nil, err
	}
	return p.backend.Scatter(blocks, set, spec, [4]int{b, h, w, c})
}

func (p *Pyramid) blockLevel(l int, features, prevMask, skip *nn.Tensor[float32], batch int) (*nn.Tensor[float32], *nn.Tensor[float32], LevelStats, error) {
	plan := p.plans[l]
	op := p.ops[l]
	set, err := routing.SelectBlocks(prevMask, plan.Select, plan.Grid, p.tol)
	if err != nil {
		return nil, nil, LevelStats{}, err
	}

	gf, err := p.backend.Gather(features, set, plan.Features)
	if err != nil {
		return nil, nil, LevelStats{}, fmt.Errorf("gather features: %w", err)
	}
	gs, err := p.backend.Gather(skip, set, plan.Skip)
	if err != nil {
		return nil, nil, LevelStats{}, fmt.Errorf("gather skip: %w", err)
	}
	up, err := op.Upsample(gf)
	if err != nil {
		return nil, nil, LevelStats{}, err
	}
	x, err := nn.ConcatChannels(gs, up)
	if err != nil {
		return nil, nil, LevelStats{}, err
	}
	bf, bm, err := op.Apply(x)
	if err != nil {
		return nil, nil, LevelStats{}, err
	}
	if err := checkSpatial(bf, bm, plan.Output.Size); err != nil {
		return nil, nil, LevelStats{}, err
	}

	out := plan.OutputShape
	f, err := p.backend.Scatter(bf, set, plan.Output, [4]int{batch, out[0], out[1], bf.Shape[3]})
	if err != nil {
		return nil, nil, LevelStats{}, fmt.Errorf("scatter features: %w", err)
	}
	m, err := p.backend.Scatter(bm, set, plan.Output, [4]int{batch, out[0], out[1], bm.Shape[3]})
	if err != nil {
		return nil, nil, LevelStats{}, fmt.Errorf("scatter mask: %w", err)
	}
	ls := LevelStats{Level: l, Strategy: StrategyBlock.String(), GridBlocks: set.Total(), ActiveBlocks: set.Count}
	return f, m, ls, nil
}

func (p *Pyramid) notify(ls LevelStats, features *nn.Tensor[float32]) {
	if p.observer == nil {
		return
	}
	p.observer.OnLevel(LevelEvent{Stats: ls, OutputShape: append([]int(nil), features.Shape...)})
}

// checkSpatial verifies that an operator produced 4-D features and mask of the
// expected extent.
func checkSpatial(features, mask *nn.Tensor[float32], want geometry.Shape) error {
	for _, t := range []*nn.Tensor[float32]{features, mask} {
		if len(t.Shape) != 4 || t.Shape[1] != want[0] || t.Shape[2] != want[1] {
			return fmt.Errorf("%w: operator produced %v, want spatial %v", routing.ErrShapeMismatch, t.Shape, want)
		}
	}
	return nil
}

func maxAbs(t *nn.Tensor[float32]) float32 {
	var m float32
	for _, v := range t.Data {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}
