package sparse

import (
	"fmt"
	"math/rand"

	"github.com/zhuokaizhao/artifice/nn"
)

// LevelOperator is the dense computation of one decoder level. The pyramid calls it on
// whole tensors (dense strategy) or on stacked blocks (block strategy), so it must be
// position-independent: valid convolutions and pointwise ops only.
type LevelOperator interface {
	// Upsample doubles the spatial extent of previous-level features.
	Upsample(features *nn.Tensor[float32]) (*nn.Tensor[float32], error)
	// Apply runs the level on its input (skip channels first, then upsampled features;
	// at level 0 the encoder output) and returns the level's features and a
	// single-channel mask. Both are 2*depth smaller than the input in each dimension.
	Apply(input *nn.Tensor[float32]) (features, mask *nn.Tensor[float32], err error)
}

// convStack returns depth valid 3x3 ReLU convolutions, or a single 1x1 convolution when
// depth is 0 so the channel count still becomes filters.
func convStack(inChannels, filters, depth int, rng *rand.Rand) []*nn.Conv2DLayer {
	if depth == 0 {
		return []*nn.Conv2DLayer{nn.InitConv2D(inChannels, filters, 1, nn.PaddingValid, nn.ActivationReLU, rng)}
	}
	convs := make([]*nn.Conv2DLayer, depth)
	for i := range convs {
		convs[i] = nn.InitConv2D(inChannels, filters, 3, nn.PaddingValid, nn.ActivationReLU, rng)
		inChannels = filters
	}
	return convs
}

func runStack(convs []*nn.Conv2DLayer, x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	var err error
	for i, conv := range convs {
		if x, err = conv.Forward(x); err != nil {
			return nil, fmt.Errorf("conv %d: %w", i, err)
		}
	}
	return x, nil
}

// ConvLevel is the reference LevelOperator built from nn ops: a convolution stack, a
// sigmoid 1x1 mask head, and on the top level a linear 1x1 pose head. The pose head
// emits 1+poseDim channels: channel 0 is the weight (distance) channel, the rest are
// the pose.
type ConvLevel struct {
	Convs    []*nn.Conv2DLayer
	MaskHead *nn.Conv2DLayer
	PoseHead *nn.Conv2DLayer // nil below the top level
}

// NewConvLevel creates a level with randomly initialized weights. A poseDim of 0 means
// no pose head.
func NewConvLevel(inChannels, filters, depth, poseDim int, rng *rand.Rand) *ConvLevel {
	l := &ConvLevel{
		Convs:    convStack(inChannels, filters, depth, rng),
		MaskHead: nn.InitConv2D(filters, 1, 1, nn.PaddingValid, nn.ActivationSigmoid, rng),
	}
	if poseDim > 0 {
		l.PoseHead = nn.InitConv2D(filters, 1+poseDim, 1, nn.PaddingValid, nn.ActivationLinear, rng)
	}
	return l
}

func (l *ConvLevel) Upsample(features *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	return nn.UpsampleNearest(features, 2)
}

func (l *ConvLevel) Apply(input *nn.Tensor[float32]) (*nn.Tensor[float32], *nn.Tensor[float32], error) {
	hidden, err := runStack(l.Convs, input)
	if err != nil {
		return nil, nil, err
	}
	mask, err := l.MaskHead.Forward(hidden)
	if err != nil {
		return nil, nil, fmt.Errorf("mask head: %w", err)
	}
	if l.PoseHead == nil {
		return hidden, mask, nil
	}
	pose, err := l.PoseHead.Forward(hidden)
	if err != nil {
		return nil, nil, fmt.Errorf("pose head: %w", err)
	}
	return pose, mask, nil
}

// Encoder is the reference contracting path. Level l (from the top down to 1) runs a
// convolution stack whose output is the skip for level l, then halves the resolution.
type Encoder struct {
	InputChannels int
	Levels        [][]*nn.Conv2DLayer // index = pyramid level; entry 0 is unused
}

// NewEncoder creates an encoder for the given per-level filter counts.
func NewEncoder(inChannels int, filters []int, depth int, rng *rand.Rand) *Encoder {
	e := &Encoder{InputChannels: inChannels, Levels: make([][]*nn.Conv2DLayer, len(filters))}
	c := inChannels
	for l := len(filters) - 1; l >= 1; l-- {
		e.Levels[l] = convStack(c, filters[l], depth, rng)
		c = filters[l]
	}
	return e
}

// OutputChannels returns the channel count of the level-0 features Encode produces.
func (e *Encoder) OutputChannels() int {
	for l := 1; l < len(e.Levels); l++ {
		if convs := e.Levels[l]; len(convs) > 0 {
			return convs[len(convs)-1].Filters
		}
	}
	return e.InputChannels
}

// Encode maps input tiles to level-0 features and per-level skips.
func (e *Encoder) Encode(images *nn.Tensor[float32]) (Inputs, error) {
	skips := make([]*nn.Tensor[float32], len(e.Levels))
	x := images
	for l := len(e.Levels) - 1; l >= 1; l-- {
		var err error
		if x, err = runStack(e.Levels[l], x); err != nil {
			return Inputs{}, fmt.Errorf("encoder level %d: %w", l, err)
		}
		skips[l] = x
		if x, err = nn.MaxPool2D(x, 2); err != nil {
			return Inputs{}, fmt.Errorf("encoder level %d: %w", l, err)
		}
	}
	return Inputs{Features: x, Skips: skips}, nil
}
