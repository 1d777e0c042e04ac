package routing

import (
	"errors"

	"github.com/zhuokaizhao/artifice/nn"
)

// ErrNoGPU is returned by GPU backends when no adapter could be acquired.
var ErrNoGPU = errors.New("gpu unavailable")

// Backend runs gather and scatter on float32 activations. Keep it tensor-based so the
// CPU path is always a drop-in fallback.
type Backend interface {
	Name() string
	Gather(input *nn.Tensor[float32], set *ActiveBlockSet, spec BlockSpec) (*nn.Tensor[float32], error)
	Scatter(blocks *nn.Tensor[float32], set *ActiveBlockSet, spec BlockSpec, shape [4]int) (*nn.Tensor[float32], error)
}

// CPU is the reference backend.
type CPU struct{}

func (CPU) Name() string { return "cpu" }

func (CPU) Gather(input *nn.Tensor[float32], set *ActiveBlockSet, spec BlockSpec) (*nn.Tensor[float32], error) {
	return Gather(input, set, spec)
}

func (CPU) Scatter(blocks *nn.Tensor[float32], set *ActiveBlockSet, spec BlockSpec, shape [4]int) (*nn.Tensor[float32], error) {
	return Scatter(blocks, set, spec, shape)
}

// Default is used when no backend is configured.
var Default Backend = CPU{}
