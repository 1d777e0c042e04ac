package gpu

import (
	"fmt"

	"github.com/zhuokaizhao/artifice/nn"
	"github.com/zhuokaizhao/artifice/routing"
)

// Router runs gather and scatter as WGSL compute kernels. It implements
// routing.Backend and produces exactly the same values as routing.CPU. Active sets
// larger than one storage binding allows are split into several dispatches.
type Router struct {
	ctx    *Context
	report *Report
}

var _ routing.Backend = (*Router)(nil)

// defaultBindingSize is the WebGPU default maxStorageBufferBindingSize.
const defaultBindingSize = 128 << 20

// NewRouter acquires the shared GPU context. The error wraps routing.ErrNoGPU when
// no adapter is available.
func NewRouter() (*Router, error) {
	c, err := GetContext()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", routing.ErrNoGPU, err)
	}
	report := adapterReport(c.Adapter)
	// The device is requested with default limits, which may be below the adapter's.
	report.Limits.MaxStorageBufferBindingSize = min(report.Limits.MaxStorageBufferBindingSize, defaultBindingSize)
	return &Router{ctx: c, report: report}, nil
}

func (r *Router) Name() string { return "webgpu:" + r.ctx.AdapterName }

func (r *Router) Gather(input *nn.Tensor[float32], set *routing.ActiveBlockSet, spec routing.BlockSpec) (*nn.Tensor[float32], error) {
	b, h, w, c, err := input.Dims4()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", routing.ErrShapeMismatch, err)
	}
	if err := routing.CheckGather([4]int{b, h, w, c}, set, spec); err != nil {
		return nil, err
	}
	out := nn.NewTensor[float32](set.Count, spec.Size[0], spec.Size[1], c)
	if out.Size() == 0 || input.Size() == 0 {
		return out, nil
	}

	per := spec.Size.Area() * c
	runs, err := r.report.Runs(set.Count, per, input.Size())
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		sub := set.Slice(run[0], run[1])
		k := NewGatherKernel(r.kernelSpec(b, h, w, c, sub.Count, spec))
		err := r.run(&k.blockKernel, "Gather", input.Data, sub, k.AllocateBuffers, k.Compile)
		if err == nil {
			var data []float32
			if data, err = ReadBuffer(k.OutputBuffer, sub.Count*per); err == nil {
				copy(out.Data[run[0]*per:run[1]*per], data)
			}
		}
		k.Cleanup()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Router) Scatter(blocks *nn.Tensor[float32], set *routing.ActiveBlockSet, spec routing.BlockSpec, shape [4]int) (*nn.Tensor[float32], error) {
	if err := routing.CheckScatter(blocks.Shape, set, spec, shape); err != nil {
		return nil, err
	}
	out := nn.NewTensor[float32](shape[0], shape[1], shape[2], shape[3])
	if blocks.Size() == 0 || out.Size() == 0 {
		return out, nil
	}

	per := spec.Size.Area() * shape[3]
	runs, err := r.report.Runs(set.Count, per, out.Size())
	if err != nil {
		return nil, err
	}
	// Blocks never overlap and each run starts from zero, so run outputs add up exactly.
	for _, run := range runs {
		sub := set.Slice(run[0], run[1])
		k := NewScatterKernel(r.kernelSpec(shape[0], shape[1], shape[2], shape[3], sub.Count, spec))
		err := r.run(&k.blockKernel, "Scatter", blocks.Data[run[0]*per:run[1]*per], sub, k.AllocateBuffers, k.Compile)
		if err == nil {
			var data []float32
			if data, err = ReadBuffer(k.OutputBuffer, out.Size()); err == nil {
				for i, v := range data {
					out.Data[i] += v
				}
			}
		}
		k.Cleanup()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Router) kernelSpec(b, h, w, c, count int, spec routing.BlockSpec) BlockKernelSpec {
	return BlockKernelSpec{
		Batch: b, Height: h, Width: w, Channels: c, Count: count, Block: spec,
		Workgroup: r.report.Recommended.WorkgroupX,
	}
}

func (r *Router) run(k *blockKernel, label string, input []float32, set *routing.ActiveBlockSet,
	allocate func(*Context, string, []float32, []uint32) error, compile func(*Context, string) error) error {
	if err := allocate(r.ctx, label, input, FlattenIndices(set)); err != nil {
		return fmt.Errorf("%s: allocate: %w", label, err)
	}
	if err := compile(r.ctx, label); err != nil {
		return fmt.Errorf("%s: compile: %w", label, err)
	}
	if err := k.CreateBindGroup(r.ctx, label); err != nil {
		return fmt.Errorf("%s: bind: %w", label, err)
	}
	return k.Run(r.ctx)
}
