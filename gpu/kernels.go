package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/zhuokaizhao/artifice/routing"
)

const (
	workgroupSize = 256
	maxGroupsX    = 65535
)

// BlockKernelSpec describes one gather or scatter call: the dense tensor it reads from
// or writes to, the block placement, and how many blocks are active.
type BlockKernelSpec struct {
	Batch    int
	Height   int
	Width    int
	Channels int
	Count    int
	Block    routing.BlockSpec

	// Workgroup is the invocation count per workgroup; 0 means 256.
	Workgroup uint32
}

func (s BlockKernelSpec) workgroup() int {
	if s.Workgroup == 0 {
		return workgroupSize
	}
	return int(s.Workgroup)
}

// Elements returns the number of block elements, one invocation each.
func (s BlockKernelSpec) Elements() int {
	return s.Count * s.Block.Size.Area() * s.Channels
}

// DenseElements returns the element count of the dense tensor.
func (s BlockKernelSpec) DenseElements() int {
	return s.Batch * s.Height * s.Width * s.Channels
}

func (s BlockKernelSpec) groups() (uint32, uint32) {
	wg := s.workgroup()
	n := (s.Elements() + wg - 1) / wg
	if n <= maxGroupsX {
		return uint32(n), 1
	}
	return maxGroupsX, uint32((n + maxGroupsX - 1) / maxGroupsX)
}

// header declares the constants shared by both kernels and decodes the block element
// (blk, y, x, ch) handled by this invocation together with its dense position (iy, ix).
func (s BlockKernelSpec) header() string {
	gx, _ := s.groups()
	return fmt.Sprintf(`
		const DENSE_H: u32 = %du;
		const DENSE_W: u32 = %du;
		const CH: u32 = %du;
		const BLOCK_H: u32 = %du;
		const BLOCK_W: u32 = %du;
		const STRIDE_H: u32 = %du;
		const STRIDE_W: u32 = %du;
		const OFFSET_H: u32 = %du;
		const OFFSET_W: u32 = %du;
		const TOTAL: u32 = %du;
		const ROW: u32 = %du;
		const WG: u32 = %du;

		struct Element {
			idx: u32,
			dense: u32,
			inside: bool,
		}

		fn locate(gid: vec3<u32>) -> Element {
			var e: Element;
			e.idx = gid.x + gid.y * ROW;
			let ch = e.idx %% CH;
			let x = (e.idx / CH) %% BLOCK_W;
			let y = (e.idx / (CH * BLOCK_W)) %% BLOCK_H;
			let blk = e.idx / (CH * BLOCK_W * BLOCK_H);
			let b = indices[3u * blk];
			let iy = indices[3u * blk + 1u] * STRIDE_H + OFFSET_H + y;
			let ix = indices[3u * blk + 2u] * STRIDE_W + OFFSET_W + x;
			e.inside = iy < DENSE_H && ix < DENSE_W;
			e.dense = ((b * DENSE_H + iy) * DENSE_W + ix) * CH + ch;
			return e;
		}
	`, s.Height, s.Width, s.Channels,
		s.Block.Size[0], s.Block.Size[1], s.Block.Stride[0], s.Block.Stride[1],
		s.Block.Offset[0], s.Block.Offset[1], s.Elements(), int(gx)*s.workgroup(), s.workgroup())
}

// blockKernel holds the GPU resources shared by GatherKernel and ScatterKernel.
type blockKernel struct {
	Spec BlockKernelSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	IndexBuffer  *wgpu.Buffer
	OutputBuffer *wgpu.Buffer
}

func (k *blockKernel) compile(ctx *Context, label, code string) error {
	mod, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return err
	}
	k.pipeline, err = ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	return err
}

// allocate uploads the dense or block input and the active index list, and creates a
// zeroed output of outN elements.
func (k *blockKernel) allocate(ctx *Context, label string, input []float32, indices []uint32, outN int) error {
	var err error
	k.InputBuffer, err = NewFloatBuffer(input, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	k.IndexBuffer, err = NewUintBuffer(indices, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	k.OutputBuffer, err = NewStorageBuffer(label+"_Out", outN)
	return err
}

// CreateBindGroup binds input, indices and output in that order.
func (k *blockKernel) CreateBindGroup(ctx *Context, label string) error {
	var err error
	k.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  label + "_Bind",
		Layout: k.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: k.InputBuffer, Size: k.InputBuffer.GetSize()},
			{Binding: 1, Buffer: k.IndexBuffer, Size: k.IndexBuffer.GetSize()},
			{Binding: 2, Buffer: k.OutputBuffer, Size: k.OutputBuffer.GetSize()},
		},
	})
	return err
}

func (k *blockKernel) Dispatch(pass *wgpu.ComputePassEncoder) {
	gx, gy := k.Spec.groups()
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.DispatchWorkgroups(gx, gy, 1)
}

// Run records one compute pass and submits it.
func (k *blockKernel) Run(ctx *Context) error {
	enc, err := ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	pass := enc.BeginComputePass(nil)
	k.Dispatch(pass)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		enc.Release()
		return err
	}
	enc.Release()
	ctx.Queue.Submit(cmd)
	cmd.Release()
	return nil
}

func (k *blockKernel) Cleanup() {
	for _, b := range []*wgpu.Buffer{k.InputBuffer, k.IndexBuffer, k.OutputBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	if k.pipeline != nil {
		k.pipeline.Release()
	}
	if k.bindGroup != nil {
		k.bindGroup.Release()
	}
}

// GatherKernel copies active block windows out of a dense tensor.
type GatherKernel struct {
	blockKernel
}

func NewGatherKernel(spec BlockKernelSpec) *GatherKernel {
	return &GatherKernel{blockKernel{Spec: spec}}
}

func (k *GatherKernel) GenerateShader() string {
	return `
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> indices : array<u32>;
		@group(0) @binding(2) var<storage, read_write> output : array<f32>;
	` + k.Spec.header() + `
		@compute @workgroup_size(WG)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let e = locate(gid);
			if (e.idx >= TOTAL) { return; }
			var v: f32 = 0.0;
			if (e.inside) { v = input[e.dense]; }
			output[e.idx] = v;
		}
	`
}

// AllocateBuffers uploads the dense input and the flattened (batch,row,col) indices.
func (k *GatherKernel) AllocateBuffers(ctx *Context, label string, dense []float32, indices []uint32) error {
	return k.allocate(ctx, label, dense, indices, k.Spec.Elements())
}

func (k *GatherKernel) Compile(ctx *Context, label string) error {
	return k.compile(ctx, label, k.GenerateShader())
}

// ScatterKernel writes blocks back into a zeroed dense tensor, clipping at the edge.
type ScatterKernel struct {
	blockKernel
}

func NewScatterKernel(spec BlockKernelSpec) *ScatterKernel {
	return &ScatterKernel{blockKernel{Spec: spec}}
}

func (k *ScatterKernel) GenerateShader() string {
	return `
		@group(0) @binding(0) var<storage, read> blocks : array<f32>;
		@group(0) @binding(1) var<storage, read> indices : array<u32>;
		@group(0) @binding(2) var<storage, read_write> output : array<f32>;
	` + k.Spec.header() + `
		@compute @workgroup_size(WG)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let e = locate(gid);
			if (e.idx >= TOTAL || !e.inside) { return; }
			output[e.dense] = blocks[e.idx];
		}
	`
}

// AllocateBuffers uploads the stacked blocks and the flattened indices.
func (k *ScatterKernel) AllocateBuffers(ctx *Context, label string, blocks []float32, indices []uint32) error {
	return k.allocate(ctx, label, blocks, indices, k.Spec.DenseElements())
}

func (k *ScatterKernel) Compile(ctx *Context, label string) error {
	return k.compile(ctx, label, k.GenerateShader())
}

// FlattenIndices packs set.Indices as consecutive (batch, row, col) triples.
func FlattenIndices(set *routing.ActiveBlockSet) []uint32 {
	out := make([]uint32, 0, 3*len(set.Indices))
	for _, idx := range set.Indices {
		out = append(out, uint32(idx.Batch), uint32(idx.Row), uint32(idx.Col))
	}
	return out
}
