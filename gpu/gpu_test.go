package gpu

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/nn"
	"github.com/zhuokaizhao/artifice/routing"
)

func TestShaderConstants(t *testing.T) {
	k := NewGatherKernel(BlockKernelSpec{
		Batch: 2, Height: 10, Width: 12, Channels: 3, Count: 5,
		Block: routing.BlockSpec{Size: geometry.Shape{6, 6}, Stride: geometry.Shape{4, 4}, Offset: geometry.Shape{1, 1}},
	})
	src := k.GenerateShader()
	for _, want := range []string{"DENSE_H: u32 = 10u", "DENSE_W: u32 = 12u", "TOTAL: u32 = 540u", "OFFSET_W: u32 = 1u", "e.idx % CH"} {
		if !strings.Contains(src, want) {
			t.Errorf("gather shader missing %q", want)
		}
	}
	if strings.Contains(src, "%!") {
		t.Errorf("shader has a formatting error:\n%s", src)
	}
}

func TestGroupsSplitLargeDispatch(t *testing.T) {
	s := BlockKernelSpec{Channels: 1, Count: 70000, Block: routing.BlockSpec{Size: geometry.Shape{16, 16}}}
	gx, gy := s.groups()
	if gx != maxGroupsX || int(gx)*int(gy)*workgroupSize < s.Elements() {
		t.Errorf("groups (%d,%d) do not cover %d elements", gx, gy, s.Elements())
	}
}

func TestMaxActiveBlocks(t *testing.T) {
	r := &Report{
		Limits:      Limits{MaxStorageBufferBindingSize: 1 << 20},
		Recommended: Recommendations{BudgetBytes: 1 << 30},
	}
	if got := r.MaxActiveBlocks(256); got != 1024 {
		t.Errorf("MaxActiveBlocks: got %d, want 1024", got)
	}
	if r.MaxActiveBlocks(0) != 0 {
		t.Errorf("zero-sized blocks should report 0")
	}
}

func TestReportRuns(t *testing.T) {
	r := &Report{
		Limits:      Limits{MaxStorageBufferBindingSize: 1 << 12},
		Recommended: Recommendations{BudgetBytes: 1 << 30},
	}
	// 1 KiB blocks, four per binding.
	tests := []struct {
		name  string
		count int
		block int
		dense int
		want  [][2]int
		fail  bool
	}{
		{"empty", 0, 256, 1 << 10, nil, false},
		{"one run", 3, 256, 1 << 10, [][2]int{{0, 3}}, false},
		{"exact fit", 4, 256, 1 << 10, [][2]int{{0, 4}}, false},
		{"split", 9, 256, 1 << 10, [][2]int{{0, 4}, {4, 8}, {8, 9}}, false},
		{"dense too large", 1, 256, 1<<10 + 1, nil, true},
		{"block too large", 1, 1<<10 + 1, 1 << 10, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Runs(tt.count, tt.block, tt.dense)
			if tt.fail {
				if !errors.Is(err, routing.ErrShapeMismatch) {
					t.Fatalf("err = %v, want ErrShapeMismatch", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Runs: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("runs = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("run %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}

	r.Recommended.BudgetBytes = 1 << 11
	if got, err := r.Runs(5, 256, 1<<10); err != nil || len(got) != 3 || got[2] != [2]int{4, 5} {
		t.Errorf("budget-limited runs = %v, %v; want two blocks per run", got, err)
	}
}

func TestShaderWorkgroup(t *testing.T) {
	s := BlockKernelSpec{Channels: 1, Count: 10, Block: routing.BlockSpec{Size: geometry.Shape{4, 4}}, Workgroup: 64}
	if gx, gy := s.groups(); gx != 3 || gy != 1 {
		t.Errorf("groups = (%d,%d), want (3,1)", gx, gy)
	}
	src := NewScatterKernel(s).GenerateShader()
	for _, want := range []string{"WG: u32 = 64u", "ROW: u32 = 192u", "@workgroup_size(WG)"} {
		if !strings.Contains(src, want) {
			t.Errorf("scatter shader missing %q", want)
		}
	}
}

func TestRouterMatchesCPU(t *testing.T) {
	router, err := NewRouter()
	if err != nil {
		if !errors.Is(err, routing.ErrNoGPU) {
			t.Fatalf("NewRouter error should wrap ErrNoGPU, got %v", err)
		}
		t.Skipf("no GPU: %v", err)
	}

	rng := rand.New(rand.NewSource(9))
	in := nn.NewTensor[float32](2, 10, 10, 3)
	for i := range in.Data {
		in.Data[i] = float32(rng.NormFloat64())
	}
	gather := routing.BlockSpec{Size: geometry.Square(6), Stride: geometry.Square(4)}
	scatter := routing.BlockSpec{Size: geometry.Square(4), Stride: geometry.Square(4)}
	set := &routing.ActiveBlockSet{
		Count:   3,
		Indices: []routing.BlockIndex{{Batch: 0, Row: 0, Col: 2}, {Batch: 1, Row: 1, Col: 1}, {Batch: 1, Row: 2, Col: 2}},
		Grid:    routing.Grid{Rows: 3, Cols: 3},
		Batch:   2,
	}

	want, err := routing.CPU{}.Gather(in, set, gather)
	if err != nil {
		t.Fatalf("cpu gather: %v", err)
	}
	got, err := router.Gather(in, set, gather)
	if err != nil {
		t.Fatalf("gpu gather: %v", err)
	}
	if d := nn.MaxAbsDiff(got.Data, want.Data); d != 0 {
		t.Errorf("gather differs by %g", d)
	}

	blocks, _ := nn.CenterCrop(want, 4, 4)
	wantOut, err := routing.CPU{}.Scatter(blocks, set, scatter, [4]int{2, 10, 10, 3})
	if err != nil {
		t.Fatalf("cpu scatter: %v", err)
	}
	gotOut, err := router.Scatter(blocks, set, scatter, [4]int{2, 10, 10, 3})
	if err != nil {
		t.Fatalf("gpu scatter: %v", err)
	}
	if d := nn.MaxAbsDiff(gotOut.Data, wantOut.Data); d != 0 {
		t.Errorf("scatter differs by %g", d)
	}

	// A budget of one gather block per run splits both calls into several dispatches.
	split := &Router{ctx: router.ctx, report: &Report{
		Limits:      Limits{MaxStorageBufferBindingSize: uint64(in.Size() * 4)},
		Recommended: Recommendations{WorkgroupX: 64, BudgetBytes: uint64(gather.Size.Area() * 3 * 4)},
	}}
	got, err = split.Gather(in, set, gather)
	if err != nil {
		t.Fatalf("split gather: %v", err)
	}
	if d := nn.MaxAbsDiff(got.Data, want.Data); d != 0 {
		t.Errorf("split gather differs by %g", d)
	}
	gotOut, err = split.Scatter(blocks, set, scatter, [4]int{2, 10, 10, 3})
	if err != nil {
		t.Fatalf("split scatter: %v", err)
	}
	if d := nn.MaxAbsDiff(gotOut.Data, wantOut.Data); d != 0 {
		t.Errorf("split scatter differs by %g", d)
	}
}
