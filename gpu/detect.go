package gpu

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/zhuokaizhao/artifice/routing"
)

// BudgetEnv overrides the staging budget (in MiB) reported by Detect.
const BudgetEnv = "ARTIFICE_BUDGET_MB"

// Report is a portable summary of the current adapter/device caps.
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"`
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Features    []string          `json:"features"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	WorkgroupX uint32 `json:"workgroup_x"`

	// Soft budget in bytes for staging + gathered blocks.
	BudgetBytes uint64 `json:"budget_bytes"`
}

// MaxActiveBlocks returns how many float32 blocks of blockElems elements fit in one
// storage binding and in the staging budget.
func (r *Report) MaxActiveBlocks(blockElems int) int {
	if blockElems <= 0 {
		return 0
	}
	limit := r.Limits.MaxStorageBufferBindingSize
	if r.Recommended.BudgetBytes > 0 && r.Recommended.BudgetBytes < limit {
		limit = r.Recommended.BudgetBytes
	}
	return int(limit / uint64(blockElems*4))
}

// Runs splits count active blocks of blockElems values into index ranges [from, to)
// of at most MaxActiveBlocks blocks each. The dense side of denseElems values is bound
// whole on every run and must fit one storage binding. Both failures wrap
// routing.ErrShapeMismatch.
func (r *Report) Runs(count, blockElems, denseElems int) ([][2]int, error) {
	if count == 0 {
		return nil, nil
	}
	if dense := uint64(denseElems) * 4; dense > r.Limits.MaxStorageBufferBindingSize {
		return nil, fmt.Errorf("%w: dense tensor of %d bytes exceeds the %d byte storage binding",
			routing.ErrShapeMismatch, dense, r.Limits.MaxStorageBufferBindingSize)
	}
	per := r.MaxActiveBlocks(blockElems)
	if per == 0 {
		return nil, fmt.Errorf("%w: a block of %d values does not fit one run", routing.ErrShapeMismatch, blockElems)
	}
	runs := make([][2]int, 0, (count+per-1)/per)
	for from := 0; from < count; from += per {
		runs = append(runs, [2]int{from, min(from+per, count)})
	}
	return runs, nil
}

// JSON renders the report indented.
func (r *Report) JSON() (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect queries the default adapter and synthesizes a report.
func Detect() (*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	return adapterReport(adapter), nil
}

func adapterReport(adapter *wgpu.Adapter) *Report {
	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}

	return &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     runtime.GOOS + "/" + runtime.GOARCH,
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
		},
		Features: feats,
		Recommended: Recommendations{
			WorkgroupX:  chooseWorkgroup(limits.Limits.MaxComputeWorkgroupSizeX, limits.Limits.MaxComputeInvocationsPerWorkgroup),
			BudgetBytes: budgetBytes(),
		},
		Env: pickEnv(BudgetEnv, AdapterEnv),
	}
}

func chooseWorkgroup(maxX, maxTotal uint32) uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= maxX && c <= maxTotal {
			return c
		}
	}
	return 1
}

func budgetBytes() uint64 {
	budget := uint64(128 * 1024 * 1024)
	if mb, err := strconv.Atoi(os.Getenv(BudgetEnv)); err == nil && mb > 0 {
		budget = uint64(mb) * 1024 * 1024
	}
	return budget
}

func pickEnv(keys ...string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
