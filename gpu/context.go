package gpu

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// AdapterEnv names an environment variable holding a substring of the preferred
// adapter name (for example "nvidia"). Matching is case-insensitive.
const AdapterEnv = "ARTIFICE_ADAPTER"

// Context holds the single WebGPU context for the process
type Context struct {
	Instance    *wgpu.Instance
	Adapter     *wgpu.Adapter
	Device      *wgpu.Device
	Queue       *wgpu.Queue
	AdapterName string

	once    sync.Once
	initErr error
}

var ctx Context

// GetContext returns the singleton GPU context, initializing it on first use.
// A failed initialization is remembered and returned on every later call.
func GetContext() (*Context, error) {
	ctx.once.Do(func() { ctx.initErr = ctx.init() })
	if ctx.initErr != nil {
		return nil, ctx.initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("webgpu device or queue not initialized")
	}
	return &ctx, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("failed to create webgpu instance")
	}

	if want := strings.ToLower(os.Getenv(AdapterEnv)); want != "" {
		for _, a := range c.Instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			if strings.Contains(strings.ToLower(info.Name), want) ||
				strings.Contains(strings.ToLower(info.VendorName), want) {
				c.Adapter = a
				break
			}
		}
	}

	// high performance, then low power, then whatever the platform hands out
	var lastErr error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, lastErr = c.Instance.RequestAdapter(opts)
	}
	if c.Adapter == nil {
		return fmt.Errorf("all adapter attempts failed: %v", lastErr)
	}

	info := c.Adapter.GetInfo()
	c.AdapterName = strings.TrimSpace(info.Name)

	device, err := c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	c.Device = device
	c.Queue = device.GetQueue()
	return nil
}
