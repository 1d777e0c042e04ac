package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// ReadTimeout bounds how long ReadBuffer waits for a mapped staging buffer.
var ReadTimeout = 2 * time.Second

// EnsureGPU ensures the GPU context is initialized
func EnsureGPU() error {
	_, err := GetContext()
	return err
}

// NewFloatBuffer creates a buffer with the given float32 data
func NewFloatBuffer(data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	return newInitBuffer(wgpu.ToBytes(data), usage)
}

// NewUintBuffer creates a buffer with the given uint32 data
func NewUintBuffer(data []uint32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	return newInitBuffer(wgpu.ToBytes(data), usage)
}

func newInitBuffer(contents []byte, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: contents,
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer: %v", err)
	}
	return buf, nil
}

// NewStorageBuffer creates a zeroed read-write float32 storage buffer of n elements.
func NewStorageBuffer(label string, n int) (*wgpu.Buffer, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
}

// ReadBuffer copies the first n float32 values of buffer back to the host.
func ReadBuffer(buffer *wgpu.Buffer, n int) ([]float32, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}

	sizeBytes := uint64(n * 4)
	staging, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create staging buffer: %v", err)
	}
	defer staging.Destroy()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %v", err)
	}
	encoder.CopyBufferToBuffer(buffer, 0, staging, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to finish command: %v", err)
	}
	c.Queue.Submit(cmd)

	if err := c.waitMapped(staging, sizeBytes); err != nil {
		return nil, err
	}

	data := staging.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return nil, fmt.Errorf("failed to get mapped range")
	}
	result := make([]float32, n)
	copy(result, wgpu.FromBytes[float32](data))
	staging.Unmap()
	return result, nil
}

// waitMapped maps buf for reading and polls the device until the mapping lands or
// ReadTimeout expires.
func (c *Context) waitMapped(buf *wgpu.Buffer, size uint64) error {
	done := make(chan struct{})
	var mapErr error
	err := buf.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return fmt.Errorf("MapAsync failed: %v", err)
	}

	timeout := time.After(ReadTimeout)
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			return mapErr
		case <-timeout:
			return fmt.Errorf("ReadBuffer timed out after %v", ReadTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
