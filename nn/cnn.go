package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// PaddingMode selects how Conv2D treats the image border
type PaddingMode int

const (
	PaddingValid PaddingMode = 0 // no padding, output shrinks by kernel-1
	PaddingSame  PaddingMode = 1 // zero padding, output keeps the input extent
)

func (p PaddingMode) String() string {
	if p == PaddingSame {
		return "same"
	}
	return "valid"
}

// Conv2DLayer is a stride-1 2D convolution over NHWC tensors.
type Conv2DLayer struct {
	KernelSize    int
	InputChannels int
	Filters       int
	Padding       PaddingMode
	Activation    ActivationType
	Kernel        []float32 // [kernelH][kernelW][inChannels][filters]
	Bias          []float32 // [filters], nil means no bias
}

// InitConv2D initializes a Conv2D layer with He-normal weights drawn from rng.
func InitConv2D(inChannels, filters, kernelSize int, padding PaddingMode, activation ActivationType, rng *rand.Rand) *Conv2DLayer {
	kernel := make([]float32, kernelSize*kernelSize*inChannels*filters)
	stddev := math.Sqrt(2.0 / float64(inChannels*kernelSize*kernelSize))
	for i := range kernel {
		kernel[i] = float32(rng.NormFloat64() * stddev)
	}
	return &Conv2DLayer{
		KernelSize:    kernelSize,
		InputChannels: inChannels,
		Filters:       filters,
		Padding:       padding,
		Activation:    activation,
		Kernel:        kernel,
		Bias:          make([]float32, filters),
	}
}

// OutputShape returns the spatial output extent for an h x w input.
func (l *Conv2DLayer) OutputShape(h, w int) (int, int) {
	if l.Padding == PaddingSame {
		return h, w
	}
	return h - l.KernelSize + 1, w - l.KernelSize + 1
}

// Forward convolves input [b][h][w][inC] into [b][outH][outW][filters].
//
// The input is lowered to an im2row matrix with one row per output position and
// kernelH*kernelW*inC columns, then multiplied with the [kernelH*kernelW*inC][filters]
// kernel matrix.
func (l *Conv2DLayer) Forward(input *Tensor[float32]) (*Tensor[float32], error) {
	b, h, w, c, err := input.Dims4()
	if err != nil {
		return nil, err
	}
	if c != l.InputChannels {
		return nil, fmt.Errorf("%w: conv expects %d channels, got %d", ErrShape, l.InputChannels, c)
	}
	k := l.KernelSize
	if len(l.Kernel) != k*k*c*l.Filters {
		return nil, fmt.Errorf("%w: kernel has %d weights, want %d", ErrShape, len(l.Kernel), k*k*c*l.Filters)
	}
	outH, outW := l.OutputShape(h, w)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%w: %dx%d input too small for %dx%d valid conv", ErrShape, h, w, k, k)
	}

	output := NewTensor[float32](b, outH, outW, l.Filters)
	rows := b * outH * outW
	if rows == 0 {
		return output, nil
	}

	pad := 0
	if l.Padding == PaddingSame {
		pad = (k - 1) / 2
	}

	cols := k * k * c
	im := make([]float64, rows*cols)
	row := 0
	for bi := 0; bi < b; bi++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				base := row * cols
				for kh := 0; kh < k; kh++ {
					iy := oy + kh - pad
					if iy < 0 || iy >= h {
						continue
					}
					for kw := 0; kw < k; kw++ {
						ix := ox + kw - pad
						if ix < 0 || ix >= w {
							continue
						}
						src := Index4(bi, iy, ix, 0, h, w, c)
						dst := base + (kh*k+kw)*c
						for ic := 0; ic < c; ic++ {
							im[dst+ic] = float64(input.Data[src+ic])
						}
					}
				}
				row++
			}
		}
	}

	weights := make([]float64, len(l.Kernel))
	for i, v := range l.Kernel {
		weights[i] = float64(v)
	}

	var prod mat.Dense
	prod.Mul(mat.NewDense(rows, cols, im), mat.NewDense(cols, l.Filters, weights))

	for r := 0; r < rows; r++ {
		for f := 0; f < l.Filters; f++ {
			v := prod.At(r, f)
			if l.Bias != nil {
				v += float64(l.Bias[f])
			}
			output.Data[r*l.Filters+f] = Activate(float32(v), l.Activation)
		}
	}
	return output, nil
}

// MaxPool2D takes the maximum over non-overlapping size x size windows.
// Trailing rows/columns that do not fill a window are dropped.
func MaxPool2D(input *Tensor[float32], size int) (*Tensor[float32], error) {
	b, h, w, c, err := input.Dims4()
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid pool size %d", ErrShape, size)
	}
	outH, outW := h/size, w/size
	output := NewTensor[float32](b, outH, outW, c)
	for bi := 0; bi < b; bi++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				for ch := 0; ch < c; ch++ {
					m := float32(math.Inf(-1))
					for py := 0; py < size; py++ {
						for px := 0; px < size; px++ {
							v := input.Data[Index4(bi, oy*size+py, ox*size+px, ch, h, w, c)]
							if v > m {
								m = v
							}
						}
					}
					output.Data[Index4(bi, oy, ox, ch, outH, outW, c)] = m
				}
			}
		}
	}
	return output, nil
}
