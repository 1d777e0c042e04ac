package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// TestTensorCreation verifies basic tensor operations
func TestTensorCreation(t *testing.T) {
	tensor := NewTensor[float32](3, 4)
	if tensor.Size() != 12 {
		t.Errorf("Expected size 12, got %d", tensor.Size())
	}
	if len(tensor.Shape) != 2 || tensor.Shape[0] != 3 || tensor.Shape[1] != 4 {
		t.Errorf("Expected shape [3, 4], got %v", tensor.Shape)
	}
	if tensor.Strides[0] != 4 || tensor.Strides[1] != 1 {
		t.Errorf("Expected strides [4, 1], got %v", tensor.Strides)
	}

	data := []float64{1, 2, 3, 4, 5, 6}
	tensor2 := NewTensorFromSlice(data, 2, 3)
	if tensor2.Size() != 6 {
		t.Errorf("Expected size 6, got %d", tensor2.Size())
	}
	if tensor2.Data[0] != 1 || tensor2.Data[5] != 6 {
		t.Errorf("Data not correctly initialized")
	}
}

// TestTensorClone verifies tensor cloning
func TestTensorClone(t *testing.T) {
	original := NewTensorFromSlice([]int32{1, 2, 3, 4}, 4)
	clone := original.Clone()

	original.Data[0] = 100

	if clone.Data[0] != 1 {
		t.Errorf("Clone was modified when original changed")
	}
}

// TestTensorReshape verifies tensor reshaping
func TestTensorReshape(t *testing.T) {
	tensor := NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6}, 6)
	reshaped := tensor.Reshape(2, 3)

	if reshaped == nil {
		t.Fatal("Reshape returned nil")
	}
	if len(reshaped.Shape) != 2 || reshaped.Shape[0] != 2 || reshaped.Shape[1] != 3 {
		t.Errorf("Expected shape [2, 3], got %v", reshaped.Shape)
	}

	if invalid := tensor.Reshape(2, 2); invalid != nil {
		t.Error("Invalid reshape should return nil")
	}
}

func TestDims4(t *testing.T) {
	mask := NewTensor[float32](2, 5, 7)
	b, h, w, c, err := mask.Dims4()
	if err != nil || b != 2 || h != 5 || w != 7 || c != 1 {
		t.Errorf("3-D mask: got (%d,%d,%d,%d,%v)", b, h, w, c, err)
	}
	mask.Set4(1, 4, 6, 0, 3)
	if mask.Data[len(mask.Data)-1] != 3 {
		t.Errorf("Set4 wrote to the wrong element")
	}
	if _, _, _, _, err := NewTensor[float32](4).Dims4(); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for 1-D tensor, got %v", err)
	}
}

func TestActivate(t *testing.T) {
	resultF32 := Activate[float32](0.5, ActivationSigmoid)
	expectedF32 := float32(1.0 / (1.0 + math.Exp(-0.5)))
	if math.Abs(float64(resultF32-expectedF32)) > 1e-6 {
		t.Errorf("Sigmoid float32: expected %f, got %f", expectedF32, resultF32)
	}
	if Activate[float32](-1, ActivationReLU) != 0 {
		t.Errorf("ReLU of negative should be 0")
	}
	if Activate[float32](-1, ActivationLinear) != -1 {
		t.Errorf("Linear should pass values through")
	}
	if math.Abs(float64(Activate[float32](-1, ActivationLeakyReLU)+0.1)) > 1e-6 {
		t.Errorf("LeakyReLU of -1 should be -0.1")
	}
	if a, err := ParseActivation("relu"); err != nil || a != ActivationReLU {
		t.Errorf("ParseActivation(relu): got (%v, %v)", a, err)
	}
	if _, err := ParseActivation("swish"); err == nil {
		t.Errorf("expected error for unknown activation")
	}
}

// referenceConv computes a conv directly, without im2row.
func referenceConv(in *Tensor[float32], l *Conv2DLayer) *Tensor[float32] {
	b, h, w, c, _ := in.Dims4()
	outH, outW := l.OutputShape(h, w)
	k := l.KernelSize
	pad := 0
	if l.Padding == PaddingSame {
		pad = (k - 1) / 2
	}
	out := NewTensor[float32](b, outH, outW, l.Filters)
	for bi := 0; bi < b; bi++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				for f := 0; f < l.Filters; f++ {
					sum := float64(l.Bias[f])
					for kh := 0; kh < k; kh++ {
						for kw := 0; kw < k; kw++ {
							iy, ix := oy+kh-pad, ox+kw-pad
							if iy < 0 || iy >= h || ix < 0 || ix >= w {
								continue
							}
							for ic := 0; ic < c; ic++ {
								wi := ((kh*k+kw)*c+ic)*l.Filters + f
								sum += float64(in.At4(bi, iy, ix, ic)) * float64(l.Kernel[wi])
							}
						}
					}
					out.Set4(bi, oy, ox, f, Activate(float32(sum), l.Activation))
				}
			}
		}
	}
	return out
}

func randomTensor(rng *rand.Rand, shape ...int) *Tensor[float32] {
	t := NewTensor[float32](shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func TestConv2DMatchesDirect(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, padding := range []PaddingMode{PaddingValid, PaddingSame} {
		layer := InitConv2D(3, 4, 3, padding, ActivationReLU, rng)
		for i := range layer.Bias {
			layer.Bias[i] = float32(i) * 0.1
		}
		in := randomTensor(rng, 2, 6, 5, 3)

		got, err := layer.Forward(in)
		if err != nil {
			t.Fatalf("%v: Forward failed: %v", padding, err)
		}
		want := referenceConv(in, layer)
		if !SameShape(got, want) {
			t.Fatalf("%v: shape %v, want %v", padding, got.Shape, want.Shape)
		}
		if d := MaxAbsDiff(got.Data, want.Data); d > 1e-5 {
			t.Errorf("%v: max diff %g", padding, d)
		}
	}
}

func TestConv2DShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	valid := InitConv2D(2, 3, 3, PaddingValid, ActivationLinear, rng)

	out, err := valid.Forward(NewTensor[float32](1, 8, 6, 2))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Shape[1] != 6 || out.Shape[2] != 4 || out.Shape[3] != 3 {
		t.Errorf("valid conv shape: got %v, want [1 6 4 3]", out.Shape)
	}

	// empty batch is legal and yields an empty batch
	empty, err := valid.Forward(NewTensor[float32](0, 8, 8, 2))
	if err != nil {
		t.Fatalf("empty batch failed: %v", err)
	}
	if empty.Shape[0] != 0 || empty.Size() != 0 {
		t.Errorf("empty batch: got shape %v", empty.Shape)
	}

	if _, err := valid.Forward(NewTensor[float32](1, 2, 2, 2)); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for tiny input, got %v", err)
	}
	if _, err := valid.Forward(NewTensor[float32](1, 8, 8, 3)); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for channel mismatch, got %v", err)
	}
}

func TestMaxPool2D(t *testing.T) {
	in := NewTensorFromSlice([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, 1, 4, 4, 1)
	out, err := MaxPool2D(in, 2)
	if err != nil {
		t.Fatalf("MaxPool2D failed: %v", err)
	}
	want := []float32{6, 8, 14, 16}
	for i, v := range want {
		if out.Data[i] != v {
			t.Errorf("pool[%d]: got %v, want %v", i, out.Data[i], v)
		}
	}
}

func TestUpsampleCropConcat(t *testing.T) {
	in := NewTensorFromSlice([]float32{1, 2, 3, 4}, 1, 2, 2, 1)
	up, err := UpsampleNearest(in, 2)
	if err != nil {
		t.Fatalf("UpsampleNearest failed: %v", err)
	}
	if up.At4(0, 0, 1, 0) != 1 || up.At4(0, 1, 2, 0) != 2 || up.At4(0, 3, 3, 0) != 4 {
		t.Errorf("unexpected upsample result %v", up.Data)
	}

	crop, err := CenterCrop(up, 1, 3)
	if err != nil {
		t.Fatalf("CenterCrop failed: %v", err)
	}
	// rows: top = 1; cols: left = 0
	want := []float32{1, 1, 2}
	for i, v := range want {
		if crop.Data[i] != v {
			t.Errorf("crop[%d]: got %v, want %v", i, crop.Data[i], v)
		}
	}

	cat, err := ConcatChannels(in, in)
	if err != nil {
		t.Fatalf("ConcatChannels failed: %v", err)
	}
	if cat.Shape[3] != 2 || cat.At4(0, 1, 0, 0) != 3 || cat.At4(0, 1, 0, 1) != 3 {
		t.Errorf("unexpected concat result %v", cat.Data)
	}
	if _, err := ConcatChannels(in, up); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for spatial mismatch, got %v", err)
	}
}
