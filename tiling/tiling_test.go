package tiling

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"

	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/nn"
	"github.com/zhuokaizhao/artifice/routing"
)

func testTiler(t *testing.T) *Tiler {
	t.Helper()
	spec, err := geometry.NewPyramidSpec(geometry.Square(8), 3, 2)
	if err != nil {
		t.Fatalf("NewPyramidSpec: %v", err)
	}
	tl, err := NewTiler(spec)
	if err != nil {
		t.Fatalf("NewTiler: %v", err)
	}
	return tl
}

func randomImages(rng *rand.Rand, b, h, w, c int) *nn.Tensor[float32] {
	x := nn.NewTensor[float32](b, h, w, c)
	for i := range x.Data {
		x.Data[i] = rng.Float32() + 0.1
	}
	return x
}

func TestTilerGeometry(t *testing.T) {
	tl := testTiler(t)
	if tl.Input != geometry.Square(60) || tl.Output != geometry.Square(20) || tl.Halo != geometry.Square(20) {
		t.Fatalf("geometry = in %v out %v halo %v, want 60/20/20", tl.Input, tl.Output, tl.Halo)
	}
	if g := tl.Grid(50, 30); g.Rows != 3 || g.Cols != 2 {
		t.Errorf("Grid(50, 30) = %+v, want 3x2", g)
	}
	if n := tl.Tiles(40, 40); n != 4 {
		t.Errorf("Tiles(40, 40) = %d, want 4", n)
	}
}

func TestTileUntileRoundTrip(t *testing.T) {
	tl := testTiler(t)
	img := randomImages(rand.New(rand.NewSource(3)), 2, 50, 30, 1)

	tiles, err := tl.Tile(img)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	want := []int{12, 60, 60, 1}
	for i := range want {
		if tiles.Shape[i] != want[i] {
			t.Fatalf("tiles shape = %v, want %v", tiles.Shape, want)
		}
	}

	centers, err := nn.CenterCrop(tiles, 20, 20)
	if err != nil {
		t.Fatalf("CenterCrop: %v", err)
	}
	back, err := tl.Untile(centers, 50, 30)
	if err != nil {
		t.Fatalf("Untile: %v", err)
	}
	if !nn.SameShape(back, img) {
		t.Fatalf("untiled shape = %v, want %v", back.Shape, img.Shape)
	}
	if d := nn.MaxAbsDiff(back.Data, img.Data); d != 0 {
		t.Errorf("round trip differs by %v", d)
	}
}

func TestTileHaloIsZero(t *testing.T) {
	tl := testTiler(t)
	img := randomImages(rand.New(rand.NewSource(4)), 1, 20, 20, 1)
	tiles, err := tl.Tile(img)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if tiles.Shape[0] != 1 {
		t.Fatalf("got %d tiles, want 1", tiles.Shape[0])
	}
	for y := 0; y < 60; y++ {
		for x := 0; x < 60; x++ {
			inside := y >= 20 && y < 40 && x >= 20 && x < 40
			v := tiles.At4(0, y, x, 0)
			if inside && v != img.At4(0, y-20, x-20, 0) {
				t.Fatalf("tile (%d,%d) = %v, want image (%d,%d)", y, x, v, y-20, x-20)
			}
			if !inside && v != 0 {
				t.Fatalf("halo (%d,%d) = %v, want 0", y, x, v)
			}
		}
	}
}

func TestTileImageMatchesTensorPath(t *testing.T) {
	tl := testTiler(t)
	rng := rand.New(rand.NewSource(5))
	src := image.NewGray(image.Rect(0, 0, 25, 33))
	for i := range src.Pix {
		src.Pix[i] = uint8(1 + rng.Intn(254))
	}

	fromImage, err := tl.TileImage(src, 1)
	if err != nil {
		t.Fatalf("TileImage: %v", err)
	}
	x, err := ToTensor(src, 1)
	if err != nil {
		t.Fatalf("ToTensor: %v", err)
	}
	fromTensor, err := tl.Tile(x)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if !nn.SameShape(fromImage, fromTensor) {
		t.Fatalf("shapes %v vs %v", fromImage.Shape, fromTensor.Shape)
	}
	if d := nn.MaxAbsDiff(fromImage.Data, fromTensor.Data); d > 1.0/255 {
		t.Errorf("image and tensor tiling differ by %v", d)
	}
}

func TestUntileErrors(t *testing.T) {
	tl := testTiler(t)
	if _, err := tl.Untile(nn.NewTensor[float32](4, 18, 18, 1), 40, 40); !errors.Is(err, routing.ErrShapeMismatch) {
		t.Errorf("wrong tile size: err = %v, want ErrShapeMismatch", err)
	}
	if _, err := tl.Untile(nn.NewTensor[float32](3, 20, 20, 1), 40, 40); !errors.Is(err, routing.ErrShapeMismatch) {
		t.Errorf("partial grid: err = %v, want ErrShapeMismatch", err)
	}
	if _, err := tl.Tile(nn.NewTensor[float32](1, 0, 5, 1)); !errors.Is(err, routing.ErrShapeMismatch) {
		t.Errorf("empty image: err = %v, want ErrShapeMismatch", err)
	}
}

func TestUntileIntoChunks(t *testing.T) {
	tl := testTiler(t)
	rng := rand.New(rand.NewSource(6))
	outputs := randomImages(rng, 6, 20, 20, 2)

	want, err := tl.Untile(outputs, 50, 30)
	if err != nil {
		t.Fatalf("Untile: %v", err)
	}
	got := nn.NewTensor[float32](1, 50, 30, 2)
	for _, chunk := range [][2]int{{0, 4}, {4, 6}} {
		part, err := nn.SliceBatch(outputs, chunk[0], chunk[1])
		if err != nil {
			t.Fatal(err)
		}
		if err := tl.UntileInto(got, part, chunk[0]); err != nil {
			t.Fatalf("UntileInto %v: %v", chunk, err)
		}
	}
	if d := nn.MaxAbsDiff(got.Data, want.Data); d != 0 {
		t.Errorf("chunked untile differs by %v", d)
	}

	tests := []struct {
		name  string
		tiles *nn.Tensor[float32]
		first int
	}{
		{"past last tile", nn.NewTensor[float32](2, 20, 20, 2), 5},
		{"negative first", nn.NewTensor[float32](1, 20, 20, 2), -1},
		{"wrong tile size", nn.NewTensor[float32](1, 18, 18, 2), 0},
		{"wrong channels", nn.NewTensor[float32](1, 20, 20, 1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tl.UntileInto(got, tt.tiles, tt.first); !errors.Is(err, routing.ErrShapeMismatch) {
				t.Errorf("err = %v, want ErrShapeMismatch", err)
			}
		})
	}
}

func TestToTensorChannels(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	rgb, err := ToTensor(src, 3)
	if err != nil {
		t.Fatalf("ToTensor: %v", err)
	}
	if rgb.At4(0, 0, 0, 0) != 1 || rgb.At4(0, 0, 0, 1) != 0 {
		t.Errorf("red pixel = %v,%v, want 1,0", rgb.At4(0, 0, 0, 0), rgb.At4(0, 0, 0, 1))
	}
	gray, err := ToTensor(src, 1)
	if err != nil {
		t.Fatalf("ToTensor: %v", err)
	}
	if v := gray.At4(0, 0, 1, 0); v != 1 {
		t.Errorf("white gray = %v, want 1", v)
	}
	if _, err := ToTensor(src, 2); err == nil {
		t.Error("expected error for 2 channels")
	}
}

func TestHeatmap(t *testing.T) {
	mask := nn.NewTensorFromSlice([]float32{0, 1, 2, -1}, 1, 1, 4, 1)
	img, err := Heatmap(mask, 0)
	if err != nil {
		t.Fatalf("Heatmap: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 1 {
		t.Fatalf("bounds = %v, want 4x1", b)
	}
	low, high := img.NRGBAAt(0, 0), img.NRGBAAt(1, 0)
	if low == high {
		t.Fatal("low and high mask values render the same color")
	}
	if img.NRGBAAt(2, 0) != high || img.NRGBAAt(3, 0) != low {
		t.Error("values outside [0, 1] are not clamped")
	}
	luma := func(c color.NRGBA) float64 { return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B) }
	if luma(high) <= luma(low) {
		t.Errorf("high luma %v <= low luma %v", luma(high), luma(low))
	}
	if _, err := Heatmap(mask, 1); err == nil {
		t.Error("expected error for out-of-range index")
	}
}

func TestLoadSaveImage(t *testing.T) {
	dir := t.TempDir()
	src := image.NewGray(image.Rect(0, 0, 7, 5))
	src.SetGray(3, 2, color.Gray{Y: 200})

	tifPath := filepath.Join(dir, "in.tif")
	f, err := os.Create(tifPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := tiff.Encode(f, src, nil); err != nil {
		t.Fatalf("tiff.Encode: %v", err)
	}
	f.Close()

	img, err := LoadImage(tifPath)
	if err != nil {
		t.Fatalf("LoadImage(tif): %v", err)
	}
	x, err := ToTensor(img, 1)
	if err != nil {
		t.Fatal(err)
	}
	if x.Shape[1] != 5 || x.Shape[2] != 7 {
		t.Fatalf("tensor shape = %v, want 5x7", x.Shape)
	}
	if v := x.At4(0, 2, 3, 0); math.Abs(float64(v)-200.0/255) > 1e-6 {
		t.Errorf("pixel = %v, want %v", v, 200.0/255)
	}

	pngPath := filepath.Join(dir, "heat.png")
	heat, err := Heatmap(x, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := SaveImage(pngPath, Overlay(img, heat, 0.5)); err != nil {
		t.Fatalf("SaveImage: %v", err)
	}
	back, err := LoadImage(pngPath)
	if err != nil {
		t.Fatalf("LoadImage(png): %v", err)
	}
	if b := back.Bounds(); b.Dx() != 7 || b.Dy() != 5 {
		t.Errorf("saved bounds = %v, want 7x5", b)
	}

	if _, err := LoadImage(filepath.Join(dir, "missing.png")); err == nil {
		t.Error("expected error for missing file")
	}
}
