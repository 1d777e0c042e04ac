package main

import (
	"bytes"
	"encoding/json"
	"image"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/nn"
	"github.com/zhuokaizhao/artifice/sparse"
	"github.com/zhuokaizhao/artifice/tiling"
)

func testPyramid(t *testing.T, strategy string, tol float64) *sparse.Pyramid {
	t.Helper()
	cfg := sparse.Config{
		BaseShape:     geometry.Square(8),
		LevelFilters:  []int{4, 4, 4},
		LevelDepth:    2,
		BatchSize:     3,
		BlockSize:     geometry.Square(6),
		Tol:           tol,
		Strategy:      strategy,
		InputChannels: 1,
		Seed:          1,
	}
	p, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build(%s): %v", strategy, err)
	}
	return p
}

func testImage(w, h int) *image.Gray {
	rng := rand.New(rand.NewSource(9))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	return img
}

func TestDetectPadsLastChunk(t *testing.T) {
	p := testPyramid(t, "block", 0.5)
	d, err := detect(p, testImage(25, 30))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if d.Tiles != 4 || len(d.Chunks) != 2 {
		t.Errorf("tiles=%d chunks=%d, want 4 and 2", d.Tiles, len(d.Chunks))
	}
	want := []int{1, 30, 25, 1}
	for i := range want {
		if d.Mask.Shape[i] != want[i] {
			t.Fatalf("mask shape = %v, want %v", d.Mask.Shape, want)
		}
	}
	if _, total := d.active(); total == 0 {
		t.Error("no routed blocks were counted")
	}
}

func TestDetectBlockPeaks(t *testing.T) {
	tests := []struct {
		strategy   string
		block      int
		rows, cols int
	}{
		{"block", 8, 4, 4},
		{"dense", 20, 2, 2},
	}
	img := testImage(25, 30)
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			d, err := detect(testPyramid(t, tt.strategy, 0.5), img)
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			want := []int{1, tt.rows, tt.cols, 1}
			for i := range want {
				if d.Blocks.Shape[i] != want[i] {
					t.Fatalf("blocks shape = %v, want %v", d.Blocks.Shape, want)
				}
			}
			for r := 0; r < tt.rows; r++ {
				for c := 0; c < tt.cols; c++ {
					var peak float32
					for y := r * tt.block; y < min((r+1)*tt.block, 30); y++ {
						for x := c * tt.block; x < min((c+1)*tt.block, 25); x++ {
							peak = max(peak, float32(math.Abs(float64(d.Mask.At4(0, y, x, 0)))))
						}
					}
					if got := d.Blocks.At4(0, r, c, 0); got != peak {
						t.Errorf("block (%d,%d) = %v, want %v", r, c, got, peak)
					}
				}
			}

			out, err := render(img, d, 0, true)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if b := out.Bounds(); b.Dx() != 25 || b.Dy() != 30 {
				t.Errorf("block heatmap bounds = %v, want 25x30", b)
			}
		})
	}
}

func TestDetectStrategiesAgree(t *testing.T) {
	img := testImage(25, 30)
	masked, err := detect(testPyramid(t, "masked", 0.5), img)
	if err != nil {
		t.Fatalf("masked: %v", err)
	}
	block, err := detect(testPyramid(t, "block", 0.5), img)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if diff := nn.MaxAbsDiff(masked.Mask.Data, block.Mask.Data); diff > 1e-5 {
		t.Errorf("masked and block masks differ by %v", diff)
	}

	dense, err := detect(testPyramid(t, "dense", 0.5), img)
	if err != nil {
		t.Fatalf("dense: %v", err)
	}
	all, err := detect(testPyramid(t, "block", -1), img)
	if err != nil {
		t.Fatalf("block (all active): %v", err)
	}
	if diff := nn.MaxAbsDiff(dense.Mask.Data, all.Mask.Data); diff > 1e-5 {
		t.Errorf("dense and all-active block masks differ by %v", diff)
	}
	for _, v := range dense.Mask.Data {
		if v < 0 || v > 1 || math.IsNaN(float64(v)) {
			t.Fatalf("dense mask value %v outside [0, 1]", v)
		}
	}
}

func TestServer(t *testing.T) {
	srv := httptest.NewServer(newServer(testPyramid(t, "block", 0.5)).routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if health.Status != "ok" || health.Strategy != "block" || health.Backend != "cpu" {
		t.Errorf("health = %+v", health)
	}

	resp, err = http.Get(srv.URL + "/shapes")
	if err != nil {
		t.Fatal(err)
	}
	var shapes shapesReport
	if err := json.NewDecoder(resp.Body).Decode(&shapes); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if shapes.InputShape != geometry.Square(60) || len(shapes.Levels) != 3 || len(shapes.Plans) != 2 {
		t.Errorf("shapes = %+v", shapes)
	}

	var body bytes.Buffer
	if err := tiling.EncodePNG(&body, testImage(25, 30)); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Post(srv.URL+"/detect?overlay=0.5", "image/png", &body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detect status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Artifice-Tiles"); got != "4" {
		t.Errorf("X-Artifice-Tiles = %q, want 4", got)
	}
	out, err := tiling.DecodeImage(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if b := out.Bounds(); b.Dx() != 25 || b.Dy() != 30 {
		t.Errorf("heatmap bounds = %v, want 25x30", b)
	}

	body.Reset()
	if err := tiling.EncodePNG(&body, testImage(25, 30)); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Post(srv.URL+"/detect?view=blocks", "image/png", &body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("view=blocks status = %d", resp.StatusCode)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   []byte
		status int
	}{
		{"get", http.MethodGet, "/detect", nil, http.StatusMethodNotAllowed},
		{"garbage", http.MethodPost, "/detect", []byte("not an image"), http.StatusBadRequest},
		{"bad overlay", http.MethodPost, "/detect?overlay=2", nil, http.StatusBadRequest},
		{"bad view", http.MethodPost, "/detect?view=tiles", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, bytes.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}
