// Command artifice inspects and runs sparse pyramid detectors.
//
//	artifice shapes  -config cfg.json
//	artifice detect  -config cfg.json -image in.png -out mask.png [-overlay 0.5] [-blocks]
//	artifice serve   -config cfg.json [-port 8080]
//	artifice gpuinfo
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/gpu"
	"github.com/zhuokaizhao/artifice/sparse"
	"github.com/zhuokaizhao/artifice/tiling"
)

const usage = `usage: artifice <command> [flags]

commands:
  shapes   print tile shapes and block plans of a config
  detect   run a config over an image and write the mask heatmap
  serve    serve detection over HTTP
  gpuinfo  print the WebGPU capability report
`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "shapes":
		runShapes(args)
	case "detect":
		runDetect(args)
	case "serve":
		runServe(args)
	case "gpuinfo":
		runGPUInfo()
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func loadPyramid(path string) *sparse.Pyramid {
	if path == "" {
		log.Fatal("Please provide -config path")
	}
	cfg, err := sparse.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	p, err := cfg.Build()
	if err != nil {
		log.Fatalf("Failed to build pyramid: %v", err)
	}
	return p
}

// shapesReport is what the shapes command prints.
type shapesReport struct {
	Strategy   string                `json:"strategy"`
	Boundary   string                `json:"boundary"`
	Backend    string                `json:"backend"`
	InputShape geometry.Shape        `json:"input_shape"`
	Levels     []geometry.LevelShape `json:"levels"`
	Plans      []sparse.LevelPlan    `json:"plans,omitempty"`
}

func newShapesReport(p *sparse.Pyramid) shapesReport {
	report := shapesReport{
		Strategy:   p.Strategy().String(),
		Boundary:   p.Boundary().String(),
		Backend:    p.Backend().Name(),
		InputShape: p.InputShape(),
		Levels:     p.Levels(),
	}
	if p.Strategy().Sparse() {
		report.Plans = p.Plans()[1:]
	}
	return report
}

func runShapes(args []string) {
	fs := flag.NewFlagSet("shapes", flag.ExitOnError)
	config := fs.String("config", "", "Pyramid config (JSON)")
	fs.Parse(args)

	p := loadPyramid(*config)
	report := newShapesReport(p)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode report: %v", err)
	}
	fmt.Println(string(data))
}

func runDetect(args []string) {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	config := fs.String("config", "", "Pyramid config (JSON)")
	input := fs.String("image", "", "Input image (PNG, JPEG, TIFF, ...)")
	output := fs.String("out", "mask.png", "Output heatmap")
	overlay := fs.Float64("overlay", 0, "Draw the heatmap over the image at this opacity (0 = heatmap only)")
	blocks := fs.Bool("blocks", false, "Draw the peak of each routing block instead of the mask")
	quiet := fs.Bool("quiet", false, "Do not print per-level events")
	fs.Parse(args)

	if *input == "" {
		log.Fatal("Please provide -image path")
	}
	p := loadPyramid(*config)
	if !*quiet {
		p = p.WithObserver(sparse.ConsoleObserver{})
	}

	img, err := tiling.LoadImage(*input)
	if err != nil {
		log.Fatal(err)
	}
	b := img.Bounds()
	fmt.Printf("Loaded %s (%dx%d), strategy=%s backend=%s\n", *input, b.Dx(), b.Dy(), p.Strategy(), p.Backend().Name())

	d, err := detect(p, img)
	if err != nil {
		log.Fatalf("Detection failed: %v", err)
	}
	active, total := d.active()
	frac := 0.0
	if total > 0 {
		frac = 100 * float64(active) / float64(total)
	}
	log.Printf("%d tiles in %d chunks, %d/%d blocks active (%.1f%%)", d.Tiles, len(d.Chunks), active, total, frac)

	out, err := render(img, d, *overlay, *blocks)
	if err != nil {
		log.Fatalf("Failed to render mask: %v", err)
	}
	if err := tiling.SaveImage(*output, out); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("✓ Wrote %s\n", *output)
}

func runGPUInfo() {
	report, err := gpu.Detect()
	if err != nil {
		log.Fatalf("GPU detection failed: %v", err)
	}
	s, err := report.JSON()
	if err != nil {
		log.Fatalf("Failed to encode report: %v", err)
	}
	fmt.Println(s)
}
