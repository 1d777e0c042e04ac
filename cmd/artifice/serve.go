package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/zhuokaizhao/artifice/sparse"
	"github.com/zhuokaizhao/artifice/tiling"
)

// maxUpload bounds the request body of /detect.
const maxUpload = 64 << 20

type healthResponse struct {
	Status   string `json:"status"`
	Strategy string `json:"strategy"`
	Backend  string `json:"backend"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// server runs one pyramid for every request. Forward passes are serialized.
type server struct {
	mu      sync.Mutex
	pyramid *sparse.Pyramid
}

func newServer(p *sparse.Pyramid) *server {
	return &server{pyramid: p}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/shapes", s.handleShapes)
	mux.HandleFunc("/detect", s.handleDetect)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		Strategy: s.pyramid.Strategy().String(),
		Backend:  s.pyramid.Backend().Name(),
	})
}

func (s *server) handleShapes(w http.ResponseWriter, r *http.Request) {
	report := newShapesReport(s.pyramid)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// handleDetect takes an encoded image as the request body and answers with the PNG
// heatmap of the finest mask. The optional overlay query parameter sets the opacity
// of the heatmap drawn over the input; view=blocks draws per-block peaks instead.
func (s *server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	opacity := 0.0
	if v := r.URL.Query().Get("overlay"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("overlay must be in [0, 1], got %q", v))
			return
		}
		opacity = f
	}
	var blocks bool
	switch v := r.URL.Query().Get("view"); v {
	case "", "mask":
	case "blocks":
		blocks = true
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("view must be mask or blocks, got %q", v))
		return
	}

	img, err := tiling.DecodeImage(http.MaxBytesReader(w, r.Body, maxUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	d, err := detect(s.pyramid, img)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out, err := render(img, d, opacity, blocks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	active, total := d.active()
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Artifice-Tiles", strconv.Itoa(d.Tiles))
	w.Header().Set("X-Artifice-Active-Blocks", fmt.Sprintf("%d/%d", active, total))
	if err := tiling.EncodePNG(w, out); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	config := fs.String("config", "", "Pyramid config (JSON)")
	port := fs.Int("port", 8080, "Port to serve on")
	fs.Parse(args)

	p := loadPyramid(*config)
	s := newServer(p)

	fmt.Printf("Serving %s pyramid (backend %s) on http://localhost:%d\n", p.Strategy(), p.Backend().Name(), *port)
	fmt.Printf("   GET  /health  - Health check\n")
	fmt.Printf("   GET  /shapes  - Tile shapes and block plans (JSON)\n")
	fmt.Printf("   POST /detect  - Image in, PNG mask heatmap out\n")
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", *port), s.routes()))
}
