// Package sparse drives a U-shaped convolution pyramid from its coarsest level to its
// finest, optionally computing only the spatial blocks a coarse mask marks as active.
//
// Construction is two-phase: fill in a Config (usually decoded from JSON), then call
// Build. The returned Pyramid is immutable and safe for concurrent Forward calls.
//
//	cfg, err := sparse.LoadConfig("pyramid.json")
//	if err != nil { ... }
//	p, err := cfg.Build()
//	if err != nil { ... }
//	in, err := p.Encode(images)
//	res, err := p.Forward(in)
//
// Three strategies share the same block plan:
//
//	dense   every position of every level is computed
//	masked  every position is computed, then outputs of inactive blocks are zeroed
//	block   only active blocks are gathered, computed and scattered
//
// masked and block produce the same outputs for the same inputs; masked exists to
// validate block.
package sparse

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/zhuokaizhao/artifice/geometry"
	"github.com/zhuokaizhao/artifice/gpu"
	"github.com/zhuokaizhao/artifice/routing"
)

// ErrConfig is returned by Build for configurations that cannot be run.
var ErrConfig = geometry.ErrInvalidConfig

// Strategy selects how decoder levels above level 0 are computed.
type Strategy int

const (
	StrategyDense  Strategy = 0
	StrategyMasked Strategy = 1
	StrategyBlock  Strategy = 2
)

func (s Strategy) String() string {
	switch s {
	case StrategyMasked:
		return "masked"
	case StrategyBlock:
		return "block"
	default:
		return "dense"
	}
}

// Sparse reports whether the strategy routes through the block plan.
func (s Strategy) Sparse() bool { return s != StrategyDense }

// ParseStrategy converts a config string to a Strategy. Empty means dense.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "dense":
		return StrategyDense, nil
	case "masked":
		return StrategyMasked, nil
	case "block":
		return StrategyBlock, nil
	default:
		return 0, fmt.Errorf("%w: unknown strategy %q", ErrConfig, s)
	}
}

// Config is the serializable description of a pyramid.
type Config struct {
	BaseShape geometry.Shape `json:"base_shape"`
	// LevelFilters holds the filter count of every level, bottom to top. Its length is
	// the number of levels.
	LevelFilters  []int          `json:"level_filters"`
	LevelDepth    int            `json:"level_depth"`
	BatchSize     int            `json:"batch_size"`
	BlockSize     geometry.Shape `json:"block_size"`
	Tol           float64        `json:"tol"`
	Strategy      string         `json:"strategy"`
	Boundary      string         `json:"boundary"`
	InputChannels int            `json:"input_channels"`
	PoseDim       int            `json:"pose_dim"`
	Seed          int64          `json:"seed"`
	Backend       string         `json:"backend"` // "cpu" (default) or "gpu"
}

// ParseConfig decodes a JSON config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and decodes a JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseConfig(data)
}

// PyramidSpec returns the geometry the config describes.
func (c Config) PyramidSpec() (geometry.PyramidSpec, error) {
	return geometry.NewPyramidSpec(c.BaseShape, len(c.LevelFilters), c.LevelDepth)
}

// Build validates the config and wires the reference convolution operators, seeded
// from Seed.
func (c Config) Build() (*Pyramid, error) {
	spec, err := c.PyramidSpec()
	if err != nil {
		return nil, err
	}
	for l, f := range c.LevelFilters {
		if f <= 0 {
			return nil, fmt.Errorf("%w: level %d has %d filters", ErrConfig, l, f)
		}
	}
	inC := c.InputChannels
	if inC == 0 {
		inC = 1
	}
	if inC < 0 || c.PoseDim < 0 {
		return nil, fmt.Errorf("%w: negative channel count", ErrConfig)
	}

	rng := rand.New(rand.NewSource(c.Seed))
	enc := NewEncoder(inC, c.LevelFilters, c.LevelDepth, rng)
	ops := make([]LevelOperator, spec.NumLevels)
	for l := range ops {
		in := enc.OutputChannels()
		if l > 0 {
			in = c.LevelFilters[l] + c.LevelFilters[l-1]
		}
		pose := 0
		if l == spec.NumLevels-1 {
			pose = c.PoseDim
		}
		ops[l] = NewConvLevel(in, c.LevelFilters[l], c.LevelDepth, pose, rng)
	}

	p, err := c.BuildWithOperators(ops)
	if err != nil {
		return nil, err
	}
	p.encoder = enc
	return p, nil
}

// BuildWithOperators validates the config and uses the supplied operators, one per
// level. The resulting pyramid has no encoder; callers provide Inputs themselves.
func (c Config) BuildWithOperators(ops []LevelOperator) (*Pyramid, error) {
	spec, err := c.PyramidSpec()
	if err != nil {
		return nil, err
	}
	if len(ops) != spec.NumLevels {
		return nil, fmt.Errorf("%w: %d operators for %d levels", ErrConfig, len(ops), spec.NumLevels)
	}
	strategy, err := ParseStrategy(c.Strategy)
	if err != nil {
		return nil, err
	}
	policy, err := routing.ParseBoundaryPolicy(c.Boundary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	levels, err := spec.Levels()
	if err != nil {
		return nil, err
	}

	p := &Pyramid{
		spec:     spec,
		levels:   levels,
		ops:      ops,
		strategy: strategy,
		policy:   policy,
		tol:      c.Tol,
		batch:    c.BatchSize,
		backend:  routing.Default,
	}
	if strategy.Sparse() {
		if err := c.checkBlocks(levels[0].Output); err != nil {
			return nil, err
		}
		p.plans = buildPlans(levels, c.BlockSize, c.LevelDepth, policy)
	}

	switch c.Backend {
	case "", "cpu":
	case "gpu":
		router, err := gpu.NewRouter()
		if err != nil {
			return nil, err
		}
		p.backend = router
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrConfig, c.Backend)
	}
	return p, nil
}

func (c Config) checkBlocks(base geometry.Shape) error {
	d := c.LevelDepth
	if d%2 != 0 {
		return fmt.Errorf("%w: level depth %d must be even for block routing", ErrConfig, d)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: block routing needs a fixed batch size", ErrConfig)
	}
	b := c.BlockSize
	if b[0] <= d || b[1] <= d {
		return fmt.Errorf("%w: block size %v must exceed level depth %d", ErrConfig, b, d)
	}
	if !b.Fits(base) {
		return fmt.Errorf("%w: block size %v larger than level-0 tile %v", ErrConfig, b, base)
	}
	return nil
}
