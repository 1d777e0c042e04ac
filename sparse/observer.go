package sparse

import "fmt"

// LevelStats summarizes one level of one forward pass.
type LevelStats struct {
	Level        int     `json:"level"`
	Strategy     string  `json:"strategy"`
	GridBlocks   int     `json:"grid_blocks"`
	ActiveBlocks int     `json:"active_blocks"`
	ActiveFrac   float64 `json:"active_fraction"`
	MaskMax      float32 `json:"mask_max"`
}

// ForwardStats is the accumulator threaded through the level loop of one forward pass.
type ForwardStats struct {
	Levels []LevelStats `json:"levels"`
}

func (s *ForwardStats) record(ls LevelStats) LevelStats {
	if ls.GridBlocks > 0 {
		ls.ActiveFrac = float64(ls.ActiveBlocks) / float64(ls.GridBlocks)
	}
	s.Levels = append(s.Levels, ls)
	return ls
}

// Active returns the active and total block counts over every routed level.
func (s ForwardStats) Active() (active, total int) {
	for _, ls := range s.Levels {
		active += ls.ActiveBlocks
		total += ls.GridBlocks
	}
	return active, total
}

// LevelEvent is delivered to a LevelObserver after each level finishes.
type LevelEvent struct {
	Stats       LevelStats `json:"stats"`
	OutputShape []int      `json:"output_shape"`
}

// LevelObserver receives level events during Forward.
type LevelObserver interface {
	OnLevel(event LevelEvent)
}

// ConsoleObserver prints level events to stdout
type ConsoleObserver struct{}

func (ConsoleObserver) OnLevel(e LevelEvent) {
	fmt.Printf("[LVL] %d (%s): active=%d/%d (%.1f%%) mask_max=%.4f out=%v\n",
		e.Stats.Level, e.Stats.Strategy, e.Stats.ActiveBlocks, e.Stats.GridBlocks,
		100*e.Stats.ActiveFrac, e.Stats.MaskMax, e.OutputShape)
}

// ChannelObserver sends events to a Go channel (for internal processing)
type ChannelObserver struct {
	Events chan LevelEvent
}

func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{Events: make(chan LevelEvent, bufferSize)}
}

func (o *ChannelObserver) OnLevel(e LevelEvent) {
	select {
	case o.Events <- e:
	default:
		// full, drop rather than block the forward pass
	}
}
