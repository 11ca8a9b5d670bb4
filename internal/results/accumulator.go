package results

import (
	"slices"
	"sync"

	"github.com/bdougie/spotflow/internal/models"
)

// Accumulator collects spots per frame from concurrent task units
type Accumulator struct {
	mu     sync.Mutex
	frames map[int][]models.Spot
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{frames: make(map[int][]models.Spot)}
}

// Put appends spots to a frame, stamping them with its index
func (a *Accumulator) Put(frame int, spots []models.Spot) {
	stamped := make([]models.Spot, len(spots))
	for i, s := range spots {
		s.Frame = frame
		stamped[i] = s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames[frame] = append(a.frames[frame], stamped...)
}

// Frames returns the frame indices that received spots, ascending
func (a *Accumulator) Frames() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]int, 0, len(a.frames))
	for k := range a.frames {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Spots returns a copy of the spots of a frame in insertion order
func (a *Accumulator) Spots(frame int) []models.Spot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.frames[frame])
}

// Len returns the total number of spots
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, spots := range a.frames {
		n += len(spots)
	}
	return n
}
