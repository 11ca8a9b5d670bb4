package detector

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bdougie/spotflow/internal/models"
)

// DefaultNumThreads is half the available CPUs, at least one
func DefaultNumThreads() int {
	return max(1, runtime.NumCPU()/2)
}

// Partition deals frames round-robin into n buckets. Bucket sizes differ
// by at most one; when n exceeds the frame count the extra buckets are empty.
func Partition(frames []models.Frame, n int) [][]models.Frame {
	if n < 1 {
		n = 1
	}
	buckets := make([][]models.Frame, n)
	for i, frame := range frames {
		buckets[i%n] = append(buckets[i%n], frame)
	}
	return buckets
}

// dispatch runs every unit on a pool of limit workers and waits for all of
// them. A failing unit never stops its siblings.
func (d *Detector) dispatch(units []*taskUnit, limit int) []models.TaskResult {
	results := make([]models.TaskResult, len(units))
	var done atomic.Int64

	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for i, u := range units {
		g.Go(func() error {
			results[i] = u.run()
			n := done.Add(1)
			d.logger.Debug("task unit finished", "unit", u.id, "state", results[i].State, "remaining", int64(len(units))-n)
			if d.opts.OnProgress != nil {
				d.opts.OnProgress(int(n), len(units))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
