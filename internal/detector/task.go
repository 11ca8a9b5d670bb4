package detector

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bdougie/spotflow/internal/extractor"
	"github.com/bdougie/spotflow/internal/models"
	"github.com/bdougie/spotflow/internal/proc"
	"github.com/bdougie/spotflow/internal/results"
)

// taskUnit runs the tool once over its share of frames. One worker owns
// it for the whole run; only cancel is called from other goroutines.
type taskUnit struct {
	id     int
	d      *Detector
	frames []models.Frame
	acc    *results.Accumulator
	cal    [3]float64
	logger *slog.Logger

	ok atomic.Bool

	mu       sync.Mutex
	handle   *proc.Handle
	canceled bool
	state    models.TaskState
	dir      string
	spots    int
	err      error
}

func newTaskUnit(d *Detector, id int, frames []models.Frame, acc *results.Accumulator, cal [3]float64) *taskUnit {
	u := &taskUnit{
		id:     id,
		d:      d,
		frames: frames,
		acc:    acc,
		cal:    cal,
		logger: d.logger.With("unit", id, "frames", len(frames)),
	}
	u.ok.Store(true)
	return u
}

// cancel terminates the running process, if any. Units that have not
// spawned yet will not.
func (u *taskUnit) cancel() {
	u.mu.Lock()
	u.canceled = true
	h := u.handle
	u.mu.Unlock()

	if h != nil {
		h.Terminate()
	}
}

func (u *taskUnit) result() models.TaskResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return models.TaskResult{
		Unit:   u.id,
		State:  u.state,
		Frames: len(u.frames),
		Spots:  u.spots,
		Dir:    u.dir,
		Err:    u.err,
	}
}

func (u *taskUnit) transition(state models.TaskState) {
	u.mu.Lock()
	u.state = state
	u.mu.Unlock()

	if u.d.opts.OnUnit != nil {
		u.d.opts.OnUnit(u.result())
	}
}

func (u *taskUnit) fail(err error) models.TaskResult {
	u.ok.Store(false)
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
	u.logger.Error("task unit failed", "error", err)
	u.transition(models.StateFailed)
	return u.result()
}

func (u *taskUnit) run() (res models.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			res = u.fail(fmt.Errorf("%w: unit %d panicked: %v", models.ErrExecution, u.id, r))
		}
	}()

	if len(u.frames) == 0 {
		u.transition(models.StateDone)
		return u.result()
	}

	// Staging.
	u.transition(models.StateStaging)
	dir, err := os.MkdirTemp(u.d.opts.TempDir, "spotflow-"+u.d.cli.Command+"_")
	if err != nil {
		return u.fail(fmt.Errorf("%w: could not create tmp dir to save and load images: %v", models.ErrStaging, err))
	}
	registerWorkDir(dir)
	u.mu.Lock()
	u.dir = dir
	u.mu.Unlock()
	u.logger = u.logger.With("dir", dir)

	u.logger.Info("saving single time-points")
	for _, frame := range u.frames {
		if _, err := extractor.WriteFrame(dir, frame); err != nil {
			return u.fail(fmt.Errorf("%w: %v", models.ErrStaging, err))
		}
	}

	// Running.
	u.transition(models.StateRunning)
	argv, err := u.d.cli.BuildFor(dir)
	if err != nil {
		return u.fail(fmt.Errorf("%w: invalid command line: %v", models.ErrExecution, err))
	}

	u.mu.Lock()
	if u.canceled {
		u.mu.Unlock()
		u.transition(models.StateCanceled)
		return u.result()
	}
	u.logger.Info("running "+u.d.cli.Command, "args", strings.Join(argv, " "))
	h, err := proc.Start(argv, u.d.opts.Stdout, u.d.opts.Stderr)
	if err != nil {
		u.mu.Unlock()
		return u.fail(fmt.Errorf("%w: %v", models.ErrExecution, err))
	}
	u.handle = h
	u.mu.Unlock()

	werr := h.Wait()

	u.mu.Lock()
	u.handle = nil
	canceled := u.canceled
	u.mu.Unlock()

	if canceled || errors.Is(werr, proc.ErrTerminated) {
		u.logger.Info("task unit canceled")
		u.transition(models.StateCanceled)
		return u.result()
	}
	if werr != nil {
		return u.fail(fmt.Errorf("%w: problem running %s: %v", models.ErrExecution, u.d.cli.Command, werr))
	}

	// Parsing.
	u.transition(models.StateParsing)
	u.parse(dir)
	u.transition(models.StateDone)
	return u.result()
}

// parse loads every artifact in dir into the accumulator. Missing or
// malformed artifacts are logged, never fatal.
func (u *taskUnit) parse(dir string) {
	paths, err := results.ListArtifacts(dir)
	if err != nil || len(paths) == 0 {
		u.logger.Warn("no CSV results found", "error", err)
		return
	}

	owned := make(map[int]bool, len(u.frames))
	for _, frame := range u.frames {
		owned[frame.Index] = true
	}

	total := 0
	for _, path := range paths {
		name := filepath.Base(path)
		t, err := results.FrameIndexFromName(name)
		if err != nil {
			u.logger.Error("problem reading CSV file", "path", path, "error", err)
			continue
		}
		if !owned[t] {
			u.logger.Warn("ignoring result for a frame this unit did not stage", "path", path, "frame", t)
			continue
		}

		spots, err := results.ReadCSV(path, u.cal)
		if err != nil {
			u.logger.Error("problem reading CSV file", "path", path, "error", err)
		}
		if len(spots) > 0 {
			u.acc.Put(t, spots)
			total += len(spots)
		}
	}

	u.mu.Lock()
	u.spots = total
	u.mu.Unlock()
	u.logger.Debug("parsed results", "artifacts", len(paths), "spots", total)
}
