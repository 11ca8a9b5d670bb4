package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/spotflow/internal/command"
	"github.com/bdougie/spotflow/internal/extractor"
	"github.com/bdougie/spotflow/internal/models"
	"github.com/bdougie/spotflow/internal/results"
	"github.com/bdougie/spotflow/internal/stack"
	"github.com/bdougie/spotflow/internal/tailer"
)

// Options tunes a Detector. The zero value is usable.
type Options struct {
	Logger *slog.Logger

	// LogFile is the tool log to tail; defaults to ~/.<command>/run.log.
	LogFile      string
	TailInterval time.Duration
	// LogSink also receives every tool log line.
	LogSink tailer.Sink

	// Stdout and Stderr receive the tool output; nil inherits the host streams.
	Stdout io.Writer
	Stderr io.Writer

	// TempDir is the parent of unit working directories; empty uses the system default.
	TempDir      string
	KeepWorkDirs bool

	OnProgress func(done, total int)
	OnUnit     func(models.TaskResult)
}

// Detector runs the detection tool over a time-lapse stack, splitting the
// time points across concurrent task units and merging their results.
type Detector struct {
	stack  stack.Stack
	region models.Region
	cli    *command.Config
	opts   Options
	logger *slog.Logger

	baseErrorMessage string
	logFile          string
	numThreads       int

	mu             sync.Mutex
	units          []*taskUnit
	canceled       bool
	cancelReason   string
	runID          string
	spots          []models.Spot
	taskResults    []models.TaskResult
	err            error
	processingTime time.Duration
}

// New creates a detector for region of s, configured by cli
func New(s stack.Stack, region models.Region, cli *command.Config, opts Options) *Detector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logFile := opts.LogFile
	if logFile == "" {
		logFile = DefaultLogFile(cli.Command)
	}
	return &Detector{
		stack:            s,
		region:           region,
		cli:              cli,
		opts:             opts,
		logger:           opts.Logger.With("detector", cli.Detector),
		baseErrorMessage: "[" + cli.Command + "Detector] ",
		logFile:          logFile,
		numThreads:       DefaultNumThreads(),
	}
}

// DefaultLogFile is where the tool appends its progress lines
func DefaultLogFile(command string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, "."+command, "run.log")
}

// CheckInput verifies the image is 2D over time
func (d *Detector) CheckInput() bool {
	if err := d.checkInput(); err != nil {
		d.setErr(err)
		return false
	}
	return true
}

func (d *Detector) checkInput() error {
	if d.stack == nil {
		return errors.New("image is nil")
	}
	if d.stack.Slices() > 1 {
		return fmt.Errorf("%w: image must be 2D over time, got an image with %d Z slices", models.ErrUnsupportedDimensionality, d.stack.Slices())
	}
	return nil
}

// Process runs the detection and reports success. On failure the reason
// is available from ErrorMessage and Err.
func (d *Detector) Process(ctx context.Context) bool {
	return d.Run(ctx) == nil
}

// Run executes the pipeline: split, dispatch with the log tailer running,
// then merge. Canceling ctx cancels the run.
func (d *Detector) Run(ctx context.Context) error {
	start := time.Now()
	d.mu.Lock()
	d.canceled = false
	d.cancelReason = ""
	d.runID = uuid.NewString()
	d.spots = nil
	d.taskResults = nil
	d.err = nil
	d.mu.Unlock()

	err := d.run(ctx)
	d.mu.Lock()
	d.processingTime = time.Since(start)
	d.mu.Unlock()
	if err != nil {
		d.setErr(err)
	}
	return err
}

func (d *Detector) run(ctx context.Context) error {
	if err := d.checkInput(); err != nil {
		return err
	}
	if err := d.cli.ValidateSettings(); err != nil {
		return err
	}

	// Dispatch time-points to several tasks.
	channel := d.cli.TargetChannel() - 1
	seq, err := extractor.Split(d.stack, d.region, channel)
	if err != nil {
		return err
	}
	frames, err := extractor.Collect(seq)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStaging, err)
	}

	n := d.NumThreads()
	buckets := Partition(frames, n)
	cal := d.stack.Calibration()
	acc := results.NewAccumulator()

	units := make([]*taskUnit, len(buckets))
	for i, bucket := range buckets {
		units[i] = newTaskUnit(d, i, bucket, acc, cal.Spatial())
	}
	d.mu.Lock()
	d.units = units
	canceled := d.canceled
	d.mu.Unlock()
	if canceled {
		return d.canceledErr()
	}

	d.logger.Info("dispatching frames", "run", d.RunID(), "frames", len(frames), "units", len(units), "region", d.region.String())
	defer func() {
		for _, u := range units {
			if dir := u.result().Dir; dir != "" {
				if err := releaseWorkDir(dir, d.opts.KeepWorkDirs); err != nil {
					d.logger.Warn("failed to remove work dir", "dir", dir, "error", err)
				}
			}
		}
	}()

	taskResults := d.dispatchWithTailer(ctx, units, n)
	d.mu.Lock()
	d.taskResults = taskResults
	d.mu.Unlock()

	if d.IsCanceled() {
		return d.canceledErr()
	}

	// Did we have a problem with independent tasks?
	var errs []error
	for i, u := range units {
		if !u.ok.Load() {
			errs = append(errs, fmt.Errorf("unit %d: %w", u.id, taskResults[i].Err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d task units failed: %w", len(errs), len(units), errors.Join(errs...))
	}

	// Reposition spots with respect to the region and time.
	frameInterval := 1.0
	if d.stack.HasTime() && cal.FrameInterval > 0 {
		frameInterval = cal.FrameInterval
	}
	spots := results.Merge(acc, d.region, cal, frameInterval)

	d.mu.Lock()
	if d.canceled {
		d.mu.Unlock()
		return d.canceledErr()
	}
	d.spots = spots
	d.mu.Unlock()
	d.logger.Info("detection finished", "run", d.RunID(), "spots", len(spots))
	return nil
}

// dispatchWithTailer keeps the tool log tailed for exactly as long as the
// units run, and turns ctx cancellation into a Cancel call.
func (d *Detector) dispatchWithTailer(ctx context.Context, units []*taskUnit, n int) []models.TaskResult {
	command := d.cli.Command
	sink := tailer.SinkFunc(func(line string) {
		d.logger.Info(line, "source", command)
		if d.opts.LogSink != nil {
			d.opts.LogSink.Line(line)
		}
	})
	tl, err := tailer.Start(d.logFile, sink, tailer.Options{Interval: d.opts.TailInterval, Logger: d.logger})
	if err != nil {
		d.logger.Warn("not tailing tool log", "path", d.logFile, "error", err)
	} else {
		defer tl.Stop()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			d.Cancel(context.Cause(ctx).Error())
		case <-stop:
		}
	}()

	return d.dispatch(units, n)
}

func (d *Detector) canceledErr() error {
	return fmt.Errorf("%w: %s", models.ErrCanceled, d.CancelReason())
}

func (d *Detector) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Result returns the merged spots of the last successful run
func (d *Detector) Result() []models.Spot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spots
}

// TaskResults returns the per-unit outcomes of the last run
func (d *Detector) TaskResults() []models.TaskResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.taskResults
}

// Err returns the error of the last failed call, or nil
func (d *Detector) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// ErrorMessage returns a human-readable description of Err
func (d *Detector) ErrorMessage() string {
	err := d.Err()
	if err == nil {
		return ""
	}
	return d.baseErrorMessage + err.Error()
}

// ProcessingTime returns the wall-clock duration of the last run in milliseconds
func (d *Detector) ProcessingTime() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processingTime.Milliseconds()
}

// RunID identifies the last run
func (d *Detector) RunID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runID
}

// Cancel stops the run: running tool processes are terminated and units
// not yet started will not spawn. The run then fails with ErrCanceled.
func (d *Detector) Cancel(reason string) {
	d.mu.Lock()
	d.canceled = true
	d.cancelReason = reason
	units := d.units
	d.mu.Unlock()

	d.logger.Info("canceling detection", "reason", reason)
	for _, u := range units {
		u.cancel()
	}
}

func (d *Detector) IsCanceled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canceled
}

func (d *Detector) CancelReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelReason
}

// SetNumThreads sets how many task units run concurrently; values below
// one select DefaultNumThreads.
func (d *Detector) SetNumThreads(n int) {
	if n < 1 {
		n = DefaultNumThreads()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.numThreads = n
}

func (d *Detector) NumThreads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numThreads
}
