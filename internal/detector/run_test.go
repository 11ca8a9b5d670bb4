//go:build !windows

package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdougie/spotflow/internal/command"
	"github.com/bdougie/spotflow/internal/models"
	"github.com/bdougie/spotflow/internal/results"
	"github.com/bdougie/spotflow/internal/stack"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) Line(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

// newTestDetector wires a detector to a shell script standing in for the
// detection tool. The script gets the staged frame folder as $1.
func newTestDetector(t *testing.T, s stack.Stack, region models.Region, script string) *Detector {
	t.Helper()
	tmp := t.TempDir()
	tool := filepath.Join(tmp, "tool.sh")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatal(err)
	}

	cli := command.NewBasic(max(s.Channels(), 1))
	cli.Launcher = []string{"/bin/sh", tool}

	return New(s, region, cli, Options{
		LogFile:      filepath.Join(tmp, "run.log"),
		TailInterval: 20 * time.Millisecond,
		Stdout:       io.Discard,
		Stderr:       io.Discard,
		TempDir:      tmp,
	})
}

const writeSpots = `dir="$1"
for f in "$dir"/*.tif; do
  name=$(basename "$f" .tif)
  printf 'y,x,probability,fwhm\n1,2,0.9,5\n' > "$dir/$name.csv"
  echo "processed $name" >> "%s"
done`

func TestRunMergesAllUnits(t *testing.T) {
	cal := models.Calibration{PixelWidth: 0.5, PixelHeight: 0.5, VoxelDepth: 1, FrameInterval: 10}
	s := testStack(5, 1, cal)
	region := models.Region{Min: [2]int{2, 3}, Max: [2]int{9, 12}, TMin: 0, TMax: 4}

	d := newTestDetector(t, s, region, "")
	tool := d.cli.Launcher[1]
	if err := os.WriteFile(tool, []byte(fmt.Sprintf("#!/bin/sh\n"+writeSpots+"\n", d.logFile)), 0755); err != nil {
		t.Fatal(err)
	}
	sink := &lineRecorder{}
	d.opts.LogSink = sink
	var progress []int
	var mu sync.Mutex
	d.opts.OnProgress = func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, done)
		if total != 2 {
			t.Errorf("progress total = %d, want 2", total)
		}
	}
	d.SetNumThreads(2)

	if !d.Process(context.Background()) {
		t.Fatalf("Process() = false: %s", d.ErrorMessage())
	}

	spots := d.Result()
	if len(spots) != 5 {
		t.Fatalf("got %d spots, want 5", len(spots))
	}
	for i, s := range spots {
		if s.Frame != i {
			t.Errorf("spot %d frame = %d, want %d", i, s.Frame, i)
		}
		if s.X != 2*0.5+2*0.5 || s.Y != 1*0.5+3*0.5 {
			t.Errorf("spot %d position = (%v, %v), want (2, 2)", i, s.X, s.Y)
		}
		if s.T != float64(i)*10 {
			t.Errorf("spot %d t = %v, want %v", i, s.T, float64(i)*10)
		}
		if want := results.Radius(5, false, 0.5); s.Radius != want {
			t.Errorf("spot %d radius = %v, want %v", i, s.Radius, want)
		}
	}

	if n := sink.count(); n != 5 {
		t.Errorf("tailed %d log lines, want 5", n)
	}
	if len(progress) != 2 {
		t.Errorf("progress callbacks = %v, want 2", progress)
	}
	for _, res := range d.TaskResults() {
		if res.State != models.StateDone {
			t.Errorf("unit %d state = %v, want done", res.Unit, res.State)
		}
		if _, err := os.Stat(res.Dir); !os.IsNotExist(err) {
			t.Errorf("work dir %s not removed", res.Dir)
		}
	}
	if d.RunID() == "" {
		t.Error("RunID() is empty")
	}
}

func TestRunWithoutArtifactsSucceeds(t *testing.T) {
	d := newTestDetector(t, testStack(4, 1, models.Unit()), models.FullRegion(16, 16, 4), "exit 0")
	d.SetNumThreads(2)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := len(d.Result()); n != 0 {
		t.Errorf("got %d spots, want 0", n)
	}
	for _, res := range d.TaskResults() {
		if res.State != models.StateDone || res.Spots != 0 {
			t.Errorf("unit %d = %+v, want done with no spots", res.Unit, res)
		}
	}
}

func TestRunMoreThreadsThanFrames(t *testing.T) {
	d := newTestDetector(t, testStack(2, 1, models.Unit()), models.FullRegion(16, 16, 2), "exit 0")
	d.SetNumThreads(4)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	res := d.TaskResults()
	if len(res) != 4 {
		t.Fatalf("got %d unit results, want 4", len(res))
	}
	for _, r := range res[2:] {
		if r.State != models.StateDone || r.Frames != 0 || r.Dir != "" {
			t.Errorf("empty unit %d = %+v", r.Unit, r)
		}
	}
}

func TestRunFailureKeepsSiblings(t *testing.T) {
	script := `dir="$1"
if [ -f "$dir/frame-t0000.tif" ]; then
  echo "boom" >&2
  exit 1
fi
for f in "$dir"/*.tif; do
  name=$(basename "$f" .tif)
  printf 'x,y,probability\n1,1,0.5\n' > "$dir/$name.csv"
done`
	d := newTestDetector(t, testStack(3, 1, models.Unit()), models.FullRegion(16, 16, 3), script)
	d.SetNumThreads(3)

	if d.Process(context.Background()) {
		t.Fatal("Process() = true, want failure")
	}
	if !errors.Is(d.Err(), models.ErrExecution) {
		t.Errorf("Err() = %v, want ErrExecution", d.Err())
	}
	if !strings.Contains(d.ErrorMessage(), "1 of 3 task units failed") {
		t.Errorf("ErrorMessage() = %q", d.ErrorMessage())
	}

	states := map[models.TaskState]int{}
	for _, r := range d.TaskResults() {
		states[r.State]++
	}
	if states[models.StateFailed] != 1 || states[models.StateDone] != 2 {
		t.Errorf("unit states = %v, want 1 failed and 2 done", states)
	}
	if d.Result() != nil {
		t.Error("Result() should be empty after a failed run")
	}
}

func TestRunIgnoresBadArtifacts(t *testing.T) {
	script := `dir="$1"
printf 'x,y,probability\n1,1,0.5\n' > "$dir/frame-t0000.csv"
printf 'x,y,probability\n1,1,0.5\n' > "$dir/frame-t0099.csv"
printf 'x,y\n1,1\n' > "$dir/frame-t0001.csv"
printf 'x,y,probability\n' > "$dir/summary.csv"`
	d := newTestDetector(t, testStack(2, 1, models.Unit()), models.FullRegion(16, 16, 2), script)
	d.SetNumThreads(1)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	spots := d.Result()
	if len(spots) != 1 || spots[0].Frame != 0 {
		t.Errorf("Result() = %+v, want a single spot in frame 0", spots)
	}
}

func TestCancelTerminatesRunningUnits(t *testing.T) {
	script := `dir="$1"
if [ -f "$dir/frame-t0000.tif" ]; then
  exit 0
fi
exec sleep 30`
	d := newTestDetector(t, testStack(3, 1, models.Unit()), models.FullRegion(16, 16, 3), script)
	d.SetNumThreads(3)
	d.opts.OnProgress = func(done, total int) {
		if done == 1 {
			d.Cancel("stopped by user")
		}
	}

	start := time.Now()
	err := d.Run(context.Background())
	if !errors.Is(err, models.ErrCanceled) {
		t.Fatalf("Run() error = %v, want ErrCanceled", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("run took %v, processes were not terminated", elapsed)
	}
	if !d.IsCanceled() || d.CancelReason() != "stopped by user" {
		t.Errorf("IsCanceled() = %v, CancelReason() = %q", d.IsCanceled(), d.CancelReason())
	}

	states := map[models.TaskState]int{}
	for _, r := range d.TaskResults() {
		states[r.State]++
	}
	if states[models.StateCanceled] != 2 || states[models.StateDone] != 1 {
		t.Errorf("unit states = %v, want 2 canceled and 1 done", states)
	}
	if states[models.StateFailed] != 0 {
		t.Error("canceled units must not be reported as failed")
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	d := newTestDetector(t, testStack(2, 1, models.Unit()), models.FullRegion(16, 16, 2), "exec sleep 30")
	d.SetNumThreads(2)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if d.Process(ctx) {
		t.Fatal("Process() = true after context cancellation")
	}
	if !errors.Is(d.Err(), models.ErrCanceled) {
		t.Errorf("Err() = %v, want ErrCanceled", d.Err())
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	t.Run("region", func(t *testing.T) {
		region := models.Region{Min: [2]int{0, 0}, Max: [2]int{32, 8}, TMax: 1}
		d := newTestDetector(t, testStack(2, 1, models.Unit()), region, "exit 0")
		if err := d.Run(context.Background()); !errors.Is(err, models.ErrInvalidRegion) {
			t.Errorf("Run() error = %v, want ErrInvalidRegion", err)
		}
	})

	t.Run("channel", func(t *testing.T) {
		d := newTestDetector(t, testStack(2, 1, models.Unit()), models.FullRegion(16, 16, 2), "exit 0")
		d.cli = command.NewBasic(2)
		d.cli.Launcher = []string{"/bin/true"}
		if err := d.cli.Set(command.KeyTargetChannel, "2"); err != nil {
			t.Fatal(err)
		}
		if err := d.Run(context.Background()); !errors.Is(err, models.ErrInvalidChannel) {
			t.Errorf("Run() error = %v, want ErrInvalidChannel", err)
		}
	})

	t.Run("settings", func(t *testing.T) {
		d := newTestDetector(t, testStack(2, 1, models.Unit()), models.FullRegion(16, 16, 2), "exit 0")
		if err := d.cli.Set(command.KeyPretrainedModel, "nope"); err != nil {
			t.Fatal(err)
		}
		if err := d.Run(context.Background()); err == nil {
			t.Error("Run() error = nil, want invalid settings error")
		}
	})
}

func TestKeepWorkDirs(t *testing.T) {
	d := newTestDetector(t, testStack(1, 1, models.Unit()), models.FullRegion(16, 16, 1), "exit 0")
	d.opts.KeepWorkDirs = true
	d.SetNumThreads(1)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	dir := d.TaskResults()[0].Dir
	if _, err := os.Stat(filepath.Join(dir, "frame-t0000.tif")); err != nil {
		t.Errorf("staged frame missing from kept dir: %v", err)
	}
}
