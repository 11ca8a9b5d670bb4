package tailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultInterval is the polling period used when none is configured
const DefaultInterval = 200 * time.Millisecond

// Sink receives each complete line appended to the tailed file
type Sink interface {
	Line(line string)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(line string)

func (f SinkFunc) Line(line string) { f(line) }

// Options configures a Tailer
type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Tailer follows a log file from the end it had when started. File system
// events wake it early; the ticker covers platforms and paths where no
// events arrive.
type Tailer struct {
	path     string
	sink     Sink
	interval time.Duration
	logger   *slog.Logger

	offset  int64
	partial []byte

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	stop    sync.Once
}

// Start begins tailing path. Content present before Start is not forwarded.
// The caller must call Stop.
func Start(path string, sink Sink, opts Options) (*Tailer, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Tailer{
		path:     filepath.Clean(path),
		sink:     sink,
		interval: opts.Interval,
		logger:   opts.Logger,
		done:     make(chan struct{}),
	}

	info, err := os.Stat(t.path)
	switch {
	case err == nil:
		t.offset = info.Size()
	case errors.Is(err, fs.ErrNotExist):
		t.logger.Debug("log file does not exist yet", "path", t.path)
	default:
		return nil, err
	}

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			t.logger.Debug("falling back to polling", "path", t.path, "error", err)
			watcher.Close()
		} else {
			t.watcher = watcher
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx)
	return t, nil
}

func (t *Tailer) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if t.watcher != nil {
		events = t.watcher.Events
		errs = t.watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) == t.path && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				t.poll()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.logger.Debug("watcher error", "path", t.path, "error", err)
		}
	}
}

// poll forwards everything appended since the last read
func (t *Tailer) poll() {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.offset, t.partial = 0, nil
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	size := info.Size()
	if size < t.offset {
		// Truncated or rotated.
		t.offset, t.partial = 0, nil
	}
	if size == t.offset {
		return
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, size-t.offset))
	t.offset += int64(len(data))
	if err != nil {
		t.logger.Debug("failed to read log file", "path", t.path, "error", err)
	}

	data = append(t.partial, data...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.sink.Line(string(bytes.TrimSuffix(data[:i], []byte("\r"))))
		data = data[i+1:]
	}
	t.partial = bytes.Clone(data)
}

// Stop halts polling, forwards lines written up to now and releases the
// watcher. It is safe to call more than once.
func (t *Tailer) Stop() {
	t.stop.Do(func() {
		t.cancel()
		<-t.done
		if t.watcher != nil {
			t.watcher.Close()
		}
		t.poll()
	})
}
