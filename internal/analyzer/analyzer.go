package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bdougie/spotflow/internal/command"
	"github.com/bdougie/spotflow/internal/config"
	"github.com/bdougie/spotflow/internal/detector"
	"github.com/bdougie/spotflow/internal/models"
	"github.com/bdougie/spotflow/internal/monitor"
	"github.com/bdougie/spotflow/internal/stack"
	"github.com/bdougie/spotflow/internal/storage"
)

// Processor runs detections and hands the merged spots to storage
type Processor struct {
	storage storage.Storage
	monitor *monitor.Hub
	logger  *slog.Logger

	mu      sync.Mutex
	current *detector.Detector
}

// NewProcessor creates a processor. hub may be nil.
func NewProcessor(store storage.Storage, hub *monitor.Hub, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		storage: store,
		monitor: hub,
		logger:  logger,
	}
}

// ProcessDir loads the TIFF stack named by cfg.Input.Dir and processes it
func (p *Processor) ProcessDir(ctx context.Context, cfg *config.Config) (*models.RunResult, error) {
	p.logger.Info("loading stack", "dir", cfg.Input.Dir)
	s, err := stack.LoadDir(cfg.Input.Dir, cfg.Calibration())
	if err != nil {
		return nil, err
	}
	p.logger.Info("stack loaded", "width", s.Width(), "height", s.Height(), "timepoints", s.Timepoints())
	return p.ProcessStack(ctx, s, cfg)
}

// ProcessStack detects spots over s and stores the run
func (p *Processor) ProcessStack(ctx context.Context, s stack.Stack, cfg *config.Config) (*models.RunResult, error) {
	cal := s.Calibration()
	cli, err := command.ForDetector(cfg.Detector, s.Channels(), cal.Units, cal.PixelWidth)
	if err != nil {
		return nil, err
	}
	cli.Command = cfg.Command
	cli.Launcher = cfg.Launcher
	cli.CondaEnv = cfg.CondaEnv
	if err := cli.Apply(cfg.CommandSettings()); err != nil {
		return nil, fmt.Errorf("invalid detector settings: %w", err)
	}

	region := models.FullRegion(s.Width(), s.Height(), s.Timepoints())
	if cfg.Region != nil {
		region = *cfg.Region
	}

	var d *detector.Detector
	opts := detector.Options{
		Logger:       p.logger,
		LogFile:      cfg.LogFile,
		KeepWorkDirs: cfg.KeepWorkDirs,
		OnProgress: func(done, total int) {
			p.logger.Info("progress", "done", done, "total", total)
			if p.monitor != nil {
				p.monitor.Progress(done, total)
			}
		},
	}
	if p.monitor != nil {
		opts.LogSink = p.monitor
		opts.OnUnit = func(res models.TaskResult) {
			p.monitor.SetRunID(d.RunID())
			p.monitor.Unit(res)
		}
	}
	d = detector.New(s, region, cli, opts)
	d.SetNumThreads(cfg.Threads)

	if !d.CheckInput() {
		return nil, fmt.Errorf("[%sDetector] %w", cli.Command, d.Err())
	}

	p.mu.Lock()
	p.current = d
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()
	}()

	runErr := d.Run(ctx)
	if p.monitor != nil {
		p.monitor.SetRunID(d.RunID())
		p.monitor.Finish(len(d.Result()), runErr)
	}
	if runErr != nil {
		return nil, fmt.Errorf("[%sDetector] %w", cli.Command, runErr)
	}

	result := &models.RunResult{
		ID:             d.RunID(),
		Detector:       cli.Detector,
		Command:        cli.Command,
		Region:         region,
		Calibration:    cal,
		ProcessingTime: d.ProcessingTime(),
		Spots:          d.Result(),
	}
	p.logger.Info("detection completed", "run", result.ID, "spots", len(result.Spots), "ms", result.ProcessingTime)

	if p.storage != nil {
		if err := p.storage.AddResult(ctx, *result); err != nil {
			return result, fmt.Errorf("failed to store results: %w", err)
		}
		if err := p.storage.Flush(); err != nil {
			return result, fmt.Errorf("failed to flush final results: %w", err)
		}
	}
	return result, nil
}

// Cancel stops the running detection, if any
func (p *Processor) Cancel(reason string) {
	p.mu.Lock()
	d := p.current
	p.mu.Unlock()
	if d != nil {
		d.Cancel(reason)
	}
}
