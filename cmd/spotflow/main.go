package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/bdougie/spotflow/internal/analyzer"
	"github.com/bdougie/spotflow/internal/config"
	"github.com/bdougie/spotflow/internal/detector"
	"github.com/bdougie/spotflow/internal/monitor"
	"github.com/bdougie/spotflow/internal/storage"
)

const usage = "Usage: spotflow --input path/to/frames [--config spotflow.yaml] [--output spots.json] [--threads N] [--monitor :8089] [--db postgres://...]"

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line arguments
	var configPath, input, output, monitorAddr, dsn string
	threads := -1

	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]
		if arg == "-h" || arg == "--help" {
			fmt.Println(usage)
			return 0
		}
		if i+1 >= len(os.Args) {
			fmt.Fprintf(os.Stderr, "missing value for %s\n%s\n", arg, usage)
			return 1
		}
		value := os.Args[i+1]
		i++
		switch arg {
		case "--config":
			configPath = value
		case "--input":
			input = value
		case "--output":
			output = value
		case "--threads":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				fmt.Fprintf(os.Stderr, "invalid --threads %q\n", value)
				return 1
			}
			threads = n
		case "--monitor":
			monitorAddr = value
		case "--db":
			dsn = value
		default:
			fmt.Fprintf(os.Stderr, "unknown argument %s\n%s\n", arg, usage)
			return 1
		}
	}

	var cfg *config.Config
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	} else {
		config.LoadDotEnv()
		cfg = config.Default()
	}
	if input != "" {
		cfg.Input.Dir = input
	}
	if output != "" {
		cfg.Output.Path = output
	}
	if threads >= 0 {
		cfg.Threads = threads
	}
	if monitorAddr != "" {
		cfg.Monitor.Addr = monitorAddr
	}
	if dsn != "" {
		cfg.Postgres.DSN = dsn
	}

	// Ensure input path is provided
	if cfg.Input.Dir == "" {
		fmt.Println(usage)
		return 1
	}

	// Configure logger
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
			NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		}),
	)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer detector.CleanupWorkDirs()

	// Initialize the storage
	stores := storage.Multi{storage.NewFileStorage(cfg.Output.Path, storage.Format(cfg.Output.Format), logger)}
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresStorage(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			return 1
		}
		defer pg.Close()
		if err := pg.InitSchema(ctx); err != nil {
			logger.Error("failed to initialize schema", "error", err)
			return 1
		}
		stores = append(stores, pg)
	}

	var hub *monitor.Hub
	if cfg.Monitor.Addr != "" {
		hub = monitor.NewHub(logger)
		go func() {
			if err := monitor.Serve(ctx, cfg.Monitor.Addr, hub); err != nil {
				logger.Error("monitor stopped", "error", err)
			}
		}()
	}

	logger.Info("starting spot detection", "input", cfg.Input.Dir, "detector", cfg.Detector, "threads", cfg.Threads)
	processor := analyzer.NewProcessor(stores, hub, logger)
	result, err := processor.ProcessDir(ctx, cfg)
	if err != nil {
		logger.Error("error processing stack", "error", err)
		return 1
	}

	fmt.Printf("Detected %d spots in %d ms (run %s), results in %s\n",
		len(result.Spots), result.ProcessingTime, result.ID, cfg.Output.Path)
	return 0
}
