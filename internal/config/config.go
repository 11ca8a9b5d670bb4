package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bdougie/spotflow/internal/command"
	"github.com/bdougie/spotflow/internal/models"
)

// Config represents the complete spotflow configuration
type Config struct {
	Detector     string         `yaml:"detector"` // SPOTIFLOW_DETECTOR or ADVANCED_SPOTIFLOW_DETECTOR
	Command      string         `yaml:"command"`  // tool module, run as "python -m <command>"
	Launcher     []string       `yaml:"launcher"` // replaces the python invocation when set
	CondaEnv     string         `yaml:"conda_env"`
	Threads      int            `yaml:"threads"`  // 0 selects half the CPUs
	LogFile      string         `yaml:"log_file"` // defaults to ~/.<command>/run.log
	KeepWorkDirs bool           `yaml:"keep_workdirs"`
	Settings     map[string]any `yaml:"settings"`
	Input        InputConfig    `yaml:"input"`
	Region       *models.Region `yaml:"region,omitempty"` // whole stack when omitted
	Output       OutputConfig   `yaml:"output"`
	Postgres     PostgresConfig `yaml:"postgres"`
	Monitor      MonitorConfig  `yaml:"monitor"`
	Log          LogConfig      `yaml:"log"`
}

// InputConfig locates the image stack and its calibration
type InputConfig struct {
	Dir           string  `yaml:"dir"`
	PixelWidth    float64 `yaml:"pixel_width"`
	PixelHeight   float64 `yaml:"pixel_height"`
	FrameInterval float64 `yaml:"frame_interval"`
	Units         string  `yaml:"units"`
}

// OutputConfig contains result file settings
type OutputConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // json, msgpack
}

// PostgresConfig enables database storage when DSN is set
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// MonitorConfig enables the websocket monitor when Addr is set
type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and parses a YAML configuration file, then applies
// environment overrides. A .env file in the working directory is loaded
// first when present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	LoadDotEnv()
	applyEnv(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads .env into the process environment without
// overriding variables that are already set.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}
}

func applyEnv(cfg *Config) {
	if v := getEnv("SPOTFLOW_THREADS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Threads = n
		} else {
			slog.Warn("ignoring SPOTFLOW_THREADS", "value", v, "error", err)
		}
	}
	cfg.Log.Level = getEnv("SPOTFLOW_LOG_LEVEL", cfg.Log.Level)
	cfg.Postgres.DSN = getEnv("SPOTFLOW_DATABASE_URL", cfg.Postgres.DSN)
	cfg.Monitor.Addr = getEnv("SPOTFLOW_MONITOR_ADDR", cfg.Monitor.Addr)
	cfg.CondaEnv = getEnv("SPOTFLOW_CONDA_ENV", cfg.CondaEnv)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.Detector == "" {
		cfg.Detector = command.DetectorKey
	}
	if cfg.Detector != command.DetectorKey && cfg.Detector != command.AdvancedDetectorKey {
		return fmt.Errorf("unknown detector %q", cfg.Detector)
	}
	if cfg.Command == "" {
		cfg.Command = command.DefaultCommand
	}
	if cfg.Threads < 0 {
		return fmt.Errorf("threads must be >= 0, got %d", cfg.Threads)
	}

	if cfg.Input.PixelWidth == 0 {
		cfg.Input.PixelWidth = 1
	}
	if cfg.Input.PixelHeight == 0 {
		cfg.Input.PixelHeight = cfg.Input.PixelWidth
	}
	if cfg.Input.FrameInterval == 0 {
		cfg.Input.FrameInterval = 1
	}
	if cfg.Input.PixelWidth < 0 || cfg.Input.PixelHeight < 0 || cfg.Input.FrameInterval < 0 {
		return fmt.Errorf("calibration must be positive")
	}
	if cfg.Input.Units == "" {
		cfg.Input.Units = "pixel"
	}

	if cfg.Output.Path == "" {
		cfg.Output.Path = "spots.json"
	}
	switch strings.ToLower(cfg.Output.Format) {
	case "":
	case "json", "msgpack":
		cfg.Output.Format = strings.ToLower(cfg.Output.Format)
	default:
		return fmt.Errorf("unknown output format %q", cfg.Output.Format)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

// Calibration returns the physical calibration of the input stack
func (c *Config) Calibration() models.Calibration {
	return models.Calibration{
		PixelWidth:    c.Input.PixelWidth,
		PixelHeight:   c.Input.PixelHeight,
		VoxelDepth:    1,
		FrameInterval: c.Input.FrameInterval,
		Units:         c.Input.Units,
	}
}

// CommandSettings renders the settings map as strings for command.Config.Apply
func (c *Config) CommandSettings() map[string]string {
	out := make(map[string]string, len(c.Settings))
	for k, v := range c.Settings {
		switch v := v.(type) {
		case string:
			out[k] = v
		case float64:
			out[k] = strconv.FormatFloat(v, 'g', -1, 64)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// ParseLevel maps a level name to a slog level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
