package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/bdougie/spotflow/internal/models"
)

const batchSize = 10 // Number of runs to batch write

// Storage defines the interface for storing detection runs
type Storage interface {
	// AddResult adds a single run result
	AddResult(ctx context.Context, result models.RunResult) error

	// Flush ensures all pending results are saved
	Flush() error
}

// Format selects the encoding of a results file
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// ParseFormat accepts "json" or "msgpack"; empty means json
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "msgpack", "mpk":
		return FormatMsgpack, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// FormatFromPath guesses the format from the file extension
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".msgpack", ".mpk":
		return FormatMsgpack
	}
	return FormatJSON
}

// FileStorage appends run results to a single file, in batches
type FileStorage struct {
	results []models.RunResult
	mu      sync.Mutex
	path    string
	format  Format
	logger  *slog.Logger
}

// NewFileStorage creates a file-backed storage writing to path
func NewFileStorage(path string, format Format, logger *slog.Logger) *FileStorage {
	if format == "" {
		format = FormatFromPath(path)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStorage{
		path:   path,
		format: format,
		logger: logger,
	}
}

// Path returns the results file location
func (s *FileStorage) Path() string { return s.path }

// AddResult adds a result to the batch and flushes if the batch is full
func (s *FileStorage) AddResult(ctx context.Context, result models.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)

	// Write to disk when batch is full
	if len(s.results) >= batchSize {
		if err := s.flush(); err != nil {
			s.logger.Error("error flushing results", "path", s.path, "error", err)
			return err
		}
	}
	return nil
}

// Flush writes all pending results to disk
func (s *FileStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *FileStorage) flush() error {
	if len(s.results) == 0 {
		return nil
	}

	existing, err := ReadFile(s.path, s.format)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read existing results: %w", err)
	}
	all := append(existing, s.results...)

	data, err := encode(all, s.format)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for results: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}

	s.logger.Debug("results flushed", "path", s.path, "runs", len(s.results), "total", len(all))
	s.results = nil // Clear the batch
	return nil
}

// ReadFile loads every run stored in a results file
func ReadFile(path string, format Format) ([]models.RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var results []models.RunResult
	switch format {
	case FormatMsgpack:
		err = msgpack.Unmarshal(data, &results)
	default:
		err = json.Unmarshal(data, &results)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal results '%s': %w", path, err)
	}
	return results, nil
}

func encode(results []models.RunResult, format Format) ([]byte, error) {
	if format == FormatMsgpack {
		return msgpack.Marshal(results)
	}
	return json.MarshalIndent(results, "", "  ")
}

// Multi fans a result out to several storages
type Multi []Storage

func (m Multi) AddResult(ctx context.Context, result models.RunResult) error {
	var errs []error
	for _, s := range m {
		if err := s.AddResult(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Flush() error {
	var errs []error
	for _, s := range m {
		if err := s.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
