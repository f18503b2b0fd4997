// Package storage delivers run reports: results.json, a structured log line
// and an optional SQLite run history.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gateway-fm/batchload/pkg/types"
)

// ErrNotFound is returned when a run is not in the history store.
var ErrNotFound = errors.New("run not found")

// Sink receives the final report of a run.
type Sink interface {
	Write(ctx context.Context, report *types.RunReport) error
}

// RunStore is the read side of the run history.
type RunStore interface {
	ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error)
	GetRun(ctx context.Context, id string) (*types.RunReport, error)
	GetBatches(ctx context.Context, runID string) ([]types.BatchEvent, error)
	DeleteRun(ctx context.Context, id string) error
}

// JSONFileSink writes the report as indented JSON, replacing any previous file.
type JSONFileSink struct {
	Path string
}

// NewJSONFileSink creates a sink writing to path.
func NewJSONFileSink(path string) *JSONFileSink {
	return &JSONFileSink{Path: path}
}

// Write implements Sink.
func (s *JSONFileSink) Write(_ context.Context, report *types.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create results directory: %w", err)
		}
	}
	if err := os.WriteFile(s.Path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Path, err)
	}
	return nil
}

// LogSink emits the report as one structured log line.
type LogSink struct {
	Logger *slog.Logger
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, report *types.RunReport) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("results",
		slog.String("runId", report.ID),
		slog.Int64("duration", report.DurationMS),
		slog.Uint64("transactions", report.TransactionCount),
		slog.String("weiSpent", types.BigString(report.WeiSpent)),
		slog.String("weiTransferred", types.BigString(report.WeiTransferred)),
		slog.Uint64("errors", report.ErrorCount),
		slog.Uint64("batches", report.Batches),
		slog.String("timestamp", types.FormatTimestamp(report.Timestamp)),
	)
	return nil
}

// MultiSink writes to every sink, even after one fails, and joins the errors.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(ctx context.Context, report *types.RunReport) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
