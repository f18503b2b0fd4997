// Package types contains public API types for the batch load generator.
// These types form the external interface (results.json, /v1 endpoints, history store).
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// TimestampLayout is the report timestamp format: ISO-8601, UTC, millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// RunPhase represents the current state of a run.
type RunPhase string

const (
	PhaseSetup     RunPhase = "setup"
	PhaseRunning   RunPhase = "running"
	PhaseFinishing RunPhase = "finishing" // loop done, querying end balances
	PhaseCompleted RunPhase = "completed"
	PhaseFailed    RunPhase = "failed"
)

// RunReport is the final result of one run. It is built once, after the loop
// has finished and end balances are known, and never modified afterwards.
type RunReport struct {
	ID               string
	DurationMS       int64
	TransactionCount uint64
	WeiSpent         *big.Int
	WeiTransferred   *big.Int
	ErrorCount       uint64
	Timestamp        time.Time

	StartedAt  time.Time
	Batches    uint64
	BatchSize  int
	IntervalMS int64
	Provider   string
	From       string
	To         string
}

// reportJSON is the wire form of RunReport. The first six fields are the
// results.json layout consumed by existing tooling: counts and balances are decimal strings.
type reportJSON struct {
	Duration       int64  `json:"duration"`
	Transactions   string `json:"transactions"`
	WeiSpent       string `json:"weiSpent"`
	WeiTransferred string `json:"weiTransferred"`
	Errors         string `json:"errors"`
	Timestamp      string `json:"timestamp"`

	ID         string `json:"id,omitempty"`
	StartedAt  string `json:"startedAt,omitempty"`
	Batches    uint64 `json:"batches"`
	BatchSize  int    `json:"batchSize"`
	IntervalMS int64  `json:"intervalMs"`
	Provider   string `json:"provider,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r RunReport) MarshalJSON() ([]byte, error) {
	out := reportJSON{
		Duration:       r.DurationMS,
		Transactions:   strconv.FormatUint(r.TransactionCount, 10),
		WeiSpent:       BigString(r.WeiSpent),
		WeiTransferred: BigString(r.WeiTransferred),
		Errors:         strconv.FormatUint(r.ErrorCount, 10),
		Timestamp:      FormatTimestamp(r.Timestamp),
		ID:             r.ID,
		Batches:        r.Batches,
		BatchSize:      r.BatchSize,
		IntervalMS:     r.IntervalMS,
		Provider:       r.Provider,
		From:           r.From,
		To:             r.To,
	}
	if !r.StartedAt.IsZero() {
		out.StartedAt = FormatTimestamp(r.StartedAt)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RunReport) UnmarshalJSON(data []byte) error {
	var in reportJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	txCount, err := strconv.ParseUint(in.Transactions, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid transactions %q: %w", in.Transactions, err)
	}
	errCount, err := strconv.ParseUint(in.Errors, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid errors %q: %w", in.Errors, err)
	}
	spent, err := ParseBig(in.WeiSpent)
	if err != nil {
		return fmt.Errorf("invalid weiSpent: %w", err)
	}
	transferred, err := ParseBig(in.WeiTransferred)
	if err != nil {
		return fmt.Errorf("invalid weiTransferred: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, in.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	*r = RunReport{
		ID:               in.ID,
		DurationMS:       in.Duration,
		TransactionCount: txCount,
		WeiSpent:         spent,
		WeiTransferred:   transferred,
		ErrorCount:       errCount,
		Timestamp:        ts,
		Batches:          in.Batches,
		BatchSize:        in.BatchSize,
		IntervalMS:       in.IntervalMS,
		Provider:         in.Provider,
		From:             in.From,
		To:               in.To,
	}
	if in.StartedAt != "" {
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, in.StartedAt); err != nil {
			return fmt.Errorf("invalid startedAt: %w", err)
		}
	}
	return nil
}

// FormatTimestamp renders t in the report timestamp layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// BigString renders a big integer as decimal text. nil renders as "0".
func BigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ParseBig parses decimal text into a big integer.
func ParseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	return v, nil
}

// BatchEvent describes one completed batch. Published after the batch join.
type BatchEvent struct {
	Index      uint64 `json:"index"`
	FirstNonce uint64 `json:"firstNonce"`
	LastNonce  uint64 `json:"lastNonce"`
	Size       int    `json:"size"`
	Errors     int    `json:"errors"`
	ElapsedMS  int64  `json:"elapsedMs"`
	SleepMS    int64  `json:"sleepMs"`
}

// RunStatus is a point-in-time snapshot of a run, served on /v1/status.
type RunStatus struct {
	Phase       RunPhase      `json:"phase"`
	RunID       string        `json:"runId,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	From        string        `json:"from,omitempty"`
	To          string        `json:"to,omitempty"`
	BatchSize   int           `json:"batchSize"`
	IntervalMS  int64         `json:"intervalMs"`
	DurationMS  int64         `json:"durationMs"`
	ElapsedMS   int64         `json:"elapsedMs"`
	Batches     uint64        `json:"batches"`
	TxSent      uint64        `json:"txSent"`
	TxFailed    uint64        `json:"txFailed"`
	StartNonce  uint64        `json:"startNonce"`
	NextNonce   uint64        `json:"nextNonce"`
	LastBatch   *BatchEvent   `json:"lastBatch,omitempty"`
	SendLatency *LatencyStats `json:"sendLatency,omitempty"`
	Error       string        `json:"error,omitempty"`
	Report      *RunReport    `json:"report,omitempty"`
}

// PaginatedRuns is a page of stored run reports.
type PaginatedRuns struct {
	Runs   []RunReport `json:"runs"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// LatencyStats summarises send latencies in milliseconds.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P90     float64         `json:"p90"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets"`
}

// LatencyBucket is one histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}
