// Package loadgen runs a batch load: fixed-size batches of concurrent value
// transfers from one account, one batch per interval, for a fixed duration.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/batchload/internal/account"
	"github.com/gateway-fm/batchload/internal/metrics"
	"github.com/gateway-fm/batchload/internal/rpc"
	"github.com/gateway-fm/batchload/pkg/types"
)

// ErrSetup marks failures that happen before the first batch or while reading
// end balances. No report is produced when Run returns it.
var ErrSetup = errors.New("setup failed")

// ChainClient is the chain surface the driver needs.
type ChainClient interface {
	// NonceAt returns the account's current transaction count.
	NonceAt(ctx context.Context, addr common.Address) (uint64, error)
	// BalanceAt returns the account's balance in wei.
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	// SendValue submits one transfer. It returns once the endpoint accepted or rejected it.
	SendValue(ctx context.Context, from, to common.Address, amount *big.Int, nonce uint64) (common.Hash, error)
}

// SenderResolver is implemented by chain clients that choose the source
// account themselves (configured key, configured address or node account).
type SenderResolver interface {
	ResolveSender(ctx context.Context) (*account.Account, error)
	Prepare(ctx context.Context) error
}

// Observer receives an event after every completed batch.
type Observer interface {
	OnBatch(ev types.BatchEvent)
}

// Observers fans each event out to every observer, in order.
type Observers []Observer

// OnBatch implements Observer.
func (o Observers) OnBatch(ev types.BatchEvent) {
	for _, ob := range o {
		if ob != nil {
			ob.OnBatch(ev)
		}
	}
}

// SendOutcome is the result of one send task. Err is nil on success.
type SendOutcome struct {
	Nonce uint64
	Hash  common.Hash
	Err   error
}

// Config for a single run. It is not modified once the run starts.
type Config struct {
	RunID      string
	Provider   string
	From       common.Address // used when the client is not a SenderResolver
	To         common.Address
	DurationMS int64
	IntervalMS int64
	BatchSize  int
	ValueWei   *big.Int // defaults to 1 wei
}

// Driver runs the pacing loop and owns the run's counters.
type Driver struct {
	cfg      Config
	client   ChainClient
	metrics  *metrics.PrometheusMetrics
	observer Observer
	logger   *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)

	value   *big.Int
	seq     *account.Sequencer
	errors  metrics.UCounter
	sent    metrics.UCounter
	batches metrics.UCounter
	latency *metrics.SendLatencyStats

	statusMu  sync.RWMutex
	phase     types.RunPhase
	from      common.Address
	startedAt time.Time
	lastBatch *types.BatchEvent
	runErr    string
	report    *types.RunReport
}

// Option customises a Driver.
type Option func(*Driver)

// WithMetrics records run metrics to m.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithObserver publishes batch events to o.
func WithObserver(o Observer) Option {
	return func(d *Driver) { d.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithClock replaces the wall clock and sleep used by the pacer.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(d *Driver) {
		d.now = now
		d.sleep = sleep
	}
}

// New creates a driver for one run.
func New(cfg Config, client ChainClient, opts ...Option) *Driver {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	value := cfg.ValueWei
	if value == nil {
		value = big.NewInt(1)
	}

	d := &Driver{
		cfg:     cfg,
		client:  client,
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   time.Sleep,
		value:   new(big.Int).Set(value),
		latency: metrics.NewSendLatencyStats(),
		phase:   types.PhaseSetup,
		from:    cfg.From,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunID returns the identifier of this run.
func (d *Driver) RunID() string {
	return d.cfg.RunID
}

// Run performs setup, the batch loop and finalization.
//
// The loop never stops early: ctx is handed to chain calls only, so a
// cancelled ctx turns the remaining sends into failures while the loop keeps
// its schedule until the duration has elapsed.
func (d *Driver) Run(ctx context.Context) (*types.RunReport, error) {
	d.setPhase(types.PhaseSetup)

	from, err := d.resolveSender(ctx)
	if err != nil {
		return nil, d.fail(fmt.Errorf("%w: resolve sender: %w", ErrSetup, err))
	}
	to := d.cfg.To

	startNonce, err := d.client.NonceAt(ctx, from)
	if err != nil {
		return nil, d.fail(fmt.Errorf("%w: get start nonce: %w", ErrSetup, err))
	}
	startSrc, err := d.client.BalanceAt(ctx, from)
	if err != nil {
		return nil, d.fail(fmt.Errorf("%w: get source balance: %w", ErrSetup, err))
	}
	startDest, err := d.client.BalanceAt(ctx, to)
	if err != nil {
		return nil, d.fail(fmt.Errorf("%w: get destination balance: %w", ErrSetup, err))
	}

	if d.metrics != nil {
		d.metrics.SetNonce(startNonce)
	}

	duration := time.Duration(d.cfg.DurationMS) * time.Millisecond
	interval := time.Duration(d.cfg.IntervalMS) * time.Millisecond

	startedAt := d.now()
	end := startedAt.Add(duration)

	d.statusMu.Lock()
	d.seq = account.NewSequencer(startNonce)
	d.from = from
	d.startedAt = startedAt
	d.statusMu.Unlock()
	d.setPhase(types.PhaseRunning)

	d.logger.Info("run started",
		slog.String("runId", d.cfg.RunID),
		slog.String("from", from.Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("startNonce", startNonce),
		slog.String("startBalance", startSrc.String()),
		slog.Int64("durationMs", d.cfg.DurationMS),
		slog.Int64("intervalMs", d.cfg.IntervalMS),
		slog.Int("batchSize", d.cfg.BatchSize),
	)

	for d.now().Before(end) {
		batchStart := d.now()
		outcomes := d.runBatch(ctx, from)
		elapsed := d.now().Sub(batchStart)

		wait := interval - elapsed
		if wait < 0 {
			wait = 0
		}

		d.publishBatch(outcomes, elapsed, wait)
		d.sleep(wait)
	}

	runElapsed := d.now().Sub(startedAt)
	d.setPhase(types.PhaseFinishing)

	endSrc, err := d.client.BalanceAt(ctx, from)
	if err != nil {
		return nil, d.fail(fmt.Errorf("%w: get final source balance: %w", ErrSetup, err))
	}
	endDest, err := d.client.BalanceAt(ctx, to)
	if err != nil {
		return nil, d.fail(fmt.Errorf("%w: get final destination balance: %w", ErrSetup, err))
	}

	report := finalizeAt(Totals{
		RunID:       d.cfg.RunID,
		StartNonce:  startNonce,
		FinalNonce:  d.seq.Peek(),
		StartSource: startSrc,
		EndSource:   endSrc,
		StartDest:   startDest,
		EndDest:     endDest,
		Errors:      d.errors.Load(),
		Elapsed:     runElapsed,
		Batches:     d.batches.Load(),
		StartedAt:   startedAt,
		BatchSize:   d.cfg.BatchSize,
		IntervalMS:  d.cfg.IntervalMS,
		Provider:    d.cfg.Provider,
		From:        from,
		To:          to,
	}, d.now())

	d.statusMu.Lock()
	d.report = report
	d.statusMu.Unlock()
	d.setPhase(types.PhaseCompleted)

	return report, nil
}

func (d *Driver) resolveSender(ctx context.Context) (common.Address, error) {
	resolver, ok := d.client.(SenderResolver)
	if !ok {
		if d.cfg.From == (common.Address{}) {
			return common.Address{}, errors.New("no source account configured")
		}
		return d.cfg.From, nil
	}

	acc, err := resolver.ResolveSender(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if err := resolver.Prepare(ctx); err != nil {
		return common.Address{}, err
	}
	return acc.Address, nil
}

// runBatch launches BatchSize send tasks and waits for every one of them.
func (d *Driver) runBatch(ctx context.Context, from common.Address) []SendOutcome {
	outcomes := make([]SendOutcome, d.cfg.BatchSize)

	var g errgroup.Group
	for i := range outcomes {
		g.Go(func() error {
			outcomes[i] = d.send(ctx, from)
			return nil
		})
	}
	// tasks never return an error; failures live in the outcomes
	_ = g.Wait()

	return outcomes
}

func (d *Driver) send(ctx context.Context, from common.Address) SendOutcome {
	nonce := d.seq.Next()

	start := time.Now()
	hash, err := d.client.SendValue(ctx, from, d.cfg.To, d.value, nonce)
	latency := time.Since(start)

	d.latency.Add(float64(latency.Microseconds()) / 1000)
	if d.metrics != nil {
		d.metrics.RecordSend(err == nil, rpc.ErrorCategory(err), latency.Seconds())
	}

	if err != nil {
		d.errors.Inc()
		d.logger.Warn("send failed",
			slog.Uint64("nonce", nonce),
			slog.String("category", rpc.ErrorCategory(err)),
			slog.String("error", err.Error()),
		)
		return SendOutcome{Nonce: nonce, Err: err}
	}

	d.sent.Inc()
	d.logger.Debug("send accepted", slog.Uint64("nonce", nonce), slog.String("hash", hash.Hex()))
	return SendOutcome{Nonce: nonce, Hash: hash}
}

func (d *Driver) publishBatch(outcomes []SendOutcome, elapsed, wait time.Duration) {
	index := d.batches.Inc()
	next := d.seq.Peek()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}

	ev := types.BatchEvent{
		Index:      index,
		FirstNonce: next - uint64(len(outcomes)),
		LastNonce:  next - 1,
		Size:       len(outcomes),
		Errors:     failed,
		ElapsedMS:  elapsed.Milliseconds(),
		SleepMS:    wait.Milliseconds(),
	}

	d.statusMu.Lock()
	d.lastBatch = &ev
	d.statusMu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordBatch(elapsed.Seconds(), wait.Seconds(), next)
	}
	d.logger.Debug("batch completed",
		slog.Uint64("batch", index),
		slog.Int("errors", failed),
		slog.Int64("elapsedMs", ev.ElapsedMS),
		slog.Int64("sleepMs", ev.SleepMS),
	)
	if d.observer != nil {
		d.observer.OnBatch(ev)
	}
}

func (d *Driver) setPhase(phase types.RunPhase) {
	d.statusMu.Lock()
	d.phase = phase
	d.statusMu.Unlock()
	if d.metrics != nil {
		d.metrics.SetRunPhase(string(phase))
	}
}

func (d *Driver) fail(err error) error {
	d.statusMu.Lock()
	d.runErr = err.Error()
	d.statusMu.Unlock()
	d.setPhase(types.PhaseFailed)
	return err
}

// Status returns a snapshot of the run. Safe to call from any goroutine.
func (d *Driver) Status() types.RunStatus {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()

	st := types.RunStatus{
		Phase:       d.phase,
		RunID:       d.cfg.RunID,
		Provider:    d.cfg.Provider,
		To:          d.cfg.To.Hex(),
		BatchSize:   d.cfg.BatchSize,
		IntervalMS:  d.cfg.IntervalMS,
		DurationMS:  d.cfg.DurationMS,
		Batches:     d.batches.Load(),
		TxSent:      d.sent.Load(),
		TxFailed:    d.errors.Load(),
		LastBatch:   d.lastBatch,
		Error:       d.runErr,
		Report:      d.report,
		SendLatency: d.latency.Snapshot(),
	}
	if d.from != (common.Address{}) {
		st.From = d.from.Hex()
	}
	if d.seq != nil {
		st.StartNonce = d.seq.Start()
		st.NextNonce = d.seq.Peek()
	}
	if !d.startedAt.IsZero() {
		if d.report != nil {
			st.ElapsedMS = d.report.DurationMS
		} else {
			st.ElapsedMS = d.now().Sub(d.startedAt).Milliseconds()
		}
	}
	return st
}
