package loadgen

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/batchload/internal/account"
	"github.com/gateway-fm/batchload/internal/metrics"
	"github.com/gateway-fm/batchload/pkg/types"
)

var (
	src = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	dst = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

// fakeClock is a manual clock. Sleep advances it.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stubChain is a ChainClient with scripted balances and send failures.
type stubChain struct {
	mu sync.Mutex

	nonce    uint64
	nonceErr error

	// balances[addr] is served in order; the last entry repeats.
	balances   map[common.Address][]*big.Int
	balanceIdx map[common.Address]int
	// balanceErrAt fails the n-th BalanceAt call (1-based). Zero disables.
	balanceErrAt int
	balanceCalls int

	// failEvery fails every n-th send (1-based). Zero disables.
	failEvery int
	sendCalls atomic.Int64
	onSend    func()

	sentNonces []uint64
	sentValues []*big.Int
}

func newStubChain() *stubChain {
	return &stubChain{
		nonce:      100,
		balances:   make(map[common.Address][]*big.Int),
		balanceIdx: make(map[common.Address]int),
	}
}

func (s *stubChain) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return s.nonce, s.nonceErr
}

func (s *stubChain) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceCalls++
	if s.balanceErrAt > 0 && s.balanceCalls == s.balanceErrAt {
		return nil, errors.New("balance unavailable")
	}
	series := s.balances[addr]
	if len(series) == 0 {
		return big.NewInt(0), nil
	}
	i := s.balanceIdx[addr]
	if i >= len(series) {
		i = len(series) - 1
	}
	s.balanceIdx[addr] = i + 1
	return new(big.Int).Set(series[i]), nil
}

func (s *stubChain) SendValue(ctx context.Context, from, to common.Address, amount *big.Int, nonce uint64) (common.Hash, error) {
	n := s.sendCalls.Add(1)
	if s.onSend != nil {
		s.onSend()
	}

	s.mu.Lock()
	s.sentNonces = append(s.sentNonces, nonce)
	s.sentValues = append(s.sentValues, amount)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if s.failEvery > 0 && n%int64(s.failEvery) == 0 {
		return common.Hash{}, errors.New("nonce too low")
	}
	return common.BigToHash(new(big.Int).SetUint64(nonce)), nil
}

// recordingObserver collects batch events.
type recordingObserver struct {
	mu     sync.Mutex
	events []types.BatchEvent
}

func (o *recordingObserver) OnBatch(ev types.BatchEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDriver(cfg Config, chain ChainClient, clock *fakeClock, opts ...Option) *Driver {
	if cfg.From == (common.Address{}) {
		cfg.From = src
	}
	if cfg.To == (common.Address{}) {
		cfg.To = dst
	}
	opts = append([]Option{WithLogger(quietLogger()), WithClock(clock.Now, clock.Sleep)}, opts...)
	return New(cfg, chain, opts...)
}

func TestRunSleepsRemainderOfInterval(t *testing.T) {
	tests := []struct {
		name      string
		batchTime time.Duration
		wantSleep time.Duration
	}{
		{name: "fast batch", batchTime: 30 * time.Millisecond, wantSleep: 70 * time.Millisecond},
		{name: "overlong batch", batchTime: 150 * time.Millisecond, wantSleep: 0},
		{name: "exact interval", batchTime: 100 * time.Millisecond, wantSleep: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			chain := newStubChain()
			chain.onSend = func() { clock.Advance(tt.batchTime) }

			d := newTestDriver(Config{DurationMS: 100, IntervalMS: 100, BatchSize: 1}, chain, clock)
			report, err := d.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if len(clock.sleeps) != 1 {
				t.Fatalf("sleeps = %v, want exactly one", clock.sleeps)
			}
			if clock.sleeps[0] != tt.wantSleep {
				t.Errorf("sleep = %v, want %v", clock.sleeps[0], tt.wantSleep)
			}
			if report.Batches != 1 {
				t.Errorf("batches = %d, want 1", report.Batches)
			}
		})
	}
}

func TestRunZeroDuration(t *testing.T) {
	clock := newFakeClock()
	chain := newStubChain()

	d := newTestDriver(Config{DurationMS: 0, IntervalMS: 100, BatchSize: 10}, chain, clock)
	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if chain.sendCalls.Load() != 0 {
		t.Errorf("sends = %d, want 0", chain.sendCalls.Load())
	}
	if report.TransactionCount != 0 || report.ErrorCount != 0 || report.Batches != 0 {
		t.Errorf("report = tx %d, errors %d, batches %d; want all zero",
			report.TransactionCount, report.ErrorCount, report.Batches)
	}
	if report.DurationMS != 0 {
		t.Errorf("duration = %d, want 0", report.DurationMS)
	}
}

func TestRunCountsFailures(t *testing.T) {
	clock := newFakeClock()
	chain := newStubChain()
	chain.failEvery = 3
	chain.onSend = func() { clock.Advance(time.Millisecond) }

	// every send moves the clock past the end, so exactly one batch runs
	d := newTestDriver(Config{DurationMS: 1, IntervalMS: 0, BatchSize: 9}, chain, clock)
	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.ErrorCount != 3 {
		t.Errorf("ErrorCount = %d, want 3", report.ErrorCount)
	}
	if report.TransactionCount != 9 {
		t.Errorf("TransactionCount = %d, want 9", report.TransactionCount)
	}
	if report.Batches != 1 {
		t.Errorf("Batches = %d, want 1", report.Batches)
	}
}

func TestRunAdvancesSequencerByBatchSize(t *testing.T) {
	for _, failEvery := range []int{0, 1, 2} {
		clock := newFakeClock()
		chain := newStubChain()
		chain.failEvery = failEvery
		obs := &recordingObserver{}

		d := newTestDriver(Config{DurationMS: 30, IntervalMS: 10, BatchSize: 5}, chain, clock, WithObserver(obs))
		report, err := d.Run(context.Background())
		if err != nil {
			t.Fatalf("failEvery=%d: Run() error = %v", failEvery, err)
		}

		if report.Batches != 3 {
			t.Fatalf("failEvery=%d: batches = %d, want 3", failEvery, report.Batches)
		}
		if report.TransactionCount != 15 {
			t.Errorf("failEvery=%d: TransactionCount = %d, want 15", failEvery, report.TransactionCount)
		}

		nonces := append([]uint64(nil), chain.sentNonces...)
		sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
		for i, n := range nonces {
			if n != chain.nonce+uint64(i) {
				t.Fatalf("failEvery=%d: nonces = %v, want %d..%d without gaps", failEvery, nonces, chain.nonce, chain.nonce+14)
			}
		}

		if len(obs.events) != 3 {
			t.Fatalf("failEvery=%d: events = %d, want 3", failEvery, len(obs.events))
		}
		for i, ev := range obs.events {
			wantFirst := chain.nonce + uint64(i*5)
			if ev.Index != uint64(i+1) || ev.FirstNonce != wantFirst || ev.LastNonce != wantFirst+4 || ev.Size != 5 {
				t.Errorf("failEvery=%d: event %d = %+v", failEvery, i, ev)
			}
			if ev.SleepMS != 10 {
				t.Errorf("failEvery=%d: event %d sleep = %d, want 10", failEvery, i, ev.SleepMS)
			}
		}
	}
}

func TestRunReportsExactBalanceDeltas(t *testing.T) {
	// 2^80 and friends, well beyond uint64
	base := new(big.Int).Lsh(big.NewInt(1), 80)
	startSrc := new(big.Int).Add(base, big.NewInt(1_000_000))
	endSrc := new(big.Int).Sub(startSrc, new(big.Int).Lsh(big.NewInt(1), 66))
	startDest := new(big.Int).Lsh(big.NewInt(1), 70)
	endDest := new(big.Int).Add(startDest, new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 65), big.NewInt(3)))

	clock := newFakeClock()
	chain := newStubChain()
	chain.balances[src] = []*big.Int{startSrc, endSrc}
	chain.balances[dst] = []*big.Int{startDest, endDest}

	d := newTestDriver(Config{DurationMS: 10, IntervalMS: 10, BatchSize: 2, Provider: "http://node:8545"}, chain, clock)
	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantTransferred := new(big.Int).Sub(endDest, startDest)
	if report.WeiTransferred.Cmp(wantTransferred) != 0 {
		t.Errorf("WeiTransferred = %s, want %s", report.WeiTransferred, wantTransferred)
	}
	wantSpent := new(big.Int).Lsh(big.NewInt(1), 66)
	if report.WeiSpent.Cmp(wantSpent) != 0 {
		t.Errorf("WeiSpent = %s, want %s", report.WeiSpent, wantSpent)
	}
	if report.Provider != "http://node:8545" || report.From != src.Hex() || report.To != dst.Hex() {
		t.Errorf("report identity = %s %s %s", report.Provider, report.From, report.To)
	}
	if report.ID == "" {
		t.Error("expected a generated run id")
	}
}

func TestRunSendsConfiguredValue(t *testing.T) {
	clock := newFakeClock()
	chain := newStubChain()

	d := newTestDriver(Config{DurationMS: 1, IntervalMS: 1, BatchSize: 3}, chain, clock)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, v := range chain.sentValues {
		if v.Cmp(big.NewInt(1)) != 0 {
			t.Errorf("value = %s, want 1 wei default", v)
		}
	}

	chain = newStubChain()
	d = newTestDriver(Config{DurationMS: 1, IntervalMS: 1, BatchSize: 3, ValueWei: big.NewInt(1000)}, chain, newFakeClock())
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, v := range chain.sentValues {
		if v.Cmp(big.NewInt(1000)) != 0 {
			t.Errorf("value = %s, want 1000", v)
		}
	}
}

func TestRunSetupFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*stubChain)
	}{
		{name: "nonce query", setup: func(s *stubChain) { s.nonceErr = errors.New("connection refused") }},
		{name: "source balance", setup: func(s *stubChain) { s.balanceErrAt = 1 }},
		{name: "destination balance", setup: func(s *stubChain) { s.balanceErrAt = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newStubChain()
			tt.setup(chain)

			d := newTestDriver(Config{DurationMS: 100, IntervalMS: 10, BatchSize: 5}, chain, newFakeClock())
			report, err := d.Run(context.Background())
			if !errors.Is(err, ErrSetup) {
				t.Fatalf("error = %v, want ErrSetup", err)
			}
			if report != nil {
				t.Errorf("report = %+v, want nil", report)
			}
			if chain.sendCalls.Load() != 0 {
				t.Errorf("sends = %d, want 0", chain.sendCalls.Load())
			}

			st := d.Status()
			if st.Phase != types.PhaseFailed || st.Error == "" {
				t.Errorf("status = %s %q, want failed with error", st.Phase, st.Error)
			}
		})
	}
}

func TestRunFinalBalanceFailure(t *testing.T) {
	chain := newStubChain()
	chain.balanceErrAt = 3 // first query after the loop

	d := newTestDriver(Config{DurationMS: 10, IntervalMS: 10, BatchSize: 2}, chain, newFakeClock())
	report, err := d.Run(context.Background())
	if !errors.Is(err, ErrSetup) {
		t.Fatalf("error = %v, want ErrSetup", err)
	}
	if report != nil {
		t.Error("expected no partial report")
	}
	if chain.sendCalls.Load() != 2 {
		t.Errorf("sends = %d, want 2", chain.sendCalls.Load())
	}
}

func TestRunRequiresSource(t *testing.T) {
	d := New(Config{To: dst, DurationMS: 10, BatchSize: 1}, newStubChain(), WithLogger(quietLogger()))
	if _, err := d.Run(context.Background()); !errors.Is(err, ErrSetup) {
		t.Errorf("error = %v, want ErrSetup", err)
	}
}

func TestRunDoesNotStopOnCancelledContext(t *testing.T) {
	clock := newFakeClock()
	chain := newStubChain()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDriver(Config{DurationMS: 40, IntervalMS: 10, BatchSize: 2}, chain, clock)
	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Batches != 4 {
		t.Errorf("batches = %d, want 4", report.Batches)
	}
	if report.ErrorCount != 8 || report.TransactionCount != 8 {
		t.Errorf("errors/tx = %d/%d, want 8/8", report.ErrorCount, report.TransactionCount)
	}
}

// resolvingChain adds sender resolution to stubChain.
type resolvingChain struct {
	*stubChain
	acc        *account.Account
	prepareErr error
	prepared   bool
}

func (r *resolvingChain) ResolveSender(ctx context.Context) (*account.Account, error) {
	return r.acc, nil
}

func (r *resolvingChain) Prepare(ctx context.Context) error {
	r.prepared = true
	return r.prepareErr
}

func TestRunUsesSenderResolver(t *testing.T) {
	resolved := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	chain := &resolvingChain{stubChain: newStubChain(), acc: account.NewRemoteAccount(resolved)}

	d := newTestDriver(Config{DurationMS: 1, IntervalMS: 1, BatchSize: 1}, chain, newFakeClock())
	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !chain.prepared {
		t.Error("Prepare was not called")
	}
	if report.From != resolved.Hex() {
		t.Errorf("From = %s, want %s", report.From, resolved.Hex())
	}

	chain = &resolvingChain{stubChain: newStubChain(), acc: account.NewRemoteAccount(resolved), prepareErr: errors.New("eth_chainId failed")}
	d = newTestDriver(Config{DurationMS: 1, IntervalMS: 1, BatchSize: 1}, chain, newFakeClock())
	if _, err := d.Run(context.Background()); !errors.Is(err, ErrSetup) {
		t.Errorf("error = %v, want ErrSetup", err)
	}
}

func TestRunRecordsMetricsAndStatus(t *testing.T) {
	clock := newFakeClock()
	chain := newStubChain()
	chain.failEvery = 2
	m := metrics.NewPrometheusMetrics(prometheus.NewRegistry())

	d := newTestDriver(Config{RunID: "run-1", DurationMS: 20, IntervalMS: 10, BatchSize: 4}, chain, clock, WithMetrics(m))
	if st := d.Status(); st.Phase != types.PhaseSetup {
		t.Errorf("initial phase = %s, want setup", st.Phase)
	}

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("sent")); got != 4 {
		t.Errorf("sent = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("failed")); got != 4 {
		t.Errorf("failed = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.BatchesTotal); got != 2 {
		t.Errorf("batches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Nonce); got != 108 {
		t.Errorf("nonce gauge = %v, want 108", got)
	}

	st := d.Status()
	if st.Phase != types.PhaseCompleted {
		t.Errorf("phase = %s, want completed", st.Phase)
	}
	if st.RunID != "run-1" || st.TxSent != 4 || st.TxFailed != 4 || st.Batches != 2 {
		t.Errorf("status = %+v", st)
	}
	if st.StartNonce != 100 || st.NextNonce != 108 {
		t.Errorf("nonces = %d..%d, want 100..108", st.StartNonce, st.NextNonce)
	}
	if st.Report != report {
		t.Error("status does not carry the final report")
	}
	if st.SendLatency == nil || st.SendLatency.Count != 8 {
		t.Errorf("send latency = %+v, want 8 samples", st.SendLatency)
	}
}

func TestObserversFanOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	obs := Observers{a, nil, b}

	obs.OnBatch(types.BatchEvent{Index: 0})
	obs.OnBatch(types.BatchEvent{Index: 1})

	for i, o := range []*recordingObserver{a, b} {
		if len(o.events) != 2 || o.events[1].Index != 1 {
			t.Errorf("observer %d got %+v", i, o.events)
		}
	}
}
