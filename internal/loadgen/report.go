package loadgen

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/batchload/pkg/types"
)

// Totals is everything the driver has measured once the loop and the end
// balance queries are done.
type Totals struct {
	RunID string

	StartNonce uint64
	FinalNonce uint64

	StartSource *big.Int
	EndSource   *big.Int
	StartDest   *big.Int
	EndDest     *big.Int

	Errors  uint64
	Elapsed time.Duration
	Batches uint64

	StartedAt  time.Time
	BatchSize  int
	IntervalMS int64
	Provider   string
	From       common.Address
	To         common.Address
}

// Finalize builds the run report. The timestamp is the current wall clock.
//
// WeiSpent is the source balance delta, so it counts fees as well as the
// transferred value, and it goes negative if the source was credited during
// the run.
func Finalize(t Totals) *types.RunReport {
	return finalizeAt(t, time.Now())
}

func finalizeAt(t Totals, now time.Time) *types.RunReport {
	return &types.RunReport{
		ID:               t.RunID,
		DurationMS:       t.Elapsed.Milliseconds(),
		TransactionCount: t.FinalNonce - t.StartNonce,
		WeiSpent:         delta(t.StartSource, t.EndSource),
		WeiTransferred:   delta(t.EndDest, t.StartDest),
		ErrorCount:       t.Errors,
		Timestamp:        now.UTC(),
		StartedAt:        t.StartedAt.UTC(),
		Batches:          t.Batches,
		BatchSize:        t.BatchSize,
		IntervalMS:       t.IntervalMS,
		Provider:         t.Provider,
		From:             t.From.Hex(),
		To:               t.To.Hex(),
	}
}

// delta returns a - b, treating nil as zero.
func delta(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a != nil {
		out.Set(a)
	}
	if b != nil {
		out.Sub(out, b)
	}
	return out
}
