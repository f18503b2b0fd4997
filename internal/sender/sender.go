// Package sender submits transactions with a bound on in-flight requests.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/batchload/internal/rpc"
)

// DefaultConcurrency is the in-flight cap used when Config.Concurrency is unset.
const DefaultConcurrency = 1000

// Sender submits transactions through a semaphore.
// Acquiring a slot blocks; a send is never dropped for lack of capacity.
type Sender struct {
	client    rpc.Client
	semaphore chan struct{}
	logger    *slog.Logger
}

// Config for creating a Sender.
type Config struct {
	Client      rpc.Client
	Concurrency int // Max concurrent sends (default: 1000)
	Logger      *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		client:    cfg.Client,
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

// acquire waits for a free slot. It fails only when ctx ends first.
func (s *Sender) acquire(ctx context.Context) error {
	select {
	case s.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for send slot: %w", ctx.Err())
	}
}

func (s *Sender) release() {
	<-s.semaphore
}

// SendRaw broadcasts a signed transaction via eth_sendRawTransaction.
func (s *Sender) SendRaw(ctx context.Context, txRLP []byte) (common.Hash, error) {
	if err := s.acquire(ctx); err != nil {
		return common.Hash{}, err
	}
	defer s.release()

	return s.client.SendRawTransaction(ctx, txRLP)
}

// SendNodeSigned asks the node to sign and broadcast via eth_sendTransaction.
func (s *Sender) SendNodeSigned(ctx context.Context, args rpc.TransactionArgs) (common.Hash, error) {
	if err := s.acquire(ctx); err != nil {
		return common.Hash{}, err
	}
	defer s.release()

	return s.client.SendTransaction(ctx, args)
}

// Available returns the number of available send slots.
func (s *Sender) Available() int {
	return cap(s.semaphore) - len(s.semaphore)
}

// Capacity returns the total send capacity.
func (s *Sender) Capacity() int {
	return cap(s.semaphore)
}

// InFlight returns the number of transactions currently being sent.
func (s *Sender) InFlight() int {
	return len(s.semaphore)
}
