package account

import "sync"

// Sequencer hands out gap-free, strictly increasing nonces for one account.
//
// Every Next call consumes a value permanently: a nonce whose send later fails
// is not returned to the pool, because a rejected broadcast may still occupy
// the slot on chain.
type Sequencer struct {
	mu    sync.Mutex
	next  uint64
	start uint64
}

// NewSequencer creates a sequencer starting at the account's current
// on-chain transaction count.
func NewSequencer(start uint64) *Sequencer {
	return &Sequencer{next: start, start: start}
}

// Next returns the current value and advances the counter.
// Safe for concurrent use.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	n := s.next
	s.next++
	s.mu.Unlock()
	return n
}

// Peek returns the value the next call to Next will return.
func (s *Sequencer) Peek() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Start returns the value the sequencer was created with.
func (s *Sequencer) Start() uint64 {
	return s.start
}

// Issued returns how many nonces have been handed out.
func (s *Sequencer) Issued() uint64 {
	return s.Peek() - s.start
}
