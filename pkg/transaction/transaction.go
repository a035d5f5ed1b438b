package transaction

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transaction is the server-side record described in spec §3: identified
// uniquely by (ID, Secret), carrying an ordered Commands list, an
// expiration time, and the optimistic-concurrency timestamp the client
// must echo back on every phase request.
type Transaction struct {
	ID              uuid.UUID
	Secret          string
	ReportingOrigin string
	Commands        []Command
	ExpirationTime  time.Time

	mu                     sync.Mutex
	lastExecutionTimestamp uint64
	retryCount             int64
	currentPhase           Phase
}

// NewTransaction constructs a Transaction in phase NotStarted with
// lastExecutionTimestamp seeded to 1 (0 is reserved to mean "no
// transaction seen yet" at the HTTP boundary).
func NewTransaction(id uuid.UUID, secret, reportingOrigin string, commands []Command, expiresAt time.Time) *Transaction {
	return &Transaction{
		ID:                     id,
		Secret:                 secret,
		ReportingOrigin:        reportingOrigin,
		Commands:               commands,
		ExpirationTime:         expiresAt,
		lastExecutionTimestamp: 1,
		currentPhase:           NotStarted,
	}
}

func (t *Transaction) snapshot() (phase Phase, ts uint64, retries int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentPhase, t.lastExecutionTimestamp, t.retryCount
}

// checkTimestamp compares observed against the transaction's current
// last_execution_timestamp without mutating anything — the
// optimistic-concurrency check from spec §4.4's invariants.
func (t *Transaction) checkTimestamp(observed uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return observed == t.lastExecutionTimestamp
}

// enterPhase records that phase is now being attempted, for the
// pre-dispatch journal entry. It does not bump the timestamp: that only
// happens once the phase hook reports Success (see advanceOnSuccess), so
// a client retrying after a failed attempt still observes the same
// timestamp it started with.
func (t *Transaction) enterPhase(phase Phase) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentPhase = phase
	return t.lastExecutionTimestamp
}

// advanceOnSuccess bumps the timestamp and returns its new value once
// phase has completed successfully.
func (t *Transaction) advanceOnSuccess(phase Phase) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentPhase = phase
	t.lastExecutionTimestamp++
	return t.lastExecutionTimestamp
}

func (t *Transaction) incrementRetryCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCount++
	return t.retryCount
}

func (t *Transaction) restorePhaseAndTimestamp(phase Phase, ts uint64) {
	t.mu.Lock()
	t.currentPhase = phase
	t.lastExecutionTimestamp = ts
	t.mu.Unlock()
}
