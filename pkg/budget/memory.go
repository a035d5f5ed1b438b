package budget

import (
	"context"
	"sync"
)

// row tracks remaining tokens plus whatever Prepare has tentatively held
// back for transactions that have not yet Committed or been Released.
type row struct {
	remaining uint32
	held      uint32
}

// MemoryLedger is an in-memory Ledger, the single-node default and the
// implementation exercised by this package's own tests. Rows are
// lazily initialized to MaxTokensPerBucket the first time a key is seen.
type MemoryLedger struct {
	maxTokensPerBucket uint32

	mu   sync.Mutex
	rows map[Key]*row
}

func NewMemoryLedger(maxTokensPerBucket uint32) *MemoryLedger {
	return &MemoryLedger{
		maxTokensPerBucket: maxTokensPerBucket,
		rows:               make(map[Key]*row),
	}
}

// rowFor must be called with mu held.
func (l *MemoryLedger) rowFor(k Key) *row {
	r, ok := l.rows[k]
	if !ok {
		r = &row{remaining: l.maxTokensPerBucket}
		l.rows[k] = r
	}
	return r
}

func (l *MemoryLedger) Prepare(ctx context.Context, claims []Claim) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range claims {
		r := l.rowFor(c.Key)
		if r.remaining-r.held < c.TokenCount {
			return newInsufficientBudgetResult(c.Key, c.TokenCount, r.remaining-r.held)
		}
	}
	for _, c := range claims {
		l.rowFor(c.Key).held += c.TokenCount
	}
	return nil
}

func (l *MemoryLedger) Commit(ctx context.Context, claims []Claim) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range claims {
		r := l.rowFor(c.Key)
		if r.remaining < c.TokenCount {
			return newInsufficientBudgetResult(c.Key, c.TokenCount, r.remaining)
		}
	}
	for _, c := range claims {
		r := l.rowFor(c.Key)
		r.remaining -= c.TokenCount
		if r.held >= c.TokenCount {
			r.held -= c.TokenCount
		} else {
			r.held = 0
		}
	}
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, claims []Claim) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range claims {
		r := l.rowFor(c.Key)
		if r.held >= c.TokenCount {
			r.held -= c.TokenCount
		} else {
			r.held = 0
		}
	}
	return nil
}
