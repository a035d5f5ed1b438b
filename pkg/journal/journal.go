// Package journal implements the append-only, per-partition durable log
// and its checkpointing service described in spec §4.7: one blob per
// journal entry, monotonically increasing IDs, periodic checkpoints that
// materialize in-memory state and let old journal entries be garbage
// collected.
package journal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// EntryType distinguishes the payload shape carried by a journal Entry.
// The transaction coordinator (package transaction) is the only producer
// in this service; it serializes its payload as JSON and tags it with one
// of the phase types. EntryLeaseEvent is defined, but the lease package
// does not write journal entries.
type EntryType string

const (
	EntryPhaseTransition EntryType = "phase_transition"
	EntryPhaseSuccess    EntryType = "phase_success"
	EntryLeaseEvent      EntryType = "lease_event"
)

// Entry is one self-delimited record in the log.
type Entry struct {
	Type      EntryType       `json:"type"`
	JournalID uint64          `json:"journal_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Store is the durable object store backing the journal: one blob per
// journal ID, written once and never mutated in place. Implementations
// live in store_bbolt.go (single-node, embedded) and store_postgres.go
// (multi-process, shared).
type Store interface {
	// Append durably writes entry and returns once it is safe to
	// acknowledge the write to the caller. Entry.JournalID must already be
	// set to the next monotonically increasing ID for this partition;
	// Append is the single-writer serialization point (spec §5).
	Append(ctx context.Context, entry Entry) error
	// Read returns every entry with JournalID > afterID, in ID order, used
	// both for crash-restart replay and for the checkpoint service's
	// "replay missing entries" step.
	Read(ctx context.Context, afterID uint64) ([]Entry, error)
	// LastJournalID returns the highest JournalID durably appended so far,
	// or 0 if the store is empty.
	LastJournalID(ctx context.Context) (uint64, error)
	// GC removes every entry with JournalID <= upToID. Only ever called
	// after a checkpoint covering those IDs has been durably written.
	GC(ctx context.Context, upToID uint64) error
}

// Journal is a thin, locked front door over a Store: it owns the
// next-journal-ID counter so concurrent appenders (the transaction
// coordinator's in-flight transactions) hand out strictly increasing IDs
// without racing the Store itself.
type Journal struct {
	mu     sync.Mutex
	store  Store
	nextID uint64
}

func New(ctx context.Context, store Store) (*Journal, error) {
	last, err := store.LastJournalID(ctx)
	if err != nil {
		return nil, pbserrors.Wrap(pbserrors.SCJournalAppendFailed, "read last journal id", err)
	}
	return &Journal{store: store, nextID: last + 1}, nil
}

// Append assigns the next journal ID to entry and durably writes it.
func (j *Journal) Append(ctx context.Context, entryType EntryType, payload interface{}) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, pbserrors.Wrap(pbserrors.SCJournalAppendFailed, "marshal payload", err)
	}

	j.mu.Lock()
	id := j.nextID
	j.nextID++
	j.mu.Unlock()

	entry := Entry{Type: entryType, JournalID: id, Payload: raw}
	if err := j.store.Append(ctx, entry); err != nil {
		return 0, pbserrors.Wrap(pbserrors.SCJournalAppendFailed, "append entry", err)
	}
	return id, nil
}

// ReplayFrom reads every entry after afterID and invokes apply for each,
// in order. Used at process start to rebuild the active transaction table
// from the durable log; lease state is not journaled.
func (j *Journal) ReplayFrom(ctx context.Context, afterID uint64, apply func(Entry) error) error {
	entries, err := j.store.Read(ctx, afterID)
	if err != nil {
		return pbserrors.Wrap(pbserrors.SCJournalReplayFailed, "read entries", err)
	}
	for _, e := range entries {
		if err := apply(e); err != nil {
			return pbserrors.Wrap(pbserrors.SCJournalReplayFailed, "apply entry", err)
		}
	}
	return nil
}

func (j *Journal) LastJournalID(ctx context.Context) (uint64, error) {
	return j.store.LastJournalID(ctx)
}

func (j *Journal) GC(ctx context.Context, upToID uint64) error {
	return j.store.GC(ctx, upToID)
}
