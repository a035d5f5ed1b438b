// Package lease implements the single-writer partition election described
// in spec §4.6: a lease row in an external KV store, renewed by at most
// one node at a time, with the state machine
//
//	NotAcquired -> Acquired -> RenewedWithIntentToRelease -> Released
//
// and a Lost transition back to NotAcquired if the holder fails to renew
// before lease_expiration_timestamp.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/privacysandbox/pbs/pkg/pbslog"
)

// Record is the partition lease row from spec §3, stored in an external
// KV row keyed by LockID.
type Record struct {
	LockID                   string
	LeaseOwnerID             string
	LeaseOwnerEndpoint       string
	LeaseExpirationTimestamp time.Time
}

// Store is the KV backing for lease rows. Implementations live in
// store_bbolt.go (single-node) — a Postgres-backed Store would follow the
// same row-CAS pattern if a multi-process deployment needed it, but the
// lease manager itself is meant to run exactly one writer per partition
// per process, so bbolt's single-writer semantics are a direct fit.
type Store interface {
	// Read returns the current row, or (Record{}, false, nil) if absent.
	Read(ctx context.Context, lockID string) (Record, bool, error)
	// CompareAndSwap writes newRecord iff the stored row matches expected
	// exactly (byte-for-byte on every field), or iff expectAbsent is true
	// and no row currently exists. Returns ok=false without error if the
	// precondition did not hold — this is the lease manager's single
	// point of optimistic concurrency.
	CompareAndSwap(ctx context.Context, lockID string, expectAbsent bool, expected, newRecord Record) (ok bool, err error)
}

// State is the lease manager's local view of its own standing for one
// partition lock.
type State int

const (
	NotAcquired State = iota
	Acquired
	RenewedWithIntentToRelease
	Released
)

func (s State) String() string {
	switch s {
	case NotAcquired:
		return "NotAcquired"
	case Acquired:
		return "Acquired"
	case RenewedWithIntentToRelease:
		return "RenewedWithIntentToRelease"
	case Released:
		return "Released"
	default:
		return "Unknown"
	}
}

// TransitionType distinguishes why OnLeaseTransition fired, grounded on
// the original LeaseTransitionType enum: the state reached plus whether it
// was reached via a timed-out renewal (Lost) rather than a voluntary
// Release.
type TransitionType int

const (
	TransitionAcquired TransitionType = iota
	TransitionRenewedWithIntentToRelease
	TransitionReleased
	TransitionLost
	TransitionNotAcquired
)

// TransitionHandler is invoked under the manager's transition mutex so
// only one transition is observed at a time; per spec §4.6 it must not
// block.
type TransitionHandler func(lockID string, transition TransitionType, info Record)

// Config controls one partition lock's election behavior.
type Config struct {
	LockID        string
	OwnerID       string
	OwnerEndpoint string
	LeaseDuration time.Duration
	RenewInterval time.Duration
}

// Manager runs the single poll thread that tries to acquire or renew one
// partition's lease row and reports transitions to a TransitionHandler.
type Manager struct {
	cfg     Config
	store   Store
	log     *pbslog.Logger
	handler TransitionHandler

	transitionMu sync.Mutex
	state        State
	current      Record

	releaseRequested chan struct{}
	stopCh           chan struct{}
	doneCh           chan struct{}
}

func NewManager(cfg Config, store Store, handler TransitionHandler, log *pbslog.Logger) *Manager {
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.LeaseDuration / 3
	}
	return &Manager{
		cfg:              cfg,
		store:            store,
		log:              log.WithComponent("lease").WithField("lock_id", cfg.LockID),
		handler:          handler,
		state:            NotAcquired,
		releaseRequested: make(chan struct{}, 1),
	}
}

func (m *Manager) Run() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop()
}

func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// RequestRelease asks the manager to voluntarily give up the lease at the
// next poll tick rather than waiting for expiration, transitioning through
// RenewedWithIntentToRelease before the release CAS and Released. The
// event sink takes no action on RenewedWithIntentToRelease; it unloads
// the partition on Released.
func (m *Manager) RequestRelease() {
	select {
	case m.releaseRequested <- struct{}{}:
	default:
	}
}

func (m *Manager) State() State {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	return m.state
}

func (m *Manager) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(context.Background())
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	releaseRequested := false
	select {
	case <-m.releaseRequested:
		releaseRequested = true
	default:
	}

	current, exists, err := m.store.Read(ctx, m.cfg.LockID)
	if err != nil {
		m.log.Warnf("read lease row: %v", err)
		return
	}

	now := time.Now()
	heldByUs := exists && current.LeaseOwnerID == m.cfg.OwnerID
	expired := !exists || now.After(current.LeaseExpirationTimestamp)

	switch {
	case heldByUs && releaseRequested:
		m.transitionTo(TransitionRenewedWithIntentToRelease, current)
		released := Record{}
		ok, err := m.store.CompareAndSwap(ctx, m.cfg.LockID, false, current, released)
		if err != nil || !ok {
			m.log.Warnf("release lease: ok=%v err=%v", ok, err)
			return
		}
		m.transitionTo(TransitionReleased, released)

	case heldByUs && !expired:
		renewed := current
		renewed.LeaseExpirationTimestamp = now.Add(m.cfg.LeaseDuration)
		ok, err := m.store.CompareAndSwap(ctx, m.cfg.LockID, false, current, renewed)
		if err != nil {
			m.log.Warnf("renew lease: %v", err)
			return
		}
		if !ok {
			// Someone else mutated the row between our Read and our CAS —
			// treat as lost rather than retrying blindly this tick.
			m.transitionTo(TransitionLost, Record{})
			return
		}

	case heldByUs && expired:
		m.transitionTo(TransitionLost, Record{})

	case !exists || expired:
		candidate := Record{
			LockID:                   m.cfg.LockID,
			LeaseOwnerID:             m.cfg.OwnerID,
			LeaseOwnerEndpoint:       m.cfg.OwnerEndpoint,
			LeaseExpirationTimestamp: now.Add(m.cfg.LeaseDuration),
		}
		ok, err := m.store.CompareAndSwap(ctx, m.cfg.LockID, !exists, current, candidate)
		if err != nil {
			m.log.Warnf("acquire lease: %v", err)
			return
		}
		if ok {
			m.transitionTo(TransitionAcquired, candidate)
		} else {
			m.transitionTo(TransitionNotAcquired, Record{})
		}

	default:
		m.transitionTo(TransitionNotAcquired, Record{})
	}
}

func (m *Manager) transitionTo(t TransitionType, info Record) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	switch t {
	case TransitionAcquired:
		m.state = Acquired
	case TransitionRenewedWithIntentToRelease:
		m.state = RenewedWithIntentToRelease
	case TransitionReleased:
		m.state = Released
	case TransitionLost, TransitionNotAcquired:
		m.state = NotAcquired
	}
	m.current = info

	if m.handler != nil {
		m.handler(m.cfg.LockID, t, info)
	}
}

