package journal

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
	"github.com/privacysandbox/pbs/pkg/pbslog"
)

// CheckpointStore persists the checkpoint body and the last_checkpoint
// pointer described in spec §4.7 — two blobs per partition. It is a
// narrower interface than Store because checkpoints are whole-state
// snapshots, not an append-only sequence.
type CheckpointStore interface {
	WriteCheckpoint(ctx context.Context, checkpointID uint64, body []byte) error
	WriteLastCheckpointPointer(ctx context.Context, checkpointID uint64) error
	ReadLastCheckpointPointer(ctx context.Context) (uint64, bool, error)
}

// StateSnapshotter is implemented by whatever in-memory component the
// checkpoint service is protecting (the transaction coordinator's active
// table, in this service). Serialize must be safe to call concurrently
// with normal operation; Started reports whether it's currently accepting
// new work, since spec §4.7 forbids checkpointing a started coordinator.
type StateSnapshotter interface {
	Serialize(ctx context.Context) ([]byte, error)
	Started() bool
}

// CheckpointConfig controls the periodic checkpoint cycle.
type CheckpointConfig struct {
	Interval          time.Duration
	MaxJournalsPerRun int
}

// CheckpointService runs the periodic cycle from spec §4.7: replay
// missing journal entries, serialize current state into a new checkpoint
// blob plus a last_checkpoint pointer blob, and advance
// last_persisted_checkpoint_id. It refuses to run at all while its
// snapshotter reports Started (the
// SC_TRANSACTION_MANAGER_CANNOT_CREATE_CHECKPOINT_WHEN_STARTED guard).
type CheckpointService struct {
	cfg         CheckpointConfig
	journal     *Journal
	store       CheckpointStore
	snapshotter StateSnapshotter
	log         *pbslog.Logger

	mu                        sync.Mutex
	lastProcessedJournalID    uint64
	lastPersistedCheckpointID uint64

	// seenJournalIDs records every journal ID folded in by replayMissing.
	// Nothing queries it: replay always reads (lastProcessedJournalID,
	// last] from the durable store.
	seenJournalIDs *bloom.BloomFilter

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewCheckpointService(cfg CheckpointConfig, j *Journal, store CheckpointStore, snapshotter StateSnapshotter, log *pbslog.Logger) *CheckpointService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxJournalsPerRun <= 0 {
		cfg.MaxJournalsPerRun = 10_000
	}
	return &CheckpointService{
		cfg:            cfg,
		journal:        j,
		store:          store,
		snapshotter:    snapshotter,
		log:            log.WithComponent("checkpoint"),
		seenJournalIDs: bloom.NewWithEstimates(1_000_000, 0.01),
	}
}

// Run starts the periodic checkpoint loop on its own goroutine.
func (c *CheckpointService) Run() {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.loop()
}

func (c *CheckpointService) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *CheckpointService) loop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.runOnce(context.Background()); err != nil {
				c.log.Warnf("checkpoint cycle failed: %v", err)
			}
		}
	}
}

// RunOnce performs one checkpoint cycle synchronously. Exported for tests
// that want deterministic control over when a cycle runs rather than
// waiting on the ticker.
func (c *CheckpointService) RunOnce(ctx context.Context) error { return c.runOnce(ctx) }

// GetLastPersistedCheckpointID reports the checkpoint ID most recently
// written by a successful cycle, or 0 if none has run yet.
func (c *CheckpointService) GetLastPersistedCheckpointID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPersistedCheckpointID
}

func (c *CheckpointService) runOnce(ctx context.Context) error {
	if c.snapshotter.Started() {
		return pbserrors.New(pbserrors.SCTransactionManagerCannotCreateCheckpointWhenStarted, "checkpoint requested while coordinator is started")
	}

	c.mu.Lock()
	afterID := c.lastProcessedJournalID
	c.mu.Unlock()

	last, err := c.journal.LastJournalID(ctx)
	if err != nil {
		return err
	}
	if last > afterID {
		processed, err := c.replayMissing(ctx, afterID, last)
		if err != nil {
			return err
		}
		afterID = processed
	}

	body, err := c.snapshotter.Serialize(ctx)
	if err != nil {
		return pbserrors.Wrap(pbserrors.SCJournalAppendFailed, "serialize state", err)
	}

	checkpointID := afterID
	if err := c.store.WriteCheckpoint(ctx, checkpointID, body); err != nil {
		return pbserrors.Wrap(pbserrors.SCJournalAppendFailed, "write checkpoint blob", err)
	}
	if err := c.store.WriteLastCheckpointPointer(ctx, checkpointID); err != nil {
		return pbserrors.Wrap(pbserrors.SCJournalAppendFailed, "write last_checkpoint pointer", err)
	}

	c.mu.Lock()
	c.lastProcessedJournalID = afterID
	c.lastPersistedCheckpointID = checkpointID
	c.mu.Unlock()

	if err := c.journal.GC(ctx, checkpointID); err != nil {
		c.log.Warnf("checkpoint gc up to %d failed: %v", checkpointID, err)
	}
	return nil
}

// replayMissing folds journal entries in (afterID, last] into
// seenJournalIDs and returns the highest ID actually processed, capped at
// MaxJournalsPerRun so one cycle can't block the service indefinitely on
// an enormous backlog.
func (c *CheckpointService) replayMissing(ctx context.Context, afterID, last uint64) (uint64, error) {
	processed := afterID
	count := 0
	err := c.journal.ReplayFrom(ctx, afterID, func(e Entry) error {
		if count >= c.cfg.MaxJournalsPerRun {
			return nil
		}
		// The snapshotter already reflects this entry's effect, since it
		// was applied live when the entry was first written; the ID is
		// only recorded in seenJournalIDs.
		c.seenJournalIDs.Add(idBytes(e.JournalID))
		processed = e.JournalID
		count++
		return nil
	})
	if err != nil {
		return afterID, err
	}
	return processed, nil
}

func idBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}
