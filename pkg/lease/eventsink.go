package lease

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privacysandbox/pbs/pkg/asyncexec"
	"github.com/privacysandbox/pbs/pkg/pbslog"
)

// PartitionLoader hosts or evicts one partition's in-memory state in
// reaction to lease transitions. Load is scheduled after BootupWait to let
// the previous holder's writes settle; Unload runs on Released or Lost.
type PartitionLoader interface {
	Load() error
	Unload() error
}

// EventSink is the Go counterpart of PartitionLeaseEventSink: it listens
// to one Manager's transitions and drives a PartitionLoader: Load is
// scheduled on the async executor, while Unload runs synchronously inside
// Handle. It enforces that a scheduled-but-not-yet-run
// Load is cancelled if the lease is lost before its bootup wait elapses,
// and that a failed Unload after a voluntary Release aborts the process
// (safety over availability, per spec §4.6).
type EventSink struct {
	loader       PartitionLoader
	executor     *asyncexec.Executor
	bootupWait   time.Duration
	abortHandler func()
	log          *pbslog.Logger

	mu          sync.Mutex
	pendingLoad func() bool // cancel hook for a scheduled, not-yet-run Load
	loadDone    bool
}

// NewEventSink wires one partition's loader to executor-scheduled
// Load/Unload tasks. abortHandler defaults to a panic if nil; production
// wiring should pass something that terminates the process, matching the
// original's std::abort default.
func NewEventSink(loader PartitionLoader, executor *asyncexec.Executor, bootupWait time.Duration, abortHandler func(), log *pbslog.Logger) *EventSink {
	if abortHandler == nil {
		abortHandler = func() {
			panic("lease: unload failed after release, aborting process")
		}
	}
	return &EventSink{
		loader:       loader,
		executor:     executor,
		bootupWait:   bootupWait,
		abortHandler: abortHandler,
		log:          log.WithComponent("lease-eventsink"),
	}
}

// Handle is the TransitionHandler to pass to NewManager. Acquired only
// schedules a Load; Released and Lost cancel any pending Load and then
// call loader.Unload on the calling goroutine, so Handle returns only
// after Unload does.
func (s *EventSink) Handle(lockID string, transition TransitionType, info Record) {
	activityID := uuid.New()
	switch transition {
	case TransitionAcquired:
		s.scheduleLoad(activityID)
	case TransitionRenewedWithIntentToRelease:
		// Nothing to do yet: Unload happens on the subsequent Released
		// event, once the lease manager has confirmed the release CAS.
	case TransitionReleased:
		// A voluntary release was just acknowledged by the store: a
		// failed unload here means this node may keep serving a
		// partition another node now believes it owns exclusively, so
		// spec §4.6 requires aborting rather than continuing.
		s.cancelPendingLoad()
		s.runUnload(true)
	case TransitionLost:
		// The lease expired out from under us; another node may already
		// be loading the partition. A failed unload here is logged, not
		// fatal, since this node's view was never authoritative to begin
		// with once the lease was lost.
		s.cancelPendingLoad()
		s.runUnload(false)
	case TransitionNotAcquired:
		// No partition was ever loaded for this lock; nothing to undo.
	}
}

func (s *EventSink) scheduleLoad(activityID uuid.UUID) {
	work := func() {
		s.mu.Lock()
		done := s.loadDone
		s.mu.Unlock()
		if done {
			return
		}
		if err := s.loader.Load(); err != nil {
			s.log.Errorf("partition load failed: %v", err)
			return
		}
		s.mu.Lock()
		s.loadDone = true
		s.mu.Unlock()
	}

	result, cancel := s.executor.ScheduleFor(work, time.Now().Add(s.bootupWait))
	if !result.Successful() {
		s.log.Errorf("failed to schedule partition load: %v", result.Code)
		return
	}
	s.mu.Lock()
	s.pendingLoad = cancel
	s.loadDone = false
	s.mu.Unlock()
}

func (s *EventSink) cancelPendingLoad() {
	s.mu.Lock()
	cancel := s.pendingLoad
	s.pendingLoad = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *EventSink) runUnload(abortOnFailure bool) {
	if err := s.loader.Unload(); err != nil {
		if abortOnFailure {
			s.log.Errorf("partition unload failed after release, aborting: %v", err)
			s.abortHandler()
			return
		}
		s.log.Warnf("partition unload failed after lease loss: %v", err)
	}
}
