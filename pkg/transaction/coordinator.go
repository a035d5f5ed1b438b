package transaction

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privacysandbox/pbs/pkg/budget"
	"github.com/privacysandbox/pbs/pkg/dispatcher"
	"github.com/privacysandbox/pbs/pkg/journal"
	"github.com/privacysandbox/pbs/pkg/pbserrors"
	"github.com/privacysandbox/pbs/pkg/pbslog"
)

// Config controls the coordinator's concurrency ceiling.
type Config struct {
	MaxConcurrentTransactions int
	DrainPollInterval         time.Duration
}

// Coordinator is the transaction manager described in spec §4.4: it owns
// the active-transaction table, drives each phase's Command hooks through
// the operation dispatcher (for retry/expiry), and journals before and
// after every phase transition.
type Coordinator struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	journal    *journal.Journal
	ledger     budget.Ledger
	log        *pbslog.Logger

	// mu guards started, active, and activeCount together: the Stop/
	// decrement race from spec §4.4's open question is closed by having
	// the End-phase completion callback decrement activeCount as its
	// provably-last statement, under this same mutex, so Stop's drain
	// poll (which also takes mu to read activeCount) can never observe a
	// transaction as both absent from the poll's purview and still
	// outstanding.
	mu          sync.Mutex
	started     bool
	active      map[uuid.UUID]*Transaction
	activeCount int
}

func NewCoordinator(cfg Config, d *dispatcher.Dispatcher, j *journal.Journal, ledger budget.Ledger, log *pbslog.Logger) *Coordinator {
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = 20 * time.Millisecond
	}
	return &Coordinator{
		cfg:        cfg,
		dispatcher: d,
		journal:    j,
		ledger:     ledger,
		log:        log.WithComponent("transaction-coordinator"),
		active:     make(map[uuid.UUID]*Transaction),
	}
}

func (c *Coordinator) Start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
}

// Stop marks the coordinator as no longer accepting new submissions, then
// polls activeCount until it reaches zero before returning, per spec
// §4.4's shutdown semantics.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()

	for {
		c.mu.Lock()
		remaining := c.activeCount
		c.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.DrainPollInterval):
		}
	}
}

func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// serializedTransaction is the checkpoint-body shape for one active
// transaction; it carries enough to fold back into the active table on
// restore without re-running Begin.
type serializedTransaction struct {
	ID                     string `json:"id"`
	Secret                 string `json:"secret"`
	ReportingOrigin        string `json:"reporting_origin"`
	Phase                  string `json:"phase"`
	LastExecutionTimestamp uint64 `json:"last_execution_timestamp"`
	ExpirationUnixNano     int64  `json:"expiration_unix_nano"`
}

// Serialize implements journal.StateSnapshotter: a JSON snapshot of every
// active transaction's phase and timestamp, checkpointed per spec §4.7.
// Refused while the coordinator is started — CheckpointService enforces
// that by checking Started before calling Serialize.
func (c *Coordinator) Serialize(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	rows := make([]serializedTransaction, 0, len(c.active))
	for _, txn := range c.active {
		phase, ts, _ := txn.snapshot()
		rows = append(rows, serializedTransaction{
			ID:                     txn.ID.String(),
			Secret:                 txn.Secret,
			ReportingOrigin:        txn.ReportingOrigin,
			Phase:                  phase.String(),
			LastExecutionTimestamp: ts,
			ExpirationUnixNano:     txn.ExpirationTime.UnixNano(),
		})
	}
	c.mu.Unlock()
	return json.Marshal(rows)
}

// BeginRequest carries everything needed to admit a new transaction.
type BeginRequest struct {
	ID              uuid.UUID
	Secret          string
	ReportingOrigin string
	Claims          []budget.Claim
	ExpirationTime  time.Time
}

// Begin admits a new transaction: it runs the all-commands Begin hook,
// journals the transition and its success, and adds the transaction to
// the active table. Returns CANNOT_ACCEPT_NEW_REQUESTS as a Retry result
// if the coordinator is stopped or at its concurrency ceiling — callers
// (the HTTP pipeline) are expected to surface that as 503.
func (c *Coordinator) Begin(ctx context.Context, req BeginRequest) (pbserrors.ExecutionResult, uint64) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return pbserrors.ResultRetry(pbserrors.SCTransactionManagerCannotAcceptNewRequests), 0
	}
	if c.cfg.MaxConcurrentTransactions > 0 && c.activeCount >= c.cfg.MaxConcurrentTransactions {
		c.mu.Unlock()
		return pbserrors.ResultRetry(pbserrors.SCTransactionManagerCannotAcceptNewRequests), 0
	}
	if _, exists := c.active[req.ID]; exists {
		c.mu.Unlock()
		return pbserrors.ResultFailure(pbserrors.SCTransactionManagerTransactionAlreadyExists), 0
	}
	c.mu.Unlock()

	command := NewConsumeBudgetCommand(c.ledger, req.Claims, nil)
	txn := NewTransaction(req.ID, req.Secret, req.ReportingOrigin, []Command{command}, req.ExpirationTime)

	ts := txn.enterPhase(Begin)
	if _, err := c.journal.Append(ctx, journal.EntryPhaseTransition, phaseTransitionPayload{
		TransactionID:          req.ID.String(),
		Secret:                 req.Secret,
		ReportingOrigin:        req.ReportingOrigin,
		PhaseEntered:           Begin.String(),
		LastExecutionTimestamp: ts,
		ExpirationUnixNano:     req.ExpirationTime.UnixNano(),
		WallClock:              time.Now(),
		BudgetClaims:           req.Claims,
	}); err != nil {
		return pbserrors.ResultFailure(pbserrors.CodeOf(err)), 0
	}

	for _, cmd := range txn.Commands {
		if result := cmd.Begin(ctx); !result.Successful() {
			return result, 0
		}
	}

	newTs := txn.advanceOnSuccess(Begin)
	if _, err := c.journal.Append(ctx, journal.EntryPhaseSuccess, phaseSuccessPayload{
		TransactionID:          req.ID.String(),
		Phase:                  Begin.String(),
		LastExecutionTimestamp: newTs,
		WallClock:              time.Now(),
	}); err != nil {
		return pbserrors.ResultFailure(pbserrors.CodeOf(err)), 0
	}

	c.mu.Lock()
	c.active[req.ID] = txn
	c.activeCount++
	c.mu.Unlock()

	return pbserrors.ResultSuccess(), newTs
}

// lookup validates (id, secret) and returns the transaction or the
// ExecutionResult explaining why it could not be found/authorized.
func (c *Coordinator) lookup(id uuid.UUID, secret string) (*Transaction, pbserrors.ExecutionResult) {
	c.mu.Lock()
	txn, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return nil, pbserrors.ResultFailure(pbserrors.SCTransactionManagerTransactionNotFound)
	}
	if txn.Secret != secret {
		return nil, pbserrors.ResultFailure(pbserrors.SCTransactionManagerWrongSecret)
	}
	return txn, pbserrors.ResultSuccess()
}

// ExecutePhase runs phase's hook on every Command in the transaction
// (id, secret), honoring the observed last_execution_timestamp as an
// optimistic-concurrency token. Retries and expiry within one phase
// attempt are handled by the Operation Dispatcher.
func (c *Coordinator) ExecutePhase(ctx context.Context, id uuid.UUID, secret string, phase Phase, observedTimestamp uint64) (pbserrors.ExecutionResult, uint64) {
	txn, lookupResult := c.lookup(id, secret)
	if !lookupResult.Successful() {
		return lookupResult, 0
	}

	if time.Now().After(txn.ExpirationTime) {
		return pbserrors.ResultFailure(pbserrors.SCDispatcherOperationExpired), 0
	}

	if !txn.checkTimestamp(observedTimestamp) {
		return pbserrors.ResultFailure(pbserrors.SCTransactionManagerTimestampMismatch), 0
	}

	enteredTs := txn.enterPhase(phase)
	if _, err := c.journal.Append(ctx, journal.EntryPhaseTransition, phaseTransitionPayload{
		TransactionID:          id.String(),
		Secret:                 secret,
		ReportingOrigin:        txn.ReportingOrigin,
		PhaseEntered:           phase.String(),
		LastExecutionTimestamp: enteredTs,
		ExpirationUnixNano:     txn.ExpirationTime.UnixNano(),
		WallClock:              time.Now(),
	}); err != nil {
		return pbserrors.ResultFailure(pbserrors.CodeOf(err)), 0
	}

	resultCh := make(chan pbserrors.ExecutionResult, 1)
	target := func(ctx context.Context) pbserrors.ExecutionResult {
		return c.runPhaseHooks(ctx, txn, phase)
	}
	c.dispatcher.Dispatch(ctx, target, txn.ExpirationTime, func(result pbserrors.ExecutionResult) {
		resultCh <- result
	})
	result := <-resultCh

	if !result.Successful() {
		return result, 0
	}

	newTs := txn.advanceOnSuccess(phase)
	if _, err := c.journal.Append(ctx, journal.EntryPhaseSuccess, phaseSuccessPayload{
		TransactionID:          id.String(),
		Phase:                  phase.String(),
		LastExecutionTimestamp: newTs,
		WallClock:              time.Now(),
	}); err != nil {
		return pbserrors.ResultFailure(pbserrors.CodeOf(err)), 0
	}

	if phase == End {
		c.evict(id)
	}
	return pbserrors.ResultSuccess(), newTs
}

func (c *Coordinator) runPhaseHooks(ctx context.Context, txn *Transaction, phase Phase) pbserrors.ExecutionResult {
	for _, cmd := range txn.Commands {
		var result pbserrors.ExecutionResult
		switch phase {
		case Prepare:
			result = cmd.Prepare(ctx)
		case Commit:
			result = cmd.Commit(ctx)
		case Notify:
			result = cmd.Notify(ctx)
		case Abort:
			result = cmd.Abort(ctx)
		case End:
			result = cmd.End(ctx)
		default:
			return pbserrors.ResultFailure(pbserrors.SCTransactionManagerUnknownPhase)
		}
		if !result.Successful() {
			if result.Retryable() {
				txn.incrementRetryCount()
			}
			return result
		}
	}
	return pbserrors.ResultSuccess()
}

// evict removes id from the active table as the provably-last statement
// of a successful End, under the same mutex Stop's drain poll reads.
func (c *Coordinator) evict(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[id]; ok {
		delete(c.active, id)
		c.activeCount--
	}
}

// Status reports a transaction's current phase and timestamp for the
// client's 412-recovery status query (spec §4.5). An id with no active
// transaction returns (Unknown, 0, NotFound) — the client treats an
// Unknown-phase status response as 412-equivalent, per the decision
// recorded for spec.md's open question.
func (c *Coordinator) Status(id uuid.UUID, secret string) (Phase, uint64, pbserrors.ExecutionResult) {
	txn, lookupResult := c.lookup(id, secret)
	if !lookupResult.Successful() {
		return Unknown, 0, lookupResult
	}
	phase, ts, _ := txn.snapshot()
	return phase, ts, pbserrors.ResultSuccess()
}

// Replay reconstructs the active table from the journal after a restart.
// Transactions whose last journaled entry is a phase transition without a
// matching success entry are left in that phase for the caller to
// re-drive (by issuing the same ExecutePhase call again); transactions
// that reached End are considered complete and are not reinstated.
func (c *Coordinator) Replay(ctx context.Context) error {
	type inflight struct {
		txn   *Transaction
		phase Phase
		ts    uint64
		ended bool
	}
	byID := make(map[uuid.UUID]*inflight)

	err := c.journal.ReplayFrom(ctx, 0, func(e journal.Entry) error {
		switch e.Type {
		case journal.EntryPhaseTransition:
			var p phaseTransitionPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return err
			}
			id, err := uuid.Parse(p.TransactionID)
			if err != nil {
				return err
			}
			phase, _ := ParsePhase(p.PhaseEntered)
			st, ok := byID[id]
			if !ok {
				claims := p.BudgetClaims
				command := NewConsumeBudgetCommand(c.ledger, claims, nil)
				txn := NewTransaction(id, p.Secret, p.ReportingOrigin, []Command{command}, time.Unix(0, p.ExpirationUnixNano))
				st = &inflight{txn: txn}
				byID[id] = st
			}
			st.phase = phase
			st.ts = p.LastExecutionTimestamp
			st.ended = phase == End

		case journal.EntryPhaseSuccess:
			var p phaseSuccessPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return err
			}
			id, err := uuid.Parse(p.TransactionID)
			if err != nil {
				return err
			}
			phase, _ := ParsePhase(p.Phase)
			st, ok := byID[id]
			if !ok {
				return nil
			}
			st.phase = phase
			st.ts = p.LastExecutionTimestamp
			st.ended = phase == End
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range byID {
		if st.ended {
			continue
		}
		st.txn.restorePhaseAndTimestamp(st.phase, st.ts)
		c.active[id] = st.txn
		c.activeCount++
	}
	return nil
}
