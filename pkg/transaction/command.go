package transaction

import (
	"context"

	"github.com/google/uuid"

	"github.com/privacysandbox/pbs/pkg/budget"
	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// Command is one unit of work a transaction drives through all six
// phases. A transaction holds an ordered list of Commands; the
// coordinator invokes the phase hook matching the current Phase on every
// Command in the list before advancing. Most transactions carry exactly
// one Command (a ConsumeBudgetCommand), but the interface allows more so
// a future transaction kind can batch several independent operations
// under one 2PC envelope without changing the coordinator.
type Command interface {
	ID() uuid.UUID
	Begin(ctx context.Context) pbserrors.ExecutionResult
	Prepare(ctx context.Context) pbserrors.ExecutionResult
	Commit(ctx context.Context) pbserrors.ExecutionResult
	Notify(ctx context.Context) pbserrors.ExecutionResult
	Abort(ctx context.Context) pbserrors.ExecutionResult
	End(ctx context.Context) pbserrors.ExecutionResult
}

// ConsumeBudgetCommand adapts a budget.Ledger's three-method Prepare/
// Commit/Release surface to the six-phase Command interface: Begin and
// End are no-ops (the claim list is already fixed at construction time),
// Notify is a hook for an external observer such as an audit log or
// metrics emitter, and Abort maps to Release.
type ConsumeBudgetCommand struct {
	id     uuid.UUID
	ledger budget.Ledger
	claims []budget.Claim
	notify func(claims []budget.Claim)
}

func NewConsumeBudgetCommand(ledger budget.Ledger, claims []budget.Claim, notify func([]budget.Claim)) *ConsumeBudgetCommand {
	return &ConsumeBudgetCommand{
		id:     uuid.New(),
		ledger: ledger,
		claims: claims,
		notify: notify,
	}
}

func (c *ConsumeBudgetCommand) ID() uuid.UUID { return c.id }

func (c *ConsumeBudgetCommand) Begin(ctx context.Context) pbserrors.ExecutionResult {
	return pbserrors.ResultSuccess()
}

func (c *ConsumeBudgetCommand) Prepare(ctx context.Context) pbserrors.ExecutionResult {
	if err := c.ledger.Prepare(ctx, c.claims); err != nil {
		return pbserrors.ResultFailure(pbserrors.CodeOf(err))
	}
	return pbserrors.ResultSuccess()
}

func (c *ConsumeBudgetCommand) Commit(ctx context.Context) pbserrors.ExecutionResult {
	if err := c.ledger.Commit(ctx, c.claims); err != nil {
		return pbserrors.ResultFailure(pbserrors.CodeOf(err))
	}
	return pbserrors.ResultSuccess()
}

func (c *ConsumeBudgetCommand) Notify(ctx context.Context) pbserrors.ExecutionResult {
	if c.notify != nil {
		c.notify(c.claims)
	}
	return pbserrors.ResultSuccess()
}

func (c *ConsumeBudgetCommand) Abort(ctx context.Context) pbserrors.ExecutionResult {
	if err := c.ledger.Release(ctx, c.claims); err != nil {
		return pbserrors.ResultFailure(pbserrors.CodeOf(err))
	}
	return pbserrors.ResultSuccess()
}

func (c *ConsumeBudgetCommand) End(ctx context.Context) pbserrors.ExecutionResult {
	return pbserrors.ResultSuccess()
}
