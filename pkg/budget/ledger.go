// Package budget implements the consume-budget ledger implied by §3/§4.4
// but not named as its own component there: the durable row store behind
// a transaction coordinator's Prepare/Commit/Abort phases. Each row is
// keyed by (budget_key, time_bucket_nanos) and tracks tokens_remaining
// against a fixed per-bucket cap.
package budget

import (
	"context"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// Key identifies one consume-budget row. BudgetKey is opaque to this
// package; the reporting origin bound at Begin is the caller's
// responsibility to prepend before it reaches here.
type Key struct {
	BudgetKey       string
	TimeBucketNanos int64
}

// Claim is one (key, token_count) pair requested by a transaction's
// budget list.
type Claim struct {
	Key        Key
	TokenCount uint32
}

// Ledger is the durable store behind the Prepare/Commit/Abort phases of
// the transaction coordinator (package transaction). Prepare is a
// read-only sufficiency check; Commit is the atomic decrement that §4.4
// calls the write barrier; Release undoes a Prepare that never reached
// Commit, used on the Abort path.
//
// All three methods are all-or-nothing across the full claim list: if any
// one claim in the batch fails its check, none of the batch's rows are
// touched.
type Ledger interface {
	// Prepare checks that every claim's row has at least TokenCount
	// tokens remaining beyond what other transactions already hold, and
	// if all pass, places a hold of TokenCount on each row so that no
	// other Prepare can claim the same tokens before Commit or Release.
	Prepare(ctx context.Context, claims []Claim) error
	// Commit atomically decrements every claim's row by TokenCount. Once
	// Commit returns successfully, no other transaction can consume the
	// tokens it just took.
	Commit(ctx context.Context, claims []Claim) error
	// Release is the Abort-path inverse of Prepare: it drops the hold
	// Prepare placed on each claim's row. It does not restore tokens that
	// Commit already consumed. Implementations must tolerate being called
	// on claims that hold nothing.
	Release(ctx context.Context, claims []Claim) error
}

// InsufficientBudgetError names a claim that failed its Prepare check.
type InsufficientBudgetError struct {
	Key             Key
	Requested       uint32
	TokensRemaining uint32
}

func (e *InsufficientBudgetError) Error() string {
	return "insufficient budget"
}

func newInsufficientBudgetResult(key Key, requested, remaining uint32) error {
	return pbserrors.Wrap(pbserrors.SCBudgetInsufficientBudget, "insufficient budget", &InsufficientBudgetError{
		Key:             key,
		Requested:       requested,
		TokensRemaining: remaining,
	})
}
