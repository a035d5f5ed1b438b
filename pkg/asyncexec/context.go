package asyncexec

import (
	"github.com/google/uuid"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// Context pairs an immutable request with a mutable response, a result, a
// completion callback, and three correlation IDs, as described in spec §3.
// It is passed by value through the pipeline: the Request/Response fields
// are pointers and remain valid as long as any holder of a copy of this
// Context is still using them, so copying a Context never invalidates
// another copy's view of the same request/response.
type Context[Req, Resp any] struct {
	ParentActivityID uuid.UUID
	ActivityID       uuid.UUID
	CorrelationID    uuid.UUID

	Request  *Req
	Response *Resp

	Result   pbserrors.ExecutionResult
	callback func(Context[Req, Resp])
}

// NewContext creates a root context (no parent activity) with a fresh
// activity ID and the given correlation ID, generating one if corr is the
// zero UUID.
func NewContext[Req, Resp any](req *Req, corr uuid.UUID, callback func(Context[Req, Resp])) Context[Req, Resp] {
	if corr == uuid.Nil {
		corr = uuid.New()
	}
	return Context[Req, Resp]{
		ActivityID:    uuid.New(),
		CorrelationID: corr,
		Request:       req,
		callback:      callback,
	}
}

// Derive creates a child context for a sub-operation, chaining
// ActivityID -> ParentActivityID and carrying the same CorrelationID, so
// that logs from the sub-operation can be tied back to the originating
// request.
func (c Context[Req, Resp]) Derive(callback func(Context[Req, Resp])) Context[Req, Resp] {
	child := c
	child.ParentActivityID = c.ActivityID
	child.ActivityID = uuid.New()
	child.callback = callback
	return child
}

// Finish sets the result and invokes the completion callback exactly
// once. Calling Finish a second time on copies of the same logical
// context is a caller bug (per spec §7 rule 2); it is not guarded here
// because a Context is a value type with no shared "already finished"
// flag — callers that fan a context out to multiple goroutines must
// arrange their own single-completion invariant (the HTTP/2 pipeline's
// syncContext, in package httpserver, is the worked example).
func (c Context[Req, Resp]) Finish(result pbserrors.ExecutionResult) {
	c.Result = result
	if c.callback != nil {
		c.callback(c)
	}
}
