// Package pbserrors defines the closed set of status codes used across the
// async executor, dispatcher, transaction coordinator, and HTTP/2 pipeline,
// along with the Error type that carries one of them.
package pbserrors

import "fmt"

// StatusCode identifies a specific failure or retry condition. Names mirror
// the SC_<COMPONENT>_<REASON> convention used by the protocol this service
// implements, so that logs and wire errors stay greppable against it.
type StatusCode int

const (
	StatusOK StatusCode = iota

	// Async executor
	SCAsyncExecutorNotRunning
	SCAsyncExecutorExceedingQueueCap
	SCAsyncExecutorInvalidPriority
	SCAsyncExecutorInvalidLoadBalancing
	SCAsyncExecutorTaskCancelled

	// Operation dispatcher
	SCDispatcherExhaustedRetries
	SCDispatcherOperationExpired
	SCDispatcherNotEnoughTimeRemained

	// Transaction manager / coordinator
	SCTransactionManagerTransactionNotFound
	SCTransactionManagerTransactionAlreadyExists
	SCTransactionManagerWrongSecret
	SCTransactionManagerTimestampMismatch
	SCTransactionManagerCannotAcceptNewRequests
	SCTransactionManagerCannotCreateCheckpointWhenStarted
	SCTransactionManagerPhaseFailed
	SCTransactionManagerUnknownPhase

	// Budget ledger
	SCBudgetInsufficientBudget

	// HTTP/2 client & server
	SCHTTP2ClientHTTPStatusForbidden
	SCHTTP2ClientHTTPStatusPreconditionFailed
	SCHTTP2ClientHTTPStatusBadRequest
	SCHTTP2ClientHTTPStatusUnauthorized
	SCHTTP2ClientHTTPStatusNotFound
	SCHTTP2ClientHTTPStatusConflict
	SCHTTP2ClientHTTPStatusServiceUnavailable
	SCHTTP2ClientHTTPStatusInternalError
	SCHTTP2ClientRouteUnresolvable

	// Partition lease manager
	SCLeaseManagerLostLease
	SCLeaseManagerUnloadFailedAfterRelease

	// Journal & checkpoint
	SCJournalAppendFailed
	SCJournalReplayFailed
	SCJournalUnknownEntryType
)

var statusNames = map[StatusCode]string{
	StatusOK:                                              "OK",
	SCAsyncExecutorNotRunning:                              "ASYNC_EXECUTOR_NOT_RUNNING",
	SCAsyncExecutorExceedingQueueCap:                       "ASYNC_EXECUTOR_EXCEEDING_QUEUE_CAP",
	SCAsyncExecutorInvalidPriority:                         "ASYNC_EXECUTOR_INVALID_PRIORITY",
	SCAsyncExecutorInvalidLoadBalancing:                    "ASYNC_EXECUTOR_INVALID_LOAD_BALANCING",
	SCAsyncExecutorTaskCancelled:                           "ASYNC_EXECUTOR_TASK_CANCELLED",
	SCDispatcherExhaustedRetries:                           "DISPATCHER_EXHAUSTED_RETRIES",
	SCDispatcherOperationExpired:                           "DISPATCHER_OPERATION_EXPIRED",
	SCDispatcherNotEnoughTimeRemained:                      "DISPATCHER_NOT_ENOUGH_TIME_REMAINED_FOR_OPERATION",
	SCTransactionManagerTransactionNotFound:                "TRANSACTION_MANAGER_TRANSACTION_NOT_FOUND",
	SCTransactionManagerTransactionAlreadyExists:           "TRANSACTION_MANAGER_TRANSACTION_ALREADY_EXISTS",
	SCTransactionManagerWrongSecret:                        "TRANSACTION_MANAGER_WRONG_SECRET",
	SCTransactionManagerTimestampMismatch:                  "TRANSACTION_MANAGER_TIMESTAMP_MISMATCH",
	SCTransactionManagerCannotAcceptNewRequests:            "TRANSACTION_MANAGER_CANNOT_ACCEPT_NEW_REQUESTS",
	SCTransactionManagerCannotCreateCheckpointWhenStarted:  "TRANSACTION_MANAGER_CANNOT_CREATE_CHECKPOINT_WHEN_STARTED",
	SCTransactionManagerPhaseFailed:                        "TRANSACTION_MANAGER_PHASE_FAILED",
	SCTransactionManagerUnknownPhase:                       "TRANSACTION_MANAGER_UNKNOWN_PHASE",
	SCBudgetInsufficientBudget:                             "BUDGET_INSUFFICIENT_BUDGET",
	SCHTTP2ClientHTTPStatusForbidden:                       "HTTP2_CLIENT_HTTP_STATUS_FORBIDDEN",
	SCHTTP2ClientHTTPStatusPreconditionFailed:              "HTTP2_CLIENT_HTTP_STATUS_PRECONDITION_FAILED",
	SCHTTP2ClientHTTPStatusBadRequest:                      "HTTP2_CLIENT_HTTP_STATUS_BAD_REQUEST",
	SCHTTP2ClientHTTPStatusUnauthorized:                    "HTTP2_CLIENT_HTTP_STATUS_UNAUTHORIZED",
	SCHTTP2ClientHTTPStatusNotFound:                        "HTTP2_CLIENT_HTTP_STATUS_NOT_FOUND",
	SCHTTP2ClientHTTPStatusConflict:                        "HTTP2_CLIENT_HTTP_STATUS_CONFLICT",
	SCHTTP2ClientHTTPStatusServiceUnavailable:              "HTTP2_CLIENT_HTTP_STATUS_SERVICE_UNAVAILABLE",
	SCHTTP2ClientHTTPStatusInternalError:                   "HTTP2_CLIENT_HTTP_STATUS_INTERNAL_ERROR",
	SCHTTP2ClientRouteUnresolvable:                         "HTTP2_CLIENT_ROUTE_UNRESOLVABLE",
	SCLeaseManagerLostLease:                                "LEASE_MANAGER_LOST_LEASE",
	SCLeaseManagerUnloadFailedAfterRelease:                 "LEASE_MANAGER_UNLOAD_FAILED_AFTER_RELEASE",
	SCJournalAppendFailed:                                  "JOURNAL_APPEND_FAILED",
	SCJournalReplayFailed:                                  "JOURNAL_REPLAY_FAILED",
	SCJournalUnknownEntryType:                               "JOURNAL_UNKNOWN_ENTRY_TYPE",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_STATUS_CODE(%d)", int(c))
}

// Error wraps a StatusCode with an optional underlying cause. It is the
// error type the service's transaction, journal, dispatcher and HTTP
// paths return; callers that need to branch on the failure kind should
// use errors.As to recover it.
type Error struct {
	Code StatusCode
	Msg  string
	Err  error
}

func New(code StatusCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Wrap(code StatusCode, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, pbserrors.New(code, "")) to match on code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the StatusCode from err if it (or something it wraps) is
// a *Error, returning StatusOK otherwise.
func CodeOf(err error) StatusCode {
	var e *Error
	if as(err, &e) {
		return e.Code
	}
	return StatusOK
}

// as is a tiny indirection over errors.As kept local to avoid importing
// errors just for this one call site from every caller of CodeOf.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
