package pbsclient

import "time"

// BudgetEntry is one element of the Begin request body's "t" list (spec
// §4.5's "shape invariant"): a budget key, the reporting time it applies
// to, and the number of tokens being claimed.
type BudgetEntry struct {
	Key           string    `json:"key"`
	ReportingTime time.Time `json:"reporting_time"`
	Token         int64     `json:"token"`
}

// beginBody is the exact JSON shape POSTed to /v1/transactions:begin.
type beginBody struct {
	Transactions []BudgetEntry `json:"t"`
	Version      string        `json:"v"`
}

func newBeginBody(entries []BudgetEntry) beginBody {
	return beginBody{Transactions: entries, Version: "1.0"}
}

// statusResponse is the body returned by GET /v1/transactions:status.
type statusResponse struct {
	HasFailures               bool   `json:"has_failures"`
	IsExpired                 bool   `json:"is_expired"`
	LastExecutionTimestamp    uint64 `json:"last_execution_timestamp"`
	TransactionExecutionPhase string `json:"transaction_execution_phase"`
}

const (
	headerAuthorization     = "Authorization"
	headerClaimedIdentity   = "x-gscp-claimed-identity"
	headerTransactionID     = "x-gscp-transaction-id"
	headerTransactionSecret = "x-gscp-transaction-secret"
	headerTransactionOrigin = "x-gscp-transaction-origin"
	headerLastExecutionTS   = "x-gscp-transaction-last-execution-timestamp"
)

func pathForPhase(phase string) string {
	return "/v1/transactions:" + phase
}
