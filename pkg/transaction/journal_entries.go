package transaction

import (
	"time"

	"github.com/privacysandbox/pbs/pkg/budget"
)

// phaseTransitionPayload is written before a phase is attempted, matching
// the shape named in spec §4.4's durability section. BudgetClaims is only
// populated on the Begin entry: it is what lets replay reconstruct a
// transaction's ConsumeBudgetCommand without an external side table.
type phaseTransitionPayload struct {
	TransactionID          string         `json:"txn_id"`
	Secret                 string         `json:"secret"`
	ReportingOrigin        string         `json:"reporting_origin"`
	PhaseEntered           string         `json:"phase_entered"`
	LastExecutionTimestamp uint64         `json:"last_execution_timestamp"`
	ExpirationUnixNano     int64          `json:"expiration_unix_nano"`
	WallClock              time.Time      `json:"wall_clock"`
	BudgetClaims           []budget.Claim `json:"budget_claims,omitempty"`
}

// phaseSuccessPayload is the second entry written once the attempted
// phase's hooks all reported Success.
type phaseSuccessPayload struct {
	TransactionID          string    `json:"txn_id"`
	Phase                  string    `json:"phase"`
	LastExecutionTimestamp uint64    `json:"last_execution_timestamp"`
	WallClock              time.Time `json:"wall_clock"`
}
