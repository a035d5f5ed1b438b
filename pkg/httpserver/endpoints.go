package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/privacysandbox/pbs/pkg/budget"
	"github.com/privacysandbox/pbs/pkg/pbserrors"
	"github.com/privacysandbox/pbs/pkg/routing"
	"github.com/privacysandbox/pbs/pkg/transaction"
)

const (
	headerClaimedIdentity   = "x-gscp-claimed-identity"
	headerTransactionID     = "x-gscp-transaction-id"
	headerTransactionSecret = "x-gscp-transaction-secret"
	headerLastExecutionTS   = "x-gscp-transaction-last-execution-timestamp"
)

// beginBody is the exact shape named in spec §4.5.
type beginBody struct {
	Transactions []struct {
		Key           string    `json:"key"`
		ReportingTime time.Time `json:"reporting_time"`
		Token         int64     `json:"token"`
	} `json:"t"`
	Version string `json:"v"`
}

// TransactionEndpoints adapts a transaction.Coordinator to the wire
// contract in spec §4.5/§6: header parsing, the Begin JSON body, and the
// HTTP<->internal status-code mapping.
type TransactionEndpoints struct {
	coordinator    *transaction.Coordinator
	defaultExpiry  time.Duration
	timeBucketSize time.Duration
}

func NewTransactionEndpoints(c *transaction.Coordinator, defaultExpiry, timeBucketSize time.Duration) *TransactionEndpoints {
	if defaultExpiry <= 0 {
		defaultExpiry = 5 * time.Minute
	}
	if timeBucketSize <= 0 {
		timeBucketSize = time.Hour
	}
	return &TransactionEndpoints{coordinator: c, defaultExpiry: defaultExpiry, timeBucketSize: timeBucketSize}
}

// RegisterRoutes adds every path from spec §6's table to table.
func (e *TransactionEndpoints) RegisterRoutes(table *routing.Table) {
	table.Register(routing.Route{Method: http.MethodPost, Path: "/v1/transactions:begin", Handler: e.handleBegin})
	table.Register(routing.Route{Method: http.MethodPost, Path: "/v1/transactions:prepare", Handler: e.handlePhase(transaction.Prepare)})
	table.Register(routing.Route{Method: http.MethodPost, Path: "/v1/transactions:commit", Handler: e.handlePhase(transaction.Commit)})
	table.Register(routing.Route{Method: http.MethodPost, Path: "/v1/transactions:notify", Handler: e.handlePhase(transaction.Notify)})
	table.Register(routing.Route{Method: http.MethodPost, Path: "/v1/transactions:abort", Handler: e.handlePhase(transaction.Abort)})
	table.Register(routing.Route{Method: http.MethodPost, Path: "/v1/transactions:end", Handler: e.handlePhase(transaction.End)})
	table.Register(routing.Route{Method: http.MethodGet, Path: "/v1/transactions:status", Handler: e.handleStatus})
}

func (e *TransactionEndpoints) handleBegin(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := parseTransactionHeaders(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var body beginBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	claims := make([]budget.Claim, 0, len(body.Transactions))
	for _, t := range body.Transactions {
		claims = append(claims, budget.Claim{
			Key:        budget.Key{BudgetKey: t.Key, TimeBucketNanos: t.ReportingTime.Truncate(e.timeBucketSize).UnixNano()},
			TokenCount: uint32(t.Token),
		})
	}

	result, ts := e.coordinator.Begin(r.Context(), transaction.BeginRequest{
		ID:              id,
		Secret:          secret,
		ReportingOrigin: r.Header.Get(headerClaimedIdentity),
		Claims:          claims,
		ExpirationTime:  time.Now().Add(e.defaultExpiry),
	})
	writeResult(w, result, ts)
}

func (e *TransactionEndpoints) handlePhase(phase transaction.Phase) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := parseTransactionHeaders(r)
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		observed, ok := parseTimestampHeader(r.Header.Get(headerLastExecutionTS))
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		result, ts := e.coordinator.ExecutePhase(r.Context(), id, secret, phase, observed)
		writeResult(w, result, ts)
	}
}

func (e *TransactionEndpoints) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := parseTransactionHeaders(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	phase, ts, result := e.coordinator.Status(id, secret)
	if !result.Successful() {
		if result.Code == pbserrors.SCTransactionManagerTransactionNotFound {
			// Spec's decided Open Question: an unrecognized transaction id
			// still gets a 200 "UNKNOWN" status body rather than a 404, so
			// the client's 412-recovery path always gets a parseable
			// response. A wrong secret is a distinct, authenticated-reject
			// case and falls through to writeResult's 403 mapping below.
			writeStatusJSON(w, transaction.Unknown, 0, false)
			return
		}
		writeResult(w, result, 0)
		return
	}

	writeStatusJSON(w, phase, ts, false)
}

func writeResult(w http.ResponseWriter, result pbserrors.ExecutionResult, ts uint64) {
	status := pbserrors.HTTPStatusFor(result.Code)
	if result.Successful() {
		w.Header().Set(headerLastExecutionTS, strconv.FormatUint(ts, 10))
	}
	w.WriteHeader(status)
}

func writeStatusJSON(w http.ResponseWriter, phase transaction.Phase, ts uint64, hasFailures bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"has_failures":                hasFailures,
		"is_expired":                  false,
		"last_execution_timestamp":    ts,
		"transaction_execution_phase": phaseWireName(phase),
	})
}

func phaseWireName(phase transaction.Phase) string {
	switch phase {
	case transaction.Begin:
		return "BEGIN"
	case transaction.Prepare:
		return "PREPARE"
	case transaction.Commit:
		return "COMMIT"
	case transaction.Notify:
		return "NOTIFY"
	case transaction.Abort:
		return "ABORT"
	case transaction.End:
		return "END"
	default:
		return "UNKNOWN"
	}
}

func parseTransactionHeaders(r *http.Request) (uuid.UUID, string, bool) {
	idStr := r.Header.Get(headerTransactionID)
	secret := r.Header.Get(headerTransactionSecret)
	if idStr == "" || secret == "" {
		return uuid.UUID{}, "", false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.UUID{}, "", false
	}
	return id, secret, true
}

func parseTimestampHeader(v string) (uint64, bool) {
	if v == "" {
		return 0, false
	}
	ts, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
