package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/privacysandbox/pbs/pkg/asyncexec"
	"github.com/privacysandbox/pbs/pkg/budget"
	"github.com/privacysandbox/pbs/pkg/dispatcher"
	"github.com/privacysandbox/pbs/pkg/journal"
	"github.com/privacysandbox/pbs/pkg/pbslog"
	"github.com/privacysandbox/pbs/pkg/routing"
	"github.com/privacysandbox/pbs/pkg/transaction"
)

func newTestEndpoints(t *testing.T) (*routing.Table, *TransactionEndpoints) {
	t.Helper()
	executor, err := asyncexec.New(asyncexec.Config{ThreadCount: 1, QueueCap: 8, LoadBalancing: asyncexec.RoundRobinPerThread})
	require.NoError(t, err)
	executor.Run()
	t.Cleanup(func() { _ = executor.Stop() })

	d := dispatcher.New(executor, dispatcher.RetryStrategy{Policy: dispatcher.Exponential, DelayMS: 1, MaxRetries: 3})

	store, err := journal.OpenBoltStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	j, err := journal.New(context.Background(), store)
	require.NoError(t, err)

	ledger := budget.NewMemoryLedger(100)
	log := pbslog.New(pbslog.DefaultConfig())
	coordinator := transaction.NewCoordinator(transaction.Config{MaxConcurrentTransactions: 10}, d, j, ledger, log)
	coordinator.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = coordinator.Stop(ctx)
	})

	endpoints := NewTransactionEndpoints(coordinator, time.Minute, time.Hour)
	table := routing.NewTable(false, "")
	endpoints.RegisterRoutes(table)
	return table, endpoints
}

func doRequest(t *testing.T, table *routing.Table, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resolution := table.Resolve(req)
	require.True(t, resolution.Local, "path %s should resolve locally", path)
	rec := httptest.NewRecorder()
	resolution.Handler(rec, req)
	return rec
}

func TestEndpointsDriveHappyPathToEnd(t *testing.T) {
	table, _ := newTestEndpoints(t)

	id := uuid.New().String()
	secret := "secret-1"
	headers := map[string]string{
		headerTransactionID:     id,
		headerTransactionSecret: secret,
		headerClaimedIdentity:   "https://reporter.example",
	}

	beginBody := `{"t":[{"key":"budget-a","reporting_time":"2026-07-30T00:00:00Z","token":1}],"v":"1.0"}`
	rec := doRequest(t, table, http.MethodPost, "/v1/transactions:begin", headers, beginBody)
	require.Equal(t, http.StatusOK, rec.Code)
	ts := rec.Header().Get(headerLastExecutionTS)
	require.NotEmpty(t, ts)

	for _, phase := range []string{"prepare", "commit", "notify", "end"} {
		phaseHeaders := map[string]string{
			headerTransactionID:     id,
			headerTransactionSecret: secret,
			headerLastExecutionTS:   ts,
		}
		rec := doRequest(t, table, http.MethodPost, "/v1/transactions:"+phase, phaseHeaders, "")
		require.Equal(t, http.StatusOK, rec.Code, "phase %s", phase)
		ts = rec.Header().Get(headerLastExecutionTS)
	}

	statusHeaders := map[string]string{headerTransactionID: id, headerTransactionSecret: secret}
	rec = doRequest(t, table, http.MethodGet, "/v1/transactions:status", statusHeaders, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, "UNKNOWN", status["transaction_execution_phase"])
}

func TestEndpointsRejectsMissingHeaders(t *testing.T) {
	table, _ := newTestEndpoints(t)
	rec := doRequest(t, table, http.MethodPost, "/v1/transactions:prepare", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEndpointsReturnsPreconditionFailedOnStaleTimestamp(t *testing.T) {
	table, _ := newTestEndpoints(t)

	id := uuid.New().String()
	secret := "secret-2"
	headers := map[string]string{
		headerTransactionID:     id,
		headerTransactionSecret: secret,
		headerClaimedIdentity:   "https://reporter.example",
	}
	beginBody := `{"t":[{"key":"budget-b","reporting_time":"2026-07-30T00:00:00Z","token":1}],"v":"1.0"}`
	rec := doRequest(t, table, http.MethodPost, "/v1/transactions:begin", headers, beginBody)
	require.Equal(t, http.StatusOK, rec.Code)

	staleHeaders := map[string]string{
		headerTransactionID:     id,
		headerTransactionSecret: secret,
		headerLastExecutionTS:   strconv.FormatUint(999, 10),
	}
	rec = doRequest(t, table, http.MethodPost, "/v1/transactions:prepare", staleHeaders, "")
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
}
