package pbsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeCoordinatorServer is a minimal stand-in for the HTTP/2 pipeline
// fronting a transaction.Coordinator: it tracks one active transaction's
// timestamp and phase, enough to exercise the client's header contract
// and 412-recovery path without a real coordinator.
type fakeCoordinatorServer struct {
	mu        sync.Mutex
	timestamp uint64
	phase     string
	failNext  map[string]int // phase -> number of times to fail with 412 before succeeding

	// statusPhaseOverride, if non-empty, is reported by the status
	// endpoint instead of phase — used to simulate an UNKNOWN status
	// response while last_execution_timestamp still reflects reality.
	statusPhaseOverride string
}

func newFakeCoordinatorServer() *fakeCoordinatorServer {
	return &fakeCoordinatorServer{timestamp: 1, phase: "BEGIN", failNext: map[string]int{}}
}

func (s *fakeCoordinatorServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.URL.Path == "/v1/transactions:status" && r.Method == http.MethodGet:
			reportedPhase := s.phase
			if s.statusPhaseOverride != "" {
				reportedPhase = s.statusPhaseOverride
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"has_failures":false,"is_expired":false,"last_execution_timestamp":` +
				strconv.FormatUint(s.timestamp, 10) + `,"transaction_execution_phase":"` + reportedPhase + `"}`))
			return
		}

		phase := r.URL.Path[len("/v1/transactions:"):]
		observed := r.Header.Get(headerLastExecutionTS)

		if s.failNext[phase] > 0 {
			s.failNext[phase]--
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}

		observedTS, _ := strconv.ParseUint(observed, 10, 64)
		if observedTS != s.timestamp {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}

		s.timestamp++
		switch phase {
		case "begin":
			s.phase = "BEGIN"
		case "prepare":
			s.phase = "PREPARE"
		case "commit":
			s.phase = "COMMIT"
		case "notify":
			s.phase = "NOTIFY"
		case "abort":
			s.phase = "ABORT"
		case "end":
			s.phase = "END"
		}
		w.Header().Set(headerLastExecutionTS, strconv.FormatUint(s.timestamp, 10))
		w.WriteHeader(http.StatusOK)
	}
}

func newTestEndpoint(t *testing.T, srv *httptest.Server) EndpointConfig {
	t.Helper()
	return EndpointConfig{
		BaseURL:         srv.URL,
		ReportingOrigin: "https://reporter.example",
		Tokens:          NewLocalTokenProvider([]byte("test-seed"), "reporter.example", time.Minute),
	}
}

func TestConsumeBudgetSingleCoordinatorHappyPath(t *testing.T) {
	fake := newFakeCoordinatorServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client, err := New(Config{Endpoints: []EndpointConfig{newTestEndpoint(t, srv)}})
	require.NoError(t, err)

	result := client.ConsumeBudget(context.Background(), []BudgetEntry{
		{Key: "budget-a", ReportingTime: time.Now(), Token: 1},
	})
	require.True(t, result.Successful())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, "END", fake.phase)
}

func TestConsumeBudgetRecoversFromPreconditionFailed(t *testing.T) {
	fake := newFakeCoordinatorServer()
	fake.failNext["prepare"] = 1
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client, err := New(Config{Endpoints: []EndpointConfig{newTestEndpoint(t, srv)}})
	require.NoError(t, err)

	result := client.ConsumeBudget(context.Background(), []BudgetEntry{
		{Key: "budget-b", ReportingTime: time.Now(), Token: 1},
	})
	require.True(t, result.Successful())
}

// TestConsumeBudgetRecoversFromUnknownStatus exercises spec §4.5's decided
// Open Question: a 412 whose status-query recovery reports phase UNKNOWN
// is treated the same as an ordinary 412 recovery — the client adopts the
// reported timestamp and replays the phase rather than failing terminally.
func TestConsumeBudgetRecoversFromUnknownStatus(t *testing.T) {
	fake := newFakeCoordinatorServer()
	fake.failNext["prepare"] = 1
	fake.statusPhaseOverride = "UNKNOWN"
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client, err := New(Config{Endpoints: []EndpointConfig{newTestEndpoint(t, srv)}})
	require.NoError(t, err)

	result := client.ConsumeBudget(context.Background(), []BudgetEntry{
		{Key: "budget-unknown", ReportingTime: time.Now(), Token: 1},
	})
	require.True(t, result.Successful())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, "END", fake.phase)
}

func TestConsumeBudgetTwoCoordinatorRequiresBothSuccess(t *testing.T) {
	fakeA := newFakeCoordinatorServer()
	srvA := httptest.NewServer(fakeA.handler())
	defer srvA.Close()

	var commitCalls atomic.Int32
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/transactions:commit" {
			commitCalls.Add(1)
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.Header().Set(headerLastExecutionTS, "2")
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	client, err := New(Config{Endpoints: []EndpointConfig{
		newTestEndpoint(t, srvA),
		newTestEndpoint(t, srvB),
	}})
	require.NoError(t, err)

	result := client.ConsumeBudget(context.Background(), []BudgetEntry{
		{Key: "budget-c", ReportingTime: time.Now(), Token: 1},
	})
	require.False(t, result.Successful())
	require.Equal(t, int32(1), commitCalls.Load())
}

func TestNewRejectsWrongEndpointCount(t *testing.T) {
	_, err := New(Config{Endpoints: nil})
	require.Error(t, err)

	_, err = New(Config{Endpoints: make([]EndpointConfig, 3)})
	require.Error(t, err)
}
