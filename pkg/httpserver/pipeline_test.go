package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/privacysandbox/pbs/pkg/asyncexec"
	"github.com/privacysandbox/pbs/pkg/dispatcher"
	"github.com/privacysandbox/pbs/pkg/pbserrors"
	"github.com/privacysandbox/pbs/pkg/pbslog"
	"github.com/privacysandbox/pbs/pkg/routing"
)

func newTestPipeline(t *testing.T, authorize func(ctx context.Context, r *http.Request) pbserrors.ExecutionResult, handler http.HandlerFunc) *Pipeline {
	t.Helper()
	executor, err := asyncexec.New(asyncexec.Config{ThreadCount: 1, QueueCap: 8, LoadBalancing: asyncexec.RoundRobinPerThread})
	require.NoError(t, err)
	executor.Run()
	t.Cleanup(func() { _ = executor.Stop() })

	d := dispatcher.New(executor, dispatcher.RetryStrategy{Policy: dispatcher.Exponential, DelayMS: 1, MaxRetries: 3})

	table := routing.NewTable(false, "")
	table.Register(routing.Route{Method: http.MethodPost, Path: "/thing", Handler: handler})

	metrics := NewMetrics(prometheus.NewRegistry())
	log := pbslog.New(pbslog.DefaultConfig())

	return NewPipeline(Config{AuthExpiry: time.Second}, table, d, AuthorizerFunc(authorize), metrics, log)
}

func TestPipelineInvokesHandlerWhenAuthSucceeds(t *testing.T) {
	called := false
	pipeline := newTestPipeline(t,
		func(ctx context.Context, r *http.Request) pbserrors.ExecutionResult { return pbserrors.ResultSuccess() },
		func(w http.ResponseWriter, r *http.Request) { called = true; w.WriteHeader(http.StatusOK) },
	)

	req := httptest.NewRequest(http.MethodPost, "/thing", bytes.NewReader([]byte("body")))
	rec := httptest.NewRecorder()
	pipeline.ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelineFailsFastOnAuthFailure(t *testing.T) {
	called := false
	pipeline := newTestPipeline(t,
		func(ctx context.Context, r *http.Request) pbserrors.ExecutionResult {
			return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusUnauthorized)
		},
		func(w http.ResponseWriter, r *http.Request) { called = true },
	)

	req := httptest.NewRequest(http.MethodPost, "/thing", bytes.NewReader([]byte("body")))
	rec := httptest.NewRecorder()
	pipeline.ServeHTTP(rec, req)

	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPipelineUnresolvableRouteReturns404(t *testing.T) {
	pipeline := newTestPipeline(t,
		func(ctx context.Context, r *http.Request) pbserrors.ExecutionResult { return pbserrors.ResultSuccess() },
		func(w http.ResponseWriter, r *http.Request) {},
	)

	req := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	rec := httptest.NewRecorder()
	pipeline.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
