// Package httpserver implements the HTTP/2 request pipeline described in
// spec §4.3: per-request state tracked through a joining auth dispatch
// and body-received callback, a route resolution step that either serves
// the request locally or forwards it to a remote PBS endpoint, and
// connection-close cleanup of the active-request map.
package httpserver

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/privacysandbox/pbs/pkg/dispatcher"
	"github.com/privacysandbox/pbs/pkg/pbserrors"
	"github.com/privacysandbox/pbs/pkg/pbslog"
	"github.com/privacysandbox/pbs/pkg/routing"
)

// Authorizer validates an incoming request (the Authorization bearer
// token, transaction secret, etc.) before the handler runs. A transient
// failure should be reported as Retry so the Operation Dispatcher retries
// it; anything else is terminal.
type Authorizer interface {
	Authorize(ctx context.Context, r *http.Request) pbserrors.ExecutionResult
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, r *http.Request) pbserrors.ExecutionResult

func (f AuthorizerFunc) Authorize(ctx context.Context, r *http.Request) pbserrors.ExecutionResult {
	return f(ctx, r)
}

// Config configures a Pipeline.
type Config struct {
	AuthExpiry    time.Duration // how long authorization dispatch may retry before giving up
	ForwardClient *http.Client
}

// Pipeline is the per-connection HTTP handler implementing spec §4.3's
// state diagram in full: ResolvePath, the local/forward route split,
// CreateSyncContext's two joining callbacks, and OnHttp2Cleanup.
type Pipeline struct {
	cfg        Config
	routes     *routing.Table
	authDisp   *dispatcher.Dispatcher
	authorizer Authorizer
	metrics    *Metrics
	log        *pbslog.Logger

	activeRequests sync.Map // uuid.UUID -> *requestContext
}

func NewPipeline(cfg Config, routes *routing.Table, authDispatcher *dispatcher.Dispatcher, authorizer Authorizer, metrics *Metrics, log *pbslog.Logger) *Pipeline {
	if cfg.AuthExpiry <= 0 {
		cfg.AuthExpiry = 10 * time.Second
	}
	if cfg.ForwardClient == nil {
		cfg.ForwardClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{
		cfg:        cfg,
		routes:     routes,
		authDisp:   authDispatcher,
		authorizer: authorizer,
		metrics:    metrics,
		log:        log.WithComponent("http-pipeline"),
	}
}

// requestContext is CreateSyncContext's pending=2 join point: one vote
// from authorization, one from the body-received callback. The two run
// on separate goroutines and may complete concurrently; each goroutine
// only touches its own local state before calling into onCallback, which
// is the only shared mutation point and is safe for concurrent calls via
// atomics.
type requestContext struct {
	id      uuid.UUID
	w       http.ResponseWriter
	r       *http.Request
	handler http.HandlerFunc

	pending atomic.Int32
	failed  atomic.Bool

	finishOnce sync.Once
	done       chan struct{}
	respStatus int
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p.metrics.ActiveRequests.Inc()
	defer p.metrics.ActiveRequests.Dec()

	resolution := p.routes.Resolve(r)

	switch {
	case resolution.Unresolvable:
		p.writeFailure(w, pbserrors.SCHTTP2ClientRouteUnresolvable)
		p.metrics.StatusCodes.WithLabelValues(statusBucket(0, false, false)).Inc()
		p.metrics.RequestLatency.Observe(time.Since(start).Seconds())
		return
	case !resolution.Local:
		status := p.forward(w, r, resolution.ForwardURL)
		p.metrics.StatusCodes.WithLabelValues(statusBucket(status, false, true)).Inc()
		p.metrics.RequestLatency.Observe(time.Since(start).Seconds())
		return
	}

	id := uuid.New()
	ctx := &requestContext{id: id, w: w, r: r, handler: resolution.Handler, done: make(chan struct{})}
	ctx.pending.Store(2)

	p.activeRequests.Store(id, ctx)
	defer p.cleanup(id)

	go p.runAuthorization(ctx)
	go p.runBodyReceived(ctx)

	<-ctx.done

	p.metrics.StatusCodes.WithLabelValues(statusBucket(ctx.respStatus, true, false)).Inc()
	p.metrics.RequestLatency.Observe(time.Since(start).Seconds())
}

// runAuthorization dispatches the authorizer through the Operation
// Dispatcher (spec §4.3: "Authorization is dispatched through the
// Operation Dispatcher so transient auth failures retry").
func (p *Pipeline) runAuthorization(ctx *requestContext) {
	resultCh := make(chan pbserrors.ExecutionResult, 1)
	target := func(dctx context.Context) pbserrors.ExecutionResult {
		return p.authorizer.Authorize(dctx, ctx.r)
	}
	p.authDisp.Dispatch(ctx.r.Context(), target, time.Now().Add(p.cfg.AuthExpiry), func(result pbserrors.ExecutionResult) {
		resultCh <- result
	})
	p.onCallback(ctx, <-resultCh)
}

// runBodyReceived stands in for the wire library's body-fully-received
// callback: for a standard (non-streaming) net/http handler the body is
// already buffered by the time ServeHTTP runs, so this simply drains it
// and reports Success, or a parse-level failure if the read itself
// fails.
func (p *Pipeline) runBodyReceived(ctx *requestContext) {
	body, err := io.ReadAll(ctx.r.Body)
	if err != nil {
		p.onCallback(ctx, pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusBadRequest))
		return
	}
	p.metrics.RequestBodyBytes.Observe(float64(len(body)))
	ctx.r.Body = io.NopCloser(bytes.NewReader(body))
	p.onCallback(ctx, pbserrors.ResultSuccess())
}

// onCallback implements the pending/failed join exactly as spec §4.3
// describes: a failing callback CASes failed and finishes immediately,
// regardless of the other callback's progress; a successful callback
// decrements pending, and whichever callback observes pending reach zero
// invokes the handler, unless the context was already failed out from
// under it.
func (p *Pipeline) onCallback(ctx *requestContext, result pbserrors.ExecutionResult) {
	if !result.Successful() {
		if ctx.failed.CompareAndSwap(false, true) {
			p.finish(ctx, result)
		}
		return
	}
	if ctx.pending.Add(-1) == 0 {
		if ctx.failed.Load() {
			return
		}
		p.invokeHandler(ctx)
	}
}

func (p *Pipeline) invokeHandler(ctx *requestContext) {
	rw := &statusRecorder{ResponseWriter: ctx.w, status: http.StatusOK}
	ctx.handler(rw, ctx.r)
	ctx.respStatus = rw.status
	ctx.finishOnce.Do(func() { close(ctx.done) })
}

func (p *Pipeline) finish(ctx *requestContext, result pbserrors.ExecutionResult) {
	ctx.finishOnce.Do(func() {
		p.writeFailure(ctx.w, result.Code)
		ctx.respStatus = pbserrors.HTTPStatusFor(result.Code)
		close(ctx.done)
	})
}

// cleanup implements OnHttp2Cleanup: erase the active-request entry
// exactly once, keyed by request_id.
func (p *Pipeline) cleanup(id uuid.UUID) {
	p.activeRequests.Delete(id)
}

func (p *Pipeline) writeFailure(w http.ResponseWriter, code pbserrors.StatusCode) {
	w.WriteHeader(pbserrors.HTTPStatusFor(code))
}

// forward implements ForwardToRemote / OnRoutingResponseReceived: proxy
// the request verbatim to url and copy the response back.
func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, url string) int {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeFailure(w, pbserrors.SCHTTP2ClientHTTPStatusBadRequest)
		return http.StatusBadRequest
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		p.writeFailure(w, pbserrors.SCHTTP2ClientHTTPStatusInternalError)
		return http.StatusInternalServerError
	}
	req.Header = r.Header.Clone()

	resp, err := p.cfg.ForwardClient.Do(req)
	if err != nil {
		p.writeFailure(w, pbserrors.SCHTTP2ClientHTTPStatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	respBody, _ := io.ReadAll(resp.Body)
	p.metrics.ResponseBodyBytes.Observe(float64(len(respBody)))
	w.Write(respBody)
	return resp.StatusCode
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}
