package pbsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// EndpointConfig names one PBS coordinator replica this client drives.
type EndpointConfig struct {
	BaseURL         string
	ReportingOrigin string
	Tokens          TokenProvider
}

// ClientConsumeBudgetCommand drives one transaction's phases against a
// single PBS endpoint, storing its own last_execution_timestamp for
// optimistic concurrency exactly as spec §4.4 describes: the outer
// ConsumeBudget transaction advances to the next phase only once every
// per-replica command has reported Success for the current one.
type ClientConsumeBudgetCommand struct {
	endpoint EndpointConfig
	client   *http.Client

	txnID  uuid.UUID
	secret string

	mu        sync.Mutex
	timestamp uint64
}

// NewClientConsumeBudgetCommand constructs a command bound to one
// endpoint, sharing txnID/secret with its sibling commands (if any) in
// multi-coordinator mode.
func NewClientConsumeBudgetCommand(endpoint EndpointConfig, client *http.Client, txnID uuid.UUID, secret string) *ClientConsumeBudgetCommand {
	return &ClientConsumeBudgetCommand{endpoint: endpoint, client: client, txnID: txnID, secret: secret}
}

func (c *ClientConsumeBudgetCommand) Timestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timestamp
}

// Begin POSTs the budget list to /v1/transactions:begin and adopts the
// server's initial timestamp on success.
func (c *ClientConsumeBudgetCommand) Begin(ctx context.Context, entries []BudgetEntry) pbserrors.ExecutionResult {
	body, err := json.Marshal(newBeginBody(entries))
	if err != nil {
		return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusBadRequest)
	}
	return c.doPhase(ctx, "begin", body)
}

func (c *ClientConsumeBudgetCommand) Prepare(ctx context.Context) pbserrors.ExecutionResult {
	return c.doPhase(ctx, "prepare", nil)
}

func (c *ClientConsumeBudgetCommand) Commit(ctx context.Context) pbserrors.ExecutionResult {
	return c.doPhase(ctx, "commit", nil)
}

func (c *ClientConsumeBudgetCommand) Notify(ctx context.Context) pbserrors.ExecutionResult {
	return c.doPhase(ctx, "notify", nil)
}

func (c *ClientConsumeBudgetCommand) Abort(ctx context.Context) pbserrors.ExecutionResult {
	return c.doPhase(ctx, "abort", nil)
}

func (c *ClientConsumeBudgetCommand) End(ctx context.Context) pbserrors.ExecutionResult {
	return c.doPhase(ctx, "end", nil)
}

// doPhase runs one phase request, and on 412 performs the status-query-
// and-replay recovery described in spec §4.5 exactly once before giving
// up. No other retry is made: a Retry result (503 or another 5xx) is
// returned as is, and ConsumeBudget does not retry it either.
func (c *ClientConsumeBudgetCommand) doPhase(ctx context.Context, phase string, body []byte) pbserrors.ExecutionResult {
	result := c.request(ctx, phase, body)
	if result.Status == pbserrors.Failure && result.Code == pbserrors.SCHTTP2ClientHTTPStatusPreconditionFailed {
		if queryResult := c.adoptTimestampFromStatus(ctx); !queryResult.Successful() {
			return queryResult
		}
		return c.request(ctx, phase, body)
	}
	return result
}

func (c *ClientConsumeBudgetCommand) request(ctx context.Context, phase string, body []byte) pbserrors.ExecutionResult {
	token, err := c.endpoint.Tokens.Token()
	if err != nil {
		return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusUnauthorized)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.BaseURL+pathForPhase(phase), reader)
	if err != nil {
		return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusBadRequest)
	}
	c.setHeaders(req, token)

	resp, err := c.client.Do(req)
	if err != nil {
		return pbserrors.ResultRetry(pbserrors.SCHTTP2ClientHTTPStatusInternalError)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		if ts, ok := parseTimestampHeader(resp.Header.Get(headerLastExecutionTS)); ok {
			c.mu.Lock()
			c.timestamp = ts
			c.mu.Unlock()
		}
		return pbserrors.ResultSuccess()
	}

	code := pbserrors.StatusCodeForHTTP(resp.StatusCode)
	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode >= http.StatusInternalServerError {
		return pbserrors.ResultRetry(code)
	}
	return pbserrors.ResultFailure(code)
}

func (c *ClientConsumeBudgetCommand) setHeaders(req *http.Request, token string) {
	c.mu.Lock()
	ts := c.timestamp
	c.mu.Unlock()

	req.Header.Set(headerAuthorization, "Bearer "+token)
	req.Header.Set(headerClaimedIdentity, c.endpoint.ReportingOrigin)
	req.Header.Set(headerTransactionID, c.txnID.String())
	req.Header.Set(headerTransactionSecret, c.secret)
	req.Header.Set(headerTransactionOrigin, c.endpoint.ReportingOrigin)
	req.Header.Set(headerLastExecutionTS, strconv.FormatUint(ts, 10))
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
}

// adoptTimestampFromStatus issues the status query named in spec §4.5's
// 412-recovery step and stores the server's reported timestamp locally.
func (c *ClientConsumeBudgetCommand) adoptTimestampFromStatus(ctx context.Context) pbserrors.ExecutionResult {
	token, err := c.endpoint.Tokens.Token()
	if err != nil {
		return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusUnauthorized)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.BaseURL+pathForPhase("status"), nil)
	if err != nil {
		return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusBadRequest)
	}
	c.setHeaders(req, token)

	resp, err := c.client.Do(req)
	if err != nil {
		return pbserrors.ResultRetry(pbserrors.SCHTTP2ClientHTTPStatusInternalError)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pbserrors.ResultFailure(pbserrors.StatusCodeForHTTP(resp.StatusCode))
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusBadRequest)
	}

	// An UNKNOWN phase is treated the same as a 412: adopt the reported
	// timestamp (0, for a transaction the server has no record of) and
	// let doPhase replay the same request rather than failing terminally.
	c.mu.Lock()
	c.timestamp = status.LastExecutionTimestamp
	c.mu.Unlock()
	return pbserrors.ResultSuccess()
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
