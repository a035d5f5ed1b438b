package pbsclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// Config selects single- or multi-coordinator mode (spec §4.5): one
// Endpoint drives a single PBS replica, two drive both in lockstep.
type Config struct {
	Endpoints  []EndpointConfig
	HTTPClient *http.Client
}

// Client runs ConsumeBudget transactions against one or two PBS
// endpoints.
type Client struct {
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) != 1 && len(cfg.Endpoints) != 2 {
		return nil, pbserrors.New(pbserrors.SCHTTP2ClientRouteUnresolvable, "exactly one or two endpoints required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg}, nil
}

// ConsumeBudget builds a transaction with one ClientConsumeBudgetCommand
// per configured endpoint and drives it through Begin, Prepare, Commit,
// Notify, End — or Abort, End on a Prepare, Commit or Notify failure — per
// spec §4.4/§4.5: the transaction advances to the next phase only once
// every per-replica command has reported Success for the current phase. A
// Begin failure is returned directly, without Abort or End.
func (c *Client) ConsumeBudget(ctx context.Context, entries []BudgetEntry) pbserrors.ExecutionResult {
	txnID := uuid.New()
	secret := uuid.New().String()

	commands := make([]*ClientConsumeBudgetCommand, len(c.cfg.Endpoints))
	for i, ep := range c.cfg.Endpoints {
		commands[i] = NewClientConsumeBudgetCommand(ep, c.cfg.HTTPClient, txnID, secret)
	}

	if result := fanOut(ctx, commands, func(ctx context.Context, cmd *ClientConsumeBudgetCommand) pbserrors.ExecutionResult {
		return cmd.Begin(ctx, entries)
	}); !result.Successful() {
		return result
	}

	for _, phase := range []func(context.Context, *ClientConsumeBudgetCommand) pbserrors.ExecutionResult{
		(*ClientConsumeBudgetCommand).Prepare,
		(*ClientConsumeBudgetCommand).Commit,
		(*ClientConsumeBudgetCommand).Notify,
	} {
		if result := fanOut(ctx, commands, phase); !result.Successful() {
			c.abort(ctx, commands)
			return result
		}
	}

	return fanOut(ctx, commands, (*ClientConsumeBudgetCommand).End)
}

// abort best-effort drives Abort then End on every command, swallowing
// further errors: the caller already has the terminal failure to report.
// A server-side transaction that these calls fail to end stays in that
// coordinator's active table; once it expires, its further phase
// requests fail with OPERATION_EXPIRED, but the coordinator does not
// evict it.
func (c *Client) abort(ctx context.Context, commands []*ClientConsumeBudgetCommand) {
	fanOut(ctx, commands, (*ClientConsumeBudgetCommand).Abort)
	fanOut(ctx, commands, (*ClientConsumeBudgetCommand).End)
}

// fanOut runs fn against every command concurrently and returns the
// first non-success result, or Success if every command succeeded.
func fanOut(ctx context.Context, commands []*ClientConsumeBudgetCommand, fn func(context.Context, *ClientConsumeBudgetCommand) pbserrors.ExecutionResult) pbserrors.ExecutionResult {
	results := make([]pbserrors.ExecutionResult, len(commands))
	var wg sync.WaitGroup
	for i, cmd := range commands {
		wg.Add(1)
		go func(i int, cmd *ClientConsumeBudgetCommand) {
			defer wg.Done()
			results[i] = fn(ctx, cmd)
		}(i, cmd)
	}
	wg.Wait()

	for _, r := range results {
		if !r.Successful() {
			return r
		}
	}
	return pbserrors.ResultSuccess()
}
