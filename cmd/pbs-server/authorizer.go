package main

import (
	"context"
	"net/http"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// newAuthAuthorizer builds the pipeline's Authorize callback: it forwards
// the bearer token and claimed-identity header to the configured auth
// service and maps its response onto an ExecutionResult, per spec §4.3's
// "Dispatch(Authorize)" step. An empty endpoint means no auth service is
// configured, in which case every request is accepted — suitable for
// local development and the integration tests, never for production.
func newAuthAuthorizer(endpoint string) func(ctx context.Context, r *http.Request) pbserrors.ExecutionResult {
	if endpoint == "" {
		return func(ctx context.Context, r *http.Request) pbserrors.ExecutionResult {
			return pbserrors.ResultSuccess()
		}
	}

	client := &http.Client{}
	return func(ctx context.Context, r *http.Request) pbserrors.ExecutionResult {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusInternalError)
		}
		req.Header.Set("Authorization", r.Header.Get("Authorization"))
		req.Header.Set("x-gscp-claimed-identity", r.Header.Get("x-gscp-claimed-identity"))

		resp, err := client.Do(req)
		if err != nil {
			return pbserrors.ResultRetry(pbserrors.SCHTTP2ClientHTTPStatusServiceUnavailable)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return pbserrors.ResultSuccess()
		case resp.StatusCode == http.StatusUnauthorized:
			return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusUnauthorized)
		case resp.StatusCode == http.StatusForbidden:
			return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusForbidden)
		case resp.StatusCode >= 500:
			return pbserrors.ResultRetry(pbserrors.SCHTTP2ClientHTTPStatusServiceUnavailable)
		default:
			return pbserrors.ResultFailure(pbserrors.SCHTTP2ClientHTTPStatusInternalError)
		}
	}
}
