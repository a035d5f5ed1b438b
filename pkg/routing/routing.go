// Package routing implements the "Route?" decision in the HTTP/2 pipeline
// (spec §4.3): given an incoming request, decide whether it is served by
// this PBS instance or must be forwarded to a remote PBS endpoint, and
// resolve the local handler for a registered (method, path) pair.
package routing

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Route names one registered (method, path) pair and the handler that
// serves it locally.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Table resolves incoming requests against the registered local routes,
// using gorilla/mux's path-matching exactly as the teacher's webui
// servers do, and decides whether a request that matches no local route
// should instead be forwarded to a remote PBS host.
type Table struct {
	router *mux.Router

	// RequestRoutingEnabled mirrors the
	// http_server_request_routing_enabled config flag (§6): when false,
	// every request is treated as local and an unresolvable path is a
	// hard 404 rather than a forwarding candidate.
	RequestRoutingEnabled bool
	// RemoteBaseURL is where ForwardToRemote sends requests this
	// instance does not serve locally (set from remote_pbs_host_address).
	RemoteBaseURL string
}

func NewTable(requestRoutingEnabled bool, remoteBaseURL string) *Table {
	return &Table{
		router:                mux.NewRouter(),
		RequestRoutingEnabled: requestRoutingEnabled,
		RemoteBaseURL:         remoteBaseURL,
	}
}

// Register adds a locally-served route.
func (t *Table) Register(route Route) {
	t.router.HandleFunc(route.Path, route.Handler).Methods(route.Method)
}

// Resolution is the outcome of resolving one incoming request.
type Resolution struct {
	// Local is true if a registered route matched method and path.
	Local bool
	// Handler carries the matched route's handler when Local is true.
	Handler http.HandlerFunc
	// ForwardURL is set when Local is false and routing is enabled: the
	// full URL this request should be forwarded to.
	ForwardURL string
	// Unresolvable is true when neither a local match nor forwarding is
	// possible — the pipeline should fail the request with
	// ROUTE_UNRESOLVABLE.
	Unresolvable bool
}

// Resolve implements the "ResolvePath" / "Route? local?" decision from
// spec §4.3's state diagram.
func (t *Table) Resolve(r *http.Request) Resolution {
	var match mux.RouteMatch
	if t.router.Match(r, &match) && match.MatchErr == nil {
		if handler, ok := match.Handler.(http.HandlerFunc); ok {
			return Resolution{Local: true, Handler: handler}
		}
		return Resolution{Local: true, Handler: match.Handler.ServeHTTP}
	}

	if t.RequestRoutingEnabled && t.RemoteBaseURL != "" {
		return Resolution{Local: false, ForwardURL: t.RemoteBaseURL + r.URL.Path}
	}
	return Resolution{Unresolvable: true}
}
