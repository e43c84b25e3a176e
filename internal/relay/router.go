package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/osaurus-ai/osaurus-relay/internal/ratelimit"
)

// Router is the single http.Handler for the relay process. It dispatches,
// in priority order, over health, stats, tunnel upgrade, and per-address
// relay traffic classified by the request's Host header.
type Router struct {
	registry    *Registry
	multiplexer *Multiplexer
	logger      *slog.Logger

	baseDomain string

	connectLimiter *ratelimit.Limiter
	requestLimiter *ratelimit.Limiter
	statsLimiter   *ratelimit.Limiter

	startedAt            time.Time
	totalRequestsRelayed atomic.Int64
	draining             atomic.Bool

	// statsGroup collapses concurrent /stats callers onto a single
	// snapshot computation instead of each racing the same counters.
	statsGroup singleflight.Group
}

// NewRouter wires a Router over registry/multiplexer with three independent
// rate limiters: tunnel connects, per-address relayed requests, and stats
// queries.
func NewRouter(registry *Registry, multiplexer *Multiplexer, baseDomain string, logger *slog.Logger) *Router {
	return &Router{
		registry:       registry,
		multiplexer:    multiplexer,
		logger:         logger,
		baseDomain:     baseDomain,
		connectLimiter: ratelimit.New(5, time.Minute),
		requestLimiter: ratelimit.New(100, time.Minute),
		statsLimiter:   ratelimit.New(10, time.Minute),
		startedAt:      time.Now(),
	}
}

// StopAccepting marks the router as draining: new tunnel connects and new
// relayed requests are refused with 503, for graceful shutdown.
func (rt *Router) StopAccepting() { rt.draining.Store(true) }

func (rt *Router) Close() {
	rt.connectLimiter.Stop()
	rt.requestLimiter.Stop()
	rt.statsLimiter.Stop()
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			rt.logger.Error("recovered panic in handler", "panic", rec, "stack", string(debug.Stack()), "path", r.URL.Path)
			if r.URL.Path != "/tunnel/connect" {
				writeJSONError(w, http.StatusInternalServerError, "internal_error")
			}
		}
	}()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		rt.handleHealth(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/stats":
		rt.handleStats(w, r)
		return
	case r.URL.Path == "/tunnel/connect":
		rt.handleConnect(w, r)
		return
	}

	addr, ok := subdomainAddress(r.Host, rt.baseDomain)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_subdomain")
		return
	}

	if r.Method == http.MethodOptions {
		writeCORSPreflight(w)
		return
	}

	if rt.draining.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "draining")
		return
	}

	clientIP := ClientIP(r)
	if !rt.requestLimiter.Allow(string(addr)) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	rt.totalRequestsRelayed.Add(1)
	if err := rt.multiplexer.Submit(r.Context(), addr, clientIP, w, r); err != nil {
		status, code, ok := AsRelayError(err)
		if !ok {
			status, code = http.StatusBadGateway, "relay_failed"
		}
		writeJSONError(w, status, code)
	}
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tunnels": rt.registry.ActiveTunnels(),
	})
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	if !rt.statsLimiter.Allow(ClientIP(r)) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	// A burst of /stats callers arriving in the same instant shares one
	// snapshot of the counters instead of each re-reading them.
	v, _, _ := rt.statsGroup.Do("snapshot", func() (any, error) {
		return map[string]any{
			"uptime_seconds":           int(time.Since(rt.startedAt).Seconds()),
			"active_tunnels":           rt.registry.ActiveTunnels(),
			"active_agents":            rt.registry.ActiveAddresses(),
			"total_requests_relayed":   rt.totalRequestsRelayed.Load(),
			"total_tunnel_connections": rt.registry.TotalConnections(),
		}, nil
	})
	writeJSON(w, http.StatusOK, v.(map[string]any))
}

func (rt *Router) handleConnect(w http.ResponseWriter, r *http.Request) {
	if rt.draining.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	if !isWebSocketUpgrade(r) {
		writeJSONError(w, http.StatusBadRequest, "websocket_required")
		return
	}
	clientIP := ClientIP(r)
	if !rt.connectLimiter.Allow(clientIP) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: false,
	})
	if err != nil {
		rt.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	tun := NewTunnel(conn, rt.registry, rt.baseDomain, rt.logger)
	tun.Run(context.Background())
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// subdomainAddress extracts and validates the leftmost DNS label of host
// against baseDomain, returning the canonical address.
func subdomainAddress(host, baseDomain string) (Address, bool) {
	h := host
	if idx := strings.LastIndex(h, ":"); idx != -1 {
		h = h[:idx]
	}
	suffix := "." + baseDomain
	if !strings.HasSuffix(h, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(h, suffix)
	if strings.Contains(label, ".") {
		return "", false
	}
	return IsSubdomainAddress(label)
}

func writeCORSPreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("access-control-allow-origin", "*")
	h.Set("access-control-allow-methods", "*")
	h.Set("access-control-allow-headers", "*")
	h.Set("access-control-expose-headers", "*")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"error": code})
}
