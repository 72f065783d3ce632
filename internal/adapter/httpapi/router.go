// Package httpapi implements the gateway's ambient HTTP surface: liveness
// and readiness probes, Prometheus metrics, and a small admin surface over
// this node's own connection and circuit-breaker state. Grounded on the
// teacher's health/ready/metrics endpoints in cmd/server/main.go
// (app.Get("/health/live"|"/health/ready"|"/metrics")), rebuilt on
// go-chi/chi/v5 instead of Fiber since the OCPP WebSocket upgrade path
// (internal/gateway/connection) is a plain net/http.Handler and the
// gateway has no other use for a full web framework.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/circuitbreaker"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/connection"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/node"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// Dependencies the admin/health routes read. All fields are read-only from
// the router's perspective; nil fields degrade individual endpoints rather
// than failing router construction.
type Dependencies struct {
	KV       ports.KVStore
	Bus      PingCloser
	Breakers *circuitbreaker.Manager
	Conns    *connection.Manager
	Nodes    *node.Directory
	NodeID   string
	Log      *zap.Logger
}

// PingCloser is the subset of ports.EventBus the router holds. /readyz
// does not consult it: readiness reflects only the KV probe.
type PingCloser interface {
	Close() error
}

// NewRouter builds the ambient HTTP mux (§ ambient stack, not a
// SPEC_FULL.md protocol module in its own right).
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if deps.KV != nil {
			if _, _, err := deps.KV.Get(ctx, "ocpp-gateway:readyz-probe"); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("kv not ready: " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Get("/sessions", deps.handleAdminSessions)
		r.Get("/nodes", deps.handleAdminNodes)
		r.Get("/breakers", deps.handleAdminBreakers)
	})

	return r
}

func (d Dependencies) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if d.Conns == nil {
		http.Error(w, "connection manager unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, d.Conns.ActiveConnections())
}

func (d Dependencies) handleAdminNodes(w http.ResponseWriter, r *http.Request) {
	if d.Nodes == nil {
		http.Error(w, "node directory unavailable", http.StatusServiceUnavailable)
		return
	}

	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		nodeID = d.NodeID
	}

	advert, ok, err := d.Nodes.Lookup(r.Context(), nodeID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "node not advertised (stale or unknown)", http.StatusNotFound)
		return
	}
	writeJSON(w, advert)
}

func (d Dependencies) handleAdminBreakers(w http.ResponseWriter, r *http.Request) {
	if d.Breakers == nil {
		http.Error(w, "circuit breaker manager unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, d.Breakers.Status())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
