package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/u2re-space/airbridge/bridge"
)

const (
	historyLimitMin = 1
	historyLimitMax = 500
)

// debugAPI exposes the bridge's inspection endpoints plus the
// health/readiness/metrics surface.
type debugAPI struct {
	registry *bridge.Registry
	router   *bridge.Router
	history  *bridge.History
	started  time.Time
}

func newDebugAPI(registry *bridge.Registry, router *bridge.Router, history *bridge.History) *debugAPI {
	return &debugAPI{
		registry: registry,
		router:   router,
		history:  history,
		started:  time.Now(),
	}
}

// register mounts the API onto a mux.
func (a *debugAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/core/bridge/devices", a.handleDevices)
	mux.HandleFunc("/core/bridge/history", a.handleHistory)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/ready", a.handleReady)
	mux.HandleFunc("/metrics", a.handleMetrics)
}

func (a *debugAPI) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	upstreamConnected := false
	upstreamUserID := ""
	if up := a.router.Upstream(); up != nil {
		upstreamConnected = up.Connected()
		upstreamUserID = up.UserID()
	}
	writeJSON(w, map[string]any{
		"ok":                true,
		"upstreamConnected": upstreamConnected,
		"upstreamUserId":    upstreamUserID,
		"connectedCount":    a.registry.Count(),
		"devices":           a.registry.Snapshot(),
		"tunnelTargets":     a.registry.TunnelTargets(),
	})
}

func (a *debugAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := a.history.Max()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < historyLimitMin {
		limit = historyLimitMin
	}
	if limit > historyLimitMax {
		limit = historyLimitMax
	}
	entries := a.history.Recent(limit)
	if entries == nil {
		entries = []bridge.ClipEntry{}
	}
	writeJSON(w, map[string]any{
		"ok":      true,
		"limit":   limit,
		"entries": entries,
	})
}

func (a *debugAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "healthy",
		"uptime": time.Since(a.started).String(),
	})
}

func (a *debugAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ready": true})
}

// handleMetrics serves Prometheus text-format gauges.
func (a *debugAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	upstreamConnected := 0
	if up := a.router.Upstream(); up != nil && up.Connected() {
		upstreamConnected = 1
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP airbridge_connected_clients Currently connected websocket clients\n")
	fmt.Fprintf(w, "# TYPE airbridge_connected_clients gauge\n")
	fmt.Fprintf(w, "airbridge_connected_clients %d\n", a.registry.Count())

	fmt.Fprintf(w, "# HELP airbridge_upstream_connected Upstream link health (1 = connected)\n")
	fmt.Fprintf(w, "# TYPE airbridge_upstream_connected gauge\n")
	fmt.Fprintf(w, "airbridge_upstream_connected %d\n", upstreamConnected)

	fmt.Fprintf(w, "# HELP airbridge_history_entries Clip history entries held in memory\n")
	fmt.Fprintf(w, "# TYPE airbridge_history_entries gauge\n")
	fmt.Fprintf(w, "airbridge_history_entries %d\n", a.history.Len())

	fmt.Fprintf(w, "# HELP airbridge_uptime_seconds Seconds since process start\n")
	fmt.Fprintf(w, "# TYPE airbridge_uptime_seconds counter\n")
	fmt.Fprintf(w, "airbridge_uptime_seconds %.0f\n", time.Since(a.started).Seconds())
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}
