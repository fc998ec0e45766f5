// Package httpapi exposes the plain HTTP surface next to the WebSocket
// endpoint: a service banner, the live stats snapshot, the health check,
// and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/driftchat/server/internal/metrics"
	"github.com/driftchat/server/internal/stats"
)

// Deps are the read-only views the handlers serve from.
type Deps struct {
	Stats       *stats.Collector
	Connections func() int           // current connection count
	Uptime      func() time.Duration // time since server start
}

// NewMux builds the HTTP mux with all non-WebSocket routes. The caller
// mounts /ws on it before serving.
func NewMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleRoot)
	mux.HandleFunc("/stats", d.handleStats)
	mux.HandleFunc("/health", d.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (d Deps) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, struct {
		Service string `json:"service"`
		Status  string `json:"status"`
	}{
		Service: "driftchat",
		Status:  "ok",
	})
}

// handleStats serves the aggregate counters snapshot. Counters are atomics
// and gauges are read live, so the numbers are coherent enough for
// dashboards without any locking.
func (d Deps) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.Stats.Snapshot())
}

func (d Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: d.Connections(),
		Uptime:      d.Uptime().Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}
