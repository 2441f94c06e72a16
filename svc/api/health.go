package api

import (
	"codeshare/svc/util"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const probeTimeout = 500 * time.Millisecond

// Pinger is anything the readiness probe can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse reports each dependency as up, down or, for the optional
// shared rate limit backend, local.
type ReadyResponse struct {
	Ready     bool    `json:"ready"`
	Database  string  `json:"database"`
	RateLimit string  `json:"rate_limit"`
	Limits    string  `json:"limits"`
	ErrorRate float64 `json:"error_rate_percent"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, http.StatusOK, HealthResponse{Status: "ok"})
}
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Ready:     true,
		Database:  probe(r.Context(), s.store, "database"),
		RateLimit: "local",
		Limits:    "normal",
	}
	if s.counter != nil {
		resp.RateLimit = probe(r.Context(), s.counter, "rate limit backend")
	}
	if resp.Database != "up" || resp.RateLimit == "down" {
		resp.Ready = false
	}
	if s.lim != nil {
		resp.ErrorRate = s.lim.ErrorRate()
		if s.lim.Adaptive() {
			resp.Limits = "adaptive"
		}
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeProbe(w, status, resp)
}
func probe(ctx context.Context, p Pinger, name string) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		util.Error().Err(err).Str("dependency", name).Msg("readiness check failed")
		return "down"
	}
	return "up"
}
func writeProbe(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
