package kube

import (
	"net/http"
	"sync"
	"time"

	"k8s.io/client-go/rest"
)

// APIStats counts API server round trips. Log streams are measured up to
// their response headers.
type APIStats struct {
	mu       sync.Mutex
	requests int
	failures int
	total    time.Duration
	slowest  time.Duration
}

// APIStatsSnapshot is a point-in-time copy of APIStats.
type APIStatsSnapshot struct {
	Requests int           `json:"requests"`
	Failures int           `json:"failures"`
	Average  time.Duration `json:"averageNanos"`
	Slowest  time.Duration `json:"slowestNanos"`
}

func (s *APIStats) observe(d time.Duration, failed bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if failed {
		s.failures++
	}
	s.total += d
	if d > s.slowest {
		s.slowest = d
	}
}

// Snapshot copies the counters. A nil receiver yields zeros.
func (s *APIStats) Snapshot() APIStatsSnapshot {
	if s == nil {
		return APIStatsSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := APIStatsSnapshot{Requests: s.requests, Failures: s.failures, Slowest: s.slowest}
	if s.requests > 0 {
		out.Average = s.total / time.Duration(s.requests)
	}
	return out
}

type statsRoundTripper struct {
	base  http.RoundTripper
	stats *APIStats
}

func (rt *statsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.base.RoundTrip(req)
	failed := err != nil || (resp != nil && resp.StatusCode >= http.StatusInternalServerError)
	rt.stats.observe(time.Since(start), failed)
	return resp, err
}

// instrument routes every request made with cfg through stats.
func instrument(cfg *rest.Config, stats *APIStats) {
	wrap := cfg.WrapTransport
	cfg.WrapTransport = func(rt http.RoundTripper) http.RoundTripper {
		if wrap != nil {
			rt = wrap(rt)
		}
		if rt == nil {
			rt = http.DefaultTransport
		}
		return &statsRoundTripper{base: rt, stats: stats}
	}
}
