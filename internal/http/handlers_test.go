package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/networking"
	"velthoric/physsync/internal/simulation"
	"velthoric/physsync/internal/world"
)

type stubReadiness struct {
	observers int
	uptime    time.Duration
	err       error
}

func (s *stubReadiness) Observers() int        { return s.observers }
func (s *stubReadiness) StartupError() error   { return s.err }
func (s *stubReadiness) Uptime() time.Duration { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubSaver struct {
	err   error
	calls int
}

func (s *stubSaver) SaveLoadedRegions(context.Context) (int, int, error) {
	s.calls++
	return 2, 7, s.err
}

func sampleStats() world.Stats {
	return world.Stats{
		Name:       "overworld",
		Bodies:     12,
		Observers:  2,
		Simulation: simulation.TickMetricsSnapshot{Samples: 10, Average: 2 * time.Millisecond, Overruns: 1},
		Network:    simulation.TickMetricsSnapshot{Samples: 5, Average: time.Millisecond},
		Sync: networking.SyncMetricsSnapshot{
			Packets:      map[string]int64{"state": 40, "spawn": 12},
			Frames:       52,
			SplitBatches: 3,
			RateLimited:  4,
		},
		Bandwidth: map[string]networking.BandwidthUsage{
			"alice": {Observer: "alice", BytesPerSecond: 1500, AvailableBytes: 250, DeferredStates: 6},
		},
	}
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{observers: 3, uptime: 45 * time.Second, err: errors.New("region store offline")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Observers     int     `json:"observers"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "region store offline" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Observers != 3 || payload.UptimeSeconds != 45 {
		t.Fatalf("unexpected counts: %+v", payload)
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: &stubReadiness{uptime: 90 * time.Second},
		Stats:     sampleStats,
	})

	rr := httptest.NewRecorder()
	handlers.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"physsync_uptime_seconds 90",
		`physsync_bodies{world="overworld"} 12`,
		`physsync_observers{world="overworld"} 2`,
		`physsync_tick_seconds{world="overworld",loop="simulation"} 0.002000`,
		`physsync_tick_overruns_total{world="overworld",loop="simulation"} 1`,
		`physsync_packets_total{world="overworld",type="spawn"} 12`,
		`physsync_split_batches_total{world="overworld"} 3`,
		`physsync_rate_limited_total{world="overworld"} 4`,
		`physsync_bandwidth_bytes_per_second{observer="alice"} 1500.00`,
		`physsync_bandwidth_deferred_total{observer="alice"} 6`,
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
	if strings.Index(body, `type="spawn"`) > strings.Index(body, `type="state"`) {
		t.Fatal("packet series are not sorted")
	}
}

func TestStatsHandlerEncodesWorldStats(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Stats: sampleStats})
	rr := httptest.NewRecorder()
	handlers.StatsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var decoded world.Stats
	if err := json.NewDecoder(rr.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Bodies != 12 || decoded.Sync.Frames != 52 || decoded.Bandwidth["alice"].DeferredStates != 6 {
		t.Fatalf("unexpected stats %+v", decoded)
	}

	rr = httptest.NewRecorder()
	NewHandlerSet(Options{Logger: logging.NewTestLogger()}).StatsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without stats, got %d", rr.Code)
	}
}

func TestSaveRegionsHandlerAuthAndRateLimits(t *testing.T) {
	saver := &stubSaver{}
	limiter := &stubLimiter{remaining: 1}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Regions:     saver,
		AdminToken:  "topsecret",
		RateLimiter: limiter,
	})

	makeRequest := func(method, token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/regions/save", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.SaveRegionsHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(http.MethodGet, "topsecret"); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", resp.Code)
	}
	if resp := makeRequest(http.MethodPost, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}
	resp := makeRequest(http.MethodPost, "topsecret")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for authorised request, got %d", resp.Code)
	}
	var payload struct {
		Regions int `json:"regions"`
		Bodies  int `json:"bodies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Regions != 2 || payload.Bodies != 7 {
		t.Fatalf("unexpected payload %+v %v", payload, err)
	}
	if saver.calls != 1 {
		t.Fatalf("expected saver invoked once, got %d", saver.calls)
	}
	if resp := makeRequest(http.MethodPost, "topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestSaveRegionsHandlerWithoutAdminToken(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Regions: &stubSaver{}})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/regions/save", nil)
	req.Header.Set("X-Admin-Token", "anything")
	handlers.SaveRegionsHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}
