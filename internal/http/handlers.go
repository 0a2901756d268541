package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/world"
)

// ReadinessProvider exposes server state required for readiness checks.
type ReadinessProvider interface {
	Observers() int
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns a point-in-time view of one world.
type StatsFunc func() world.Stats

// RegionSaver persists every loaded region on demand.
type RegionSaver interface {
	SaveLoadedRegions(ctx context.Context) (regions, bodies int, err error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Regions     RegionSaver
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	regions     RegionSaver
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		regions:     opts.Regions,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/stats", h.StatsHandler())
	mux.HandleFunc("/regions/save", h.SaveRegionsHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including connected observers and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Observers     int     `json:"observers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Observers = h.readiness.Observers()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// StatsHandler emits the world stats as JSON.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.stats == nil {
			http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, h.stats())
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var uptime float64
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}
		fmt.Fprintf(w, "# HELP physsync_uptime_seconds Server uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE physsync_uptime_seconds gauge\n")
		fmt.Fprintf(w, "physsync_uptime_seconds %.0f\n", uptime)
		if h.stats == nil {
			return
		}
		stats := h.stats()
		name := stats.Name

		fmt.Fprintf(w, "# HELP physsync_bodies Bodies currently simulated.\n")
		fmt.Fprintf(w, "# TYPE physsync_bodies gauge\n")
		fmt.Fprintf(w, "physsync_bodies{world=%q} %d\n", name, stats.Bodies)

		fmt.Fprintf(w, "# HELP physsync_observers Observers currently tracked.\n")
		fmt.Fprintf(w, "# TYPE physsync_observers gauge\n")
		fmt.Fprintf(w, "physsync_observers{world=%q} %d\n", name, stats.Observers)

		fmt.Fprintf(w, "# HELP physsync_tick_seconds Average tick duration per loop.\n")
		fmt.Fprintf(w, "# TYPE physsync_tick_seconds gauge\n")
		fmt.Fprintf(w, "physsync_tick_seconds{world=%q,loop=\"simulation\"} %.6f\n", name, stats.Simulation.Average.Seconds())
		fmt.Fprintf(w, "physsync_tick_seconds{world=%q,loop=\"network\"} %.6f\n", name, stats.Network.Average.Seconds())

		fmt.Fprintf(w, "# HELP physsync_tick_overruns_total Ticks that exceeded their budget.\n")
		fmt.Fprintf(w, "# TYPE physsync_tick_overruns_total counter\n")
		fmt.Fprintf(w, "physsync_tick_overruns_total{world=%q,loop=\"simulation\"} %d\n", name, stats.Simulation.Overruns)
		fmt.Fprintf(w, "physsync_tick_overruns_total{world=%q,loop=\"network\"} %d\n", name, stats.Network.Overruns)

		sync := stats.Sync
		fmt.Fprintf(w, "# HELP physsync_packets_total Packets sent by type.\n")
		fmt.Fprintf(w, "# TYPE physsync_packets_total counter\n")
		for _, kind := range sortedKeys(sync.Packets) {
			fmt.Fprintf(w, "physsync_packets_total{world=%q,type=%q} %d\n", name, kind, sync.Packets[kind])
		}
		counters := []struct {
			name, help string
			value      int64
		}{
			{"physsync_frames_total", "Compressed frames sent.", sync.Frames},
			{"physsync_split_batches_total", "Batches split across several packets.", sync.SplitBatches},
			{"physsync_deferred_states_total", "State records deferred by the bandwidth budget.", sync.DeferredStates},
			{"physsync_send_failures_total", "Transport send failures.", sync.SendFailures},
			{"physsync_malformed_inbound_total", "Malformed packets received from clients.", sync.MalformedInbound},
			{"physsync_rejected_fields_total", "Client fields rejected by authority checks.", sync.RejectedFields},
			{"physsync_rate_limited_total", "Client packets dropped by the update limiter.", sync.RateLimited},
			{"physsync_unknown_network_ids_total", "Client records naming untracked bodies.", sync.UnknownNetworkID},
		}
		for _, c := range counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s{world=%q} %d\n", c.name, name, c.value)
		}

		if len(stats.Bandwidth) > 0 {
			observers := sortedKeys(stats.Bandwidth)
			fmt.Fprintf(w, "# HELP physsync_bandwidth_bytes_per_second Observed outbound bandwidth per observer in bytes per second.\n")
			fmt.Fprintf(w, "# TYPE physsync_bandwidth_bytes_per_second gauge\n")
			for _, id := range observers {
				fmt.Fprintf(w, "physsync_bandwidth_bytes_per_second{observer=%q} %.2f\n", id, stats.Bandwidth[id].BytesPerSecond)
			}
			fmt.Fprintf(w, "# HELP physsync_bandwidth_available_bytes Remaining bandwidth tokens per observer.\n")
			fmt.Fprintf(w, "# TYPE physsync_bandwidth_available_bytes gauge\n")
			for _, id := range observers {
				fmt.Fprintf(w, "physsync_bandwidth_available_bytes{observer=%q} %.2f\n", id, stats.Bandwidth[id].AvailableBytes)
			}
			fmt.Fprintf(w, "# HELP physsync_bandwidth_deferred_total Deferred state records per observer.\n")
			fmt.Fprintf(w, "# TYPE physsync_bandwidth_deferred_total counter\n")
			for _, id := range observers {
				fmt.Fprintf(w, "physsync_bandwidth_deferred_total{observer=%q} %d\n", id, stats.Bandwidth[id].DeferredStates)
			}
		}
	}
}

// SaveRegionsHandler authorises and triggers a save of every loaded region.
func (h *HandlerSet) SaveRegionsHandler() http.HandlerFunc {
	type response struct {
		Status  string `json:"status"`
		Regions int    `json:"regions"`
		Bodies  int    `json:"bodies"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "regions_save"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("region save denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("region save denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("region save denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.regions == nil {
			reqLogger.Warn("region save denied: no region store configured")
			http.Error(w, "region persistence is unavailable", http.StatusServiceUnavailable)
			return
		}
		regions, bodies, err := h.regions.SaveLoadedRegions(r.Context())
		if err != nil {
			reqLogger.Error("region save failed", logging.Error(err))
			http.Error(w, "failed to save regions", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("regions saved", logging.Int("regions", regions), logging.Int("bodies", bodies))
		writeJSON(w, http.StatusOK, response{Status: "saved", Regions: regions, Bodies: bodies})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
