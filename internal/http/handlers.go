package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/master"
	"topicmaster/broker/internal/registry"
)

// StatusProvider exposes master state required for readiness and stats.
type StatusProvider interface {
	Ready() bool
	Stats() master.Stats
}

// TopicSource is the read-only registry view served by /api/topics.
type TopicSource interface {
	AllNamespaces() []string
	Topics() []string
	TopicInfo(topic string) registry.TopicInfo
}

// SnapshotTrigger forces a journal snapshot and returns its sequence number.
type SnapshotTrigger interface {
	TriggerSnapshot(ctx context.Context) (uint64, error)
}

// SnapshotTriggerFunc adapts a function into a SnapshotTrigger.
type SnapshotTriggerFunc func(ctx context.Context) (uint64, error)

// TriggerSnapshot implements SnapshotTrigger.
func (f SnapshotTriggerFunc) TriggerSnapshot(ctx context.Context) (uint64, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Status      StatusProvider
	Topics      TopicSource
	Metrics     http.Handler
	Snapshot    SnapshotTrigger
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the master operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	status      StatusProvider
	topics      TopicSource
	metrics     http.Handler
	snapshot    SnapshotTrigger
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
		status:      opts.Status,
		topics:      opts.Topics,
		metrics:     opts.Metrics,
		snapshot:    opts.Snapshot,
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
	mux.Handle("/metrics", h.MetricsHandler())
	mux.HandleFunc("/api/topics", h.TopicsHandler())
	mux.HandleFunc("/api/stats", h.StatsHandler())
	mux.HandleFunc("/journal/snapshot", h.SnapshotHandler())
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

// ReadinessHandler reports 503 until the master listens for peers.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.status == nil || !h.status.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, response{Status: "unavailable", Message: "master not initialised"})
			return
		}
		stats := h.status.Stats()
		writeJSON(w, http.StatusOK, response{
			Status:        "ok",
			UptimeSeconds: stats.Uptime.Seconds(),
			Connections:   stats.Connections,
		})
	}
}

// MetricsHandler serves the Prometheus exposition, or 404 when metrics are off.
func (h *HandlerSet) MetricsHandler() http.Handler {
	if h.metrics == nil {
		return http.NotFoundHandler()
	}
	return h.metrics
}

type topicView struct {
	Topic       string                `json:"topic"`
	MessageType string                `json:"msg_type"`
	Publishers  []registry.Publisher  `json:"publishers"`
	Subscribers []registry.Subscriber `json:"subscribers"`
}

func (h *HandlerSet) topicView(topic string) topicView {
	info := h.topics.TopicInfo(topic)
	view := topicView{Topic: topic, MessageType: info.MessageType, Publishers: info.Publishers, Subscribers: info.Subscribers}
	if view.Publishers == nil {
		view.Publishers = []registry.Publisher{}
	}
	if view.Subscribers == nil {
		view.Subscribers = []registry.Subscriber{}
	}
	return view
}

// TopicsHandler lists namespaces and every topic, or one topic with ?topic=.
func (h *HandlerSet) TopicsHandler() http.HandlerFunc {
	type response struct {
		Namespaces []string    `json:"namespaces"`
		Topics     []topicView `json:"topics"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.topics == nil {
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}
		if topic := strings.TrimSpace(r.URL.Query().Get("topic")); topic != "" {
			writeJSON(w, http.StatusOK, h.topicView(topic))
			return
		}
		resp := response{Namespaces: append([]string{}, h.topics.AllNamespaces()...), Topics: []topicView{}}
		for _, topic := range h.topics.Topics() {
			resp.Topics = append(resp.Topics, h.topicView(topic))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatsHandler reports registry sizes, message counters and tick timings.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	type tickResponse struct {
		Samples   int     `json:"samples"`
		AverageMS float64 `json:"average_ms"`
		MaxMS     float64 `json:"max_ms"`
		LastMS    float64 `json:"last_ms"`
	}
	type response struct {
		Connections       int          `json:"connections"`
		Namespaces        int          `json:"namespaces"`
		Topics            int          `json:"topics"`
		Publishers        int          `json:"publishers"`
		Subscribers       int          `json:"subscribers"`
		MessagesProcessed uint64       `json:"messages_processed"`
		MessagesDropped   uint64       `json:"messages_dropped"`
		UptimeSeconds     float64      `json:"uptime_seconds"`
		Tick              tickResponse `json:"tick"`
	}
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return func(w http.ResponseWriter, r *http.Request) {
		if h.status == nil {
			http.Error(w, "master unavailable", http.StatusServiceUnavailable)
			return
		}
		stats := h.status.Stats()
		writeJSON(w, http.StatusOK, response{
			Connections:       stats.Connections,
			Namespaces:        stats.Namespaces,
			Topics:            stats.Topics,
			Publishers:        stats.Publishers,
			Subscribers:       stats.Subscribers,
			MessagesProcessed: stats.MessagesProcessed,
			MessagesDropped:   stats.MessagesDropped,
			UptimeSeconds:     stats.Uptime.Seconds(),
			Tick: tickResponse{
				Samples:   stats.Tick.Samples,
				AverageMS: ms(stats.Tick.Average),
				MaxMS:     ms(stats.Tick.Max),
				LastMS:    ms(stats.Tick.Last),
			},
		})
	}
}

// SnapshotHandler authorises and forces a journal snapshot.
func (h *HandlerSet) SnapshotHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Sequence uint64 `json:"sequence"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "journal_snapshot"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("journal snapshot denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("journal snapshot denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if ok, retry := h.admit(); !ok {
			reqLogger.Warn("journal snapshot denied: rate limit exceeded")
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			}
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.snapshot == nil {
			reqLogger.Warn("journal snapshot denied: journal disabled")
			http.Error(w, "journal is unavailable", http.StatusServiceUnavailable)
			return
		}
		seq, err := h.snapshot.TriggerSnapshot(logging.ContextWithLogger(r.Context(), reqLogger))
		if err != nil {
			reqLogger.Error("journal snapshot failed", logging.Error(err))
			http.Error(w, "failed to write journal snapshot", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("journal snapshot written", logging.Uint64("sequence", seq))
		writeJSON(w, http.StatusOK, response{Status: "written", Sequence: seq})
	}
}

func (h *HandlerSet) admit() (bool, time.Duration) {
	if h.rateLimiter == nil {
		return true, 0
	}
	if reserver, ok := h.rateLimiter.(interface {
		Reserve() (bool, time.Duration)
	}); ok {
		return reserver.Reserve()
	}
	return h.rateLimiter.Allow(), 0
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
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
