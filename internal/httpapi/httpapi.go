// Package httpapi implements the HTTP control plane for plugbox.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/observability"
	"github.com/jkaninda/plugbox/internal/security"
	"github.com/jkaninda/plugbox/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr        string // e.g., ":8090"
	EnableDocs        bool
	APIKeys           map[string]string // API key -> caller ID.
	RequestsPerMinute int               // Per key. 0 disables limiting.
	Burst             int
	MaxRequestSize    int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          *observability.TracerSetup      // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	manager *observability.InstrumentedManager
	bus     *events.Bus
	events  storage.EventStore // nil = /v1/events answers 503.
	limiter *keyLimiter
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway over the instrumented manager.
func NewGateway(cfg Config, mgr *observability.InstrumentedManager, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		manager: mgr,
		bus:     mgr.Manager().Bus(),
		limiter: newKeyLimiter(cfg.RequestsPerMinute, cfg.Burst),
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithEventStore enables the stored security-event listing.
func (g *Gateway) WithEventStore(store storage.EventStore) *Gateway {
	g.events = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Plugbox",
			Version: "v1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)
	g.registerSandboxRoutes()
	g.registerPolicyRoutes()
	g.registerEventRoutes()

	// The websocket stream authenticates itself; upgrades bypass okapi's context.
	g.okapi.HandleStd("GET", "/v1/events/stream", g.streamHandler().ServeHTTP)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	go g.cleanupLimiter(ctx)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) cleanupLimiter(ctx context.Context) {
	if g.limiter == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.limiter.cleanup(15 * time.Minute)
		}
	}
}

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key, applies the caller's rate limit and
// stores the caller ID under "callerID".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		callerID := g.callerForKey(strings.TrimPrefix(authHeader, "Bearer "))
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if !g.limiter.Allow(callerID) {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

// callerForKey returns the caller mapped to apiKey or "". Every key is
// compared so timing does not reveal which one matched.
func (g *Gateway) callerForKey(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	callerID := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			callerID = id
		}
	}
	return callerID
}

// --- Helpers ---

// statusForError maps the sandbox error taxonomy to HTTP status codes.
func statusForError(err error) int {
	switch security.ErrorCode(err) {
	case "invalid_state":
		return http.StatusConflict
	case "invalid_configuration", "invalid_argument", "file_not_found":
		return http.StatusBadRequest
	case "permission_denied":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "not_supported":
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as an ErrorBody. Internal errors are logged and
// their message is not returned.
func (g *Gateway) writeError(c *okapi.Context, err error) error {
	code := statusForError(err)
	body := ErrorBody{Error: err.Error(), Code: security.ErrorCode(err)}
	if code == http.StatusInternalServerError && body.Code == "internal" {
		correlationID := newCorrelationID()
		g.logger.Error("request failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		body.Error = "internal error (ref " + correlationID + ")"
	}
	return c.JSON(code, body)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
