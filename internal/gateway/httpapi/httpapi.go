// Package httpapi implements the HTTP gateway for safeshell.
//
// Security:
//   - Optional API key authentication for direct tool access (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs, never with raw commands
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/safeshell/internal/agent"
	"github.com/jkaninda/safeshell/internal/audit"
	"github.com/jkaninda/safeshell/internal/gateway"
	"github.com/jkaninda/safeshell/internal/observability"
	"github.com/jkaninda/safeshell/internal/ratelimit"
	"github.com/jkaninda/safeshell/internal/tools"
	"github.com/jkaninda/safeshell/internal/tools/safeshell"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	limiterSweepInterval  = time.Minute

	// Replies kept byte-for-byte from the original service.
	EmptyPromptReply = "(empty prompt)"
	NoResponseReply  = "(no response)"
)

// Route paths.
const (
	PathIndex     = "/"
	PathEcho      = "/api/echo"
	PathChat      = "/api/chat"
	PathAgent     = "/api/agent"
	PathTools     = "/api/tools"
	PathSafeShell = "/api/tools/safe_shell"
	PathAudit     = "/api/audit"
	PathShellWS   = "/ws/shell"
	PathHealthz   = "/healthz"
	PathReadyz    = "/readyz"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., "0.0.0.0:5000"
	Version        string
	EnableDocs     bool
	APIKeys        []string // Empty = tool endpoints are open.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.
	SystemPrefix   string   // Prepended to every /api/chat prompt.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics. nil = no endpoint.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // nil = /readyz always ok.
	Metrics         *observability.MetricsCollector // nil = no HTTP metrics.
	Tracer          *observability.TracerSetup      // nil = no HTTP spans.
}

// Agents hands out the lazily built agent. *agent.Service satisfies it.
type Agents interface {
	Get() (agent.Agent, error)
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	tool    *safeshell.Tool
	chat    observability.Generator // nil = /api/chat answers 502.
	agents  Agents                  // nil = /api/agent answers 500.
	audit   audit.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// NewGateway creates the gateway and registers every route.
func NewGateway(cfg Config, tool *safeshell.Tool, chat observability.Generator, agents Agents, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	g := &Gateway{
		config:  cfg,
		tool:    tool,
		chat:    chat,
		agents:  agents,
		audit:   audit.NopStore{},
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(),
	}
	g.routes()
	return g
}

// WithAudit exposes recent audit records at /api/audit.
func (g *Gateway) WithAudit(store audit.Store) *Gateway {
	if store != nil {
		g.audit = store
	}
	return g
}

// ServeHTTP lets the gateway be mounted or tested without a listener.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.okapi.ServeHTTP(w, r)
}

func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer,
			PathIndex, PathEcho, PathChat, PathAgent, PathTools, PathSafeShell, PathAudit,
			PathShellWS, PathHealthz, PathReadyz, g.config.MetricsPath))
	}

	g.okapi.Get(PathIndex, g.handleIndex,
		okapi.DocSummary("Service information"),
		okapi.DocTags("Info"),
		okapi.DocResponse(IndexResponse{}),
	)

	api := g.okapi.Group("/api", g.rateLimit)
	api.Post("/echo", g.handleEcho,
		okapi.DocSummary("Echo the text back with a question mark"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(TextRequest{}),
		okapi.DocResponse(ReplyResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	api.Post("/chat", g.handleChat,
		okapi.DocSummary("Send a prompt to the language model"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(TextRequest{}),
		okapi.DocResponse(ReplyResponse{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	api.Post("/agent", g.handleAgent,
		okapi.DocSummary("Ask the tool-using agent"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(TextRequest{}),
		okapi.DocResponse(ReplyResponse{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Direct tool access bypasses the model, so it is the one surface behind API keys.
	api.Get("/tools", g.authenticate(g.handleListTools),
		okapi.DocSummary("List tool descriptors"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]safeshell.Descriptor{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	api.Post("/tools/safe_shell", g.authenticate(g.handleSafeShell),
		okapi.DocSummary("Run one sandboxed command"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(ToolRequest{}),
		okapi.DocResponse(ToolResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	api.Get("/audit", g.authenticate(g.handleAudit),
		okapi.DocSummary("Recent tool invocations, newest first"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]AuditEntry{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	g.okapi.HandleStd(http.MethodGet, PathShellWS, g.handleShellSocket)

	// Observability endpoints (unauthenticated).
	g.okapi.Get(PathHealthz, g.handleLiveness)
	g.okapi.Get(PathReadyz, g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd(http.MethodGet, g.config.MetricsPath, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "safeshell",
			Version: g.config.Version,
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Agent runs can take several model round trips.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	if g.limiter.Enabled() {
		go g.sweepLimiter(ctx)
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
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
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.limiter.Sweep(limiterSweepInterval); n > 0 {
				g.logger.Debug("rate limiter swept", slog.Int("clients", n))
			}
		}
	}
}

// --- Handlers ---

// IndexResponse is the JSON response for GET /.
type IndexResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Tool      string   `json:"tool"`
	Endpoints []string `json:"endpoints"`
}

// TextRequest is the JSON body for the echo, chat and agent endpoints.
type TextRequest struct {
	Text string `json:"text"`
}

// ReplyResponse is the JSON response for the echo, chat and agent endpoints.
type ReplyResponse struct {
	Reply string `json:"reply"`
}

func (g *Gateway) handleIndex(c *okapi.Context) error {
	return c.OK(IndexResponse{
		Name:    "safeshell",
		Version: g.config.Version,
		Tool:    safeshell.Definition.Name,
		Endpoints: []string{
			"POST " + PathEcho, "POST " + PathChat, "POST " + PathAgent,
			"GET " + PathTools, "POST " + PathSafeShell, "GET " + PathShellWS,
		},
	})
}

func (g *Gateway) handleEcho(c *okapi.Context) error {
	text := g.readText(c)
	return c.OK(ReplyResponse{Reply: text + "?"})
}

func (g *Gateway) handleChat(c *okapi.Context) error {
	prompt := g.readText(c)
	if prompt == "" {
		return c.OK(ReplyResponse{Reply: EmptyPromptReply})
	}
	if g.chat == nil {
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "chat backend not configured"})
	}

	correlationID := newCorrelationID()
	text, err := g.chat.Generate(c.Context(), g.config.SystemPrefix+prompt)
	if err != nil {
		g.logger.Warn("chat upstream failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
	}

	reply := strings.TrimSpace(text)
	if reply == "" {
		reply = NoResponseReply
	}
	return c.OK(ReplyResponse{Reply: reply})
}

func (g *Gateway) handleAgent(c *okapi.Context) error {
	if g.agents == nil {
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "agent not configured"})
	}
	// The agent is built before the prompt is looked at, so a broken model
	// configuration surfaces on the first request whatever it carries.
	a, err := g.agents.Get()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
	}

	text := g.readText(c)
	if text == "" {
		return c.OK(ReplyResponse{Reply: EmptyPromptReply})
	}

	correlationID := newCorrelationID()
	g.logger.Info("agent request", slog.String("correlation_id", correlationID))

	resp, err := a.Process(c.Context(), &agent.Input{Message: text, CorrelationID: correlationID})
	if err != nil {
		g.logger.Error("agent processing failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
	}

	g.logger.Info("agent request finished",
		slog.String("correlation_id", correlationID),
		slog.Int("iterations", resp.Iterations),
		slog.Int("tokens_used", resp.TokensUsed),
		slog.Int("tool_calls", len(resp.ToolResults)),
	)
	return c.OK(ReplyResponse{Reply: resp.Message})
}

// ToolRequest is the JSON body for POST /api/tools/safe_shell.
type ToolRequest struct {
	Cmd string `json:"cmd"`
}

// ToolResponse is the JSON response for POST /api/tools/safe_shell.
// Reply is exactly what the agent would see.
type ToolResponse struct {
	Reply     string `json:"reply"`
	Status    string `json:"status"`
	Kind      string `json:"kind,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (g *Gateway) handleListTools(c *okapi.Context) error {
	return c.OK([]safeshell.Descriptor{g.tool.Descriptor()})
}

func (g *Gateway) handleSafeShell(c *okapi.Context) error {
	var req ToolRequest
	if err := g.decode(c, &req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	ctx := tools.ContextWithCaller(c.Context(), "http")
	out := g.tool.Run(ctx, req.Cmd)
	return c.OK(toolResponse(out))
}

func toolResponse(out safeshell.Outcome) ToolResponse {
	resp := ToolResponse{
		Reply:  out.Render(),
		Status: string(out.Status),
		Kind:   string(out.Kind),
	}
	if out.Result != nil {
		resp.ExitCode = out.Result.ExitCode
		resp.Truncated = out.Result.Truncated
	}
	return resp
}

// AuditEntry is one record in GET /api/audit.
type AuditEntry struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Caller      string    `json:"caller,omitempty"`
	Verb        string    `json:"verb,omitempty"`
	ArgCount    int       `json:"arg_count"`
	Status      string    `json:"status"`
	Kind        string    `json:"kind,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
	OutputBytes int       `json:"output_bytes"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	records, err := g.audit.Recent(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing audit records failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing audit records failed")
	}

	resp := make([]AuditEntry, len(records))
	for i, r := range records {
		resp[i] = AuditEntry{
			ID:          r.ID.String(),
			Tool:        r.Tool,
			Caller:      r.Caller,
			Verb:        r.Verb,
			ArgCount:    r.ArgCount,
			Status:      r.Status,
			Kind:        r.Kind,
			ExitCode:    r.ExitCode,
			TimedOut:    r.TimedOut,
			Truncated:   r.Truncated,
			OutputBytes: r.OutputBytes,
			DurationMS:  r.Duration.Milliseconds(),
			CreatedAt:   r.CreatedAt,
		}
	}
	return c.OK(resp)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
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

// --- Middleware ---

// authenticate checks the bearer token against the configured API keys.
// With no keys configured every request passes.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		if !g.validKey(strings.TrimPrefix(authHeader, "Bearer ")) {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

func (g *Gateway) validKey(candidate string) bool {
	ok := false
	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if err := g.limiter.Allow(clientKey(c.Request())); err != nil {
			g.config.Metrics.RecordRateLimited()
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return next(c)
	}
}

// --- Helpers ---

// readText returns the trimmed "text" field. A missing or malformed body
// reads as empty text rather than an error.
func (g *Gateway) readText(c *okapi.Context) string {
	var req TextRequest
	_ = g.decode(c, &req)
	return strings.TrimSpace(req.Text)
}

func (g *Gateway) decode(c *okapi.Context, v any) error {
	body := c.Request().Body
	if body == nil {
		return io.EOF
	}
	return json.NewDecoder(io.LimitReader(body, g.config.MaxRequestSize)).Decode(v)
}

// clientKey identifies a client for rate limiting by remote IP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var _ gateway.Gateway = (*Gateway)(nil)
