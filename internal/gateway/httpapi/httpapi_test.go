package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/safeshell/internal/agent"
	"github.com/jkaninda/safeshell/internal/audit"
	"github.com/jkaninda/safeshell/internal/observability"
	"github.com/jkaninda/safeshell/internal/ratelimit"
	"github.com/jkaninda/safeshell/internal/sandbox"
	"github.com/jkaninda/safeshell/internal/tools/safeshell"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTool(t *testing.T, opts ...safeshell.Option) *safeshell.Tool {
	t.Helper()
	for _, name := range []string{"echo", "ls"} {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not available: %v", name, err)
		}
	}
	root := filepath.Join(t.TempDir(), "sandbox")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := sandbox.NewResolver(root)
	if err != nil {
		t.Fatal(err)
	}
	pe := sandbox.NewProcessExecutor(sandbox.ProcessConfig{Root: r.Root()}, discardLogger())
	return safeshell.New(sandbox.NewValidator(r, nil), pe, discardLogger(), opts...)
}

type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

type fakeAgent struct {
	reply string
	err   error
	input *agent.Input
}

func (f *fakeAgent) Process(_ context.Context, in *agent.Input) (*agent.Response, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Response{Message: f.reply}, nil
}

type fakeAgents struct {
	agent agent.Agent
	err   error
	gets  int
}

func (f *fakeAgents) Get() (agent.Agent, error) {
	f.gets++
	return f.agent, f.err
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func reply(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ReplyResponse
	decodeBody(t, rec, &body)
	return body.Reply
}

func TestEcho(t *testing.T) {
	g := NewGateway(Config{}, newTool(t), nil, nil, nil, discardLogger())

	tests := []struct {
		name string
		body string
		want string
	}{
		{"text", `{"text":"  hello  "}`, "hello?"},
		{"empty text", `{"text":"   "}`, "?"},
		{"no body", "", "?"},
		{"not json", `hello`, "?"},
		{"other field", `{"prompt":"x"}`, "?"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, g, http.MethodPost, PathEcho, tc.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := reply(t, rec); got != tc.want {
				t.Errorf("reply = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChat(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		gen      *fakeGenerator
		wantCode int
		want     string
	}{
		{"empty prompt", `{"text":""}`, &fakeGenerator{reply: "unused"}, http.StatusOK, EmptyPromptReply},
		{"reply trimmed", `{"text":"hi"}`, &fakeGenerator{reply: "  Hello there.\n"}, http.StatusOK, "Hello there."},
		{"blank reply", `{"text":"hi"}`, &fakeGenerator{reply: " \n"}, http.StatusOK, NoResponseReply},
		{"upstream error", `{"text":"hi"}`, &fakeGenerator{err: errors.New("connection refused")}, http.StatusBadGateway, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGateway(Config{SystemPrefix: "Be brief.\n"}, newTool(t), tc.gen, nil, nil, discardLogger())
			rec := do(t, g, http.MethodPost, PathChat, tc.body)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.wantCode, rec.Body.String())
			}
			if tc.wantCode != http.StatusOK {
				var body ErrorBody
				decodeBody(t, rec, &body)
				if body.Error != "connection refused" {
					t.Errorf("error = %q", body.Error)
				}
				return
			}
			if got := reply(t, rec); got != tc.want {
				t.Errorf("reply = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChat_SendsPrefixedPrompt(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	g := NewGateway(Config{SystemPrefix: "Be brief.\n"}, newTool(t), gen, nil, nil, discardLogger())

	do(t, g, http.MethodPost, PathChat, `{"text":"  what is go? "}`)
	if len(gen.prompts) != 1 || gen.prompts[0] != "Be brief.\nwhat is go?" {
		t.Errorf("prompts = %q", gen.prompts)
	}
}

func TestAgent(t *testing.T) {
	t.Run("build failure", func(t *testing.T) {
		agents := &fakeAgents{err: errors.New("agent model id is empty")}
		g := NewGateway(Config{}, newTool(t), nil, agents, nil, discardLogger())

		// Construction is attempted even for an empty prompt.
		rec := do(t, g, http.MethodPost, PathAgent, `{"text":""}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rec.Code)
		}
		var body ErrorBody
		decodeBody(t, rec, &body)
		if body.Error != "agent model id is empty" {
			t.Errorf("error = %q", body.Error)
		}
	})

	t.Run("empty prompt", func(t *testing.T) {
		a := &fakeAgent{reply: "unused"}
		agents := &fakeAgents{agent: a}
		g := NewGateway(Config{}, newTool(t), nil, agents, nil, discardLogger())

		rec := do(t, g, http.MethodPost, PathAgent, `{"text":"  "}`)
		if got := reply(t, rec); got != EmptyPromptReply {
			t.Errorf("reply = %q", got)
		}
		if agents.gets != 1 || a.input != nil {
			t.Errorf("gets = %d, input = %+v", agents.gets, a.input)
		}
	})

	t.Run("answer", func(t *testing.T) {
		a := &fakeAgent{reply: "There are 2 files."}
		g := NewGateway(Config{}, newTool(t), nil, &fakeAgents{agent: a}, nil, discardLogger())

		rec := do(t, g, http.MethodPost, PathAgent, `{"text":" list files "}`)
		if rec.Code != http.StatusOK || reply(t, rec) != "There are 2 files." {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		if a.input.Message != "list files" || a.input.CorrelationID == "" {
			t.Errorf("input = %+v", a.input)
		}
	})

	t.Run("run failure", func(t *testing.T) {
		a := &fakeAgent{err: errors.New("llm request failed: timeout")}
		g := NewGateway(Config{}, newTool(t), nil, &fakeAgents{agent: a}, nil, discardLogger())

		rec := do(t, g, http.MethodPost, PathAgent, `{"text":"hi"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestSafeShell(t *testing.T) {
	store := audit.NewMemoryStore()
	g := NewGateway(Config{}, newTool(t, safeshell.WithAudit(store)), nil, nil, nil, discardLogger()).WithAudit(store)

	tests := []struct {
		cmd        string
		wantReply  string
		wantStatus safeshell.Status
		wantKind   string
	}{
		{"echo a b c", "a b c", safeshell.StatusCompleted, ""},
		{"cat notes.txt", "hello", safeshell.StatusCompleted, ""},
		{"ls | cat", "error: Pipes/redirects/chaining not allowed", safeshell.StatusRejected, string(sandbox.KindForbiddenMetacharacter)},
		{"rm notes.txt", "error: Command 'rm' not allowed", safeshell.StatusRejected, string(sandbox.KindVerbNotAllowed)},
		{"", "error: Empty command", safeshell.StatusRejected, string(sandbox.KindEmptyCommand)},
	}
	for _, tc := range tests {
		t.Run(tc.cmd, func(t *testing.T) {
			body, _ := json.Marshal(ToolRequest{Cmd: tc.cmd})
			rec := do(t, g, http.MethodPost, PathSafeShell, string(body))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
			}
			var resp ToolResponse
			decodeBody(t, rec, &resp)
			if resp.Reply != tc.wantReply || resp.Status != string(tc.wantStatus) || resp.Kind != tc.wantKind {
				t.Errorf("resp = %+v", resp)
			}
		})
	}

	rec := do(t, g, http.MethodPost, PathSafeShell, `{"cmd":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rec.Code)
	}

	rec = do(t, g, http.MethodGet, PathAudit+"?limit=2", "")
	var entries []AuditEntry
	decodeBody(t, rec, &entries)
	if len(entries) != 2 || entries[0].Status != string(safeshell.StatusRejected) || entries[0].Caller != "http" {
		t.Errorf("audit = %+v", entries)
	}
	if rec := do(t, g, http.MethodGet, PathAudit+"?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestListTools(t *testing.T) {
	g := NewGateway(Config{}, newTool(t), nil, nil, nil, discardLogger())
	rec := do(t, g, http.MethodGet, PathTools, "")
	var descs []safeshell.Descriptor
	decodeBody(t, rec, &descs)
	if len(descs) != 1 || descs[0].Name != "safe_shell" || descs[0].Inputs["cmd"].Type != "string" {
		t.Errorf("descriptors = %+v", descs)
	}
}

func TestListTools_ConfiguredVerbs(t *testing.T) {
	r, err := sandbox.NewResolver(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pe := sandbox.NewProcessExecutor(sandbox.ProcessConfig{Root: r.Root()}, discardLogger())
	tool := safeshell.New(sandbox.NewValidator(r, []string{"wc"}), pe, discardLogger())
	g := NewGateway(Config{}, tool, nil, nil, nil, discardLogger())

	var descs []safeshell.Descriptor
	decodeBody(t, do(t, g, http.MethodGet, PathTools, ""), &descs)
	if len(descs) != 1 || !strings.Contains(descs[0].Description, "Allowed: wc.") {
		t.Errorf("descriptors = %+v", descs)
	}
}

func TestAuthentication(t *testing.T) {
	g := NewGateway(Config{APIKeys: []string{"k1", "k2"}}, newTool(t), nil, nil, nil, discardLogger())

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic k1", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"first key", "Bearer k1", http.StatusOK},
		{"second key", "Bearer k2", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, g, http.MethodPost, PathSafeShell, `{"cmd":"pwd"}`, "Authorization", tc.auth)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}

	// The model-facing endpoints stay open.
	if rec := do(t, g, http.MethodPost, PathEcho, `{"text":"x"}`); rec.Code != http.StatusOK {
		t.Errorf("echo status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, Burst: 2})
	g := NewGateway(Config{Metrics: metrics}, newTool(t), nil, nil, rl, discardLogger())

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = do(t, g, http.MethodPost, PathEcho, `{"text":"x"}`).Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	// Health probes are never limited.
	if rec := do(t, g, http.MethodGet, PathHealthz, ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	hc := observability.NewHealthChecker(discardLogger())
	hc.AddCheck("sandbox", func(context.Context) error { return errors.New("missing") })
	g := NewGateway(Config{HealthChecker: hc}, newTool(t), nil, nil, nil, discardLogger())

	rec := do(t, g, http.MethodGet, PathReadyz, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var status observability.HealthStatus
	decodeBody(t, rec, &status)
	if status.Status != "degraded" || status.Checks["sandbox"].Status != "fail" {
		t.Errorf("status = %+v", status)
	}

	g = NewGateway(Config{}, newTool(t), nil, nil, nil, discardLogger())
	if rec := do(t, g, http.MethodGet, PathReadyz, ""); rec.Code != http.StatusOK {
		t.Errorf("no checker status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	g := NewGateway(Config{Metrics: metrics, MetricsRegistry: metrics.Registry}, newTool(t), nil, nil, nil, discardLogger())

	do(t, g, http.MethodPost, PathEcho, `{"text":"x"}`)
	rec := do(t, g, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `safeshell_http_requests_total{method="POST",path="/api/echo",status_code="200"} 1`) {
		t.Errorf("metrics output missing echo counter:\n%s", rec.Body.String())
	}
}

func TestIndex(t *testing.T) {
	g := NewGateway(Config{Version: "1.2.3"}, newTool(t), nil, nil, nil, discardLogger())
	rec := do(t, g, http.MethodGet, PathIndex, "")
	var idx IndexResponse
	decodeBody(t, rec, &idx)
	if idx.Name != "safeshell" || idx.Version != "1.2.3" || idx.Tool != "safe_shell" || len(idx.Endpoints) == 0 {
		t.Errorf("index = %+v", idx)
	}
}
