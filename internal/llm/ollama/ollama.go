// Package ollama is a minimal client for Ollama's /api/generate endpoint,
// used by the chat proxy.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:11434"
	DefaultModel   = "tinyllama"

	generatePath    = "/api/generate"
	defaultTimeout  = 60 * time.Second
	maxResponseSize = 8 << 20
	maxErrorBody    = 512
)

// Client calls a single Ollama model.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Its Timeout bounds the whole call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the 60s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewClient creates a generate client. Empty baseURL or model use the defaults.
func NewClient(baseURL, model string, logger *slog.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "ollama" }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type fragment struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate sends prompt and returns the generated text, untrimmed.
// Ollama streams by default; both a single JSON object and a stream of
// newline-delimited fragments are accepted.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("reading ollama response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", upstreamError(resp.StatusCode, raw)
	}

	text := Decode(raw)
	c.logger.DebugContext(ctx, "ollama generate completed",
		slog.String("model", c.model),
		slog.Int("status", resp.StatusCode),
		slog.Int("response_bytes", len(raw)),
		slog.Duration("duration", time.Since(start)),
	)
	return text, nil
}

func upstreamError(status int, raw []byte) error {
	var f fragment
	if json.Unmarshal(raw, &f) == nil && f.Error != "" {
		return fmt.Errorf("ollama error (status %d): %s", status, f.Error)
	}
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	return fmt.Errorf("ollama error (status %d): %s", status, strings.TrimSpace(string(raw)))
}

// Decode extracts generated text from a /api/generate body. A body holding one
// JSON object yields its "response" field. Anything else is treated as a
// fragment stream.
func Decode(raw []byte) string {
	var single fragment
	if err := json.Unmarshal(raw, &single); err == nil {
		return single.Response
	}

	d := &streamDecoder{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), maxResponseSize)
	for sc.Scan() && d.state != stateDone {
		d.feed(sc.Bytes())
	}
	return d.text.String()
}

type streamState int

const (
	stateReading streamState = iota
	stateDone
)

// streamDecoder consumes one fragment per line. Blank or unparsable lines are
// skipped, "response" values are concatenated, and done:true ends the stream.
type streamDecoder struct {
	state streamState
	text  strings.Builder
}

func (d *streamDecoder) feed(line []byte) {
	if d.state == stateDone {
		return
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var f fragment
	if err := json.Unmarshal(line, &f); err != nil {
		return
	}
	d.text.WriteString(f.Response)
	if f.Done {
		d.state = stateDone
	}
}
