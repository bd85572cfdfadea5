package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/scrutari/scrutari/internal/logger"
)

// Error types for distinguishing failure reasons.
var (
	// ErrHTTP indicates a non-success status from the provider.
	ErrHTTP = errors.New("llm http error")
	// ErrTimeout indicates the request exceeded its deadline.
	ErrTimeout = errors.New("llm request timed out")
	// ErrEmptyResponse indicates a syntactically valid answer carrying no
	// content and no tool calls.
	ErrEmptyResponse = errors.New("llm returned empty response")
	// ErrTLS indicates no verified TLS configuration could be built.
	ErrTLS = errors.New("unable to build TLS configuration")
)

const (
	defaultTimeout = 300 * time.Second
	// dmind models run long multi-step reasoning server-side.
	dmindTimeout = 600 * time.Second

	overloadRetries = 3
	overloadBackoff = 2 * time.Second
)

// Endpoint is one provider's connection details.
type Endpoint struct {
	BaseURL string
	APIKey  string
	// Headers are added to every request (e.g. HTTP-Referer / X-Title for
	// OpenRouter-style attribution).
	Headers map[string]string
}

// Config wires the Router.
type Config struct {
	Primary       Endpoint
	NanoGPT       Endpoint
	PrimaryModel  string
	FallbackModel string
}

// ConfigFromEnv builds a Config from the process environment.
func ConfigFromEnv() Config {
	return Config{
		Primary: Endpoint{
			BaseURL: envOr("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
			APIKey:  os.Getenv("LLM_API_KEY"),
			Headers: map[string]string{
				"HTTP-Referer": "https://github.com/scrutari/scrutari",
				"X-Title":      "scrutari",
			},
		},
		NanoGPT: Endpoint{
			BaseURL: envOr("NANOGPT_BASE_URL", "https://nano-gpt.com/api/v1"),
			APIKey:  os.Getenv("NANOGPT_API_KEY"),
		},
		PrimaryModel:  envOr("LLM_PRIMARY_MODEL", "openai/gpt-4o"),
		FallbackModel: envOr("LLM_FALLBACK_MODEL", "openai/gpt-4o-mini"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Router is a stateless, concurrency-safe chat client over the configured
// provider endpoints.
type Router struct {
	cfg        Config
	httpClient *http.Client

	sleep func(ctx context.Context, d time.Duration) error
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) RouterOption {
	return func(r *Router) { r.httpClient = hc }
}

// NewRouter creates a Router. It fails if no verified TLS root store can
// be assembled; verification is never disabled.
func NewRouter(cfg Config, opts ...RouterOption) (*Router, error) {
	r := &Router{cfg: cfg, sleep: sleepCtx}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			return nil, fmt.Errorf("%w: %v", ErrTLS, err)
		}
		r.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs:    pool,
					MinVersion: tls.VersionTLS12,
				},
			},
		}
	}
	return r, nil
}

// PrimaryModel returns the configured default model.
func (r *Router) PrimaryModel() string { return r.cfg.PrimaryModel }

// route resolves a model identifier to its endpoint, the model name to
// send on the wire, and the request timeout.
func (r *Router) route(model string) (Endpoint, string, time.Duration) {
	wireModel := model
	endpoint := r.cfg.Primary

	switch firstSegment(model) {
	case "nanogpt":
		endpoint = r.cfg.NanoGPT
		wireModel = strings.TrimPrefix(model, "nanogpt/")
	case "dmind":
		// dmind models are served by Nano-GPT under their full name.
		endpoint = r.cfg.NanoGPT
	}

	timeout := defaultTimeout
	if strings.Contains(strings.ToLower(wireModel), "dmind") {
		timeout = dmindTimeout
	}
	return endpoint, wireModel, timeout
}

func firstSegment(model string) string {
	if i := strings.IndexByte(model, '/'); i > 0 {
		return model[:i]
	}
	return model
}

// Generate runs a plain completion. Without an override the primary model
// is used; any failure falls back to the configured fallback model once,
// provided it differs from the model that failed.
func (r *Router) Generate(ctx context.Context, prompt, systemPrompt, modelOverride string) (string, error) {
	model := modelOverride
	if model == "" {
		model = r.cfg.PrimaryModel
	}

	messages := make([]Message, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	text, err := r.generateOnce(ctx, model, messages)
	if err == nil {
		return text, nil
	}

	fallback := r.cfg.FallbackModel
	if fallback == "" || fallback == model {
		return "", err
	}
	logger.Warn("primary model failed, trying fallback",
		"model", model, "fallback", fallback, "error", err)

	text, ferr := r.generateOnce(ctx, fallback, messages)
	if ferr != nil {
		return "", fmt.Errorf("fallback %s: %w (primary: %v)", fallback, ferr, err)
	}
	return text, nil
}

func (r *Router) generateOnce(ctx context.Context, model string, messages []Message) (string, error) {
	result, err := r.chat(ctx, model, messages, nil, "", 0.7)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Content) == "" {
		return "", fmt.Errorf("%w: model %s", ErrEmptyResponse, model)
	}
	return result.Content, nil
}

// ChatWithTools runs one tool-enabled turn. It never falls back: tool-loop
// callers own their control flow.
func (r *Router) ChatWithTools(ctx context.Context, messages []Message, tools []Tool, model, toolChoice string, temperature float64) (*ChatResult, error) {
	if model == "" {
		model = r.cfg.PrimaryModel
	}
	result, err := r.chat(ctx, model, messages, tools, toolChoice, temperature)
	if err != nil {
		return nil, err
	}
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: model %s", ErrEmptyResponse, model)
	}
	return result, nil
}

// wire shapes

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r *Router) chat(ctx context.Context, model string, messages []Message, tools []Tool, toolChoice string, temperature float64) (*ChatResult, error) {
	endpoint, wireModel, timeout := r.route(model)

	body, err := json.Marshal(chatRequest{
		Model:       wireModel,
		Messages:    messages,
		Temperature: temperature,
		Tools:       tools,
		ToolChoice:  toolChoice,
	})
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= overloadRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * overloadBackoff
			logger.Debug("llm overloaded, backing off",
				"model", wireModel, "attempt", attempt, "backoff", backoff)
			if err := r.sleep(cctx, backoff); err != nil {
				return nil, wrapTimeout(err)
			}
		}

		result, retryable, err := r.send(cctx, endpoint, body)
		if err == nil {
			result.Model = wireModel
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

// send performs one HTTP exchange. The bool result reports whether the
// failure is retryable (503 only).
func (r *Router) send(ctx context.Context, endpoint Endpoint, body []byte) (*ChatResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(endpoint.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	for k, v := range endpoint.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, false, wrapTimeout(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, false, wrapTimeout(err)
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, true, fmt.Errorf("%w: status 503", ErrHTTP)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("%w: status %d: %s", ErrHTTP, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, fmt.Errorf("%w: invalid JSON: %v", ErrHTTP, err)
	}
	if parsed.Error != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrHTTP, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, false, fmt.Errorf("%w: no choices", ErrEmptyResponse)
	}

	msg := parsed.Choices[0].Message
	return &ChatResult{Content: msg.Content, ToolCalls: msg.ToolCalls}, false, nil
}

func wrapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// RouterProvider adapts the Router to the Provider interface with a fixed
// model, for components that just need completions.
type RouterProvider struct {
	router *Router
	model  string
}

// Provider returns a completion Provider bound to model (empty means the
// router's primary model).
func (r *Router) Provider(model string) *RouterProvider {
	return &RouterProvider{router: r, model: model}
}

// Complete implements Provider.
func (p *RouterProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	model := p.model
	if model == "" {
		model = p.router.cfg.PrimaryModel
	}
	result, err := p.router.chat(ctx, model, req.Messages, nil, "", req.Temperature)
	if err != nil {
		return CompletionResponse{}, err
	}
	if strings.TrimSpace(result.Content) == "" {
		return CompletionResponse{}, fmt.Errorf("%w: model %s", ErrEmptyResponse, model)
	}
	return CompletionResponse{Content: result.Content, Model: result.Model}, nil
}

// Name implements Provider.
func (p *RouterProvider) Name() string { return "router" }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
