package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func chatOK(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *[]time.Duration) {
	t.Helper()
	r, err := NewRouter(cfg, WithHTTPClient(http.DefaultClient))
	if err != nil {
		t.Fatal(err)
	}
	var sleeps []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return r, &sleeps
}

func TestRoute(t *testing.T) {
	cfg := Config{
		Primary: Endpoint{BaseURL: "https://primary.example/v1"},
		NanoGPT: Endpoint{BaseURL: "https://nano.example/v1"},
	}
	r, _ := newTestRouter(t, cfg)

	cases := []struct {
		model       string
		wantBase    string
		wantWire    string
		wantTimeout time.Duration
	}{
		{"openai/gpt-4o", "https://primary.example/v1", "openai/gpt-4o", 300 * time.Second},
		{"anthropic/claude-sonnet-4", "https://primary.example/v1", "anthropic/claude-sonnet-4", 300 * time.Second},
		{"nanogpt/some-model", "https://nano.example/v1", "some-model", 300 * time.Second},
		{"dmind/dmind-1", "https://nano.example/v1", "dmind/dmind-1", 600 * time.Second},
		{"nanogpt/dmind-mini", "https://nano.example/v1", "dmind-mini", 600 * time.Second},
		{"plain-model", "https://primary.example/v1", "plain-model", 300 * time.Second},
	}
	for _, tc := range cases {
		endpoint, wire, timeout := r.route(tc.model)
		if endpoint.BaseURL != tc.wantBase {
			t.Errorf("route(%q) base = %q, want %q", tc.model, endpoint.BaseURL, tc.wantBase)
		}
		if wire != tc.wantWire {
			t.Errorf("route(%q) wire model = %q, want %q", tc.model, wire, tc.wantWire)
		}
		if timeout != tc.wantTimeout {
			t.Errorf("route(%q) timeout = %v, want %v", tc.model, timeout, tc.wantTimeout)
		}
	}
}

func TestGenerate_RoutesNanoGPTPrefix(t *testing.T) {
	var gotModel atomic.Value
	nano := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel.Store(req.Model)
		chatOK("from nano")(w, r)
	}))
	defer nano.Close()
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("primary endpoint should not be hit")
	}))
	defer primary.Close()

	r, _ := newTestRouter(t, Config{
		Primary: Endpoint{BaseURL: primary.URL},
		NanoGPT: Endpoint{BaseURL: nano.URL},
	})

	text, err := r.Generate(context.Background(), "hi", "", "nanogpt/special-model")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "from nano" {
		t.Errorf("text = %q", text)
	}
	if gotModel.Load() != "special-model" {
		t.Errorf("wire model = %v, want prefix stripped", gotModel.Load())
	}
}

func TestGenerate_FallbackUsedOnce(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		models = append(models, req.Model)
		if req.Model == "big-model" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		chatOK("fallback answer")(w, r)
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, Config{
		Primary:       Endpoint{BaseURL: srv.URL},
		PrimaryModel:  "big-model",
		FallbackModel: "small-model",
	})

	text, err := r.Generate(context.Background(), "hi", "sys", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "fallback answer" {
		t.Errorf("text = %q", text)
	}
	if len(models) != 2 || models[0] != "big-model" || models[1] != "small-model" {
		t.Errorf("models tried = %v, want [big-model small-model]", models)
	}
}

func TestGenerate_NoFallbackWhenModelsEqual(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, Config{
		Primary:       Endpoint{BaseURL: srv.URL},
		PrimaryModel:  "same-model",
		FallbackModel: "same-model",
	})

	if _, err := r.Generate(context.Background(), "hi", "", ""); !errors.Is(err, ErrHTTP) {
		t.Errorf("error = %v, want ErrHTTP", err)
	}
	if hits.Load() != 1 {
		t.Errorf("endpoint hit %d times, want 1 (no fallback retry)", hits.Load())
	}
}

func TestGenerate_EmptyResponseTriggersFallback(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		models = append(models, req.Model)
		if req.Model == "flaky-model" {
			chatOK("")(w, r)
			return
		}
		chatOK("real answer")(w, r)
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, Config{
		Primary:       Endpoint{BaseURL: srv.URL},
		PrimaryModel:  "flaky-model",
		FallbackModel: "steady-model",
	})

	text, err := r.Generate(context.Background(), "hi", "", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "real answer" {
		t.Errorf("text = %q", text)
	}
	if len(models) != 2 {
		t.Errorf("models tried = %v", models)
	}
}

func TestChat_RetriesOn503(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		chatOK("recovered")(w, r)
	}))
	defer srv.Close()

	r, sleeps := newTestRouter(t, Config{
		Primary:      Endpoint{BaseURL: srv.URL},
		PrimaryModel: "m",
	})

	text, err := r.Generate(context.Background(), "hi", "", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "recovered" {
		t.Errorf("text = %q", text)
	}
	if hits.Load() != 3 {
		t.Errorf("endpoint hit %d times, want 3", hits.Load())
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, (*sleeps)[i], d)
		}
	}
}

func TestChat_503BudgetExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, Config{
		Primary:      Endpoint{BaseURL: srv.URL},
		PrimaryModel: "m",
	})

	_, err := r.ChatWithTools(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, "", "", 0)
	if !errors.Is(err, ErrHTTP) {
		t.Errorf("error = %v, want ErrHTTP", err)
	}
	if hits.Load() != 4 {
		t.Errorf("endpoint hit %d times, want 4 (initial + 3 retries)", hits.Load())
	}
}

func TestChatWithTools_NoFallback(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, Config{
		Primary:       Endpoint{BaseURL: srv.URL},
		PrimaryModel:  "m",
		FallbackModel: "other",
	})

	if _, err := r.ChatWithTools(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, "", "", 0); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("endpoint hit %d times, want 1", hits.Load())
	}
}

func TestChatWithTools_ToolCallsWithoutContentOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "web_search",
								"arguments": `{"query":"acme"}`,
							},
						},
					},
				}},
			},
		})
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, Config{Primary: Endpoint{BaseURL: srv.URL}, PrimaryModel: "m"})

	result, err := r.ChatWithTools(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, []Tool{NewTool("web_search", "", nil)}, "", "", 0)
	if err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Function.Name != "web_search" {
		t.Errorf("tool calls = %+v", result.ToolCalls)
	}
}

func TestChatWithTools_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(chatOK(""))
	defer srv.Close()

	r, _ := newTestRouter(t, Config{Primary: Endpoint{BaseURL: srv.URL}, PrimaryModel: "m"})

	_, err := r.ChatWithTools(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, "", "", 0)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("error = %v, want ErrEmptyResponse", err)
	}
}

func TestGenerate_PrimaryHeadersSent(t *testing.T) {
	var referer atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer.Store(r.Header.Get("HTTP-Referer"))
		chatOK("ok")(w, r)
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, Config{
		Primary: Endpoint{
			BaseURL: srv.URL,
			Headers: map[string]string{"HTTP-Referer": "https://example.test"},
		},
		PrimaryModel: "m",
	})

	if _, err := r.Generate(context.Background(), "hi", "", ""); err != nil {
		t.Fatal(err)
	}
	if referer.Load() != "https://example.test" {
		t.Errorf("HTTP-Referer = %v", referer.Load())
	}
}
