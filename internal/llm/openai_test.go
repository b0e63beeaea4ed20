package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestOpenAIClient_Chat(t *testing.T) {
	var got oaiRequest
	var headers http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "openai/gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "hey you"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{
		BaseURL: srv.URL + "/",
		APIKey:  "sk-test",
		Referer: "https://example.com/kindred",
		Title:   "Kindred",
	}, nil)

	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:    "openai/gpt-4o-mini",
		Messages: []Message{{Role: RoleSystem, Content: "be kind"}, {Role: RoleUser, Content: "hi"}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Message.Content != "hey you" {
		t.Errorf("content = %q, want %q", resp.Message.Content, "hey you")
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 42/7", resp.InputTokens, resp.OutputTokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}

	if got.Model != "openai/gpt-4o-mini" || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
	if h := headers.Get("Authorization"); h != "Bearer sk-test" {
		t.Errorf("Authorization = %q", h)
	}
	if h := headers.Get("HTTP-Referer"); h != "https://example.com/kindred" {
		t.Errorf("HTTP-Referer = %q", h)
	}
	if h := headers.Get("X-Title"); h != "Kindred" {
		t.Errorf("X-Title = %q", h)
	}
	if h := headers.Get("User-Agent"); !strings.HasPrefix(h, "Kindred/") {
		t.Errorf("User-Agent = %q", h)
	}
}

func TestOpenAIClient_PlainRequestOmitsResponseFormat(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
	resp, err := c.Chat(context.Background(), ChatRequest{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, ok := raw["response_format"]; ok {
		t.Error("response_format sent for a plain request")
	}
	if resp.Model != "m" {
		t.Errorf("model = %q, want request model when response omits it", resp.Model)
	}
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, "401"},
		{"api error in body", http.StatusOK, `{"error":{"message":"rate limited","code":429}}`, "rate limited"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"bad json", http.StatusOK, `not json`, "decode response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
			_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestOpenAIClient_NoChoicesSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
	if _, err := c.Chat(context.Background(), ChatRequest{Model: "m"}); !errors.Is(err, ErrNoChoices) {
		t.Errorf("err = %v, want ErrNoChoices", err)
	}
}

func TestOpenAIClient_Ping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q, want /models", r.URL.Path)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	status.Store(http.StatusUnauthorized)
	if err := c.Ping(context.Background()); err == nil || !strings.Contains(err.Error(), "invalid API key") {
		t.Errorf("Ping with 401 = %v", err)
	}
}
