package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/vigil/internal/config"
)

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.MaxTokens != 256 || len(req.Messages) != 1 || req.Messages[0].Role != "user" || req.Messages[0].Content != "hello" {
			t.Errorf("request = %+v", req)
		}
		io.WriteString(w, `{"model":"m","stop_reason":"end_turn","content":[{"type":"text","text":"Alles "},{"type":"text","text":"normal."}]}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", "", srv.URL, 5*time.Second, nil)
	got, err := c.Complete(context.Background(), "hello", 256)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Alles normal." {
		t.Errorf("Complete() = %q", got)
	}
}

func TestGeminiClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("x-goog-api-key = %q", r.Header.Get("x-goog-api-key"))
		}
		var req geminiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.GenerationConfig.MaxOutputTokens != 1024 || req.Contents[0].Parts[0].Text != "prompt" {
			t.Errorf("request = %+v", req)
		}
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"WARNUNG: keine Bewegung"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	c := NewGeminiClient("g-key", "gemini-test", srv.URL+"/", 5*time.Second, nil)
	got, err := c.Complete(context.Background(), "prompt", 1024)
	if err != nil {
		t.Fatal(err)
	}
	if got != "WARNUNG: keine Bewegung" {
		t.Errorf("Complete() = %q", got)
	}
}

func TestGeminiClient_Blocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer srv.Close()

	_, err := NewGeminiClient("k", "", srv.URL, time.Second, nil).Complete(context.Background(), "p", 10)
	if err == nil || !strings.Contains(err.Error(), "SAFETY") {
		t.Errorf("err = %v, want blocked error", err)
	}
}

func TestOllamaClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream || req.Options.NumPredict != 64 || req.Model != DefaultOllamaModel {
			t.Errorf("request = %+v", req)
		}
		io.WriteString(w, `{"model":"llama3.2","message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer srv.Close()

	got, err := NewOllamaClient(srv.URL, "", time.Second, nil).Complete(context.Background(), "p", 64)
	if err != nil || got != "ok" {
		t.Errorf("Complete() = %q, %v", got, err)
	}
}

func TestProviders_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `quota exceeded`)
	}))
	defer srv.Close()

	clients := map[string]Completer{
		"anthropic": NewAnthropicClient("k", "", srv.URL, time.Second, nil),
		"gemini":    NewGeminiClient("k", "", srv.URL, time.Second, nil),
		"ollama":    NewOllamaClient(srv.URL, "", time.Second, nil),
	}
	for name, c := range clients {
		t.Run(name, func(t *testing.T) {
			_, err := c.Complete(context.Background(), "p", 10)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Body != "quota exceeded" {
				t.Errorf("APIError = %+v", apiErr)
			}
		})
	}
}

func TestProviders_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	clients := map[string]Completer{
		"anthropic": NewAnthropicClient("k", "", srv.URL, time.Second, nil),
		"gemini":    NewGeminiClient("k", "", srv.URL, time.Second, nil),
		"ollama":    NewOllamaClient(srv.URL, "", time.Second, nil),
	}
	for name, c := range clients {
		if _, err := c.Complete(context.Background(), "p", 10); !errors.Is(err, ErrEmptyResponse) {
			t.Errorf("%s: err = %v, want ErrEmptyResponse", name, err)
		}
	}
}

type stubCompleter struct {
	text  string
	err   error
	calls int
}

func (s *stubCompleter) Complete(context.Context, string, int) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestFallbackClient(t *testing.T) {
	bad := &stubCompleter{err: errors.New("unreachable")}
	good := &stubCompleter{text: "fine"}
	unused := &stubCompleter{text: "never"}

	f := NewFallback(nil, Named{"primary", bad}, Named{"secondary", good})
	f.Add(Named{"tertiary", unused})

	got, err := f.Complete(context.Background(), "p", 10)
	if err != nil || got != "fine" {
		t.Fatalf("Complete() = %q, %v", got, err)
	}
	if bad.calls != 1 || good.calls != 1 || unused.calls != 0 {
		t.Errorf("calls = %d/%d/%d, want 1/1/0", bad.calls, good.calls, unused.calls)
	}
}

func TestFallbackClient_AllFail(t *testing.T) {
	f := NewFallback(nil,
		Named{"a", &stubCompleter{err: errors.New("a down")}},
		Named{"b", &stubCompleter{err: errors.New("b down")}},
	)
	_, err := f.Complete(context.Background(), "p", 10)
	if err == nil || !strings.Contains(err.Error(), "a down") || !strings.Contains(err.Error(), "b down") {
		t.Errorf("err = %v, want both failures", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LLMConfig
		wantNil bool
		wantT   string
	}{
		{"unconfigured", config.LLMConfig{}, true, ""},
		{"missing key", config.LLMConfig{ProviderConfig: config.ProviderConfig{Provider: "gemini"}}, true, ""},
		{"gemini", config.LLMConfig{ProviderConfig: config.ProviderConfig{Provider: "gemini", APIKey: "k"}}, false, "*llm.GeminiClient"},
		{"anthropic", config.LLMConfig{ProviderConfig: config.ProviderConfig{Provider: "anthropic", APIKey: "k"}}, false, "*llm.AnthropicClient"},
		{"ollama", config.LLMConfig{ProviderConfig: config.ProviderConfig{Provider: "ollama", BaseURL: "http://x"}}, false, "*llm.OllamaClient"},
		{"with fallback", config.LLMConfig{
			ProviderConfig: config.ProviderConfig{Provider: "gemini", APIKey: "k"},
			Fallback:       []config.ProviderConfig{{Provider: "ollama", BaseURL: "http://x"}},
		}, false, "*llm.FallbackClient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantNil {
				if c != nil {
					t.Errorf("New() = %T, want nil", c)
				}
				return
			}
			if got := typeName(c); got != tt.wantT {
				t.Errorf("New() type = %s, want %s", got, tt.wantT)
			}
		})
	}
}

func typeName(c Completer) string {
	switch c.(type) {
	case *GeminiClient:
		return "*llm.GeminiClient"
	case *AnthropicClient:
		return "*llm.AnthropicClient"
	case *OllamaClient:
		return "*llm.OllamaClient"
	case *FallbackClient:
		return "*llm.FallbackClient"
	default:
		return "unknown"
	}
}
