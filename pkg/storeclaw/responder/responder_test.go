package responder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

type stubProvider struct {
	text  string
	err   error
	delay time.Duration
	calls int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Generate(ctx context.Context, _ Prompt, _ Options) (string, error) {
	p.calls++
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.text, p.err
}

func TestGenerator(t *testing.T) {
	ctx := context.Background()
	canned := &Canned{Rules: []CannedReply{{Keywords: []string{"price", "سعر"}, Reply: "prices are in the catalog"}}}

	t.Run("provider answers first", func(t *testing.T) {
		g := NewGenerator([]Strategy{&ProviderStrategy{Provider: &stubProvider{text: " hello "}}, canned}, nil)
		r := g.Generate(ctx, Request{Text: "price?"})
		assert.Equal(t, "hello", r.Text)
		assert.Equal(t, "stub", r.Source)
	})

	t.Run("provider error falls to canned", func(t *testing.T) {
		p := &stubProvider{err: errors.New("500")}
		g := NewGenerator([]Strategy{&ProviderStrategy{Provider: p}, canned}, nil)
		r := g.Generate(ctx, Request{Text: "what's the PRICE?"})
		assert.Equal(t, "prices are in the catalog", r.Text)
		assert.Equal(t, "canned", r.Source)
		assert.Equal(t, 1, p.calls)
	})

	t.Run("timeout falls to fallback", func(t *testing.T) {
		p := &stubProvider{text: "late", delay: time.Second}
		g := NewGenerator([]Strategy{&ProviderStrategy{Provider: p, Timeout: 10 * time.Millisecond}, canned}, nil)
		r := g.Generate(ctx, Request{Text: "hello"})
		assert.Equal(t, DefaultFallback, r.Text)
		assert.Equal(t, "fallback", r.Source)
	})

	t.Run("empty provider text is skipped", func(t *testing.T) {
		g := NewGenerator([]Strategy{&ProviderStrategy{Provider: &stubProvider{text: "  "}}}, nil)
		assert.Equal(t, DefaultFallback, g.Generate(ctx, Request{}).Text)
	})

	t.Run("custom fallback text", func(t *testing.T) {
		g := NewGenerator([]Strategy{&Fallback{Text: "sorry"}}, nil)
		assert.Equal(t, "sorry", g.Generate(ctx, Request{}).Text)
	})

	t.Run("no strategies", func(t *testing.T) {
		assert.Equal(t, DefaultFallback, NewGenerator(nil, nil).Generate(ctx, Request{}).Text)
	})
}

func TestProviderStrategyClassifiesErrors(t *testing.T) {
	ctx := context.Background()

	_, err := (&ProviderStrategy{Provider: &stubProvider{delay: time.Second}, Timeout: 5 * time.Millisecond}).Respond(ctx, Request{})
	assert.ErrorIs(t, err, ErrResponseGeneration)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = (&ProviderStrategy{Provider: &stubProvider{err: errors.New("bad key")}}).Respond(ctx, Request{})
	assert.ErrorIs(t, err, ErrResponseGeneration)
	assert.ErrorIs(t, err, ErrProvider)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestAnthropicProvider(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"model":       got["model"],
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": "السعر 10 جنيه."}},
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer server.Close()

	p := NewAnthropicProvider("test-key", server.URL, anthropicoption.WithMaxRetries(0))
	text, err := p.Generate(context.Background(), Prompt{System: "be brief", User: "Customer: price?"},
		Options{Model: "claude-sonnet-4-5", MaxTokens: 256, Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "السعر 10 جنيه.", text)
	assert.Equal(t, "claude-sonnet-4-5", got["model"])
	assert.EqualValues(t, 256, got["max_tokens"])

	t.Run("server error is a provider error", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`, http.StatusInternalServerError)
		}))
		defer failing.Close()

		p := NewAnthropicProvider("k", failing.URL, anthropicoption.WithMaxRetries(0))
		_, err := p.Generate(context.Background(), Prompt{User: "x"}, Options{Model: "m"})
		assert.ErrorIs(t, err, ErrProvider)
	})
}

func TestOpenAIProvider(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   got["model"],
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "hello there"},
			}},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, openaioption.WithMaxRetries(0))
	text, err := p.Generate(context.Background(), Prompt{System: "sys", User: "hi"}, Options{Model: "gpt-4o-mini", MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)

	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)

	t.Run("api error is a provider error", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
		}))
		defer failing.Close()

		p := NewOpenAIProvider("k", failing.URL, openaioption.WithMaxRetries(0))
		_, err := p.Generate(context.Background(), Prompt{User: "x"}, Options{Model: "m"})
		assert.ErrorIs(t, err, ErrProvider)
	})
}

type fakeHistory []channels.HistoryEntry

func (h fakeHistory) Recent(_ context.Context, _, _ string, limit int) ([]channels.HistoryEntry, error) {
	if len(h) > limit {
		return h[len(h)-limit:], nil
	}
	return h, nil
}

type fakeCatalog string

func (c fakeCatalog) Summary(context.Context, string) (string, error) { return string(c), nil }

func TestPromptBuilder(t *testing.T) {
	msg := channels.InboundMessage{ID: "m9", TenantID: "acme", ConversationID: "201", Text: "price?", SenderName: "Ahmed"}
	history := fakeHistory{
		{Direction: channels.DirectionInbound, Text: "hi"},
		{Direction: channels.DirectionOutbound, Text: "welcome"},
		{Direction: channels.DirectionInbound, Text: "price?"},
	}

	b := &PromptBuilder{HistoryLimit: 10, History: history, Catalog: fakeCatalog("- حذاء: 10 EGP (stock 5)")}
	p := b.Build(context.Background(), msg)

	assert.Contains(t, p.System, "[CREATE_ORDER:")
	assert.Contains(t, p.System, "حذاء: 10 EGP")
	assert.Contains(t, p.User, "Customer: hi\nAssistant: welcome\n")
	assert.Contains(t, p.User, "Customer (Ahmed): price?")
	assert.Equal(t, 1, countOf(p.User, "price?"), "the current message appears once")

	t.Run("history limit", func(t *testing.T) {
		b := &PromptBuilder{SystemPrompt: "custom", HistoryLimit: 1, History: history}
		p := b.Build(context.Background(), msg)
		assert.Equal(t, "custom", p.System)
		assert.NotContains(t, p.User, "Customer: hi")
		assert.Contains(t, p.User, "Assistant: welcome")
	})
}

func countOf(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}
