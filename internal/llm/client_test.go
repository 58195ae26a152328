package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"csec-tutor-engine/internal/tier"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}

	_, err = New(Config{BaseURL: "http://x", APIKey: "k", Flavor: "grpc"}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected unknown flavor error, got nil")
	}
}

func TestChatCompletionSuccess(t *testing.T) {
	t.Parallel()

	var gotReq providerChatRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		gotAuth = r.Header.Get("Authorization")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}

		resp := providerChatResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Created: time.Unix(1_700_000_000, 0).Unix(),
			Model:   "tutor-small",
			Choices: []providerChatChoice{
				{
					Index: 0,
					Message: ChatMessage{
						Role:    RoleAssistant,
						Content: " Photosynthesis turns light into sugar. ",
					},
					FinishReason: "stop",
				},
			},
			Usage: &providerUsage{
				PromptTokens:     3,
				CompletionTokens: 2,
				TotalTokens:      5,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL: srv.URL + "/",
		APIKey:  "test-key",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	req := &ChatRequest{
		Model: "tutor-small",
		Messages: []ChatMessage{
			{Role: RoleUser, Content: "explain photosynthesis"},
		},
		Temperature: 0.3,
		TopP:        0.9,
		MaxTokens:   50,
	}

	resp, err := client.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected Authorization header: %s", gotAuth)
	}
	if gotReq.Model != req.Model {
		t.Fatalf("expected model %s, got %s", req.Model, gotReq.Model)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "explain photosynthesis" {
		t.Fatalf("unexpected request messages: %#v", gotReq.Messages)
	}
	if resp.Text() != "Photosynthesis turns light into sugar." {
		t.Fatalf("unexpected response text: %q", resp.Text())
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage not mapped correctly: %#v", resp.Usage)
	}
}

func TestChatCompletionValidationErrorIsTerminal(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	_, err = client.ChatCompletion(context.Background(), &ChatRequest{})
	if err == nil || !strings.Contains(err.Error(), "invalid request") {
		t.Fatalf("expected validation error, got %v", err)
	}
	if tier.Classify(err) != tier.FaultTerminal {
		t.Fatalf("expected terminal fault, got %s", tier.Classify(err))
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("server should not be called for invalid request")
	}
}

func TestChatCompletionStatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   tier.Fault
	}{
		{http.StatusPaymentRequired, tier.FaultQuota},
		{http.StatusTooManyRequests, tier.FaultTransient},
		{http.StatusRequestTimeout, tier.FaultTransient},
		{http.StatusInternalServerError, tier.FaultTransient},
		{http.StatusServiceUnavailable, tier.FaultTransient},
		{http.StatusBadRequest, tier.FaultTerminal},
		{http.StatusUnauthorized, tier.FaultTerminal},
		{http.StatusNotFound, tier.FaultTerminal},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"test_error"}}`)
			}))
			defer srv.Close()

			client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key"}, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			defer closeClient(client)

			_, err = client.ChatCompletion(context.Background(), &ChatRequest{
				Model:    "m",
				Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
			})
			if got := tier.Classify(err); got != tc.want {
				t.Fatalf("status %d: expected %s, got %s (%v)", tc.status, tc.want, got, err)
			}

			var serr *StatusError
			if !errors.As(err, &serr) {
				t.Fatalf("expected *StatusError, got %T", err)
			}
			if serr.Status != tc.status || serr.Message != "nope" || serr.Type != "test_error" {
				t.Fatalf("unexpected status error: %#v", serr)
			}
			if serr.RetryAfter != 7*time.Second {
				t.Fatalf("expected Retry-After 7s, got %s", serr.RetryAfter)
			}
			// One attempt per call; fallback belongs to the tier resolver.
			if n := atomic.LoadInt32(&calls); n != 1 {
				t.Fatalf("expected exactly one upstream call, got %d", n)
			}
		})
	}
}

func TestChatCompletionNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := NewClient(Config{BaseURL: url, APIKey: "key"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	_, err = client.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if tier.Classify(err) != tier.FaultTransient || !errors.Is(err, tier.ErrTransient) {
		t.Fatalf("expected transient fault, got %v", err)
	}
}

func TestOperationWalksTierThroughClient(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req providerChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		models = append(models, req.Model)
		mu.Unlock()

		if req.Model != "cheap-c" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = io.WriteString(w, `{"error":{"message":"credits exhausted","type":"billing"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(providerChatResponse{
			Model:   req.Model,
			Choices: []providerChatChoice{{Message: ChatMessage{Role: RoleAssistant, Content: "ok"}}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	r := tier.NewResolver(map[string][]string{"utility": {"a", "b", "cheap-c"}}, zaptest.NewLogger(t))
	out, err := r.Generate(context.Background(), "utility",
		Operation(client, []ChatMessage{{Role: RoleUser, Content: "hi"}}, Params{}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.ModelUsed != "cheap-c" || !out.IsFallback || out.Content != "ok" {
		t.Fatalf("unexpected outcome: %#v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(models, ",") != "a,b,cheap-c" {
		t.Fatalf("unexpected call order: %v", models)
	}
}

func TestSDKClientClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = io.WriteString(w, `{"error":{"message":"insufficient credits","type":"billing"}}`)
	}))
	defer srv.Close()

	client, err := NewSDKClient(Config{BaseURL: srv.URL, APIKey: "key"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSDKClient: %v", err)
	}

	_, err = client.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if tier.Classify(err) != tier.FaultQuota {
		t.Fatalf("expected quota fault, got %v", err)
	}
}

func TestSDKClientSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1700000000,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, APIKey: "key", Flavor: FlavorSDK}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := client.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Text() != "hello" || resp.Usage.TotalTokens != 2 {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func closeClient(c Client) {
	if closer, ok := c.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
