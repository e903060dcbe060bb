package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

func localModel(caps ...string) *registry.Model {
	return &registry.Model{
		ID:            "llama-local",
		Provider:      registry.ProviderLocal,
		APIName:       "llama3.1:8b",
		ContextWindow: 131072,
		Capabilities:  caps,
	}
}

func TestOllamaGenerate(t *testing.T) {
	var gotReq ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:         ollamaChatMessage{Role: "assistant", Content: "the answer"},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 12,
			EvalCount:       7,
		})
	}))
	defer srv.Close()

	c := newOllamaClient(srv.URL, Options{HTTPClient: srv.Client()})
	res, err := c.Generate(context.Background(), Call{
		Model:     localModel(),
		Prompt:    "what is the answer",
		System:    "be brief",
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if res.Content != "the answer" {
		t.Errorf("content = %q", res.Content)
	}
	if res.InputTokens != 12 || res.OutputTokens != 7 {
		t.Errorf("usage = %d/%d, want 12/7", res.InputTokens, res.OutputTokens)
	}
	if res.FinishReason != "stop" {
		t.Errorf("finishReason = %q", res.FinishReason)
	}

	if gotReq.Model != "llama3.1:8b" {
		t.Errorf("wire model = %q", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("generate should not request streaming")
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.Options == nil || gotReq.Options.NumPredict != 256 {
		t.Errorf("options = %+v", gotReq.Options)
	}
	if gotReq.Options.NumCtx != 131072 {
		t.Errorf("numCtx = %d", gotReq.Options.NumCtx)
	}
}

func TestOllamaJSONFormat(t *testing.T) {
	var gotReq ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = ollamaChatRequest{}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaChatMessage{Content: "{}"}, Done: true})
	}))
	defer srv.Close()

	c := newOllamaClient(srv.URL, Options{HTTPClient: srv.Client()})

	// json_mode capability present: format goes on the wire
	_, err := c.Generate(context.Background(), Call{Model: localModel(registry.CapJSONMode), Prompt: "p", RequireJSON: true})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gotReq.Format != "json" {
		t.Errorf("format = %q, want json", gotReq.Format)
	}

	// capability absent: the flag is ignored rather than rejected
	_, err = c.Generate(context.Background(), Call{Model: localModel(), Prompt: "p", RequireJSON: true})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gotReq.Format != "" {
		t.Errorf("format = %q, want empty", gotReq.Format)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   types.Kind
	}{
		{"server error", 500, "model failed to load", types.KindProviderUnavailable},
		{"missing model", 404, "model 'missing' not found", types.KindValidation},
		{"busy", 429, "server busy, retry after 2 seconds", types.KindRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			}))
			defer srv.Close()

			c := newOllamaClient(srv.URL, Options{HTTPClient: srv.Client()})
			_, err := c.Generate(context.Background(), Call{Model: localModel(), Prompt: "p"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := types.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream request should set stream=true")
		}
		enc := json.NewEncoder(w)
		enc.Encode(ollamaChatResponse{Message: ollamaChatMessage{Content: "Hel"}})
		enc.Encode(ollamaChatResponse{Message: ollamaChatMessage{Content: "lo"}})
		enc.Encode(ollamaChatResponse{Done: true, DoneReason: "stop", PromptEvalCount: 4, EvalCount: 2})
	}))
	defer srv.Close()

	c := newOllamaClient(srv.URL, Options{HTTPClient: srv.Client()})

	var deltas []string
	res, err := c.Stream(context.Background(), Call{Model: localModel(), Prompt: "hi"}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if res.Content != "Hello" {
		t.Errorf("content = %q", res.Content)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if res.InputTokens != 4 || res.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", res.InputTokens, res.OutputTokens)
	}
}

func TestOllamaHealth(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		calls++
		fmt.Fprint(w, `{"models":[{"name":"llama3.1:8b"}]}`)
	}))
	defer srv.Close()

	c := newOllamaClient(srv.URL, Options{HTTPClient: srv.Client()})

	st := c.Health(context.Background())
	if !st.Available {
		t.Fatalf("expected available, got reason %q", st.Reason)
	}

	// Second probe inside the TTL is served from cache.
	c.Health(context.Background())
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1", calls)
	}
}

func TestOllamaHealthNoModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	c := newOllamaClient(srv.URL, Options{HTTPClient: srv.Client()})
	st := c.Health(context.Background())
	if st.Available {
		t.Error("expected unavailable when no models are pulled")
	}
	if st.Reason == "" {
		t.Error("expected a reason")
	}
}

func TestOllamaHealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newOllamaClient(srv.URL, Options{})
	st := c.Health(context.Background())
	if st.Available {
		t.Error("expected unavailable for a dead endpoint")
	}
}

func TestOllamaDefaultEndpoint(t *testing.T) {
	c := newOllamaClient("", Options{})
	if c.endpoint != defaultOllamaEndpoint {
		t.Errorf("endpoint = %q", c.endpoint)
	}
	c = newOllamaClient("http://box:11434/", Options{})
	if c.endpoint != "http://box:11434" {
		t.Errorf("endpoint = %q, trailing slash should be trimmed", c.endpoint)
	}
}
