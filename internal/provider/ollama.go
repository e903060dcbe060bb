package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/registry"
)

const defaultOllamaEndpoint = "http://localhost:11434"

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	NumCtx      int      `json:"num_ctx,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// ollamaChatResponse covers both streamed chunks and the final
// non-streamed body; the eval counts only arrive on the done message.
type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ollamaClient speaks Ollama's native chat API over plain HTTP.
type ollamaClient struct {
	endpoint  string
	client    *http.Client
	maxTokens int
	health    *healthCache
}

func newOllamaClient(endpoint string, opts Options) *ollamaClient {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	endpoint = strings.TrimSuffix(endpoint, "/")

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.timeout()}
	}

	L_debug("provider: ollama client created", "endpoint", endpoint)
	return &ollamaClient{
		endpoint:  endpoint,
		client:    hc,
		maxTokens: opts.maxTokens(),
		health:    newHealthCache(opts.healthTTL()),
	}
}

func (c *ollamaClient) Provider() string { return registry.ProviderLocal }

// Health hits /api/tags, which answers instantly even while a model
// is still loading.
func (c *ollamaClient) Health(ctx context.Context) HealthStatus {
	if st, ok := c.health.get(); ok {
		return st
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, "GET", c.endpoint+"/api/tags", nil)
	if err != nil {
		return c.health.put(false, err.Error())
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return c.health.put(false, compactMessage(err.Error()))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.health.put(false, fmt.Sprintf("tags endpoint returned status %d", resp.StatusCode))
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return c.health.put(false, fmt.Sprintf("decode tags: %v", err))
	}
	if len(tags.Models) == 0 {
		return c.health.put(false, "no models pulled on the ollama server")
	}
	return c.health.put(true, "")
}

func (c *ollamaClient) Cost(inTokens, outTokens int, m *registry.Model) float64 {
	return tokenCost(inTokens, outTokens, m)
}

func (c *ollamaClient) buildRequest(call Call, stream bool) ollamaChatRequest {
	var messages []ollamaChatMessage
	if call.System != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: call.System})
	}

	user := ollamaChatMessage{Role: "user", Content: call.Prompt}
	for _, img := range call.Images {
		if img.Data != "" {
			user.Images = append(user.Images, img.Data)
		}
	}
	messages = append(messages, user)

	opts := &ollamaOptions{
		NumPredict:  callMaxTokens(call, c.maxTokens),
		Temperature: call.Temperature,
		TopP:        call.TopP,
	}
	if call.Model != nil && call.Model.ContextWindow > 0 {
		opts.NumCtx = call.Model.ContextWindow
	}

	req := ollamaChatRequest{
		Model:    wireName(call.Model),
		Messages: messages,
		Stream:   stream,
		Options:  opts,
	}
	if call.RequireJSON && call.Model != nil && call.Model.HasCapability(registry.CapJSONMode) {
		req.Format = "json"
	}
	return req
}

// post sends the chat request and returns the raw body for the caller
// to decode; non-200 responses come back classified.
func (c *ollamaClient) post(ctx context.Context, body ollamaChatRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Classify(registry.ProviderLocal, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, ClassifyHTTP(registry.ProviderLocal, resp.StatusCode, string(raw))
	}
	return resp, nil
}

func (c *ollamaClient) Generate(ctx context.Context, call Call) (*Result, error) {
	start := time.Now()
	resp, err := c.post(ctx, c.buildRequest(call, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, Classify(registry.ProviderLocal, fmt.Errorf("decode response: %w", err))
	}

	res := &Result{
		Content:      result.Message.Content,
		InputTokens:  result.PromptEvalCount,
		OutputTokens: result.EvalCount,
		RawLatencyMS: time.Since(start).Milliseconds(),
		FinishReason: result.DoneReason,
	}
	if res.FinishReason == "" {
		res.FinishReason = "stop"
	}

	L_debug("ollama: completion done", "model", wireName(call.Model),
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens)
	return res, nil
}

func (c *ollamaClient) Stream(ctx context.Context, call Call, onDelta func(string)) (*Result, error) {
	start := time.Now()
	resp, err := c.post(ctx, c.buildRequest(call, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	res := &Result{FinishReason: "stop"}
	var content strings.Builder

	// Streamed responses arrive as newline-delimited JSON chunks.
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, Classify(registry.ProviderLocal, fmt.Errorf("decode stream chunk: %w", err))
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if onDelta != nil {
				onDelta(chunk.Message.Content)
			}
		}
		if chunk.Done {
			res.InputTokens = chunk.PromptEvalCount
			res.OutputTokens = chunk.EvalCount
			if chunk.DoneReason != "" {
				res.FinishReason = chunk.DoneReason
			}
			break
		}
	}

	res.Content = content.String()
	res.RawLatencyMS = time.Since(start).Milliseconds()

	L_debug("ollama: stream done", "model", wireName(call.Model),
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens)
	return res, nil
}
