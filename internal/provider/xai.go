package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/roelfdiedericks/xai-go"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// safeInt32 converts int to int32 with bounds checking to prevent overflow.
func safeInt32(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int32(n)
}

// xaiClient adapts xAI's Grok API.
type xaiClient struct {
	client    *xai.Client
	maxTokens int
	health    *healthCache
}

func newXAIClient(apiKey string, opts Options) (*xaiClient, error) {
	if apiKey == "" {
		return nil, types.Errorf(types.KindConfiguration, "xai: api key not configured").
			WithHint("set XAI_API_KEY or providers.xai.apiKey")
	}

	client, err := xai.New(xai.Config{
		APIKey:  xai.NewSecureString(apiKey),
		Timeout: opts.timeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("create xai client: %w", err)
	}

	return &xaiClient{
		client:    client,
		maxTokens: opts.maxTokens(),
		health:    newHealthCache(opts.healthTTL()),
	}, nil
}

func (c *xaiClient) Provider() string { return registry.ProviderXAI }

func (c *xaiClient) Health(ctx context.Context) HealthStatus {
	if st, ok := c.health.get(); ok {
		return st
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.client.ListModels(probeCtx); err != nil {
		return c.health.put(false, compactMessage(err.Error()))
	}
	return c.health.put(true, "")
}

func (c *xaiClient) Cost(inTokens, outTokens int, m *registry.Model) float64 {
	return tokenCost(inTokens, outTokens, m)
}

// buildRequest assembles a chat request. The builder carries no
// sampling knobs, so Temperature and TopP are not forwarded.
func (c *xaiClient) buildRequest(call Call) *xai.ChatRequest {
	req := xai.NewChatRequest().
		WithModel(wireName(call.Model)).
		WithMaxTokens(safeInt32(callMaxTokens(call, c.maxTokens)))

	if call.System != "" {
		req.SystemMessage(xai.SystemContent{Text: call.System})
	}

	content := xai.UserContent{Text: call.Prompt}
	// UserContent carries at most one image.
	for _, img := range call.Images {
		if img.Data != "" {
			content.ImageURL = "data:" + img.MimeType + ";base64," + img.Data
			break
		}
		if img.URL != "" {
			content.ImageURL = img.URL
			break
		}
	}
	req.UserMessage(content)
	return req
}

func (c *xaiClient) Generate(ctx context.Context, call Call) (*Result, error) {
	req := c.buildRequest(call)

	start := time.Now()
	resp, err := c.client.CompleteChat(ctx, req)
	if err != nil {
		return nil, Classify(registry.ProviderXAI, err)
	}

	res := &Result{
		Content:      resp.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		RawLatencyMS: time.Since(start).Milliseconds(),
		FinishReason: "stop",
	}

	L_debug("xai: completion done", "model", wireName(call.Model),
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens)
	return res, nil
}

func (c *xaiClient) Stream(ctx context.Context, call Call, onDelta func(string)) (*Result, error) {
	req := c.buildRequest(call)

	start := time.Now()
	stream, err := c.client.StreamChat(ctx, req)
	if err != nil {
		return nil, Classify(registry.ProviderXAI, err)
	}
	defer stream.Close()

	var (
		content      strings.Builder
		finishReason xai.FinishReason
		usage        xai.Usage
	)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Classify(registry.ProviderXAI, err)
		}

		if chunk.Delta != "" {
			content.WriteString(chunk.Delta)
			if onDelta != nil {
				onDelta(chunk.Delta)
			}
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		usage = chunk.Usage
	}

	res := &Result{
		Content:      content.String(),
		InputTokens:  int(usage.PromptTokens),
		OutputTokens: int(usage.CompletionTokens),
		RawLatencyMS: time.Since(start).Milliseconds(),
		FinishReason: string(finishReason),
	}
	if res.FinishReason == "" {
		res.FinishReason = "stop"
	}

	L_debug("xai: stream done", "model", wireName(call.Model),
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens)
	return res, nil
}
