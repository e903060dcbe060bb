package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// anthropicClient adapts the Anthropic Messages API.
type anthropicClient struct {
	client    *anthropic.Client
	apiKey    string
	maxTokens int
	health    *healthCache
}

func newAnthropicClient(apiKey, baseURL string, opts Options) (*anthropicClient, error) {
	if apiKey == "" {
		return nil, types.Errorf(types.KindConfiguration, "anthropic: api key not configured").
			WithHint("set ANTHROPIC_API_KEY or providers.anthropic.apiKey")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: opts.timeout()}),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(reqOpts...)

	L_debug("provider: anthropic client created", "maxTokens", opts.maxTokens())
	return &anthropicClient{
		client:    &client,
		apiKey:    apiKey,
		maxTokens: opts.maxTokens(),
		health:    newHealthCache(opts.healthTTL()),
	}, nil
}

func (c *anthropicClient) Provider() string { return registry.ProviderAnthropic }

// Health reports configuration readiness. The Messages API has no
// free probe endpoint, so reachability surfaces on the first call.
func (c *anthropicClient) Health(ctx context.Context) HealthStatus {
	if st, ok := c.health.get(); ok {
		return st
	}
	if c.apiKey == "" {
		return c.health.put(false, "api key not configured")
	}
	return c.health.put(true, "")
}

func (c *anthropicClient) Cost(inTokens, outTokens int, m *registry.Model) float64 {
	return tokenCost(inTokens, outTokens, m)
}

func (c *anthropicClient) buildParams(call Call) (anthropic.MessageNewParams, error) {
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(call.Prompt)}
	for _, img := range call.Images {
		if img.Data == "" {
			return anthropic.MessageNewParams{}, types.Errorf(types.KindValidation,
				"anthropic: image %q has no base64 data; URL-only references are not supported", img.URL)
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Data))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(wireName(call.Model)),
		MaxTokens: int64(callMaxTokens(call, c.maxTokens)),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if call.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: call.System}}
	}
	if call.Temperature != nil {
		params.Temperature = anthropic.Float(*call.Temperature)
	}
	if call.TopP != nil {
		params.TopP = anthropic.Float(*call.TopP)
	}
	return params, nil
}

func (c *anthropicClient) Generate(ctx context.Context, call Call) (*Result, error) {
	params, err := c.buildParams(call)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, Classify(registry.ProviderAnthropic, err)
	}

	res := &Result{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		RawLatencyMS: time.Since(start).Milliseconds(),
		FinishReason: string(msg.StopReason),
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			res.Content += block.Text
		}
	}

	L_debug("anthropic: completion done", "model", wireName(call.Model),
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens,
		"stopReason", res.FinishReason)
	return res, nil
}

func (c *anthropicClient) Stream(ctx context.Context, call Call, onDelta func(string)) (*Result, error) {
	params, err := c.buildParams(call)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	stream := c.client.Messages.NewStreaming(ctx, params)

	res := &Result{}
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, Classify(registry.ProviderAnthropic, err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				res.Content += delta.Text
				if onDelta != nil {
					onDelta(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, Classify(registry.ProviderAnthropic, err)
	}

	res.InputTokens = int(message.Usage.InputTokens)
	res.OutputTokens = int(message.Usage.OutputTokens)
	res.RawLatencyMS = time.Since(start).Milliseconds()
	res.FinishReason = string(message.StopReason)

	L_debug("anthropic: stream done", "model", wireName(call.Model),
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens)
	return res, nil
}
