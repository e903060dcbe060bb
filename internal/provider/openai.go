package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/goherd/internal/config"
	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// Gemini exposes an OpenAI-compatible surface; used for the google
// tag when no explicit endpoint is configured.
const geminiCompatBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// openaiClient adapts any OpenAI-compatible chat-completion endpoint.
// One adapter serves four provider tags: openai itself, azure, google
// (Gemini compat endpoint) and dial (enterprise proxy).
type openaiClient struct {
	tag       string
	client    *openai.Client
	maxTokens int
	health    *healthCache
}

func newOpenAIClient(tag string, sec config.ProviderSecrets, opts Options) (*openaiClient, error) {
	var cfg openai.ClientConfig

	switch tag {
	case registry.ProviderAzure:
		if sec.APIKey == "" || sec.Endpoint == "" {
			return nil, types.Errorf(types.KindConfiguration, "azure: api key and endpoint are both required").
				WithHint("set AZURE_OPENAI_API_KEY and AZURE_OPENAI_ENDPOINT")
		}
		cfg = openai.DefaultAzureConfig(sec.APIKey, sec.Endpoint)
		if sec.Deployment != "" {
			deployment := sec.Deployment
			cfg.AzureModelMapperFunc = func(string) string { return deployment }
		}

	case registry.ProviderGoogle:
		if sec.APIKey == "" {
			return nil, types.Errorf(types.KindConfiguration, "google: api key not configured").
				WithHint("set GOOGLE_API_KEY or providers.google.apiKey")
		}
		cfg = openai.DefaultConfig(sec.APIKey)
		cfg.BaseURL = normalizeBaseURL(sec.BaseURL, geminiCompatBaseURL)

	case registry.ProviderDial:
		if sec.Endpoint == "" {
			return nil, types.Errorf(types.KindConfiguration, "dial: endpoint not configured").
				WithHint("set DIAL_ENDPOINT or providers.dial.endpoint")
		}
		key := sec.APIKey
		if key == "" {
			key = "not-needed" // some proxies authenticate upstream
		}
		cfg = openai.DefaultConfig(key)
		cfg.BaseURL = normalizeBaseURL(sec.Endpoint, "")

	default: // openai proper
		if sec.APIKey == "" {
			return nil, types.Errorf(types.KindConfiguration, "openai: api key not configured").
				WithHint("set OPENAI_API_KEY or providers.openai.apiKey")
		}
		cfg = openai.DefaultConfig(sec.APIKey)
		if sec.BaseURL != "" {
			cfg.BaseURL = normalizeBaseURL(sec.BaseURL, "")
		}
	}

	cfg.HTTPClient = &http.Client{Timeout: opts.timeout()}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	L_debug("provider: openai-compatible client created", "tag", tag, "baseURL", cfg.BaseURL)
	return &openaiClient{
		tag:       tag,
		client:    openai.NewClientWithConfig(cfg),
		maxTokens: opts.maxTokens(),
		health:    newHealthCache(opts.healthTTL()),
	}, nil
}

// normalizeBaseURL ensures OpenAI-compatible endpoints end in /v1,
// unless the URL already names a versioned path.
func normalizeBaseURL(url, fallback string) string {
	if url == "" {
		return fallback
	}
	url = strings.TrimSuffix(url, "/")
	if strings.HasSuffix(url, "/v1") || strings.Contains(url, "/v1beta") {
		return url
	}
	return url + "/v1"
}

func (c *openaiClient) Provider() string { return c.tag }

// Health lists models, the cheapest authenticated round trip an
// OpenAI-compatible endpoint offers.
func (c *openaiClient) Health(ctx context.Context) HealthStatus {
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

func (c *openaiClient) Cost(inTokens, outTokens int, m *registry.Model) float64 {
	return tokenCost(inTokens, outTokens, m)
}

func (c *openaiClient) buildRequest(call Call, stream bool) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if call.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: call.System,
		})
	}

	if len(call.Images) > 0 {
		parts := make([]openai.ChatMessagePart, 0, len(call.Images)+1)
		for _, img := range call.Images {
			url := img.URL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data)
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    url,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: call.Prompt,
		})
		messages = append(messages, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	} else {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: call.Prompt,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:     wireName(call.Model),
		MaxTokens: callMaxTokens(call, c.maxTokens),
		Messages:  messages,
		Stream:    stream,
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if call.Temperature != nil {
		req.Temperature = float32(*call.Temperature)
	}
	if call.TopP != nil {
		req.TopP = float32(*call.TopP)
	}
	if call.RequireJSON && call.Model != nil && call.Model.HasCapability(registry.CapJSONMode) {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

func (c *openaiClient) Generate(ctx context.Context, call Call) (*Result, error) {
	req := c.buildRequest(call, false)

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, Classify(c.tag, err)
	}
	if len(resp.Choices) == 0 {
		return nil, types.Errorf(types.KindProviderUnavailable, "%s: response carried no choices", c.tag)
	}

	choice := resp.Choices[0]
	res := &Result{
		Content:      choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		RawLatencyMS: time.Since(start).Milliseconds(),
		FinishReason: string(choice.FinishReason),
	}

	L_debug("openai: completion done", "tag", c.tag, "model", req.Model,
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens,
		"finishReason", res.FinishReason)
	return res, nil
}

func (c *openaiClient) Stream(ctx context.Context, call Call, onDelta func(string)) (*Result, error) {
	req := c.buildRequest(call, true)

	start := time.Now()
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, Classify(c.tag, err)
	}
	defer stream.Close()

	res := &Result{}
	var content strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Classify(c.tag, err)
		}

		// The final usage chunk arrives with no choices.
		if chunk.Usage != nil {
			res.InputTokens = chunk.Usage.PromptTokens
			res.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		if choice.FinishReason != "" {
			res.FinishReason = string(choice.FinishReason)
		}
	}

	res.Content = content.String()
	res.RawLatencyMS = time.Since(start).Milliseconds()

	L_debug("openai: stream done", "tag", c.tag, "model", req.Model,
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens)
	return res, nil
}
