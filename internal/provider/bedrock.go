package provider

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// RuntimeClient mirrors the subset of the Bedrock runtime client the
// adapter needs. It matches *bedrockruntime.Client so callers can pass
// either the real client or a test double through Options.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// bedrockClient adapts the AWS Bedrock Converse API.
type bedrockClient struct {
	runtime   RuntimeClient
	region    string
	maxTokens int
	health    *healthCache
}

func newBedrockClient(region string, opts Options) (*bedrockClient, error) {
	c := &bedrockClient{
		runtime:   opts.BedrockRuntime,
		region:    region,
		maxTokens: opts.maxTokens(),
		health:    newHealthCache(opts.healthTTL()),
	}
	if c.runtime != nil {
		return c, nil
	}

	if region == "" {
		return nil, types.Errorf(types.KindConfiguration, "bedrock: region not configured").
			WithHint("set AWS_REGION or providers.bedrock.region")
	}

	// Credentials resolve through the standard chain: env vars,
	// shared config, or an instance role.
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, types.Wrap(types.KindConfiguration, err, "bedrock: load aws config").
			WithHint("check AWS credentials and region settings")
	}
	c.runtime = bedrockruntime.NewFromConfig(cfg)

	L_debug("provider: bedrock client created", "region", region)
	return c, nil
}

func (c *bedrockClient) Provider() string { return registry.ProviderBedrock }

// Health reports client construction; the runtime API carries no
// listing endpoint to probe without incurring a model invocation.
func (c *bedrockClient) Health(ctx context.Context) HealthStatus {
	if st, ok := c.health.get(); ok {
		return st
	}
	if c.runtime == nil {
		return c.health.put(false, "runtime client not constructed")
	}
	return c.health.put(true, "")
}

func (c *bedrockClient) Cost(inTokens, outTokens int, m *registry.Model) float64 {
	return tokenCost(inTokens, outTokens, m)
}

// imageFormat maps a mime type onto the Converse image format enum.
func imageFormat(mime string) (brtypes.ImageFormat, error) {
	sub := strings.TrimPrefix(strings.ToLower(mime), "image/")
	switch sub {
	case "jpeg", "jpg":
		return brtypes.ImageFormatJpeg, nil
	case "png":
		return brtypes.ImageFormatPng, nil
	case "gif":
		return brtypes.ImageFormatGif, nil
	case "webp":
		return brtypes.ImageFormatWebp, nil
	}
	return "", types.Errorf(types.KindValidation, "bedrock: unsupported image type %q", mime)
}

func (c *bedrockClient) buildContent(call Call) ([]brtypes.ContentBlock, error) {
	blocks := []brtypes.ContentBlock{
		&brtypes.ContentBlockMemberText{Value: call.Prompt},
	}
	for _, img := range call.Images {
		if img.Data == "" {
			return nil, types.Errorf(types.KindValidation, "bedrock: image requires inline base64 data")
		}
		format, err := imageFormat(img.MimeType)
		if err != nil {
			return nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, types.Wrap(types.KindValidation, err, "bedrock: decode image data")
		}
		blocks = append(blocks, &brtypes.ContentBlockMemberImage{
			Value: brtypes.ImageBlock{
				Format: format,
				Source: &brtypes.ImageSourceMemberBytes{Value: raw},
			},
		})
	}
	return blocks, nil
}

func (c *bedrockClient) inferenceConfig(call Call) *brtypes.InferenceConfiguration {
	cfg := &brtypes.InferenceConfiguration{
		MaxTokens: aws.Int32(safeInt32(callMaxTokens(call, c.maxTokens))),
	}
	if call.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*call.Temperature))
	}
	if call.TopP != nil {
		cfg.TopP = aws.Float32(float32(*call.TopP))
	}
	return cfg
}

func systemBlocks(system string) []brtypes.SystemContentBlock {
	if system == "" {
		return nil
	}
	return []brtypes.SystemContentBlock{
		&brtypes.SystemContentBlockMemberText{Value: system},
	}
}

func (c *bedrockClient) Generate(ctx context.Context, call Call) (*Result, error) {
	content, err := c.buildContent(call)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(wireName(call.Model)),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: content,
		}},
		System:          systemBlocks(call.System),
		InferenceConfig: c.inferenceConfig(call),
	}

	start := time.Now()
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, Classify(registry.ProviderBedrock, err)
	}

	res := &Result{
		RawLatencyMS: time.Since(start).Milliseconds(),
		FinishReason: string(output.StopReason),
	}
	if output.Usage != nil {
		if output.Usage.InputTokens != nil {
			res.InputTokens = int(*output.Usage.InputTokens)
		}
		if output.Usage.OutputTokens != nil {
			res.OutputTokens = int(*output.Usage.OutputTokens)
		}
	}

	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, types.Errorf(types.KindProviderUnavailable, "bedrock: response carried no message output")
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	res.Content = sb.String()

	L_debug("bedrock: completion done", "model", wireName(call.Model),
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens,
		"stopReason", res.FinishReason)
	return res, nil
}

func (c *bedrockClient) Stream(ctx context.Context, call Call, onDelta func(string)) (*Result, error) {
	content, err := c.buildContent(call)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(wireName(call.Model)),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: content,
		}},
		System:          systemBlocks(call.System),
		InferenceConfig: c.inferenceConfig(call),
	}

	start := time.Now()
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, Classify(registry.ProviderBedrock, err)
	}
	stream := out.GetStream()
	defer stream.Close()

	res := &Result{FinishReason: "stop"}
	var sb strings.Builder
	events := stream.Events()

loop:
	for {
		select {
		case <-ctx.Done():
			return nil, Classify(registry.ProviderBedrock, ctx.Err())
		case event, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					return nil, Classify(registry.ProviderBedrock, err)
				}
				break loop
			}
			switch ev := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := ev.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok && delta.Value != "" {
					sb.WriteString(delta.Value)
					if onDelta != nil {
						onDelta(delta.Value)
					}
				}
			case *brtypes.ConverseStreamOutputMemberMessageStop:
				res.FinishReason = string(ev.Value.StopReason)
			case *brtypes.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					if ev.Value.Usage.InputTokens != nil {
						res.InputTokens = int(*ev.Value.Usage.InputTokens)
					}
					if ev.Value.Usage.OutputTokens != nil {
						res.OutputTokens = int(*ev.Value.Usage.OutputTokens)
					}
				}
			}
		}
	}

	res.Content = sb.String()
	res.RawLatencyMS = time.Since(start).Milliseconds()

	L_debug("bedrock: stream done", "model", wireName(call.Model),
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens)
	return res, nil
}
