package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

type fakeRuntime struct {
	out      *bedrockruntime.ConverseOutput
	err      error
	gotInput *bedrockruntime.ConverseInput
}

func (f *fakeRuntime) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.gotInput = in
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeRuntime) ConverseStream(_ context.Context, _ *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, errors.New("not implemented")
}

func bedrockModel() *registry.Model {
	return &registry.Model{
		ID:       "nova-pro",
		Provider: registry.ProviderBedrock,
		APIName:  "amazon.nova-pro-v1:0",
	}
}

func converseOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: text},
				},
			},
		},
		StopReason: brtypes.StopReasonEndTurn,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(20),
			OutputTokens: aws.Int32(9),
		},
	}
}

func TestBedrockGenerate(t *testing.T) {
	rt := &fakeRuntime{out: converseOutput("from the converse api")}
	c, err := newBedrockClient("", Options{BedrockRuntime: rt})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	temp := 0.2
	res, err := c.Generate(context.Background(), Call{
		Model:       bedrockModel(),
		Prompt:      "summarize",
		System:      "terse answers only",
		MaxTokens:   512,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if res.Content != "from the converse api" {
		t.Errorf("content = %q", res.Content)
	}
	if res.InputTokens != 20 || res.OutputTokens != 9 {
		t.Errorf("usage = %d/%d", res.InputTokens, res.OutputTokens)
	}
	if res.FinishReason != "end_turn" {
		t.Errorf("finishReason = %q", res.FinishReason)
	}

	in := rt.gotInput
	if in == nil {
		t.Fatal("no input captured")
	}
	if aws.ToString(in.ModelId) != "amazon.nova-pro-v1:0" {
		t.Errorf("modelId = %q", aws.ToString(in.ModelId))
	}
	if len(in.System) != 1 {
		t.Errorf("system blocks = %d", len(in.System))
	}
	if in.InferenceConfig == nil || aws.ToInt32(in.InferenceConfig.MaxTokens) != 512 {
		t.Errorf("inferenceConfig = %+v", in.InferenceConfig)
	}
	if in.InferenceConfig.Temperature == nil || *in.InferenceConfig.Temperature != 0.2 {
		t.Errorf("temperature not forwarded")
	}
}

func TestBedrockImages(t *testing.T) {
	rt := &fakeRuntime{out: converseOutput("seen")}
	c, _ := newBedrockClient("", Options{BedrockRuntime: rt})

	data := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	_, err := c.Generate(context.Background(), Call{
		Model:  bedrockModel(),
		Prompt: "describe",
		Images: []types.ImageRef{{MimeType: "image/png", Data: data}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	content := rt.gotInput.Messages[0].Content
	if len(content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(content))
	}
	img, ok := content[1].(*brtypes.ContentBlockMemberImage)
	if !ok {
		t.Fatalf("second block is %T, want image", content[1])
	}
	if img.Value.Format != brtypes.ImageFormatPng {
		t.Errorf("format = %q", img.Value.Format)
	}
	src, ok := img.Value.Source.(*brtypes.ImageSourceMemberBytes)
	if !ok {
		t.Fatalf("source is %T", img.Value.Source)
	}
	if string(src.Value) != "fake png bytes" {
		t.Error("image bytes were not decoded")
	}
}

func TestBedrockImageValidation(t *testing.T) {
	c, _ := newBedrockClient("", Options{BedrockRuntime: &fakeRuntime{}})

	// URL-only images cannot ride the Converse API
	_, err := c.Generate(context.Background(), Call{
		Model:  bedrockModel(),
		Prompt: "describe",
		Images: []types.ImageRef{{MimeType: "image/png", URL: "https://example.com/x.png"}},
	})
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("url-only image: kind = %s", types.KindOf(err))
	}

	_, err = c.Generate(context.Background(), Call{
		Model:  bedrockModel(),
		Prompt: "describe",
		Images: []types.ImageRef{{MimeType: "image/tiff", Data: "AAAA"}},
	})
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("unsupported mime: kind = %s", types.KindOf(err))
	}
}

func TestBedrockThrottlingClassified(t *testing.T) {
	rt := &fakeRuntime{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Too many requests"}}
	c, _ := newBedrockClient("", Options{BedrockRuntime: rt})

	_, err := c.Generate(context.Background(), Call{Model: bedrockModel(), Prompt: "p"})
	if types.KindOf(err) != types.KindRateLimited {
		t.Errorf("kind = %s, want rate_limited", types.KindOf(err))
	}
}

func TestBedrockRequiresRegion(t *testing.T) {
	_, err := newBedrockClient("", Options{})
	if types.KindOf(err) != types.KindConfiguration {
		t.Errorf("kind = %s, want configuration", types.KindOf(err))
	}
}
