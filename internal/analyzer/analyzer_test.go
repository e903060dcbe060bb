package analyzer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/roelfdiedericks/goherd/internal/tokens"
	"github.com/roelfdiedericks/goherd/internal/types"
)

type fakeClassifier struct {
	reply     string
	err       error
	calls     int
	gotPrompt string
}

func (f *fakeClassifier) Classify(ctx context.Context, prompt string) (string, error) {
	f.calls++
	f.gotPrompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func TestHeuristicClassification(t *testing.T) {
	tests := []struct {
		prompt  string
		want    types.TaskType
		minConf float64
	}{
		{"debug this panic in the scheduler", types.TaskDebugging, 0.9},
		{"why does my program segfault on startup", types.TaskDebugging, 0.9},
		{"please fix the bug in the login handler", types.TaskDebugging, 0.85},
		{"refactor the payment module to remove duplication", types.TaskRefactor, 0.9},
		{"clean up the code in this package", types.TaskRefactor, 0.85},
		{"write a function that reverses a linked list", types.TaskCodeGeneration, 0.88},
		{"implement a REST endpoint in Go", types.TaskCodeGeneration, 0.88},
		{"translate this paragraph into French", types.TaskTranslation, 0.9},
		{"prove that sqrt 2 is irrational", types.TaskReasoning, 0.9},
		{"walk me through the argument step by step", types.TaskReasoning, 0.8},
		{"write a short story about a lighthouse keeper", types.TaskWriting, 0.85},
		{"compare postgres and mysql for this workload", types.TaskAnalysis, 0.82},
		{"summarize this incident report", types.TaskAnalysis, 0.82},
	}

	a := New(0, nil)
	for _, tt := range tests {
		req := &types.Request{Prompt: tt.prompt}
		got := a.Analyze(context.Background(), req, "balanced")
		if got.TaskType != tt.want {
			t.Errorf("Analyze(%q) task = %s, want %s", tt.prompt, got.TaskType, tt.want)
		}
		if got.Confidence < tt.minConf {
			t.Errorf("Analyze(%q) confidence = %v, want >= %v", tt.prompt, got.Confidence, tt.minConf)
		}
	}
}

func TestNoRuleMatchWithoutClassifier(t *testing.T) {
	a := New(0, nil)
	got := a.Analyze(context.Background(), &types.Request{Prompt: "what is the capital of France"}, "balanced")
	if got.TaskType != types.TaskGeneral {
		t.Errorf("task = %s, want GENERAL", got.TaskType)
	}
	if got.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", got.Confidence)
	}
}

func TestThresholdSuppressesRules(t *testing.T) {
	a := New(0.95, nil)
	got := a.Analyze(context.Background(), &types.Request{Prompt: "debug this panic"}, "balanced")
	if got.TaskType != types.TaskGeneral || got.Confidence != 0 {
		t.Errorf("got (%s, %v), want (GENERAL, 0) when no rule clears 0.95", got.TaskType, got.Confidence)
	}
}

func TestRequirementsAssembly(t *testing.T) {
	a := New(0, nil)
	req := &types.Request{
		Prompt:       "prove the pigeonhole principle",
		System:       "be terse",
		Images:       []types.ImageRef{{MimeType: "image/png", Data: "aGk="}},
		RequireTools: true,
		RequireJSON:  true,
	}
	got := a.Analyze(context.Background(), req, "quality")

	if got.TaskType != types.TaskReasoning {
		t.Errorf("task = %s, want REASONING", got.TaskType)
	}
	if !got.RequireVision {
		t.Error("RequireVision = false, want true with an image attached")
	}
	if !got.RequireTools || !got.RequireJSON {
		t.Error("explicit capability flags did not pass through")
	}
	if got.Priority != types.PriorityQuality {
		t.Errorf("priority = %s, want quality", got.Priority)
	}
	if want := tokens.MinContext(req.System+req.Prompt, 0); got.MinContext != want {
		t.Errorf("MinContext = %d, want %d", got.MinContext, want)
	}
	if got.MinContext < 1024 {
		t.Errorf("MinContext = %d, want at least the reply headroom", got.MinContext)
	}
}

func TestCustomStrategyMapsToBalanced(t *testing.T) {
	a := New(0, nil)
	got := a.Analyze(context.Background(), &types.Request{Prompt: "hello"}, "my-batch")
	if got.Priority != types.PriorityBalanced {
		t.Errorf("priority = %s, want balanced for a custom profile name", got.Priority)
	}
}

func TestImagesClassifyVision(t *testing.T) {
	a := New(0, nil)
	req := &types.Request{
		Prompt: "what is in this picture",
		Images: []types.ImageRef{{MimeType: "image/jpeg", URL: "https://example.com/cat.jpg"}},
	}
	got := a.Analyze(context.Background(), req, "balanced")
	if got.TaskType != types.TaskVision {
		t.Errorf("task = %s, want VISION", got.TaskType)
	}
	if got.Confidence != imageConfidence {
		t.Errorf("confidence = %v, want %v", got.Confidence, imageConfidence)
	}
}

func TestTextRulesOutrankImages(t *testing.T) {
	a := New(0, nil)
	req := &types.Request{
		Prompt: "analyze this screenshot of the dashboard",
		Images: []types.ImageRef{{MimeType: "image/png", Data: "aGk="}},
	}
	got := a.Analyze(context.Background(), req, "balanced")
	if got.TaskType != types.TaskAnalysis {
		t.Errorf("task = %s, want ANALYSIS from the text rule", got.TaskType)
	}
	if !got.RequireVision {
		t.Error("RequireVision = false, want true")
	}
}

func TestTaskTypeHint(t *testing.T) {
	a := New(0, nil)
	req := &types.Request{Prompt: "debug this panic", TaskTypeHint: types.TaskWriting}
	got := a.Analyze(context.Background(), req, "balanced")
	if got.TaskType != types.TaskWriting {
		t.Errorf("task = %s, want the hinted WRITING", got.TaskType)
	}
	if got.Confidence != 1 {
		t.Errorf("confidence = %v, want 1 for an explicit hint", got.Confidence)
	}

	// An unparseable hint falls back to the rules.
	req = &types.Request{Prompt: "debug this panic", TaskTypeHint: "BANANAS"}
	got = a.Analyze(context.Background(), req, "balanced")
	if got.TaskType != types.TaskDebugging {
		t.Errorf("task = %s, want DEBUGGING after discarding the bad hint", got.TaskType)
	}
}

func TestClassifierFallback(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		err      error
		wantTask types.TaskType
		wantConf float64
	}{
		{
			name:     "json reply",
			reply:    `{"taskType": "REASONING", "confidence": 0.85}`,
			wantTask: types.TaskReasoning,
			wantConf: 0.85,
		},
		{
			name:     "json buried in prose",
			reply:    "Sure, here is the classification:\n{\"taskType\": \"WRITING\", \"confidence\": 0.7}\nHope that helps.",
			wantTask: types.TaskWriting,
			wantConf: 0.7,
		},
		{
			name:     "bare task name",
			reply:    "analysis",
			wantTask: types.TaskAnalysis,
			wantConf: bareReplyConfidence,
		},
		{
			name:     "confidence missing",
			reply:    `{"taskType": "DEBUGGING"}`,
			wantTask: types.TaskDebugging,
			wantConf: bareReplyConfidence,
		},
		{
			name:     "confidence clamped",
			reply:    `{"taskType": "REASONING", "confidence": 3.5}`,
			wantTask: types.TaskReasoning,
			wantConf: 1,
		},
		{
			name:     "unknown type",
			reply:    `{"taskType": "COOKING", "confidence": 0.9}`,
			wantTask: types.TaskGeneral,
			wantConf: 0,
		},
		{
			name:     "refusal prose",
			reply:    "I cannot classify that request.",
			wantTask: types.TaskGeneral,
			wantConf: 0,
		},
		{
			name:     "call error",
			err:      errors.New("boom"),
			wantTask: types.TaskGeneral,
			wantConf: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeClassifier{reply: tt.reply, err: tt.err}
			a := New(0, fake)
			got := a.Analyze(context.Background(), &types.Request{Prompt: "hello there"}, "balanced")
			if got.TaskType != tt.wantTask {
				t.Errorf("task = %s, want %s", got.TaskType, tt.wantTask)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
			if fake.calls != 1 {
				t.Errorf("classifier calls = %d, want 1", fake.calls)
			}
		})
	}
}

func TestClassifierSkippedOnHeuristicMatch(t *testing.T) {
	fake := &fakeClassifier{reply: `{"taskType": "GENERAL", "confidence": 1}`}
	a := New(0, fake)
	got := a.Analyze(context.Background(), &types.Request{Prompt: "debug this panic"}, "balanced")
	if got.TaskType != types.TaskDebugging {
		t.Errorf("task = %s, want DEBUGGING", got.TaskType)
	}
	if fake.calls != 0 {
		t.Errorf("classifier calls = %d, want 0 when a rule matches", fake.calls)
	}
}

func TestClassifierPromptShape(t *testing.T) {
	fake := &fakeClassifier{reply: `{"taskType": "GENERAL", "confidence": 0.9}`}
	a := New(0, fake)
	a.Analyze(context.Background(), &types.Request{Prompt: "hello there"}, "balanced")

	if !strings.Contains(fake.gotPrompt, "hello there") {
		t.Error("instruction does not carry the user prompt")
	}
	if !strings.Contains(fake.gotPrompt, `{"taskType": "<TYPE>", "confidence": <0.0-1.0>}`) {
		t.Error("instruction does not pin the reply format")
	}
}

func TestClassifierPromptClipped(t *testing.T) {
	fake := &fakeClassifier{reply: `{"taskType": "GENERAL", "confidence": 0.9}`}
	a := New(0, fake)
	long := strings.Repeat("z", 3*maxClassifierPrompt)
	a.Analyze(context.Background(), &types.Request{Prompt: long}, "balanced")

	if n := strings.Count(fake.gotPrompt, "z"); n != maxClassifierPrompt {
		t.Errorf("forwarded %d prompt bytes, want %d", n, maxClassifierPrompt)
	}
	if !strings.Contains(fake.gotPrompt, "...") {
		t.Error("clipped prompt lost its ellipsis")
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := New(0, nil)
	req := &types.Request{Prompt: "implement a parser for TOML", RequireJSON: true}
	first := a.Analyze(context.Background(), req, "speed")
	for i := 0; i < 10; i++ {
		if got := a.Analyze(context.Background(), req, "speed"); got != first {
			t.Fatalf("pass %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		found bool
	}{
		{`{"a": 1}`, `{"a": 1}`, true},
		{`noise {"a": {"b": 2}} trailing`, `{"a": {"b": 2}}`, true},
		{`{"s": "brace } inside"}`, `{"s": "brace } inside"}`, true},
		{`{"s": "escaped \" quote"}`, `{"s": "escaped \" quote"}`, true},
		{`no json here`, "", false},
		{`{"unterminated": 1`, "", false},
	}
	for _, tt := range tests {
		got, found := extractJSON(tt.in)
		if found != tt.found || got != tt.want {
			t.Errorf("extractJSON(%q) = (%q, %v), want (%q, %v)", tt.in, got, found, tt.want, tt.found)
		}
	}
}
