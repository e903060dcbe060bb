// Package analyzer turns a raw prompt into TaskRequirements: what
// kind of work the prompt asks for, how much context it needs, and
// which capabilities the serving model must have.
//
// Classification is a two stage pipeline. An ordered table of
// compiled regex rules runs first; the first rule whose confidence
// clears the threshold wins. When no rule is confident enough the
// analyzer falls back to a small model call through the injected
// Classifier, and when that fails too the verdict is GENERAL with
// confidence 0.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/tokens"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// DefaultThreshold is the minimum rule confidence for a heuristic
// verdict when the config leaves classifierThreshold unset.
const DefaultThreshold = 0.8

// imageConfidence applies when no text rule fires but the request
// carries image attachments.
const imageConfidence = 0.9

// bareReplyConfidence is assigned when the fallback model answers
// with a plain task name, or with JSON that skips the confidence
// field, instead of the requested shape.
const bareReplyConfidence = 0.5

// maxClassifierPrompt caps how much of the user prompt is forwarded
// to the fallback model. The head of a prompt is almost always enough
// to name the task, and the fallback is supposed to stay cheap.
const maxClassifierPrompt = 2000

// Classifier is the narrow hook used when the heuristics are not
// confident. The orchestrator wires it to a cheap model at
// composition time; tests inject fakes.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

// rule maps a prompt pattern to a task type with a fixed confidence.
type rule struct {
	task       types.TaskType
	confidence float64
	pattern    *regexp.Regexp
}

// heuristics is ordered most specific to most general. The first
// entry that matches with confidence at or above the threshold wins,
// so earlier rows shadow later ones on overlapping prompts.
var heuristics = []rule{
	{types.TaskDebugging, 0.92, regexp.MustCompile(`(?i)\b(debug|debugging|stack ?trace|traceback|segfault|core dump|panics?|exception|undefined behaviou?r)\b`)},
	{types.TaskDebugging, 0.85, regexp.MustCompile(`(?is)\bfix\b.{0,40}\b(bug|error|crash|failing test|test failure)\b`)},
	{types.TaskRefactor, 0.9, regexp.MustCompile(`(?i)\b(refactor|restructure|extract (a |the )?(method|function|class)|reduce duplication|deduplicate)\b`)},
	{types.TaskRefactor, 0.85, regexp.MustCompile(`(?is)\b(clean|tidy) up\b.{0,40}\b(code|codebase|module|package)\b`)},
	{types.TaskCodeGeneration, 0.88, regexp.MustCompile(`(?is)\b(write|implement|create|generate|build)\b.{0,60}\b(function|method|class|struct|script|program|module|endpoint|api|parser|cli|regex|query|unit tests?|code)\b`)},
	{types.TaskTranslation, 0.9, regexp.MustCompile(`(?is)\btranslat(e|ion)\b.{0,40}\b(to|into|from)\b`)},
	{types.TaskTranslation, 0.8, regexp.MustCompile(`(?i)\btranslat(e|ion|ing)\b`)},
	{types.TaskReasoning, 0.9, regexp.MustCompile(`(?i)\b(prove|proof|theorem|lemma|derive|deduce|logic puzzle|riddle)\b`)},
	{types.TaskReasoning, 0.8, regexp.MustCompile(`(?i)\bstep[ -]by[ -]step\b`)},
	{types.TaskWriting, 0.85, regexp.MustCompile(`(?is)\b(write|draft|compose)\b.{0,60}\b(essay|blog|article|poem|haiku|story|email|letter|speech|announcement)\b`)},
	{types.TaskAnalysis, 0.82, regexp.MustCompile(`(?i)\b(analy[sz]e|analysis|summari[sz]e|summary|evaluate|assess|critique|compare)\b`)},
}

// Analyzer classifies prompts. It is safe for concurrent use: the
// rule table is immutable and the classifier hook is only read.
type Analyzer struct {
	threshold  float64
	classifier Classifier
}

// New builds an Analyzer. A threshold at or below zero selects
// DefaultThreshold; classifier may be nil, which disables the
// fallback stage.
func New(threshold float64, classifier Classifier) *Analyzer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Analyzer{threshold: threshold, classifier: classifier}
}

// Analyze produces the TaskRequirements for a request. The strategy
// argument is the resolved profile name ("auto" already replaced by
// the configured default); anything outside the four priorities maps
// to balanced.
//
// Given the same prompt, flags and rule table the result is
// identical on every call, except when the classifier fallback runs.
func (a *Analyzer) Analyze(ctx context.Context, req *types.Request, strategy string) types.TaskRequirements {
	task, conf := a.classify(ctx, req)
	priority, _ := types.ParsePriority(strategy)
	return types.TaskRequirements{
		TaskType:      task,
		MinContext:    tokens.MinContext(req.System+req.Prompt, 0),
		RequireVision: len(req.Images) > 0 || req.RequireVision,
		RequireTools:  req.RequireTools,
		RequireJSON:   req.RequireJSON,
		Priority:      priority,
		Confidence:    conf,
	}
}

func (a *Analyzer) classify(ctx context.Context, req *types.Request) (types.TaskType, float64) {
	if req.TaskTypeHint != "" {
		if task, ok := types.ParseTaskType(string(req.TaskTypeHint)); ok {
			return task, 1
		}
		L_warn("analyzer: ignoring unknown task type hint", "hint", req.TaskTypeHint)
	}

	for _, r := range heuristics {
		if r.confidence >= a.threshold && r.pattern.MatchString(req.Prompt) {
			L_debug("analyzer: heuristic match", "task", r.task, "confidence", r.confidence)
			return r.task, r.confidence
		}
	}

	// Attachments outrank the fallback: a prompt with images is a
	// vision task even when the text says nothing useful.
	if len(req.Images) > 0 {
		return types.TaskVision, imageConfidence
	}

	return a.classifyLLM(ctx, req.Prompt)
}

func (a *Analyzer) classifyLLM(ctx context.Context, prompt string) (types.TaskType, float64) {
	if a.classifier == nil {
		return types.TaskGeneral, 0
	}
	raw, err := a.classifier.Classify(ctx, classifierPrompt(prompt))
	if err != nil {
		L_info("analyzer: classifier call failed, using GENERAL", "error", err)
		return types.TaskGeneral, 0
	}
	task, conf, ok := parseClassification(raw)
	if !ok {
		L_info("analyzer: unparseable classifier reply, using GENERAL", "replyLen", len(raw))
		return types.TaskGeneral, 0
	}
	L_debug("analyzer: classifier verdict", "task", task, "confidence", conf)
	return task, conf
}

const classifierTemplate = `Classify the following request into exactly one task type.

Task types: CODE_GENERATION, DEBUGGING, REFACTOR, REASONING, WRITING, ANALYSIS, TRANSLATION, VISION, GENERAL

Respond ONLY with a JSON object in this exact format:
{"taskType": "<TYPE>", "confidence": <0.0-1.0>}

Request:
%s`

// classifierPrompt wraps the user prompt in the classification
// instruction sent to the fallback model.
func classifierPrompt(prompt string) string {
	return fmt.Sprintf(classifierTemplate, clip(prompt, maxClassifierPrompt))
}

type classifierReply struct {
	TaskType   string  `json:"taskType"`
	TaskTypeLC string  `json:"task_type"`
	Confidence float64 `json:"confidence"`
}

func (r classifierReply) task() string {
	if r.TaskType != "" {
		return r.TaskType
	}
	return r.TaskTypeLC
}

// parseClassification reads the fallback model's reply. It accepts
// the requested JSON shape (snake_case key included, since smaller
// models drift on casing), the same JSON buried in prose, or a bare
// task name; anything else reports false.
func parseClassification(raw string) (types.TaskType, float64, bool) {
	var reply classifierReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		block, found := extractJSON(raw)
		if !found || json.Unmarshal([]byte(block), &reply) != nil {
			task, ok := types.ParseTaskType(strings.Trim(strings.TrimSpace(raw), `"'.`))
			if !ok {
				return types.TaskGeneral, 0, false
			}
			return task, bareReplyConfidence, true
		}
	}
	task, ok := types.ParseTaskType(reply.task())
	if !ok {
		return types.TaskGeneral, 0, false
	}
	conf := clamp01(reply.Confidence)
	if conf == 0 {
		// A zero here means the model skipped the field.
		conf = bareReplyConfidence
	}
	return task, conf, true
}

// extractJSON pulls the first balanced JSON object out of a string
// that may carry prose around it.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
