package types

import "time"

// PipelineStep is one named stage of a chain. Its prompt template may
// reference initial inputs and the output keys bound by earlier steps.
type PipelineStep struct {
	Name           string   `json:"name" yaml:"name"`
	PromptTemplate string   `json:"promptTemplate" yaml:"prompt_template"`
	ModelHint      string   `json:"modelHint,omitempty" yaml:"model_hint,omitempty"`
	TaskType       TaskType `json:"taskType,omitempty" yaml:"task_type,omitempty"`
	RequireVision  bool     `json:"requireVision,omitempty" yaml:"require_vision,omitempty"`

	// OutputKey names the context slot the step's answer binds to.
	OutputKey string `json:"outputKey" yaml:"output_key"`

	// Extract optionally applies a jq expression to the step output
	// before binding. The output is parsed as JSON when possible and
	// treated as a plain string otherwise.
	Extract string `json:"extract,omitempty" yaml:"extract,omitempty"`

	MaxTokens int `json:"maxTokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Pipeline is an ordered chain of steps with a stable id and the
// initial context map.
type Pipeline struct {
	PipelineID string            `json:"pipelineId" yaml:"pipeline_id"`
	Steps      []PipelineStep    `json:"steps" yaml:"steps"`
	Inputs     map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Checkpoint is the snapshot persisted after each completed step.
// StepNames records the names of steps executed so far, in order, so
// resume can detect a reshaped pipeline.
type Checkpoint struct {
	CheckpointID       string            `json:"checkpointId"`
	PipelineID         string            `json:"pipelineId"`
	StepIndexCompleted int               `json:"stepIndexCompleted"`
	ContextSnapshot    map[string]string `json:"contextSnapshot"`
	StepNames          []string          `json:"stepNames"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// StepResult summarizes one executed step inside a ChainResult.
type StepResult struct {
	Name      string `json:"name"`
	OutputKey string `json:"outputKey"`
	ModelID   string `json:"modelId"`
	LatencyMS int64  `json:"latencyMs"`
}

// ChainResult is the final state of a completed pipeline run.
type ChainResult struct {
	PipelineID string `json:"pipelineId"`
	RunID      string `json:"runId"`

	Context     map[string]string `json:"context"`
	StepResults []StepResult      `json:"stepResults"`

	Resumed  bool     `json:"resumed,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}
