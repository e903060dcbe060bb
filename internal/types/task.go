// Package types provides the shared value types that flow between the
// orchestration components: requests, responses, task requirements,
// usage records, consensus and pipeline shapes, and classified errors.
package types

import "strings"

// TaskType classifies what kind of work a prompt is asking for.
type TaskType string

const (
	TaskCodeGeneration TaskType = "CODE_GENERATION"
	TaskDebugging      TaskType = "DEBUGGING"
	TaskRefactor       TaskType = "REFACTOR"
	TaskReasoning      TaskType = "REASONING"
	TaskWriting        TaskType = "WRITING"
	TaskAnalysis       TaskType = "ANALYSIS"
	TaskTranslation    TaskType = "TRANSLATION"
	TaskVision         TaskType = "VISION"
	TaskGeneral        TaskType = "GENERAL"
)

// ParseTaskType maps a string (any case) to a TaskType.
// Unknown strings return TaskGeneral and false.
func ParseTaskType(s string) (TaskType, bool) {
	switch TaskType(strings.ToUpper(strings.TrimSpace(s))) {
	case TaskCodeGeneration:
		return TaskCodeGeneration, true
	case TaskDebugging:
		return TaskDebugging, true
	case TaskRefactor:
		return TaskRefactor, true
	case TaskReasoning:
		return TaskReasoning, true
	case TaskWriting:
		return TaskWriting, true
	case TaskAnalysis:
		return TaskAnalysis, true
	case TaskTranslation:
		return TaskTranslation, true
	case TaskVision:
		return TaskVision, true
	case TaskGeneral:
		return TaskGeneral, true
	}
	return TaskGeneral, false
}

// Priority expresses what the caller wants the selector to optimize for.
type Priority string

const (
	PriorityQuality  Priority = "quality"
	PrioritySpeed    Priority = "speed"
	PriorityCost     Priority = "cost"
	PriorityBalanced Priority = "balanced"
)

// ParsePriority maps a strategy name to a Priority. Unknown names
// return PriorityBalanced and false.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityQuality:
		return PriorityQuality, true
	case PrioritySpeed:
		return PrioritySpeed, true
	case PriorityCost:
		return PriorityCost, true
	case PriorityBalanced:
		return PriorityBalanced, true
	}
	return PriorityBalanced, false
}

// TaskRequirements is the analyzer's verdict on a prompt: what the
// task is, what the model must support, and what to optimize for.
type TaskRequirements struct {
	TaskType      TaskType `json:"taskType"`
	MinContext    int      `json:"minContext"`
	RequireVision bool     `json:"requireVision"`
	RequireTools  bool     `json:"requireTools"`
	RequireJSON   bool     `json:"requireJson"`
	Priority      Priority `json:"priority"`

	// Confidence is the analyzer's confidence in TaskType, in [0,1].
	// 0 means the classification fell all the way through to GENERAL.
	Confidence float64 `json:"confidence"`
}
