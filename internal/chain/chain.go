// Package chain runs multi-step pipelines: each step renders a prompt
// from the accumulated context, routes it like any other request, and
// binds the answer to an output key. A checkpoint is persisted after
// every completed step, so a failed run resumes from the last good
// step instead of starting over.
package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/goherd/internal/config"
	. "github.com/roelfdiedericks/goherd/internal/logging"
	. "github.com/roelfdiedericks/goherd/internal/metrics"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// Router is the slice of the orchestrator a pipeline step routes
// through.
type Router interface {
	RouteRequest(ctx context.Context, req *types.Request) (*types.Response, error)
}

// Runner executes pipelines against a router and a checkpoint store.
type Runner struct {
	cfg    *config.Config
	router Router
	store  CheckpointStore
}

func New(cfg *config.Config, router Router, store CheckpointStore) *Runner {
	return &Runner{cfg: cfg, router: router, store: store}
}

// Run executes every step of the pipeline in order. The returned
// result carries the final context map and one StepResult per step.
// On failure the error keeps the failing step's kind; everything up
// to the last completed step is already checkpointed.
func (r *Runner) Run(ctx context.Context, p *types.Pipeline) (*types.ChainResult, error) {
	defer MetricTime("chain", "run")()

	if r.cfg.FeatureDisabled("chain") {
		return nil, types.Errorf(types.KindFeatureDisabled, "chains are disabled")
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	if p.PipelineID == "" {
		p.PipelineID = uuid.NewString()
		L_debug("chain: generated pipeline id", "pipeline", p.PipelineID)
	}

	runID := uuid.NewString()
	L_info("chain: starting", "pipeline", p.PipelineID, "run", runID, "steps", len(p.Steps))

	res, err := r.runSteps(ctx, p, 0, cloneContext(p.Inputs), runID, false, nil)
	if err != nil {
		MetricOutcome("chain", "run", "error")
		return nil, err
	}
	MetricOutcome("chain", "run", "done")
	return res, nil
}

// Resume restarts a pipeline from a saved checkpoint: the context
// snapshot is restored, resume-time overrides are overlaid, and
// execution continues at the step after the last completed one.
// A pipeline whose executed-step prefix no longer matches the
// checkpoint proceeds anyway, with a schema-drift warning.
func (r *Runner) Resume(ctx context.Context, p *types.Pipeline, checkpointID string, overrides map[string]string) (*types.ChainResult, error) {
	defer MetricTime("chain", "resume")()

	if r.cfg.FeatureDisabled("chain") {
		return nil, types.Errorf(types.KindFeatureDisabled, "chains are disabled")
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	if checkpointID == "" {
		return nil, types.Errorf(types.KindValidation, "resume needs a checkpoint id")
	}

	cp, err := r.store.Load(ctx, checkpointID)
	if err != nil {
		if cerr, ok := types.AsError(err); ok {
			return nil, cerr
		}
		return nil, types.Wrap(types.KindNotFound, err, "load checkpoint %q", checkpointID)
	}

	// A pipeline file with no id resumes under the checkpoint's id.
	if p.PipelineID == "" {
		p.PipelineID = cp.PipelineID
	}
	if cp.PipelineID != p.PipelineID {
		return nil, types.Errorf(types.KindValidation, "checkpoint %s belongs to pipeline %q, not %q",
			cp.CheckpointID, cp.PipelineID, p.PipelineID)
	}

	start := cp.StepIndexCompleted + 1
	if start >= len(p.Steps) {
		return nil, types.Errorf(types.KindValidation, "checkpoint already covers all %d steps", len(p.Steps)).
			WithHint("run the pipeline fresh instead of resuming")
	}

	var warnings []string
	if drift := detectDrift(cp.StepNames, p.Steps); drift != "" {
		L_warn("chain: resuming across a reshaped pipeline", "pipeline", p.PipelineID,
			"checkpoint", checkpointID, "drift", drift)
		warnings = append(warnings, string(types.KindResumeSchemaDrift)+": "+drift)
	}

	vars := cloneContext(cp.ContextSnapshot)
	for k, v := range overrides {
		vars[k] = v
	}

	runID := uuid.NewString()
	L_info("chain: resuming", "pipeline", p.PipelineID, "checkpoint", checkpointID,
		"run", runID, "startStep", start)

	res, err := r.runSteps(ctx, p, start, vars, runID, true, warnings)
	if err != nil {
		MetricOutcome("chain", "run", "error")
		return nil, err
	}
	MetricOutcome("chain", "run", "resumed")
	return res, nil
}

func (r *Runner) runSteps(ctx context.Context, p *types.Pipeline, start int, vars map[string]string, runID string, resumed bool, warnings []string) (*types.ChainResult, error) {
	results := make([]types.StepResult, 0, len(p.Steps)-start)

	for i := start; i < len(p.Steps); i++ {
		step := &p.Steps[i]
		if err := ctx.Err(); err != nil {
			return nil, types.Wrap(types.KindOf(err), err, "pipeline stopped before step %q", step.Name).WithTrace(runID)
		}

		prompt, err := renderTemplate(step.PromptTemplate, vars)
		if err != nil {
			return nil, stepError(err, step.Name, runID)
		}

		L_debug("chain: step start", "pipeline", p.PipelineID, "step", step.Name,
			"index", i, "run", runID)

		resp, err := r.router.RouteRequest(ctx, &types.Request{
			Prompt:        prompt,
			ModelHint:     step.ModelHint,
			TaskTypeHint:  step.TaskType,
			RequireVision: step.RequireVision,
			MaxTokens:     step.MaxTokens,
			TraceID:       runID,
		})
		if err != nil {
			return nil, stepError(err, step.Name, runID)
		}

		output := resp.Content
		if step.Extract != "" {
			output, err = applyExtract(step.Extract, resp.Content)
			if err != nil {
				return nil, stepError(err, step.Name, runID)
			}
		}

		vars[step.OutputKey] = output
		for _, w := range resp.Warnings {
			warnings = append(warnings, step.Name+": "+w)
		}
		results = append(results, types.StepResult{
			Name:      step.Name,
			OutputKey: step.OutputKey,
			ModelID:   resp.ModelID,
			LatencyMS: resp.LatencyMS,
		})
		MetricInc("chain", "steps")

		id, serr := r.store.Save(ctx, &types.Checkpoint{
			PipelineID:         p.PipelineID,
			StepIndexCompleted: i,
			ContextSnapshot:    cloneContext(vars),
			StepNames:          stepNames(p.Steps[:i+1]),
		})
		if serr != nil {
			return nil, types.Wrap(types.KindConfiguration, serr,
				"persist checkpoint after step %q", step.Name).WithTrace(runID)
		}
		L_debug("chain: checkpoint saved", "checkpoint", id, "step", step.Name, "index", i)
	}

	L_info("chain: pipeline complete", "pipeline", p.PipelineID, "run", runID,
		"steps", len(results), "resumed", resumed)
	return &types.ChainResult{
		PipelineID:  p.PipelineID,
		RunID:       runID,
		Context:     vars,
		StepResults: results,
		Resumed:     resumed,
		Warnings:    warnings,
	}, nil
}

func validate(p *types.Pipeline) error {
	if p == nil || len(p.Steps) == 0 {
		return types.Errorf(types.KindValidation, "pipeline has no steps")
	}
	seen := map[string]bool{}
	for i := range p.Steps {
		s := &p.Steps[i]
		if strings.TrimSpace(s.Name) == "" {
			return types.Errorf(types.KindValidation, "step %d has no name", i)
		}
		if seen[s.Name] {
			return types.Errorf(types.KindValidation, "duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.PromptTemplate) == "" {
			return types.Errorf(types.KindValidation, "step %q has no prompt template", s.Name)
		}
		if strings.TrimSpace(s.OutputKey) == "" {
			return types.Errorf(types.KindValidation, "step %q has no output key", s.Name)
		}
	}
	return nil
}

// stepError wraps a step failure with the step name, keeping the
// original kind so callers still branch on it.
func stepError(err error, stepName, runID string) error {
	kind := types.KindOf(err)
	if kind == "" {
		kind = types.KindProviderUnavailable
	}
	return types.Wrap(kind, err, "step %q failed", stepName).WithTrace(runID)
}

// detectDrift compares the checkpoint's executed step names against
// the pipeline's current prefix.
func detectDrift(executed []string, steps []types.PipelineStep) string {
	if len(executed) > len(steps) {
		return fmt.Sprintf("checkpoint recorded %d executed steps but the pipeline now has %d",
			len(executed), len(steps))
	}
	for i, name := range executed {
		if steps[i].Name != name {
			return fmt.Sprintf("step %d was %q at checkpoint time, now %q", i, name, steps[i].Name)
		}
	}
	return ""
}

func stepNames(steps []types.PipelineStep) []string {
	out := make([]string, len(steps))
	for i := range steps {
		out[i] = steps[i].Name
	}
	return out
}

func cloneContext(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
