package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	. "github.com/roelfdiedericks/goherd/internal/metrics"
	"github.com/roelfdiedericks/goherd/internal/pool"
	"github.com/roelfdiedericks/goherd/internal/provider"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

type askCmd struct {
	Prompt []string `arg:"" help:"Prompt text; multiple words are joined with spaces."`

	Model       string   `help:"Pin a catalog model id instead of letting the selector pick." placeholder:"ID"`
	Strategy    string   `help:"Selection strategy: quality, speed, cost, balanced or auto." default:"auto"`
	TaskType    string   `name:"task-type" help:"Assert the task type instead of analyzing the prompt." placeholder:"TYPE"`
	System      string   `help:"System prompt passed through to the provider."`
	MaxTokens   int      `name:"max-tokens" help:"Cap on completion tokens." placeholder:"N"`
	Temperature *float64 `help:"Sampling temperature."`
	Image       []string `help:"Image file or URL to attach; repeatable." placeholder:"PATH"`
	Tools       bool     `help:"Require a tool-calling capable model."`
	JSONMode    bool     `name:"json-mode" help:"Require a JSON-mode capable model."`
	Vision      bool     `help:"Require a vision-capable model even without an image."`
	Stream      bool     `help:"Print tokens as they arrive."`
	JSON        bool     `help:"Print the full response as JSON."`
}

func (c *askCmd) Run(a *app) error {
	req := &types.Request{
		Prompt:        strings.Join(c.Prompt, " "),
		ModelHint:     c.Model,
		Strategy:      c.Strategy,
		System:        c.System,
		MaxTokens:     c.MaxTokens,
		Temperature:   c.Temperature,
		RequireTools:  c.Tools,
		RequireJSON:   c.JSONMode,
		RequireVision: c.Vision,
	}
	if c.TaskType != "" {
		tt, ok := types.ParseTaskType(c.TaskType)
		if !ok {
			return types.Errorf(types.KindValidation, "unknown task type %q", c.TaskType)
		}
		req.TaskTypeHint = tt
	}
	for _, src := range c.Image {
		ref, err := loadImage(src)
		if err != nil {
			return err
		}
		req.Images = append(req.Images, ref)
	}

	streaming := c.Stream && !c.JSON
	var wrote bool
	if streaming {
		req.OnDelta = func(delta string) {
			wrote = true
			fmt.Print(delta)
		}
	}

	resp, err := a.svc.RouteRequest(a.ctx, req)
	if err != nil {
		if wrote {
			fmt.Println()
		}
		return err
	}

	switch {
	case c.JSON:
		return printJSON(resp)
	case wrote:
		fmt.Println()
	default:
		fmt.Println(resp.Content)
	}

	L_info("ask: answered",
		"model", resp.ModelID,
		"tokens", fmt.Sprintf("%d in / %d out", resp.InputTokens, resp.OutputTokens),
		"cost", fmt.Sprintf("$%.6f", resp.CostUSD),
		"latency", fmt.Sprintf("%dms", resp.LatencyMS),
		"attempt", resp.AttemptIndex,
		"trace", resp.TraceID)
	for _, w := range resp.Warnings {
		L_warn("ask: warning", "detail", w)
	}
	return nil
}

type consensusCmd struct {
	Prompt []string `arg:"" help:"Prompt text; multiple words are joined with spaces."`

	Models      int               `help:"Panel size, minimum 2." placeholder:"N"`
	Strategy    string            `help:"Aggregation: vote or synthesis." default:"vote" enum:"vote,synthesis"`
	Select      string            `name:"select" help:"Ranking strategy for picking panelists." default:"auto"`
	Stance      map[string]string `help:"Stance instruction per model id." placeholder:"MODEL=TEXT"`
	Arbiter     string            `help:"Synthesis arbiter model id." placeholder:"ID"`
	MaxTokens   int               `name:"max-tokens" help:"Cap on completion tokens per panelist." placeholder:"N"`
	Temperature *float64          `help:"Sampling temperature for every panelist."`
	Image       []string          `help:"Image file or URL to attach; repeatable." placeholder:"PATH"`
	JSON        bool              `help:"Print the full result as JSON."`
}

func (c *consensusCmd) Run(a *app) error {
	req := &types.ConsensusRequest{
		Prompt:         strings.Join(c.Prompt, " "),
		Models:         c.Models,
		Strategy:       c.Strategy,
		SelectStrategy: c.Select,
		Stances:        c.Stance,
		Arbiter:        c.Arbiter,
		MaxTokens:      c.MaxTokens,
		Temperature:    c.Temperature,
	}
	for _, src := range c.Image {
		ref, err := loadImage(src)
		if err != nil {
			return err
		}
		req.Images = append(req.Images, ref)
	}

	res, err := a.panel.Run(a.ctx, req)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(res)
	}

	fmt.Println(res.AggregatedContent)
	L_info("consensus: aggregated",
		"strategy", res.StrategyUsed,
		"agreement", fmt.Sprintf("%.2f (%s)", res.AgreementScore, res.AgreementBand),
		"panel", len(res.Individual),
		"trace", res.TraceID)
	for _, ind := range res.Individual {
		L_debug("consensus: participant", "model", ind.ModelID, "score", fmt.Sprintf("%.3f", ind.Score))
	}
	for _, w := range res.Warnings {
		L_warn("consensus: warning", "detail", w)
	}
	return nil
}

type chainCmd struct {
	Run    chainRunCmd    `cmd:"" help:"Execute every step of a pipeline file."`
	Resume chainResumeCmd `cmd:"" help:"Continue a failed run from a checkpoint."`
}

type chainRunCmd struct {
	File  string            `arg:"" type:"existingfile" help:"Pipeline file (.yaml, .yml or .json)."`
	Input map[string]string `help:"Initial context entries, overriding the file's inputs." placeholder:"KEY=VALUE"`
	JSON  bool              `help:"Print the full result as JSON."`
}

func (c *chainRunCmd) Run(a *app) error {
	p, err := loadPipeline(c.File)
	if err != nil {
		return err
	}
	mergeInputs(p, c.Input)

	res, err := a.chains.Run(a.ctx, p)
	if err != nil {
		a.resumeHint(p.PipelineID)
		return err
	}
	return printChain(res, c.JSON)
}

type chainResumeCmd struct {
	File       string            `arg:"" type:"existingfile" help:"Pipeline file (.yaml, .yml or .json)."`
	Checkpoint string            `arg:"" help:"Checkpoint id logged by the failed run."`
	Input      map[string]string `help:"Context overrides applied on top of the snapshot." placeholder:"KEY=VALUE"`
	JSON       bool              `help:"Print the full result as JSON."`
}

func (c *chainResumeCmd) Run(a *app) error {
	p, err := loadPipeline(c.File)
	if err != nil {
		return err
	}
	res, err := a.chains.Resume(a.ctx, p, c.Checkpoint, c.Input)
	if err != nil {
		return err
	}
	return printChain(res, c.JSON)
}

type modelsCmd struct {
	Provider   string `help:"Filter by provider."`
	Capability string `help:"Filter by capability flag."`
	Maturity   string `help:"Filter by maturity: stable, beta or alpha."`
	Available  bool   `help:"Hide models currently marked unavailable."`
	JSON       bool   `help:"Print the catalog as JSON."`
}

func (c *modelsCmd) Run(a *app) error {
	list := a.svc.ListModels(registry.Filter{
		Provider:      c.Provider,
		Capability:    c.Capability,
		Maturity:      c.Maturity,
		AvailableOnly: c.Available,
	})
	if c.JSON {
		return printJSON(list)
	}

	fmt.Printf("%-28s %-10s %-8s %9s %9s %9s  %s\n",
		"MODEL", "PROVIDER", "MATURITY", "IN/1K", "OUT/1K", "CONTEXT", "CAPABILITIES")
	for _, m := range list {
		note := ""
		if !m.Available {
			note = "  [unavailable]"
			if m.AvailabilityReason != "" {
				note = "  [unavailable: " + m.AvailabilityReason + "]"
			}
		}
		fmt.Printf("%-28s %-10s %-8s %9.4f %9.4f %9d  %s%s\n",
			m.ID, m.Provider, m.Maturity,
			m.InputCostPer1K, m.OutputCostPer1K, m.ContextWindow,
			strings.Join(m.Capabilities, ","), note)
	}
	L_debug("models: listed", "count", len(list), "registry", a.reg.Version())
	return nil
}

type healthCmd struct {
	Stats bool `help:"Include the in-process metrics snapshot."`
	JSON  bool `help:"Print as JSON."`
}

type healthReport struct {
	RegistryVersion string                           `json:"registryVersion"`
	Providers       map[string]provider.HealthStatus `json:"providers"`
	Cooldowns       []pool.Status                    `json:"cooldowns,omitempty"`
	Metrics         *Snapshot                        `json:"metrics,omitempty"`
}

func (c *healthCmd) Run(a *app) error {
	statuses := a.svc.Health(a.ctx)
	var cooldowns []pool.Status
	for _, st := range a.svc.ProviderStatuses() {
		if st.InCooldown {
			cooldowns = append(cooldowns, st)
		}
	}

	if c.JSON {
		report := healthReport{
			RegistryVersion: a.reg.Version(),
			Providers:       statuses,
			Cooldowns:       cooldowns,
		}
		if c.Stats {
			snap := MetricsSnapshot()
			report.Metrics = &snap
		}
		return printJSON(report)
	}

	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hs := statuses[name]
		if hs.Available {
			fmt.Printf("%-10s up\n", name)
		} else {
			fmt.Printf("%-10s down  %s\n", name, hs.Reason)
		}
	}
	for _, st := range cooldowns {
		fmt.Printf("%-10s cooling down until %s (%s)\n",
			st.Provider, st.Until.Format(time.Kitchen), st.Reason)
	}
	if c.Stats {
		return printJSON(MetricsSnapshot())
	}
	return nil
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("goherd %s\n", version)
	return nil
}

// loadImage turns a local file or a URL into an ImageRef. Files are
// sniffed and inlined as base64; URLs pass through for the provider
// to fetch.
func loadImage(src string) (types.ImageRef, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return types.ImageRef{URL: src}, nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return types.ImageRef{}, types.Wrap(types.KindValidation, err, "read image %s", src)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return types.ImageRef{}, types.Errorf(types.KindValidation, "%s is not an image (detected %s)", src, mime)
	}
	return types.ImageRef{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// loadPipeline reads a pipeline definition, picking the codec by file
// extension.
func loadPipeline(path string) (*types.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Wrap(types.KindValidation, err, "read pipeline %s", path)
	}
	var p types.Pipeline
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, types.Wrap(types.KindValidation, err, "parse pipeline %s", path)
		}
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, types.Wrap(types.KindValidation, err, "parse pipeline %s", path)
		}
	default:
		return nil, types.Errorf(types.KindValidation, "unsupported pipeline format %q", filepath.Ext(path)).
			WithHint("use a .yaml or .json pipeline file")
	}
	return &p, nil
}

func mergeInputs(p *types.Pipeline, overrides map[string]string) {
	if len(overrides) == 0 {
		return
	}
	if p.Inputs == nil {
		p.Inputs = make(map[string]string, len(overrides))
	}
	for k, v := range overrides {
		p.Inputs[k] = v
	}
}

// resumeHint tells the operator how to pick a failed run back up.
// Uses a fresh context: the run's context is often already cancelled
// when we get here.
func (a *app) resumeHint(pipelineID string) {
	if pipelineID == "" {
		return
	}
	cps, err := a.store.List(context.Background(), pipelineID)
	if err != nil || len(cps) == 0 {
		return
	}
	L_info("chain: latest checkpoint",
		"checkpoint", cps[0].CheckpointID,
		"steps_done", cps[0].StepIndexCompleted+1,
		"resume", fmt.Sprintf("goherd chain resume FILE %s", cps[0].CheckpointID))
}

func printChain(res *types.ChainResult, asJSON bool) error {
	if asJSON {
		return printJSON(res)
	}
	for _, sr := range res.StepResults {
		L_info("chain: step done",
			"step", sr.Name,
			"model", sr.ModelID,
			"latency", fmt.Sprintf("%dms", sr.LatencyMS),
			"output_key", sr.OutputKey)
	}
	for _, w := range res.Warnings {
		L_warn("chain: warning", "detail", w)
	}
	if n := len(res.StepResults); n > 0 {
		fmt.Println(res.Context[res.StepResults[n-1].OutputKey])
	}
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
