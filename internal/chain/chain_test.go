package chain

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/goherd/internal/config"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// scriptedRouter answers calls in order: replies[i] for call i, or the
// error scripted at that index.
type scriptedRouter struct {
	mu      sync.Mutex
	reqs    []*types.Request
	replies []string
	errAt   map[int]error
}

func newScripted(replies ...string) *scriptedRouter {
	return &scriptedRouter{replies: replies, errAt: map[int]error{}}
}

func (r *scriptedRouter) RouteRequest(ctx context.Context, req *types.Request) (*types.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.reqs)
	r.reqs = append(r.reqs, req)
	if err := r.errAt[i]; err != nil {
		return nil, err
	}
	content := "answer"
	if i < len(r.replies) {
		content = r.replies[i]
	}
	return &types.Response{Content: content, ModelID: "m-step", LatencyMS: 5, TraceID: req.TraceID}, nil
}

func (r *scriptedRouter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func (r *scriptedRouter) request(i int) *types.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.reqs) {
		return nil
	}
	return r.reqs[i]
}

func summarizePipeline() *types.Pipeline {
	return &types.Pipeline{
		PipelineID: "pipe-1",
		Inputs:     map[string]string{"topic": "go"},
		Steps: []types.PipelineStep{
			{Name: "fetch", PromptTemplate: "Fetch {{topic}}", OutputKey: "raw"},
			{Name: "clean", PromptTemplate: "Clean {{raw}}", OutputKey: "cleaned"},
			{Name: "summarize", PromptTemplate: "Summarize {{cleaned}}", OutputKey: "summary"},
		},
	}
}

func newRunner(router Router, store CheckpointStore, mutate func(*config.Config)) *Runner {
	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg, router, store)
}

func TestRunBindsOutputs(t *testing.T) {
	router := newScripted("RAW", "CLEANED", "SUMMARY")
	store := NewMemoryStore()
	r := newRunner(router, store, nil)

	res, err := r.Run(context.Background(), summarizePipeline())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := router.request(0).Prompt; got != "Fetch go" {
		t.Errorf("step 1 prompt = %q", got)
	}
	if got := router.request(1).Prompt; got != "Clean RAW" {
		t.Errorf("step 2 prompt = %q", got)
	}
	if got := router.request(2).Prompt; got != "Summarize CLEANED" {
		t.Errorf("step 3 prompt = %q", got)
	}

	if res.Context["summary"] != "SUMMARY" || res.Context["topic"] != "go" {
		t.Errorf("context = %v", res.Context)
	}
	if len(res.StepResults) != 3 || res.StepResults[2].Name != "summarize" || res.StepResults[2].ModelID != "m-step" {
		t.Errorf("step results = %+v", res.StepResults)
	}
	if res.Resumed {
		t.Error("fresh run reported as resumed")
	}
	if res.RunID == "" {
		t.Error("run id not generated")
	}

	cps, err := store.List(context.Background(), "pipe-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("checkpoints = %d, want one per completed step", len(cps))
	}
	// Newest first: the final checkpoint covers all three steps.
	if cps[0].StepIndexCompleted != 2 || len(cps[0].StepNames) != 3 {
		t.Errorf("latest checkpoint = %+v", cps[0])
	}
}

func TestRunStepsShareOneTrace(t *testing.T) {
	router := newScripted()
	r := newRunner(router, NewMemoryStore(), nil)

	res, err := r.Run(context.Background(), summarizePipeline())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < router.calls(); i++ {
		if got := router.request(i).TraceID; got != res.RunID {
			t.Errorf("step %d trace = %q, want the run id %q", i, got, res.RunID)
		}
	}
}

func TestRunStepHintsCarry(t *testing.T) {
	router := newScripted()
	r := newRunner(router, NewMemoryStore(), nil)

	p := &types.Pipeline{
		PipelineID: "pipe-hints",
		Steps: []types.PipelineStep{{
			Name:           "describe",
			PromptTemplate: "What is in the image?",
			ModelHint:      "m-vision",
			TaskType:       types.TaskVision,
			RequireVision:  true,
			OutputKey:      "description",
			MaxTokens:      256,
		}},
	}
	if _, err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := router.request(0)
	if req.ModelHint != "m-vision" || req.TaskTypeHint != types.TaskVision ||
		!req.RequireVision || req.MaxTokens != 256 {
		t.Errorf("step request = %+v, hints not carried", req)
	}
}

func TestRunUnresolvedPlaceholderIsFatal(t *testing.T) {
	router := newScripted()
	store := NewMemoryStore()
	r := newRunner(router, store, nil)

	p := summarizePipeline()
	p.Inputs = nil // drops {{topic}}

	_, err := r.Run(context.Background(), p)
	if types.KindOf(err) != types.KindTemplate {
		t.Fatalf("kind = %v, want template", types.KindOf(err))
	}
	if router.calls() != 0 {
		t.Error("a template error must not reach the router")
	}
	if cps, _ := store.List(context.Background(), "pipe-1"); len(cps) != 0 {
		t.Error("no checkpoint should exist for a run that never completed a step")
	}
}

func TestRunStepFailureKeepsEarlierCheckpoint(t *testing.T) {
	router := newScripted("RAW")
	router.errAt[1] = types.Errorf(types.KindProviderUnavailable, "upstream down")
	store := NewMemoryStore()
	r := newRunner(router, store, nil)

	_, err := r.Run(context.Background(), summarizePipeline())
	if types.KindOf(err) != types.KindProviderUnavailable {
		t.Fatalf("kind = %v, want the step failure's kind preserved", types.KindOf(err))
	}
	if !strings.Contains(err.Error(), `step "clean" failed`) {
		t.Errorf("error %q does not name the failing step", err)
	}

	cps, _ := store.List(context.Background(), "pipe-1")
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d, want only the completed step's", len(cps))
	}
	if cps[0].StepIndexCompleted != 0 || cps[0].ContextSnapshot["raw"] != "RAW" {
		t.Errorf("checkpoint = %+v", cps[0])
	}
	if len(cps[0].StepNames) != 1 || cps[0].StepNames[0] != "fetch" {
		t.Errorf("step names = %v", cps[0].StepNames)
	}
}

func TestRunExtractBindsScalar(t *testing.T) {
	router := newScripted(`{"answer": "42", "reasoning": "long text"}`)
	r := newRunner(router, NewMemoryStore(), nil)

	p := &types.Pipeline{
		PipelineID: "pipe-extract",
		Steps: []types.PipelineStep{{
			Name:           "solve",
			PromptTemplate: "Answer as JSON",
			OutputKey:      "answer",
			Extract:        ".answer",
		}},
	}
	res, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Context["answer"] != "42" {
		t.Errorf("extracted = %q, want the raw string 42", res.Context["answer"])
	}
}

func TestRunBadExtractIsFatal(t *testing.T) {
	router := newScripted(`{"answer": "42"}`)
	store := NewMemoryStore()
	r := newRunner(router, store, nil)

	p := &types.Pipeline{
		PipelineID: "pipe-badjq",
		Steps: []types.PipelineStep{{
			Name:           "solve",
			PromptTemplate: "Answer as JSON",
			OutputKey:      "answer",
			Extract:        "][",
		}},
	}
	_, err := r.Run(context.Background(), p)
	if types.KindOf(err) != types.KindTemplate {
		t.Errorf("kind = %v, want template", types.KindOf(err))
	}
	if cps, _ := store.List(context.Background(), "pipe-badjq"); len(cps) != 0 {
		t.Error("a failed extract must not checkpoint the step")
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	store := NewMemoryStore()

	first := newScripted("RAW")
	first.errAt[1] = types.Errorf(types.KindTimeout, "slow upstream")
	if _, err := newRunner(first, store, nil).Run(context.Background(), summarizePipeline()); err == nil {
		t.Fatal("first run should fail at the second step")
	}

	cps, _ := store.List(context.Background(), "pipe-1")
	if len(cps) != 1 {
		t.Fatalf("checkpoints after failed run = %d, want 1", len(cps))
	}

	second := newScripted("CLEANED", "SUMMARY")
	res, err := newRunner(second, store, nil).Resume(context.Background(),
		summarizePipeline(), cps[0].CheckpointID, map[string]string{"raw": "OVERRIDDEN"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if second.calls() != 2 {
		t.Errorf("resumed run made %d calls, want 2: the completed step must not rerun", second.calls())
	}
	if got := second.request(0).Prompt; got != "Clean OVERRIDDEN" {
		t.Errorf("resumed step prompt = %q, want the override applied", got)
	}
	if !res.Resumed {
		t.Error("result not marked resumed")
	}
	if res.Context["summary"] != "SUMMARY" || res.Context["topic"] != "go" {
		t.Errorf("context = %v, want snapshot carried plus new outputs", res.Context)
	}
	if len(res.StepResults) != 2 {
		t.Errorf("step results = %d, want only the resumed steps", len(res.StepResults))
	}
}

func TestResumeSchemaDriftWarnsButProceeds(t *testing.T) {
	store := NewMemoryStore()

	first := newScripted("RAW")
	first.errAt[1] = types.Errorf(types.KindTimeout, "slow upstream")
	_, _ = newRunner(first, store, nil).Run(context.Background(), summarizePipeline())

	cps, _ := store.List(context.Background(), "pipe-1")
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d", len(cps))
	}

	reshaped := summarizePipeline()
	reshaped.Steps[0].Name = "fetch-v2"

	second := newScripted("CLEANED", "SUMMARY")
	res, err := newRunner(second, store, nil).Resume(context.Background(),
		reshaped, cps[0].CheckpointID, nil)
	if err != nil {
		t.Fatalf("Resume across drift must proceed, got %v", err)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.HasPrefix(w, string(types.KindResumeSchemaDrift)+":") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, missing the schema drift notice", res.Warnings)
	}
}

func TestResumePipelineIDMismatch(t *testing.T) {
	store := NewMemoryStore()
	id, err := store.Save(context.Background(), &types.Checkpoint{
		PipelineID:         "pipe-other",
		StepIndexCompleted: 0,
		ContextSnapshot:    map[string]string{"raw": "RAW"},
		StepNames:          []string{"fetch"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := newRunner(newScripted(), store, nil)
	_, err = r.Resume(context.Background(), summarizePipeline(), id, nil)
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("kind = %v, want validation", types.KindOf(err))
	}
}

func TestResumeUnknownCheckpoint(t *testing.T) {
	r := newRunner(newScripted(), NewMemoryStore(), nil)
	_, err := r.Resume(context.Background(), summarizePipeline(), "nope", nil)
	if types.KindOf(err) != types.KindNotFound {
		t.Errorf("kind = %v, want not_found", types.KindOf(err))
	}
}

func TestResumeNothingLeftToRun(t *testing.T) {
	store := NewMemoryStore()
	router := newScripted()
	r := newRunner(router, store, nil)

	if _, err := r.Run(context.Background(), summarizePipeline()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cps, _ := store.List(context.Background(), "pipe-1")
	_, err := r.Resume(context.Background(), summarizePipeline(), cps[0].CheckpointID, nil)
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("kind = %v, want validation for a fully-covered checkpoint", types.KindOf(err))
	}
}

func TestChainFeatureDisabled(t *testing.T) {
	r := newRunner(newScripted(), NewMemoryStore(), func(c *config.Config) {
		c.DisabledFeatures = []string{"chain"}
	})
	if _, err := r.Run(context.Background(), summarizePipeline()); types.KindOf(err) != types.KindFeatureDisabled {
		t.Errorf("Run kind = %v, want feature_disabled", types.KindOf(err))
	}
	if _, err := r.Resume(context.Background(), summarizePipeline(), "x", nil); types.KindOf(err) != types.KindFeatureDisabled {
		t.Errorf("Resume kind = %v, want feature_disabled", types.KindOf(err))
	}
}

func TestValidatePipeline(t *testing.T) {
	r := newRunner(newScripted(), NewMemoryStore(), nil)

	cases := []struct {
		name string
		p    *types.Pipeline
	}{
		{"no steps", &types.Pipeline{PipelineID: "p"}},
		{"duplicate names", &types.Pipeline{PipelineID: "p", Steps: []types.PipelineStep{
			{Name: "a", PromptTemplate: "x", OutputKey: "k1"},
			{Name: "a", PromptTemplate: "y", OutputKey: "k2"},
		}}},
		{"missing output key", &types.Pipeline{PipelineID: "p", Steps: []types.PipelineStep{
			{Name: "a", PromptTemplate: "x"},
		}}},
		{"missing template", &types.Pipeline{PipelineID: "p", Steps: []types.PipelineStep{
			{Name: "a", OutputKey: "k"},
		}}},
	}
	for _, c := range cases {
		if _, err := r.Run(context.Background(), c.p); types.KindOf(err) != types.KindValidation {
			t.Errorf("%s: kind = %v, want validation", c.name, types.KindOf(err))
		}
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	cp := &types.Checkpoint{
		PipelineID:         "pipe-db",
		StepIndexCompleted: 1,
		ContextSnapshot:    map[string]string{"raw": "RAW", "cleaned": "CLEANED"},
		StepNames:          []string{"fetch", "clean"},
	}
	id, err := store.Save(context.Background(), cp)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id == "" {
		t.Fatal("save did not assign an id")
	}

	got, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.PipelineID != "pipe-db" || got.StepIndexCompleted != 1 {
		t.Errorf("loaded = %+v", got)
	}
	if got.ContextSnapshot["cleaned"] != "CLEANED" {
		t.Errorf("context snapshot = %v", got.ContextSnapshot)
	}
	if len(got.StepNames) != 2 || got.StepNames[1] != "clean" {
		t.Errorf("step names = %v", got.StepNames)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}

	// Later checkpoints list first.
	second := &types.Checkpoint{
		PipelineID:         "pipe-db",
		StepIndexCompleted: 2,
		ContextSnapshot:    map[string]string{"summary": "S"},
		StepNames:          []string{"fetch", "clean", "summarize"},
		CreatedAt:          time.Now().Add(time.Second),
	}
	if _, err := store.Save(context.Background(), second); err != nil {
		t.Fatalf("Save second: %v", err)
	}
	list, err := store.List(context.Background(), "pipe-db")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].StepIndexCompleted != 2 {
		t.Errorf("list = %+v, want newest first", list)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Survives reopen.
	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Load(context.Background(), id); err != nil {
		t.Errorf("Load after reopen: %v", err)
	}
	if _, err := reopened.Load(context.Background(), "missing"); types.KindOf(err) != types.KindNotFound {
		t.Errorf("missing id kind = %v, want not_found", types.KindOf(err))
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	if _, err := OpenStore(config.SinkConfig{Driver: "memory"}); err != nil {
		t.Errorf("memory driver: %v", err)
	}

	s, err := OpenStore(config.SinkConfig{Driver: "none"})
	if err != nil {
		t.Fatalf("none driver: %v", err)
	}
	id, err := s.Save(context.Background(), &types.Checkpoint{PipelineID: "p"})
	if err != nil || id == "" {
		t.Errorf("discard save = %q, %v", id, err)
	}
	if _, err := s.Load(context.Background(), id); types.KindOf(err) != types.KindNotFound {
		t.Errorf("discard load kind = %v, want not_found", types.KindOf(err))
	}

	if _, err := OpenStore(config.SinkConfig{Driver: "postgres"}); types.KindOf(err) != types.KindConfiguration {
		t.Errorf("unknown driver kind = %v, want configuration", types.KindOf(err))
	}
}
