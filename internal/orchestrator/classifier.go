package orchestrator

import (
	"context"

	"github.com/roelfdiedericks/goherd/internal/types"
)

// classifierMaxTokens caps the classifier's reply; it only ever
// returns a tiny JSON object.
const classifierMaxTokens = 128

// classifierHook routes the analyzer's low-confidence fallback
// through the orchestrator itself, pinned to the configured
// classifier model. The hook's request carries a TaskTypeHint so its
// own analysis never recurses into classification.
type classifierHook struct {
	svc *Service
}

func (h classifierHook) Classify(ctx context.Context, prompt string) (string, error) {
	req := &types.Request{
		Prompt:       prompt,
		ModelHint:    h.svc.cfg.ClassifierModel,
		TaskTypeHint: types.TaskGeneral,
		Strategy:     "cost",
		MaxTokens:    classifierMaxTokens,
	}
	resp, err := h.svc.RouteRequest(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
