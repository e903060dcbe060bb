package chain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/goherd/internal/config"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// CheckpointStore persists pipeline checkpoints. Save assigns the
// checkpoint id and timestamp when unset and returns the id; Load of
// an unknown id is a not_found error.
type CheckpointStore interface {
	Save(ctx context.Context, cp *types.Checkpoint) (string, error)
	Load(ctx context.Context, id string) (*types.Checkpoint, error)
	List(ctx context.Context, pipelineID string) ([]*types.Checkpoint, error)
	Close() error
}

// OpenStore builds the checkpoint store named by the config.
func OpenStore(cfg config.SinkConfig) (CheckpointStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	case "none", "":
		return discardStore{}, nil
	default:
		return nil, types.Errorf(types.KindConfiguration, "unknown checkpoint driver %q", cfg.Driver).
			WithHint("use sqlite, memory or none")
	}
}

// stamp fills the generated fields of a checkpoint in place.
func stamp(cp *types.Checkpoint) {
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
}

func copyCheckpoint(cp *types.Checkpoint) *types.Checkpoint {
	out := *cp
	out.ContextSnapshot = cloneContext(cp.ContextSnapshot)
	out.StepNames = append([]string(nil), cp.StepNames...)
	return &out
}

// MemoryStore keeps checkpoints in process memory, for tests and
// throwaway runs.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*types.Checkpoint
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]*types.Checkpoint{}}
}

func (s *MemoryStore) Save(ctx context.Context, cp *types.Checkpoint) (string, error) {
	stamp(cp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[cp.CheckpointID]; !exists {
		s.order = append(s.order, cp.CheckpointID)
	}
	s.byID[cp.CheckpointID] = copyCheckpoint(cp)
	return cp.CheckpointID, nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "checkpoint %q not found", id)
	}
	return copyCheckpoint(cp), nil
}

// List returns the pipeline's checkpoints, newest first.
func (s *MemoryStore) List(ctx context.Context, pipelineID string) ([]*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Checkpoint
	for i := len(s.order) - 1; i >= 0; i-- {
		cp := s.byID[s.order[i]]
		if cp.PipelineID == pipelineID {
			out = append(out, copyCheckpoint(cp))
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// discardStore satisfies runs that want no persistence: saves are
// acknowledged but dropped, so resume is never possible.
type discardStore struct{}

func (discardStore) Save(ctx context.Context, cp *types.Checkpoint) (string, error) {
	stamp(cp)
	return cp.CheckpointID, nil
}

func (discardStore) Load(ctx context.Context, id string) (*types.Checkpoint, error) {
	return nil, types.Errorf(types.KindNotFound, "checkpoint store is disabled").
		WithHint("set checkpoints.driver to sqlite to make runs resumable")
}

func (discardStore) List(ctx context.Context, pipelineID string) ([]*types.Checkpoint, error) {
	return nil, nil
}

func (discardStore) Close() error { return nil }
