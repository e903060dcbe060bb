package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/roelfdiedericks/goherd/internal/types"
)

// JSONLSink appends one JSON object per line. Handy for piping into
// jq or shipping to a log collector.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
}

func NewJSONL(path string) (*JSONLSink, error) {
	if path == "" {
		return nil, types.Errorf(types.KindConfiguration, "usage: jsonl sink needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("usage: create sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("usage: open jsonl sink: %w", err)
	}
	return &JSONLSink{file: f}, nil
}

func (s *JSONLSink) Append(rec types.UsageRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(line, '\n'))
	return err
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
