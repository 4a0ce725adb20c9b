// internal/knowledge/store.go

// Package knowledge implements the durable, cross-session record of
// fingerprints and outcomes. The store is the only resource shared between
// concurrent sessions: reads take a snapshot at session start, writes arrive
// as deltas and are folded in under a single mutex, and merge order never
// changes the result for a given set of deltas.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/andybalholm/brotli"
	jsoniter "github.com/json-iterator/go"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MergeConflictError describes a non-commutative collision between a delta
// and the stored record. It is never returned to callers: conflicts resolve
// last-writer-wins with a logged warning, per the error handling policy.
type MergeConflictError struct {
	Fingerprint schemas.Fingerprint
	Field       string
	Stored      string
	Incoming    string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("knowledge merge conflict on %s.%s: stored %q, incoming %q",
		e.Fingerprint, e.Field, e.Stored, e.Incoming)
}

// FileStore is the default knowledge backend: a brotli-compressed JSON file.
// Writes go through a temp file and an atomic rename, so a crashed flush can
// never destroy previously persisted knowledge.
type FileStore struct {
	mu      sync.Mutex
	path    string
	records map[schemas.Fingerprint]schemas.KnowledgeRecord
	logger  *zap.Logger
}

var _ schemas.KnowledgeStore = (*FileStore)(nil)

// NewFileStore creates a file-backed store. The path may start with "~".
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand knowledge path %q: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		path:    expanded,
		records: make(map[schemas.Fingerprint]schemas.KnowledgeRecord),
		logger:  logger.Named("knowledge"),
	}, nil
}

// Load reads the persisted knowledge file. A missing file is not an error;
// the store simply starts empty.
func (s *FileStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("No existing knowledge file, starting fresh", zap.String("path", s.path))
			return nil
		}
		return fmt.Errorf("failed to open knowledge file: %w", err)
	}
	defer f.Close()

	var loaded []schemas.KnowledgeRecord
	if err := json.NewDecoder(brotli.NewReader(f)).Decode(&loaded); err != nil {
		return fmt.Errorf("failed to decode knowledge file %s: %w", s.path, err)
	}

	for _, rec := range loaded {
		existing := s.records[rec.Fingerprint]
		existing.Merge(rec)
		s.records[rec.Fingerprint] = existing
	}
	s.logger.Info("Loaded persisted knowledge", zap.Int("records", len(loaded)), zap.String("path", s.path))
	return nil
}

// Snapshot returns a deep copy of the current records. Sessions read the
// copy without further synchronization.
func (s *FileStore) Snapshot(ctx context.Context) (map[schemas.Fingerprint]schemas.KnowledgeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(s.records), nil
}

// MergeDeltas folds a session's deltas into the store under the single
// serialization point. Record merges are commutative; the one field that is
// not (the activity name, which should never differ for one fingerprint)
// resolves last-writer-wins with a logged warning.
func (s *FileStore) MergeDeltas(ctx context.Context, deltas []schemas.KnowledgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, delta := range deltas {
		if delta.Fingerprint == "" {
			continue
		}
		existing, ok := s.records[delta.Fingerprint]
		if ok && existing.Activity != "" && delta.Activity != "" && existing.Activity != delta.Activity {
			conflict := &MergeConflictError{
				Fingerprint: delta.Fingerprint,
				Field:       "activity",
				Stored:      existing.Activity,
				Incoming:    delta.Activity,
			}
			s.logger.Warn("Knowledge merge conflict, keeping last writer", zap.Error(conflict))
			existing.Activity = delta.Activity
		}
		existing.Merge(delta)
		s.records[delta.Fingerprint] = existing
	}
	return nil
}

// Flush persists the merged state, all-or-nothing.
func (s *FileStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create knowledge directory: %w", err)
	}

	// Deterministic on-disk order keeps the file diffable across runs.
	out := make([]schemas.KnowledgeRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".knowledge-*")
	if err != nil {
		return fmt.Errorf("failed to create temp knowledge file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := brotli.NewWriter(tmp)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode knowledge: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp knowledge file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace knowledge file: %w", err)
	}
	s.logger.Info("Flushed knowledge", zap.Int("records", len(out)), zap.String("path", s.path))
	return nil
}

// copyRecords deep copies a record map, including the tried-action counters.
func copyRecords(in map[schemas.Fingerprint]schemas.KnowledgeRecord) map[schemas.Fingerprint]schemas.KnowledgeRecord {
	out := make(map[schemas.Fingerprint]schemas.KnowledgeRecord, len(in))
	for fp, rec := range in {
		if rec.TriedActions != nil {
			tried := make(map[string]int, len(rec.TriedActions))
			for action, count := range rec.TriedActions {
				tried[action] = count
			}
			rec.TriedActions = tried
		}
		out[fp] = rec
	}
	return out
}
