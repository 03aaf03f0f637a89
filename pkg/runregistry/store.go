// Package runregistry keeps a small on-disk journal of backup runs.
package runregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pljakobs/backup/pkg/lockfile"
)

// Store persists and loads RunRecords.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
type Store struct {
	root  string
	alive func(pid int) bool
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), alive: lockfile.ProcessAlive}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.root, runID, "run.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("run journal root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// Write replaces run.json atomically.
func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.RunPath(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads one record. A record left "running" by a process that no
// longer exists is rewritten as unknown.
func (s *Store) Get(runID string) (*RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	if record.State == RunStateRunning && record.PID > 0 && !s.alive(record.PID) {
		record.State = RunStateUnknown
		_ = s.Write(&record)
	}
	return &record, nil
}

// List returns every readable record, newest first. Unreadable entries are
// skipped.
func (s *Store) List() ([]RunRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		// UUIDv7 ids sort by creation time.
		return out[i].RunID > out[j].RunID
	})
	return out, nil
}
