package runregistry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		RunID:     "0195f0c2-0000-7000-8000-000000000001",
		Mode:      "backup",
		State:     RunStateFinished,
		Status:    "warning",
		CreatedAt: now,
		EndedAt:   &now,
		Hosts: []HostSummary{
			{Name: "nas", Status: "warning", Paths: 2, DurationSeconds: 12.5},
		},
		FailedHosts: []string{"laptop"},
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Get(rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, RunStateFinished, got.State)
	require.Len(t, got.Hosts, 1)
	assert.Equal(t, "nas", got.Hosts[0].Name)
	assert.Equal(t, []string{"laptop"}, got.FailedHosts)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(s.RunPath(rec.RunID)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())

	t1 := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	require.NoError(t, s.Write(&RunRecord{RunID: "run-1", State: RunStateFinished, CreatedAt: t1}))
	require.NoError(t, s.Write(&RunRecord{RunID: "run-2", State: RunStateFinished, CreatedAt: t2}))
	require.NoError(t, os.WriteFile(filepath.Join(s.RootDir(), "stray.txt"), []byte("x"), 0o644))

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].RunID)
}

func TestStore_ListMissingRoot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"))
	got, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ZombieRunning(t *testing.T) {
	s := NewStore(t.TempDir())
	s.alive = func(int) bool { return false }

	require.NoError(t, s.Write(&RunRecord{RunID: "run-z", State: RunStateRunning, PID: 999999, CreatedAt: time.Now().UTC()}))

	got, err := s.Get("run-z")
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, got.State)

	// Persisted.
	s.alive = func(int) bool { return true }
	got, err = s.Get("run-z")
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, got.State)
}

func TestStore_WriteValidation(t *testing.T) {
	s := NewStore(t.TempDir())
	assert.Error(t, s.Write(nil))
	assert.Error(t, s.Write(&RunRecord{}))
	assert.Error(t, NewStore("").Write(&RunRecord{RunID: "x"}))
}
