package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	ScenarioID string  `json:"scenario_id"`
	Waste      float64 `json:"waste"`
}

func TestWAL_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(EntryFinding, "scan-1", "cloud_sql_idle|gcp|db-1", payload{"cloud_sql_idle", 242.8}))
	require.NoError(t, w.AppendError(EntryWarning, "scan-1", "", map[string]string{"kind": "listing"}, assert.AnError))
	require.NoError(t, w.Append(EntryReport, "scan-1", "", map[string]int{"findings": 1}))
	require.NoError(t, w.Close())

	var entries []*Entry
	require.NoError(t, Replay(dir, time.Time{}, func(e *Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 3)

	assert.Equal(t, EntryFinding, entries[0].Type)
	assert.Equal(t, "scan-1", entries[0].ScanID)
	assert.Equal(t, "cloud_sql_idle|gcp|db-1", entries[0].Key)
	var p payload
	require.NoError(t, json.Unmarshal(entries[0].Data, &p))
	assert.Equal(t, payload{"cloud_sql_idle", 242.8}, p)

	assert.Equal(t, EntryWarning, entries[1].Type)
	assert.Equal(t, assert.AnError.Error(), entries[1].Error)

	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestWAL_ReplaySince(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }
	require.NoError(t, w.Append(EntryFinding, "scan-1", "a", nil))
	w.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, w.Append(EntryFinding, "scan-2", "b", nil))
	require.NoError(t, w.Close())

	var keys []string
	require.NoError(t, Replay(dir, base, func(e *Entry) error {
		keys = append(keys, e.Key)
		return nil
	}))
	assert.Equal(t, []string{"b"}, keys)
}

func TestWAL_ReplayStopsOnHandlerError(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryFinding, "scan-1", "a", nil))
	require.NoError(t, w.Append(EntryFinding, "scan-1", "b", nil))
	require.NoError(t, w.Close())

	calls := 0
	err = Replay(dir, time.Time{}, func(*Entry) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}

func TestWAL_ReplayCorruptLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuhlaus-20260601-120000-000000000001.wal")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	err := Replay(dir, time.Time{}, func(*Entry) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestWAL_SequenceContinuesAcrossOpens(t *testing.T) {
	dir := t.TempDir()

	w1, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w1.Sequence())
	for i := 0; i < 3; i++ {
		require.NoError(t, w1.Append(EntryFinding, "scan-1", "r", nil))
	}
	require.NoError(t, w1.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(3), w2.Sequence())
	require.NoError(t, w2.Append(EntryFinding, "scan-2", "r", nil))
	assert.Equal(t, int64(4), w2.Sequence())
	require.NoError(t, w2.Close())

	w3, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = w3.Close() }()
	assert.Equal(t, int64(4), w3.Sequence())
}

func TestWAL_SequenceSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryFinding, "scan-1", "a", nil))
	require.NoError(t, w.Append(EntryFinding, "scan-1", "b", nil))
	require.NoError(t, w.Close())

	files := findAllWALFiles(dir, "tuhlaus")
	require.Len(t, files, 1)
	f, err := os.OpenFile(files[0], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = w2.Close() }()
	assert.Equal(t, int64(2), w2.Sequence())
}

func TestWAL_Rotation(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.MaxFileSize = 300

	w, err := OpenWithConfig(dir, config)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append(EntryFinding, "scan-1", "resource", "some data"))
	}
	require.NoError(t, w.Close())

	files := findAllWALFiles(dir, config.FilePrefix)
	assert.Greater(t, len(files), 1)

	var seqs []int64
	require.NoError(t, ReplayWithConfig(dir, config, time.Time{}, func(e *Entry) error {
		seqs = append(seqs, e.Sequence)
		return nil
	}))
	require.Len(t, seqs, 20)
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}
}

func TestWAL_CustomPrefix(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWithConfig(dir, Config{FilePrefix: "audit"})
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryReport, "scan-1", "", nil))
	require.NoError(t, w.Close())

	assert.Len(t, findAllWALFiles(dir, "audit"), 1)
	assert.Empty(t, findAllWALFiles(dir, "tuhlaus"))
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	oldFile := filepath.Join(dir, "tuhlaus-20260101-120000-000000000001.wal")
	newFile := filepath.Join(dir, "tuhlaus-20260530-120000-000000000009.wal")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{oldFile, newFile, other} {
		require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o644))
	}
	oldTime := now.AddDate(0, 0, -60)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))
	require.NoError(t, os.Chtimes(newFile, now, now))
	require.NoError(t, os.Chtimes(other, oldTime, oldTime))

	config := DefaultConfig()
	config.RetentionDays = 30
	stats, err := Cleanup(dir, config, now)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FilesRemoved)
	assert.Equal(t, int64(3), stats.BytesFreed)
	assert.WithinDuration(t, oldTime, stats.OldestRemoved, time.Second)
	assert.NoFileExists(t, oldFile)
	assert.FileExists(t, newFile)
	assert.FileExists(t, other)
}

func TestCleanup_Disabled(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "tuhlaus-20200101-120000-000000000001.wal")
	require.NoError(t, os.WriteFile(oldFile, nil, 0o644))
	oldTime := time.Now().AddDate(-5, 0, 0)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

	stats, err := Cleanup(dir, Config{FilePrefix: "tuhlaus"}, time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.FilesRemoved)
	assert.FileExists(t, oldFile)
}

func TestGetStats(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryFinding, "scan-1", "a", nil))
	require.NoError(t, w.Append(EntryFinding, "scan-1", "b", nil))
	require.NoError(t, w.Append(EntryReport, "scan-1", "", nil))

	stats := w.GetStats()
	require.NoError(t, w.Close())

	assert.Equal(t, 1, stats.TotalFiles)
	assert.Positive(t, stats.TotalSizeBytes)
	assert.Equal(t, int64(1), stats.FirstSequence)
	assert.Equal(t, int64(3), stats.LastSequence)
	assert.Equal(t, 2, stats.Entries[EntryFinding])
	assert.Equal(t, 1, stats.Entries[EntryReport])
	assert.Zero(t, stats.Corrupted)

	fromDir := GetStatsFromDir(dir, DefaultConfig())
	assert.Equal(t, stats.LastSequence, fromDir.LastSequence)
}

func TestGetStatsFromDir_Empty(t *testing.T) {
	stats := GetStatsFromDir(t.TempDir(), DefaultConfig())
	assert.Zero(t, stats.TotalFiles)
	assert.Zero(t, stats.LastSequence)
}
