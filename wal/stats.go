package wal

import (
	"errors"
	"io"
	"os"
	"time"
)

// Stats describes the audit log on disk.
type Stats struct {
	TotalFiles     int
	TotalSizeBytes int64
	OldestFile     time.Time
	NewestFile     time.Time
	FirstSequence  int64
	LastSequence   int64
	Entries        map[EntryType]int
	Corrupted      int
}

// GetStats returns statistics for the files of this WAL.
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return collectStats(w.listWALFiles())
}

// GetStatsFromDir returns statistics for a log directory without an open WAL.
func GetStatsFromDir(dir string, config Config) Stats {
	return collectStats(findAllWALFiles(dir, config.FilePrefix))
}

func collectStats(files []string) Stats {
	stats := Stats{Entries: make(map[EntryType]int)}
	if len(files) == 0 {
		return stats
	}

	stats.TotalFiles = len(files)
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			stats.TotalSizeBytes += info.Size()
		}
		scanFile(file, func(e *Entry) {
			if stats.FirstSequence == 0 || e.Sequence < stats.FirstSequence {
				stats.FirstSequence = e.Sequence
			}
			if e.Sequence > stats.LastSequence {
				stats.LastSequence = e.Sequence
			}
			stats.Entries[e.Type]++
		}, func() { stats.Corrupted++ })
	}
	stats.OldestFile, stats.NewestFile = findTimeRange(files)
	return stats
}

// findLastSequenceInFiles returns the highest sequence across files,
// skipping corrupted lines.
func findLastSequenceInFiles(files []string) int64 {
	var maxSeq int64
	for _, file := range files {
		scanFile(file, func(e *Entry) {
			if e.Sequence > maxSeq {
				maxSeq = e.Sequence
			}
		}, func() {})
	}
	return maxSeq
}

func scanFile(path string, entry func(*Entry), corrupted func()) {
	reader, err := NewReader(path)
	if err != nil {
		return
	}
	defer func() { _ = reader.Close() }()

	for {
		e, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// A line longer than the scanner buffer ends the file.
			if !errors.Is(err, ErrCorruptEntry) {
				return
			}
			corrupted()
			continue
		}
		entry(e)
	}
}
