package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes log files last written before the retention period.
// The file currently open by a WAL is never old enough to be removed
// because every append touches it.
func Cleanup(dir string, config Config, now time.Time) (CleanupStats, error) {
	var stats CleanupStats
	if config.RetentionDays <= 0 {
		return stats, nil
	}

	cutoff := now.AddDate(0, 0, -config.RetentionDays)
	var old []string
	for _, file := range findAllWALFiles(dir, config.FilePrefix) {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		old = append(old, file)
		stats.BytesFreed += info.Size()
	}
	if len(old) == 0 {
		return stats, nil
	}

	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(old)
	for _, file := range old {
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.FilesRemoved++
	}
	return stats, nil
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if oldest.IsZero() || mod.Before(oldest) {
			oldest = mod
		}
		if mod.After(newest) {
			newest = mod
		}
	}
	return oldest, newest
}
