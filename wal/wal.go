package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrCorruptEntry marks a line that is not a valid entry.
var ErrCorruptEntry = errors.New("corrupt audit entry")

// EntryType defines the type of audit entry
type EntryType string

const (
	EntryFinding EntryType = "finding"
	EntryWarning EntryType = "warning"
	EntryReport  EntryType = "report"
	EntrySinkErr EntryType = "sink_error"
)

// Entry represents a single audit entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	ScanID    string          `json:"scan_id,omitempty"`
	Key       string          `json:"key,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// Config controls file naming, rotation and retention.
type Config struct {
	Dir           string `yaml:"dir"`
	FilePrefix    string `yaml:"file_prefix"`
	MaxFileSize   int64  `yaml:"max_file_size"`
	RetentionDays int    `yaml:"retention_days"`
}

// DefaultConfig returns the default audit log settings.
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "tuhlaus",
		MaxFileSize:   64 << 20,
		RetentionDays: 90,
	}
}

// WAL is an append-only JSON-lines audit log. Sequence numbers continue
// across files and process restarts.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	written  int64
	sequence int64
	dir      string
	config   Config
	now      func() time.Time
}

// Open opens an audit log in dir with the default config.
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens an audit log in dir.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	w := &WAL{dir: dir, config: config, now: time.Now}
	w.sequence = findLastSequenceInFiles(w.listWALFiles())

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// openFile starts a new file. Names sort chronologically; the sequence
// suffix keeps files opened within the same second distinct.
func (w *WAL) openFile() error {
	name := fmt.Sprintf("%s-%s-%012d.wal", w.config.FilePrefix, w.now().UTC().Format("20060102-150405"), w.sequence+1)
	file, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat audit file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.written = info.Size()
	return nil
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Sequence returns the last written sequence number.
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Append adds an entry to the log.
func (w *WAL) Append(entryType EntryType, scanID, key string, data any) error {
	return w.append(entryType, scanID, key, data, nil)
}

// AppendError adds an entry carrying an error.
func (w *WAL) AppendError(entryType EntryType, scanID, key string, data any, errToLog error) error {
	return w.append(entryType, scanID, key, data, errToLog)
}

func (w *WAL) append(entryType EntryType, scanID, key string, data any, errToLog error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return err
	}

	w.sequence++
	entry := Entry{
		Timestamp: w.now().UTC(),
		Sequence:  w.sequence,
		Type:      entryType,
		ScanID:    scanID,
		Key:       key,
		Data:      jsonData,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}
	return w.writeEntry(entry)
}

func (w *WAL) rotateIfNeeded() error {
	if w.config.MaxFileSize <= 0 || w.written < w.config.MaxFileSize {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close rotated file: %w", err)
	}
	return w.openFile()
}

// writeEntry writes a single entry and syncs it to disk.
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	w.written += int64(len(line))

	return w.file.Sync()
}

// listWALFiles returns the log files of this WAL in chronological order.
func (w *WAL) listWALFiles() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// Reader provides sequential access to one log file.
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the specified file.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry. It returns io.EOF at the end of the file.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry written after since, in sequence
// order across all files with the default prefix.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithConfig(dir, DefaultConfig(), since, handler)
}

// ReplayWithConfig is Replay for a custom file prefix.
func ReplayWithConfig(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	for _, file := range findAllWALFiles(dir, config.FilePrefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if !entry.Timestamp.After(since) {
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}

// findAllWALFiles returns all log files in dir, oldest first.
func findAllWALFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}
