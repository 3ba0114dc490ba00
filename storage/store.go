// Package storage persists findings across scans in a bbolt database
// with an in-memory btree index of their lifecycle state.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// Bucket names in bbolt
var (
	bucketFindings = []byte("findings")
	bucketHistory  = []byte("history")
	bucketMeta     = []byte("meta")

	keyRevision = []byte("current_revision")
)

// Store tracks open and resolved findings. Every write bumps a store-wide
// revision recorded alongside the finding's history.
type Store struct {
	mu sync.RWMutex

	// In-memory index for fast lookups
	index *btree.BTreeG[*Record]

	db         *bbolt.DB
	currentRev int64
	path       string
	now        func() time.Time
}

var (
	_ orchestrator.FindingSink  = (*Store)(nil)
	_ orchestrator.ScanObserver = (*Store)(nil)
)

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketFindings, bucketHistory, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &Store{
		index: btree.NewG(32, func(a, b *Record) bool {
			return a.Key < b.Key
		}),
		db:   db,
		path: path,
		now:  time.Now,
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Emit records one finding.
func (s *Store) Emit(ctx context.Context, f finding.Finding) error {
	_, err := s.Upsert(ctx, f)
	return err
}

// ScanCompleted resolves the open findings the scan re-checked without
// reporting them again.
func (s *Store) ScanCompleted(ctx context.Context, report *orchestrator.Report) error {
	_, err := s.Resolve(ctx, report.ScanID, report.Covers, report.FinishedAt)
	return err
}

// Upsert opens, updates or reopens the finding's record and returns it.
// While a finding stays open its accrued waste never decreases.
func (s *Store) Upsert(ctx context.Context, f finding.Finding) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	rec, ev := s.merge(f, rev)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		if err := putEvent(tx, ev); err != nil {
			return err
		}
		return putRevision(tx, rev)
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to store finding %s: %w", rec.Key, err)
	}

	s.currentRev = rev
	s.index.ReplaceOrInsert(rec)
	return *rec, nil
}

func (s *Store) merge(f finding.Finding, rev int64) (*Record, Event) {
	key := f.Key()
	seen := f.DetectedAt
	if seen.IsZero() {
		seen = s.now().UTC()
	}

	prev, found := s.index.Get(&Record{Key: key})
	if found && prev.Open() {
		rec := *prev
		if ref := prev.Finding.ReferenceTime; !ref.IsZero() && (f.ReferenceTime.IsZero() || ref.Before(f.ReferenceTime)) {
			// Accrual continues from the earliest reference of the open finding.
			f.ReferenceTime = ref
			if accrued, err := cost.AlreadyWasted(f.MonthlyWaste, resource.DaysBetween(ref, seen)); err == nil {
				f.AlreadyWasted = max(f.AlreadyWasted, accrued)
			}
		}
		if prev.Finding.AlreadyWasted > f.AlreadyWasted {
			f.AlreadyWasted = prev.Finding.AlreadyWasted
		}
		if f.ScanID == "" || f.ScanID != prev.LastScanID {
			rec.Observations++
		}
		rec.Finding = f
		rec.LastSeen = seen
		rec.LastScanID = f.ScanID
		rec.LastRev = rev
		return &rec, newEvent(&rec, EventUpdated, seen)
	}

	rec := &Record{
		Key:          key,
		Status:       StatusOpen,
		Finding:      f,
		FirstSeen:    seen,
		LastSeen:     seen,
		LastScanID:   f.ScanID,
		Observations: 1,
		FirstRev:     rev,
		LastRev:      rev,
	}
	if !found {
		return rec, newEvent(rec, EventOpened, seen)
	}
	rec.Reopened = prev.Reopened + 1
	return rec, newEvent(rec, EventReopened, seen)
}

// Resolve marks open findings as resolved when covers reports that scanID
// re-checked them and the scan did not report them. A zero at uses the
// current time.
func (s *Store) Resolve(ctx context.Context, scanID string, covers func(*finding.Finding) bool, at time.Time) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var resolved []*Record
	rev := s.currentRev
	s.index.Ascend(func(r *Record) bool {
		if !r.Open() || r.LastScanID == scanID || !covers(&r.Finding) {
			return true
		}
		rev++
		rec := *r
		rec.Status = StatusResolved
		rec.ResolvedAt = at
		rec.LastRev = rev
		resolved = append(resolved, &rec)
		return true
	})
	if len(resolved) == 0 {
		return nil, nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, rec := range resolved {
			if err := putRecord(tx, rec); err != nil {
				return err
			}
			ev := newEvent(rec, EventResolved, at)
			ev.ScanID = scanID
			if err := putEvent(tx, ev); err != nil {
				return err
			}
		}
		return putRevision(tx, rev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve findings: %w", err)
	}

	s.currentRev = rev
	out := make([]Record, 0, len(resolved))
	for _, rec := range resolved {
		s.index.ReplaceOrInsert(rec)
		out = append(out, *rec)
	}
	return out, nil
}

// Get returns the record of a finding key.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, found := s.index.Get(&Record{Key: key})
	if !found {
		return Record{}, false
	}
	return *rec, true
}

// List returns the matching records ordered by key.
func (s *Store) List(opts ListOptions) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	s.index.Ascend(func(r *Record) bool {
		if opts.match(r) {
			out = append(out, *r)
		}
		return true
	})
	return out
}

// CurrentRevision returns the current revision number
func (s *Store) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Stats counts records by status.
func (s *Store) Stats() (open, resolved int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.index.Ascend(func(r *Record) bool {
		if r.Open() {
			open++
		} else {
			resolved++
		}
		return true
	})
	return open, resolved
}

// History returns the lifecycle events of one finding, oldest first.
func (s *Store) History(ctx context.Context, key string) ([]Event, error) {
	events, err := s.EventsSince(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range events {
		if ev.Key == key {
			out = append(out, ev)
		}
	}
	return out, nil
}

// EventsSince returns the events written after revision rev.
func (s *Store) EventsSince(ctx context.Context, rev int64) ([]Event, error) {
	var results []Event

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Seek(makeHistoryKey(rev+1, "")); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			results = append(results, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return results, nil
}

// Compact drops history older than the last keepRevisions revisions and
// resolved findings not touched since then.
func (s *Store) Compact(ctx context.Context, keepRevisions int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.currentRev - keepRevisions
	if cutoff <= 0 {
		return nil
	}

	var stale []*Record
	s.index.Ascend(func(r *Record) bool {
		if !r.Open() && r.LastRev < cutoff {
			stale = append(stale, r)
		}
		return true
	})

	err := s.db.Update(func(tx *bbolt.Tx) error {
		history := tx.Bucket(bucketHistory)
		c := history.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if parseHistoryRevision(k) >= cutoff {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, key := range toDelete {
			if err := history.Delete(key); err != nil {
				return err
			}
		}

		findings := tx.Bucket(bucketFindings)
		for _, r := range stale {
			if err := findings.Delete([]byte(r.Key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}

	for _, r := range stale {
		s.index.Delete(r)
	}
	return nil
}

// load reads the revision and rebuilds the index from disk.
func (s *Store) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); len(data) == 8 {
			s.currentRev = int64(binary.BigEndian.Uint64(data)) //nolint:gosec // revisions are positive
		}

		return tx.Bucket(bucketFindings).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode finding %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(&rec)
			return nil
		})
	})
}

func newEvent(rec *Record, typ EventType, at time.Time) Event {
	return Event{
		Revision:      rec.LastRev,
		Key:           rec.Key,
		Type:          typ,
		ScanID:        rec.LastScanID,
		Timestamp:     at,
		Tier:          string(rec.Finding.Tier),
		MonthlyWaste:  rec.Finding.MonthlyWaste,
		AlreadyWasted: rec.Finding.AlreadyWasted,
	}
}

func putRecord(tx *bbolt.Tx, rec *Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return tx.Bucket(bucketFindings).Put([]byte(rec.Key), value)
}

func putEvent(tx *bbolt.Tx, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return tx.Bucket(bucketHistory).Put(makeHistoryKey(ev.Revision, ev.Key), value)
}

func putRevision(tx *bbolt.Tx, rev int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(rev)) //nolint:gosec // revisions are positive
	return tx.Bucket(bucketMeta).Put(keyRevision, buf)
}

// makeHistoryKey orders events by revision, then by finding key.
func makeHistoryKey(rev int64, key string) []byte {
	buf := make([]byte, 8, 8+len(key))
	binary.BigEndian.PutUint64(buf, uint64(rev)) //nolint:gosec // revisions are positive
	return append(buf, key...)
}

func parseHistoryRevision(k []byte) int64 {
	if len(k) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k[:8])) //nolint:gosec // revisions are positive
}
