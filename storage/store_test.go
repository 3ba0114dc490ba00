package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
	"github.com/yairfalse/tuhlaus/pkg/resource"
)

var day1 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "findings.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func idleFinding(resourceID, scanID string, detected time.Time, alreadyWasted float64) finding.Finding {
	return finding.Finding{
		ScenarioID:    "cloud_sql_idle",
		ResourceID:    resourceID,
		ResourceType:  "cloud_sql_instance",
		Provider:      resource.ProviderGCP,
		Account:       "prod",
		ScanID:        scanID,
		DetectedAt:    detected,
		Tier:          finding.TierHigh,
		MonthlyCost:   cost.FromFloat(242.80),
		MonthlyWaste:  cost.FromFloat(242.80),
		AlreadyWasted: cost.FromFloat(alreadyWasted),
		ReferenceTime: detected.AddDate(0, 0, -14),
	}
}

func sqlReport(scanID string, finished time.Time, listingErr string) *orchestrator.Report {
	state := orchestrator.StateCompleted
	if listingErr != "" {
		state = orchestrator.StateFailed
	}
	return &orchestrator.Report{
		ScanID:     scanID,
		Account:    "prod",
		State:      state,
		FinishedAt: finished,
		Scenarios:  []string{"cloud_sql_idle"},
		Listings: []orchestrator.Listing{
			{Source: "gcp", Provider: resource.ProviderGCP, ResourceType: "cloud_sql_instance", Error: listingErr},
		},
	}
}

func TestStore_Upsert_Opens(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, idleFinding("db-1", "scan-1", day1, 113.31))
	require.NoError(t, err)

	assert.Equal(t, "cloud_sql_idle|gcp|db-1", rec.Key)
	assert.Equal(t, StatusOpen, rec.Status)
	assert.Equal(t, 1, rec.Observations)
	assert.Equal(t, int64(1), rec.FirstRev)
	assert.Equal(t, day1, rec.FirstSeen)
	assert.Equal(t, int64(1), s.CurrentRevision())
}

func TestStore_AlreadyWastedIsMonotonic(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, idleFinding("db-1", "scan-1", day1, 113.31))
	require.NoError(t, err)

	// A later scan references a later window start. Accrual continues
	// from the first reference.
	rec, err := s.Upsert(ctx, idleFinding("db-1", "scan-2", day1.Add(24*time.Hour), 80))
	require.NoError(t, err)
	assert.Equal(t, accrued(t, 242.80, 15), rec.Finding.AlreadyWasted)
	assert.Equal(t, day1.AddDate(0, 0, -14), rec.Finding.ReferenceTime)
	assert.Equal(t, 2, rec.Observations)
	assert.Equal(t, day1, rec.FirstSeen)
	assert.Equal(t, day1.Add(24*time.Hour), rec.LastSeen)

	// A reported value above the recomputed accrual is kept.
	rec, err = s.Upsert(ctx, idleFinding("db-1", "scan-3", day1.Add(48*time.Hour), 130))
	require.NoError(t, err)
	assert.Equal(t, cost.FromFloat(130), rec.Finding.AlreadyWasted)
	assert.Equal(t, 3, rec.Observations)
}

func accrued(t *testing.T, monthly, days float64) cost.Money {
	t.Helper()
	m, err := cost.AlreadyWasted(cost.FromFloat(monthly), days)
	require.NoError(t, err)
	return m
}

func TestStore_AlreadyWastedAccruesFromFirstReference(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	// Every scan of an idle rule references the start of its 14 day window.
	fourteenDays := accrued(t, 242.80, 14).Float64()

	var rec Record
	for i, scanID := range []string{"scan-1", "scan-2", "scan-3"} {
		var err error
		rec, err = s.Upsert(ctx, idleFinding("db-1", scanID, day1.AddDate(0, 0, 30*i), fourteenDays))
		require.NoError(t, err)
	}

	ref := rec.Finding.ReferenceTime
	assert.Equal(t, day1.AddDate(0, 0, -14), ref)
	elapsed := resource.DaysBetween(ref, rec.Finding.DetectedAt)
	assert.InDelta(t, 74, elapsed, 1e-9)
	assert.Equal(t, accrued(t, 242.80, elapsed), rec.Finding.AlreadyWasted)
	assert.InDelta(t, 598.91, rec.Finding.AlreadyWasted.Float64(), 0.01)
	assert.Equal(t, 3, rec.Observations)
}

func TestStore_SameScanCountsOnce(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, idleFinding("db-1", "scan-1", day1, 10)))
	require.NoError(t, s.Emit(ctx, idleFinding("db-1", "scan-1", day1, 10)))

	rec, ok := s.Get("cloud_sql_idle|gcp|db-1")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Observations)
}

func TestStore_ScanCompleted_Resolves(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, idleFinding("db-1", "scan-1", day1, 10)))
	require.NoError(t, s.Emit(ctx, idleFinding("db-2", "scan-1", day1, 10)))
	require.NoError(t, s.ScanCompleted(ctx, sqlReport("scan-1", day1, "")))

	day2 := day1.Add(24 * time.Hour)
	require.NoError(t, s.Emit(ctx, idleFinding("db-2", "scan-2", day2, 20)))
	require.NoError(t, s.ScanCompleted(ctx, sqlReport("scan-2", day2, "")))

	rec, ok := s.Get("cloud_sql_idle|gcp|db-1")
	require.True(t, ok)
	assert.Equal(t, StatusResolved, rec.Status)
	assert.Equal(t, day2, rec.ResolvedAt)

	open := s.List(ListOptions{Status: StatusOpen})
	require.Len(t, open, 1)
	assert.Equal(t, "db-2", open[0].Finding.ResourceID)

	o, r := s.Stats()
	assert.Equal(t, 1, o)
	assert.Equal(t, 1, r)
}

func TestStore_FailedListingDoesNotResolve(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, idleFinding("db-1", "scan-1", day1, 10)))
	require.NoError(t, s.ScanCompleted(ctx, sqlReport("scan-2", day1.Add(time.Hour), "permission denied")))

	rec, ok := s.Get("cloud_sql_idle|gcp|db-1")
	require.True(t, ok)
	assert.True(t, rec.Open())
}

func TestStore_InconclusiveDoesNotResolve(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, idleFinding("db-1", "scan-1", day1, 10)))
	report := sqlReport("scan-2", day1.Add(time.Hour), "")
	report.Inconclusive = []string{"cloud_sql_idle|gcp|db-1"}
	require.NoError(t, s.ScanCompleted(ctx, report))

	rec, _ := s.Get("cloud_sql_idle|gcp|db-1")
	assert.True(t, rec.Open())
}

func TestStore_Reopen(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, idleFinding("db-1", "scan-1", day1, 50)))
	_, err := s.Resolve(ctx, "scan-2", func(*finding.Finding) bool { return true }, day1.Add(time.Hour))
	require.NoError(t, err)

	// Accrual restarts once the condition has cleared.
	rec, err := s.Upsert(ctx, idleFinding("db-1", "scan-3", day1.Add(48*time.Hour), 5))
	require.NoError(t, err)
	assert.True(t, rec.Open())
	assert.Equal(t, 1, rec.Reopened)
	assert.Equal(t, cost.FromFloat(5), rec.Finding.AlreadyWasted)
	assert.Equal(t, day1.Add(48*time.Hour), rec.FirstSeen)

	history, err := s.History(ctx, rec.Key)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, EventOpened, history[0].Type)
	assert.Equal(t, EventResolved, history[1].Type)
	assert.Equal(t, "scan-2", history[1].ScanID)
	assert.Equal(t, EventReopened, history[2].Type)
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Emit(ctx, idleFinding("db-1", "scan-1", day1, 10)))
	require.NoError(t, s.Emit(ctx, idleFinding("db-2", "scan-1", day1, 10)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, int64(2), s.CurrentRevision())
	assert.Len(t, s.List(ListOptions{}), 2)

	rec, err := s.Upsert(ctx, idleFinding("db-1", "scan-2", day1.Add(time.Hour), 1))
	require.NoError(t, err)
	assert.Equal(t, day1.AddDate(0, 0, -14), rec.Finding.ReferenceTime)
	assert.Equal(t, accrued(t, 242.80, resource.DaysBetween(day1.AddDate(0, 0, -14), day1.Add(time.Hour))), rec.Finding.AlreadyWasted)
	assert.Equal(t, int64(3), rec.LastRev)
}

func TestStore_List_Filters(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	f := idleFinding("db-1", "scan-1", day1, 0)
	require.NoError(t, s.Emit(ctx, f))
	f = idleFinding("db-2", "scan-1", day1, 0)
	f.Account = "staging"
	require.NoError(t, s.Emit(ctx, f))
	f = idleFinding("disk-1", "scan-1", day1, 0)
	f.ScenarioID = "disk_unattached"
	require.NoError(t, s.Emit(ctx, f))

	assert.Len(t, s.List(ListOptions{}), 3)
	assert.Len(t, s.List(ListOptions{Account: "prod"}), 2)
	assert.Len(t, s.List(ListOptions{ScenarioID: "disk_unattached"}), 1)
	assert.Empty(t, s.List(ListOptions{Status: StatusResolved}))

	all := s.List(ListOptions{})
	assert.Equal(t, "cloud_sql_idle|gcp|db-1", all[0].Key)
	assert.Equal(t, "disk_unattached|gcp|disk-1", all[2].Key)
}

func TestStore_EventsSince(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	for _, id := range []string{"db-1", "db-2", "db-3"} {
		require.NoError(t, s.Emit(ctx, idleFinding(id, "scan-1", day1, 0)))
	}

	events, err := s.EventsSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Revision)
	assert.Equal(t, int64(3), events[1].Revision)
}

func TestStore_Compact(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, idleFinding("db-1", "scan-1", day1, 0)))
	_, err := s.Resolve(ctx, "scan-2", func(*finding.Finding) bool { return true }, day1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Emit(ctx, idleFinding("db-2", "scan-3", day1, float64(i))))
	}

	require.NoError(t, s.Compact(ctx, 2))

	_, ok := s.Get("cloud_sql_idle|gcp|db-1")
	assert.False(t, ok)
	_, ok = s.Get("cloud_sql_idle|gcp|db-2")
	assert.True(t, ok)

	events, err := s.EventsSince(ctx, 0)
	require.NoError(t, err)
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Revision, s.CurrentRevision()-2)
	}
}

func TestStore_CanceledContext(t *testing.T) {
	s, _ := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Emit(ctx, idleFinding("db-1", "scan-1", day1, 0)), context.Canceled)
}
