package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tuhlaus/pkg/finding"
)

func coversAll(*finding.Finding) bool  { return true }
func coversNone(*finding.Finding) bool { return false }

func TestDiffTracker_FirstScan(t *testing.T) {
	tracker := NewDiffTracker()
	current := []finding.Finding{makeFinding("cloud_sql_idle", "db-1", finding.TierHigh, 10)}

	assert.Nil(t, tracker.ComputeDiff(current, coversAll), "first scan should return nil")
	tracker.Update(current, coversAll)
	assert.Equal(t, 1, tracker.Open())
}

func TestDiffTracker_NoChanges(t *testing.T) {
	tracker := NewDiffTracker()
	current := []finding.Finding{makeFinding("cloud_sql_idle", "db-1", finding.TierHigh, 10)}
	tracker.Update(current, coversAll)

	diffs := tracker.ComputeDiff(current, coversAll)
	require.NotNil(t, diffs)
	assert.Empty(t, diffs)
}

func TestDiffTracker_Changes(t *testing.T) {
	tracker := NewDiffTracker()
	tracker.Update([]finding.Finding{
		makeFinding("cloud_sql_idle", "db-1", finding.TierHigh, 10),
		makeFinding("cloud_sql_idle", "db-2", finding.TierMedium, 20),
	}, coversAll)

	current := []finding.Finding{
		makeFinding("cloud_sql_idle", "db-2", finding.TierCritical, 25),
		makeFinding("cloud_sql_idle", "db-3", finding.TierLow, 5),
	}
	diffs := tracker.ComputeDiff(current, coversAll)

	require.Len(t, diffs, 3)
	assert.Equal(t, ChangeResolved, diffs[0].Type)
	assert.Equal(t, "db-1", diffs[0].Finding.ResourceID)

	assert.Equal(t, ChangeModified, diffs[1].Type)
	assert.Equal(t, Change{Previous: "medium", Current: "critical"}, diffs[1].Changes["tier"])
	assert.Equal(t, Change{Previous: "20.00", Current: "25.00"}, diffs[1].Changes["monthly_waste"])
	require.NotNil(t, diffs[1].Previous)

	assert.Equal(t, ChangeOpened, diffs[2].Type)
	assert.Equal(t, "db-3", diffs[2].Finding.ResourceID)
	assert.Nil(t, diffs[2].Previous)
}

func TestDiffTracker_UncoveredFindingsStayOpen(t *testing.T) {
	tracker := NewDiffTracker()
	tracker.Update([]finding.Finding{makeFinding("cloud_sql_idle", "db-1", finding.TierHigh, 10)}, coversAll)

	diffs := tracker.ComputeDiff(nil, coversNone)
	assert.Empty(t, diffs)

	tracker.Update(nil, coversNone)
	assert.Equal(t, 1, tracker.Open())

	tracker.Update(nil, coversAll)
	assert.Equal(t, 0, tracker.Open())
}
