package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

func snap(id string, tags map[string]string) resource.Snapshot {
	return resource.Snapshot{ID: id, Type: "persistent_disk", Tags: tags}
}

func TestShouldScanType(t *testing.T) {
	f := New([]string{"disk_snapshot", "redis_cache"}, nil, nil)
	assert.True(t, f.ShouldScanType("cloud_sql_instance"))
	assert.False(t, f.ShouldScanType("disk_snapshot"))
	assert.False(t, f.ShouldScanType("redis_cache"))

	var none *Filter
	assert.True(t, none.ShouldScanType("redis_cache"))
}

func TestKeep(t *testing.T) {
	tests := []struct {
		name    string
		include map[string]string
		exclude map[string]string
		tags    map[string]string
		want    bool
	}{
		{"no filters", nil, nil, map[string]string{"env": "prod"}, true},
		{"no tags", nil, nil, nil, true},
		{"include match", map[string]string{"env": "prod"}, nil, map[string]string{"env": "prod", "team": "data"}, true},
		{"include mismatch", map[string]string{"env": "prod"}, nil, map[string]string{"env": "staging"}, false},
		{"include needs all", map[string]string{"env": "prod", "team": "data"}, nil, map[string]string{"env": "prod"}, false},
		{"include on untagged", map[string]string{"env": "prod"}, nil, nil, false},
		{"exclude match", nil, map[string]string{"keep": "forever"}, map[string]string{"keep": "forever"}, false},
		{"exclude other value", nil, map[string]string{"keep": "forever"}, map[string]string{"keep": "no"}, true},
		{"ignore tag", nil, nil, map[string]string{IgnoreTag: "true"}, false},
		{"ignore tag case", nil, nil, map[string]string{IgnoreTag: "TRUE"}, false},
		{"ignore tag false", nil, nil, map[string]string{IgnoreTag: "false"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(nil, tt.include, tt.exclude)
			assert.Equal(t, tt.want, f.Keep(snap("d-1", tt.tags)))
		})
	}
}

func TestKeep_NilFilterStillHonorsIgnore(t *testing.T) {
	var f *Filter
	assert.True(t, f.Keep(snap("d-1", nil)))
	assert.False(t, f.Keep(snap("d-2", map[string]string{IgnoreTag: "true"})))
}

func TestApply(t *testing.T) {
	f := New(nil, nil, map[string]string{"env": "dev"})
	kept, dropped := f.Apply([]resource.Snapshot{
		snap("a", map[string]string{"env": "prod"}),
		snap("b", map[string]string{"env": "dev"}),
		snap("c", nil),
	})
	assert.Equal(t, 1, dropped)
	assert.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, "c", kept[1].ID)
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, New(nil, nil, nil).IsEmpty())
	assert.False(t, New([]string{"x"}, nil, nil).IsEmpty())
	assert.False(t, New(nil, map[string]string{"a": "b"}, nil).IsEmpty())
}
