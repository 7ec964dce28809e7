package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func u64(v uint64) *uint64 { return &v }
func dur(d time.Duration) *time.Duration { return &d }

func TestPolicy_TriggerByVersion(t *testing.T) {
	start := time.Now()
	p := NewPolicy(Config{TriggerByVersion: u64(5)}, 0, start)

	assert.False(t, p.ShouldSnapshot(4, start))
	assert.True(t, p.ShouldSnapshot(5, start))
}

func TestPolicy_TriggerByElapsed(t *testing.T) {
	start := time.Now()
	p := NewPolicy(Config{TriggerByElapsed: dur(time.Minute)}, 0, start)

	assert.False(t, p.ShouldSnapshot(1, start.Add(30*time.Second)))
	assert.True(t, p.ShouldSnapshot(1, start.Add(90*time.Second)))
}

func TestPolicy_MinVersionDeltaSuppressesTrigger(t *testing.T) {
	start := time.Now()
	p := NewPolicy(Config{TriggerByVersion: u64(1), MinVersionDelta: 10}, 0, start)

	assert.False(t, p.ShouldSnapshot(3, start))
	assert.True(t, p.ShouldSnapshot(10, start))
}

func TestPolicy_LimitForcesSnapshotEvenWithoutOrdinaryTrigger(t *testing.T) {
	start := time.Now()
	p := NewPolicy(Config{TriggerByElapsed: dur(time.Hour), LimitByVersion: u64(100)}, 0, start)

	assert.False(t, p.ShouldSnapshot(50, start))
	assert.True(t, p.ShouldSnapshot(100, start))
}

func TestPolicy_RecordSnapshotResetsBaseline(t *testing.T) {
	start := time.Now()
	p := NewPolicy(Config{TriggerByVersion: u64(5)}, 0, start)

	require := assert.New(t)
	require.True(p.ShouldSnapshot(5, start))
	p.RecordSnapshot(5, start)
	require.False(p.ShouldSnapshot(9, start))
	require.True(p.ShouldSnapshot(10, start))
}
