package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenDuration: time.Minute})
	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.Snapshot().State)

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.Snapshot().State)
	assert.False(t, b.Allow())
}

func TestSuccessResetsCounter(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenDuration: time.Minute})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.Snapshot().State, "two failures after reset should not trip a threshold-3 breaker")
}

func TestHalfOpenAfterOpenDuration(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	b.RecordFailure()
	require.Equal(t, Open, b.Snapshot().State)

	b.now = func() time.Time { return fixed.Add(61 * time.Second) }
	assert.Equal(t, HalfOpen, b.Snapshot().State)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "only one probe permitted by default half_open_probes")
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	b.RecordFailure()

	b.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.Snapshot().State)
}

func TestReleaseFreesUnusedHalfOpenProbe(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	b.RecordFailure()

	b.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	require.True(t, b.Allow())
	assert.False(t, b.Allow(), "the first Allow already consumed the only probe slot")

	b.Release()
	assert.True(t, b.Allow(), "Release must give back a probe that was never attempted")
}

func TestReleaseIsNoOpWhenNotHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	b.Release()
	assert.Equal(t, Closed, b.Snapshot().State)
}

func TestPerPrinterIsolation(t *testing.T) {
	a := New(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	c := New(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	a.RecordFailure()
	assert.Equal(t, Open, a.Snapshot().State)
	assert.True(t, c.Allow(), "tripping one printer's breaker must never affect another's")
}
