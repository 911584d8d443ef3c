package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New(5, time.Minute)
	for i := 0; i < 4; i++ {
		assert.False(t, b.RecordFailure(t0))
		assert.True(t, b.Allow(t0))
	}
	assert.True(t, b.RecordFailure(t0), "fifth failure opens the breaker")
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(t0))
	assert.Equal(t, t0.Add(time.Minute), b.ReopensAt())
}

func TestBreaker_ResetsAfterDelay(t *testing.T) {
	b := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		b.RecordFailure(t0)
	}
	require.Equal(t, StateOpen, b.State())

	assert.False(t, b.Refresh(t0.Add(59*time.Second)))
	assert.False(t, b.Allow(t0.Add(59*time.Second)))

	assert.True(t, b.Refresh(t0.Add(60*time.Second)))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.True(t, b.Allow(t0.Add(60*time.Second)))
	assert.True(t, b.ReopensAt().IsZero())
}

func TestBreaker_AllowClosesLazily(t *testing.T) {
	b := New(1, time.Second)
	require.True(t, b.RecordFailure(t0))
	assert.True(t, b.Allow(t0.Add(2*time.Second)))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailuresWhileOpenDoNotExtend(t *testing.T) {
	b := New(2, time.Minute)
	b.RecordFailure(t0)
	require.True(t, b.RecordFailure(t0))

	assert.False(t, b.RecordFailure(t0.Add(30*time.Second)))
	assert.Equal(t, 3, b.Failures())
	assert.Equal(t, t0.Add(time.Minute), b.ReopensAt())
}

func TestBreaker_FailureAfterResetStartsFresh(t *testing.T) {
	b := New(2, time.Minute)
	b.RecordFailure(t0)
	b.RecordFailure(t0)

	later := t0.Add(2 * time.Minute)
	assert.False(t, b.RecordFailure(later), "expired open state resets before counting")
	assert.Equal(t, 1, b.Failures())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.Threshold())
	assert.Equal(t, "closed", b.State().String())
	assert.Equal(t, "open", StateOpen.String())
}
