package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock(t *testing.T) {
	var clock Clock = RealClock{}

	before := time.Now()
	now := clock.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, clock.Since(before), time.Duration(0))

	timer := clock.NewTimer(time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer never fired")
	}
	assert.False(t, timer.Stop(), "fired timer is no longer active")
}

func TestMockClockNowAndSince(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	assert.Equal(t, start, clock.Now())
	clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clock.Now())
	assert.Equal(t, 90*time.Second, clock.Since(start))

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}

func TestMockTimerFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	timer := clock.NewTimer(10 * time.Second)
	clock.Advance(5 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	clock.Advance(5 * time.Second)
	select {
	case fired := <-timer.C():
		assert.Equal(t, start.Add(10*time.Second), fired)
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestMockTimerStop(t *testing.T) {
	clock := NewMockClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))

	timer := clock.NewTimer(time.Second)
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports inactive")

	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockTimerFiresOnce(t *testing.T) {
	clock := NewMockClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))

	timer := clock.NewTimer(time.Second)
	clock.Advance(time.Second)
	<-timer.C()

	clock.Advance(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("timer fired twice")
	default:
	}
}
