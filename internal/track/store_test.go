package track

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-data/aiswatch/internal/ais"
)

func mkPoint(mmsi string, sec int) ais.Point {
	return ais.Point{
		MMSI:      mmsi,
		Timestamp: time.Date(2025, 1, 1, 0, 0, sec, 0, time.UTC),
		Lat:       40.0 + float64(sec)*0.001,
		Lon:       -70.0,
	}
}

func TestPushReturnsOrderedWindow(t *testing.T) {
	s := NewStore(5)

	win := s.Push(mkPoint("367001234", 0))
	require.Len(t, win, 1)

	win = s.Push(mkPoint("367001234", 1))
	require.Len(t, win, 2)
	assert.True(t, win[0].Timestamp.Before(win[1].Timestamp))
}

func TestWindowEvictsOldestFIFO(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 8; i++ {
		win := s.Push(mkPoint("367001234", i))
		assert.LessOrEqual(t, len(win), 5, "window must never exceed capacity")
	}

	win := s.Push(mkPoint("367001234", 8))
	require.Len(t, win, 5)
	// Oldest-first: seconds 4..8 remain.
	for i, p := range win {
		assert.Equal(t, 4+i, p.Timestamp.Second())
	}
}

func TestPreviousReturnsLastPushed(t *testing.T) {
	s := NewStore(5)
	assert.Nil(t, s.Previous("367001234"))

	s.Push(mkPoint("367001234", 0))
	prev := s.Previous("367001234")
	require.NotNil(t, prev)
	assert.Equal(t, 0, prev.Timestamp.Second())

	for i := 1; i < 10; i++ {
		s.Push(mkPoint("367001234", i))
	}
	prev = s.Previous("367001234")
	require.NotNil(t, prev)
	assert.Equal(t, 9, prev.Timestamp.Second())
}

func TestVesselsIsolated(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 3; i++ {
		s.Push(mkPoint(fmt.Sprintf("36700123%d", i), i))
	}
	assert.Equal(t, 3, s.Vessels())
	assert.Equal(t, 1, s.Len("367001230"))
	assert.Equal(t, 0, s.Len("999999999"))
}

func TestTinyWindowFallsBackToDefault(t *testing.T) {
	s := NewStore(1)
	for i := 0; i < 10; i++ {
		s.Push(mkPoint("367001234", i))
	}
	assert.Equal(t, DefaultWindowSize, s.Len("367001234"))
}
