// Package track maintains the per-vessel sliding window of recent AIS points
// for a single replay session.
package track

import "github.com/aegis-data/aiswatch/internal/ais"

// DefaultWindowSize is the per-vessel ring capacity when none is specified.
const DefaultWindowSize = 5

// Store maps vessel identifiers to a bounded FIFO window of their most recent
// points. Each replay session owns its own Store; it is created when the
// session starts and discarded when it ends, so windows never leak across
// sessions. Only the session's driver goroutine touches the store, so it is
// deliberately unsynchronized.
type Store struct {
	windowSize int
	tracks     map[string]*window
}

// window is a fixed-capacity ring. head points at the oldest element once the
// ring is full.
type window struct {
	buf  []ais.Point
	head int
	full bool
}

// NewStore creates a Store whose per-vessel windows hold windowSize points.
// Values below 2 fall back to DefaultWindowSize.
func NewStore(windowSize int) *Store {
	if windowSize < 2 {
		windowSize = DefaultWindowSize
	}
	return &Store{
		windowSize: windowSize,
		tracks:     make(map[string]*window),
	}
}

// Push appends p to its vessel's window, evicting the oldest point when the
// window is full, and returns the window contents oldest-first after the
// insertion.
func (s *Store) Push(p ais.Point) []ais.Point {
	w := s.tracks[p.MMSI]
	if w == nil {
		w = &window{buf: make([]ais.Point, 0, s.windowSize)}
		s.tracks[p.MMSI] = w
	}
	w.push(p, s.windowSize)
	return w.ordered()
}

// Previous returns the point most recently pushed for mmsi, or nil when the
// vessel has no history in this session.
func (s *Store) Previous(mmsi string) *ais.Point {
	w := s.tracks[mmsi]
	if w == nil {
		return nil
	}
	return w.latest()
}

// Len returns the number of points currently held for mmsi.
func (s *Store) Len(mmsi string) int {
	w := s.tracks[mmsi]
	if w == nil {
		return 0
	}
	return len(w.buf)
}

// Vessels returns the number of distinct vessels seen this session.
func (s *Store) Vessels() int { return len(s.tracks) }

func (w *window) push(p ais.Point, capacity int) {
	if !w.full && len(w.buf) < capacity {
		w.buf = append(w.buf, p)
		if len(w.buf) == capacity {
			w.full = true
		}
		return
	}
	w.buf[w.head] = p
	w.head = (w.head + 1) % len(w.buf)
}

func (w *window) ordered() []ais.Point {
	out := make([]ais.Point, 0, len(w.buf))
	if !w.full {
		return append(out, w.buf...)
	}
	out = append(out, w.buf[w.head:]...)
	return append(out, w.buf[:w.head]...)
}

func (w *window) latest() *ais.Point {
	if len(w.buf) == 0 {
		return nil
	}
	var idx int
	if w.full {
		idx = (w.head - 1 + len(w.buf)) % len(w.buf)
	} else {
		idx = len(w.buf) - 1
	}
	p := w.buf[idx]
	return &p
}
