// Package smoothing converts noisy per-frame booleans into stable signals.
//
// Each Signal keeps a ring of the last W samples and reports true only when
// the count of true samples meets ceil(rho*W). Memory is sample-counted, not
// wall-clocked, so the calibration is frame-rate independent.
package smoothing

import "math"

// Signal is a rolling-window majority vote over a boolean stream.
// Not safe for concurrent use; a session observes from a single goroutine.
type Signal struct {
	window    []bool
	idx       int
	filled    int
	trueCount int
	need      int
}

// NewSignal creates a signal over a window of w samples that turns stable
// when at least ceil(rho*w) of them are true. w < 1 is treated as 1; rho is
// clamped to (0, 1].
func NewSignal(w int, rho float64) *Signal {
	if w < 1 {
		w = 1
	}
	if rho <= 0 || rho > 1 {
		rho = 0.40
	}
	need := int(math.Ceil(rho * float64(w)))
	if need < 1 {
		need = 1
	}
	return &Signal{
		window: make([]bool, w),
		need:   need,
	}
}

// Observe appends one sample, evicting the oldest when the window is full.
func (s *Signal) Observe(v bool) {
	if s.filled == len(s.window) {
		if s.window[s.idx] {
			s.trueCount--
		}
	} else {
		s.filled++
	}
	s.window[s.idx] = v
	if v {
		s.trueCount++
	}
	s.idx = (s.idx + 1) % len(s.window)
}

// Stable reports whether the true count over the current window meets the
// ratio threshold. An under-filled window is never stable.
func (s *Signal) Stable() bool {
	if s.filled < len(s.window) {
		return false
	}
	return s.trueCount >= s.need
}

// TrueCount returns the number of true samples currently in the window.
func (s *Signal) TrueCount() int {
	return s.trueCount
}

// Reset clears the window.
func (s *Signal) Reset() {
	for i := range s.window {
		s.window[i] = false
	}
	s.idx, s.filled, s.trueCount = 0, 0, 0
}
