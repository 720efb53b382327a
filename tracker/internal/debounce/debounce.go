// Package debounce turns raw readings into confirmed state transitions
// using an N-consecutive-reading rule. State is a value: callers pass it in
// and keep what comes back, so one watch owns exactly one State.
package debounce

import "slices"

// DefaultConfirms is the window size when none is configured.
const DefaultConfirms = 1

// State is the debounce state of one item.
type State struct {
	Current    string
	HasCurrent bool
	// Window holds the most recent readings, oldest first. It grows to
	// Size and then slides.
	Window    []string
	Size      int
	PollCount int
}

// NewState returns an empty State with a window of n readings.
func NewState(n int) State {
	if n < 1 {
		n = DefaultConfirms
	}
	return State{Size: n, Window: make([]string, 0, n)}
}

// Transition is a confirmed change of Current.
type Transition struct {
	From string
	To   string
	// Baseline is set when there was no Current before. The caller
	// decides whether a baseline is announced.
	Baseline bool
}

// Observe appends reading to the window and proposes a transition when
// the window is full of one value that differs from Current. Current is
// not changed; apply the transition with Commit.
func Observe(s State, reading string) (State, *Transition) {
	if s.Size < 1 {
		s.Size = DefaultConfirms
	}
	w := slices.Clone(s.Window)
	if len(w) >= s.Size {
		w = w[len(w)-s.Size+1:]
	}
	w = append(w, reading)
	s.Window = w

	if len(w) < s.Size {
		return s, nil
	}
	for _, v := range w[1:] {
		if v != w[0] {
			return s, nil
		}
	}
	if s.HasCurrent && s.Current == reading {
		return s, nil
	}
	return s, &Transition{From: s.Current, To: reading, Baseline: !s.HasCurrent}
}

// Commit makes t.To the confirmed state. A nil t leaves s unchanged.
func Commit(s State, t *Transition) State {
	if t == nil {
		return s
	}
	s.Current = t.To
	s.HasCurrent = true
	return s
}
