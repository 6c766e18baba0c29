package tail

import "github.com/syntrixbase/oplogpipe/internal/oplog/internal/metrics"

// State is the lifecycle stage of a Tail.
type State int32

const (
	StateInitializing State = iota
	StateDumping
	StateTailing
	StateStopping
	StateStopped
	StateErrored
)

var allStates = []State{StateInitializing, StateDumping, StateTailing, StateStopping, StateStopped, StateErrored}

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateDumping:
		return "DUMPING"
	case StateTailing:
		return "TAILING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the tail has finished running.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateErrored
}

func (t *Tail) setState(s State) {
	prev := State(t.state.Swap(int32(s)))
	if prev == StateErrored && s != StateErrored {
		t.state.Store(int32(StateErrored))
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.TailState.WithLabelValues(t.stream, st.String()).Set(v)
	}
	if prev != s {
		t.logger.Info("tail state changed", "from", prev.String(), "to", s.String())
	}
}

// State returns the current state.
func (t *Tail) State() State {
	return State(t.state.Load())
}
