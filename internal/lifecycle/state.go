// Package lifecycle drives one managed container through install, run,
// update, stop and cleanup.
//
// # State Machine
//
// Each Controller owns a StateMachine. Engine calls are issued first and the
// state is advanced after they succeed, so a failed call leaves the previous
// state in place (or rolls back along an explicit recovery edge):
//
//	Absent -> Pulling|Building -> Absent
//	Absent -> Created -> Starting -> Running -> Stopping -> Stopped -> Absent
//	Starting|Running -> Failed -> Absent (cleanup only)
//	Stopped -> Starting (restart)
//	Running -> Stopped (observed exit)
//	Created|Starting -> Absent (rollback)
//
// # Locking
//
// Public operations take the per-name lock from the Locker given to New;
// unexported *Locked helpers assume it is held. The event monitor only calls
// the Observe* methods, which never take the lock and only move the state
// machine with compare-and-swap.
package lifecycle

import (
	"fmt"
	"sync/atomic"

	"github.com/containerd/log"
)

// State is the lifecycle state of a managed container.
type State int32

const (
	// StateAbsent means no container exists.
	StateAbsent State = iota

	// StatePulling means an image pull is in progress for an absent container.
	StatePulling

	// StateBuilding means an image build is in progress for an absent container.
	StateBuilding

	// StateCreated means the container exists but was never started.
	StateCreated

	// StateStarting means the engine start call is in flight.
	StateStarting

	// StateRunning is the steady state.
	StateRunning

	// StateStopping means a requested stop is in flight; a die observed now is expected.
	StateStopping

	// StateStopped means the container exited and still exists.
	StateStopped

	// StateFailed means the container could not be kept running. Only an
	// explicit cleanup leaves it.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePulling:
		return "pulling"
	case StateBuilding:
		return "building"
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// States lists every state in declaration order.
var States = []State{
	StateAbsent, StatePulling, StateBuilding, StateCreated, StateStarting,
	StateRunning, StateStopping, StateStopped, StateFailed,
}

// TransitionObserver is notified of every attempted transition.
type TransitionObserver func(from, to State, err error)

// StateMachine holds the lifecycle state of one container.
type StateMachine struct {
	name  string
	state atomic.Int32

	observe TransitionObserver
}

// NewStateMachine creates a state machine in the Absent state.
func NewStateMachine(name string, observe TransitionObserver) *StateMachine {
	return &StateMachine{name: name, observe: observe}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	return State(sm.state.Load())
}

// Is reports whether the current state is any of states.
func (sm *StateMachine) Is(states ...State) bool {
	cur := sm.State()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// Transition moves from the expected state to the new one. It fails if the
// edge is not part of the graph or the current state is not from.
func (sm *StateMachine) Transition(from, to State) error {
	var err error
	if !ValidTransition(from, to) || !sm.state.CompareAndSwap(int32(from), int32(to)) {
		err = NewStateTransitionError(from.String(), to.String(), sm.State().String())
	}
	if sm.observe != nil {
		sm.observe(from, to, err)
	}
	if err != nil {
		return err
	}

	log.L.WithFields(log.Fields{
		"container": sm.name,
		"from":      from.String(),
		"to":        to.String(),
	}).Debug("state transition")
	return nil
}

// Advance walks the path of transitions starting at the current state. It
// stops at the first failing edge.
func (sm *StateMachine) Advance(path ...State) error {
	for _, to := range path {
		if err := sm.Transition(sm.State(), to); err != nil {
			return err
		}
	}
	return nil
}

// ForceTransition sets the state regardless of the graph. It is used when the
// engine is inspected and reports a state the controller did not drive.
func (sm *StateMachine) ForceTransition(to State) State {
	old := State(sm.state.Swap(int32(to)))
	if old != to {
		log.L.WithFields(log.Fields{
			"container": sm.name,
			"from":      old.String(),
			"to":        to.String(),
		}).Debug("forced state transition")
	}
	return old
}

// ValidTransition reports whether from -> to is an edge of the graph.
func ValidTransition(from, to State) bool {
	switch from {
	case StateAbsent:
		return to == StatePulling || to == StateBuilding || to == StateCreated
	case StatePulling, StateBuilding:
		return to == StateAbsent
	case StateCreated:
		return to == StateStarting || to == StateAbsent
	case StateStarting:
		return to == StateRunning || to == StateFailed || to == StateAbsent
	case StateRunning:
		return to == StateStopping || to == StateStopped || to == StateFailed
	case StateStopping:
		return to == StateStopped
	case StateStopped:
		return to == StateStarting || to == StateAbsent
	case StateFailed:
		return to == StateAbsent
	default:
		return false
	}
}
