package statecore

// Owner is the only handle onto the authoritative state. It exposes exactly
// two operations: Apply mutates and reports, Snapshot copies.
//
// Owner is not safe for concurrent use. The runtime that owns it must
// serialize Apply calls and must not call Snapshot while an Apply is in
// progress; see package realtime for a single-consumer loop that does this.
// The zero value is ready to use.
type Owner struct {
	state *machineState
}

// NewOwner creates an owner holding the initial state: idle, zero clock,
// no registers, watchdog disarmed.
func NewOwner() *Owner {
	return &Owner{state: newMachineState()}
}

// Apply runs the command through the transition function and returns the
// resulting events in the order they occurred. It never fails: rejected
// commands come back as a single CommandRejected event.
func (o *Owner) Apply(cmd Command) []Event {
	return o.machine().apply(cmd)
}

// Snapshot returns an independent copy of the current state.
func (o *Owner) Snapshot() Snapshot {
	if o.state == nil {
		return newMachineState().snapshot()
	}
	return o.state.snapshot()
}

func (o *Owner) machine() *machineState {
	if o.state == nil {
		o.state = newMachineState()
	}
	return o.state
}
