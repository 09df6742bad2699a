package statecore

import (
	"reflect"
	"sort"
	"time"
)

// machineState is the authoritative state. Only Owner holds one, and only
// apply mutates it.
type machineState struct {
	mode      Mode
	clock     time.Time
	revision  uint64
	watchdog  watchdog
	registers map[string]int64
}

type watchdog struct {
	armed    bool
	period   time.Duration
	deadline time.Time
}

func newMachineState() *machineState {
	return &machineState{
		mode:      ModeIdle,
		registers: make(map[string]int64),
	}
}

// apply is the transition function. It is total: every input, including nil
// and zero-valued commands, yields a defined (possibly empty) event sequence.
func (s *machineState) apply(cmd Command) []Event {
	if isNilCommand(cmd) {
		return []Event{CommandRejected{Reason: ReasonNilCommand, Detail: "command is nil"}}
	}
	t := transition{state: s}
	cmd.Accept(&t)
	if t.mutated {
		s.revision++
	}
	return t.events
}

func (s *machineState) snapshot() Snapshot {
	regs := make([]Register, 0, len(s.registers))
	for name, value := range s.registers {
		regs = append(regs, Register{Name: name, Value: value})
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return Snapshot{
		mode:     s.mode,
		clock:    s.clock,
		revision: s.revision,
		watchdog: WatchdogStatus{
			Armed:    s.watchdog.armed,
			Period:   s.watchdog.period,
			Deadline: s.watchdog.deadline,
		},
		registers: regs,
	}
}

// isNilCommand catches typed nil pointers as well as the nil interface;
// calling a value-receiver method through a nil pointer would panic.
func isNilCommand(cmd Command) bool {
	if cmd == nil {
		return true
	}
	v := reflect.ValueOf(cmd)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
