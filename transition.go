package statecore

import (
	"fmt"
	"time"
)

// transition applies one command to a machineState. Each Visit method checks
// everything first and mutates afterwards, so a rejection never leaves a
// partial change behind.
type transition struct {
	state   *machineState
	events  []Event
	mutated bool
}

var _ CommandVisitor = (*transition)(nil)

func (t *transition) emit(e Event) {
	t.events = append(t.events, e)
}

func (t *transition) reject(kind CommandKind, reason RejectReason, format string, args ...any) {
	t.emit(CommandRejected{
		Command: kind,
		Reason:  reason,
		Detail:  fmt.Sprintf(format, args...),
	})
}

func (t *transition) setMode(to Mode, cause string) {
	from := t.state.mode
	if from == to {
		return
	}
	t.state.mode = to
	if !to.watchdogActive() {
		t.state.watchdog = watchdog{}
	}
	t.mutated = true
	t.emit(ModeChanged{From: from, To: to, Cause: cause})
}

// advanceClock moves the clock to now and fires the watchdog when now is past
// its deadline. It reports whether the watchdog expired. Callers must have
// ruled out now being before the clock.
func (t *transition) advanceClock(now time.Time) (expired bool) {
	s := t.state
	if now.After(s.clock) {
		from := s.clock
		s.clock = now
		t.mutated = true
		t.emit(ClockAdvanced{From: from, To: now})
	}
	if s.watchdog.armed && s.clock.After(s.watchdog.deadline) {
		deadline := s.watchdog.deadline
		t.emit(WatchdogExpired{Deadline: deadline, At: s.clock})
		t.setMode(ModeFaulted, "watchdog")
		return true
	}
	return false
}

func (t *transition) regressed(kind CommandKind, at time.Time) bool {
	if at.Before(t.state.clock) {
		t.reject(kind, ReasonClockRegression, "time %s is before clock %s",
			at.Format(time.RFC3339Nano), t.state.clock.Format(time.RFC3339Nano))
		return true
	}
	return false
}

func (t *transition) VisitArm(c Arm) {
	if err := validPeriod(c.period); err != nil {
		t.reject(KindArm, ReasonInvalidPeriod, "%v", err)
		return
	}
	if t.state.mode != ModeIdle {
		t.reject(KindArm, ReasonModeForbids, "cannot arm while %s", t.state.mode)
		return
	}
	if t.regressed(KindArm, c.at) {
		return
	}
	t.advanceClock(c.at)
	t.setMode(ModeArmed, "arm")
	deadline := t.state.clock.Add(c.period)
	t.state.watchdog = watchdog{armed: true, period: c.period, deadline: deadline}
	t.emit(WatchdogArmed{Period: c.period, Deadline: deadline})
}

func (t *transition) VisitStart(Start) {
	switch t.state.mode {
	case ModeArmed:
		t.setMode(ModeRunning, "start")
	case ModeRunning:
		// already running
	default:
		t.reject(KindStart, ReasonModeForbids, "cannot start while %s", t.state.mode)
	}
}

func (t *transition) VisitHeartbeat(c Heartbeat) {
	if !t.state.mode.watchdogActive() {
		t.reject(KindHeartbeat, ReasonModeForbids, "no watchdog while %s", t.state.mode)
		return
	}
	if t.regressed(KindHeartbeat, c.at) {
		return
	}
	if t.advanceClock(c.at) {
		return
	}
	deadline := t.state.clock.Add(t.state.watchdog.period)
	if deadline.Equal(t.state.watchdog.deadline) {
		return
	}
	t.state.watchdog.deadline = deadline
	t.mutated = true
	t.emit(WatchdogFed{Deadline: deadline})
}

func (t *transition) VisitTick(c Tick) {
	if t.regressed(KindTick, c.now) {
		return
	}
	t.advanceClock(c.now)
}

func (t *transition) VisitHalt(c Halt) {
	if t.state.mode == ModeHalted {
		return
	}
	if len(c.reason) > MaxReasonLength {
		t.reject(KindHalt, ReasonOutOfRange, "reason is %d bytes", len(c.reason))
		return
	}
	cause := c.reason
	if cause == "" {
		cause = "halt"
	}
	t.setMode(ModeHalted, cause)
}

func (t *transition) VisitReset(Reset) {
	switch t.state.mode {
	case ModeIdle:
		return
	case ModeArmed, ModeRunning:
		t.reject(KindReset, ReasonModeForbids, "halt before reset (mode %s)", t.state.mode)
		return
	}
	if n := len(t.state.registers); n > 0 {
		t.state.registers = make(map[string]int64)
		t.mutated = true
		t.emit(RegistersCleared{Count: n})
	}
	t.setMode(ModeIdle, "reset")
}

// writable runs the checks shared by every register command.
func (t *transition) writable(kind CommandKind, name string) bool {
	if err := validName(name); err != nil {
		t.reject(kind, ReasonInvalidName, "%v", err)
		return false
	}
	if !t.state.mode.registersWritable() {
		t.reject(kind, ReasonModeForbids, "registers are read-only while %s", t.state.mode)
		return false
	}
	return true
}

func (t *transition) VisitSetRegister(c SetRegister) {
	if !t.writable(KindSetRegister, c.name) {
		return
	}
	if err := validValue(c.value); err != nil {
		t.reject(KindSetRegister, ReasonOutOfRange, "%v", err)
		return
	}
	prev, exists := t.state.registers[c.name]
	if exists && prev == c.value {
		return
	}
	if !exists && len(t.state.registers) >= MaxRegisters {
		t.reject(KindSetRegister, ReasonRegisterCapacity, "%d registers in use", len(t.state.registers))
		return
	}
	t.state.registers[c.name] = c.value
	t.mutated = true
	t.emit(RegisterChanged{Name: c.name, Previous: prev, Current: c.value, Created: !exists})
}

func (t *transition) VisitAdjustRegister(c AdjustRegister) {
	if !t.writable(KindAdjustRegister, c.name) {
		return
	}
	prev, exists := t.state.registers[c.name]
	if !exists {
		t.reject(KindAdjustRegister, ReasonUnknownRegister, "register %q does not exist", c.name)
		return
	}
	if c.delta == 0 {
		return
	}
	// prev is within range, so checking delta against the remaining headroom
	// keeps the sum from overflowing int64.
	if c.delta > MaxRegisterValue-prev || c.delta < MinRegisterValue-prev {
		t.reject(KindAdjustRegister, ReasonOutOfRange, "%d%+d leaves [%d, %d]",
			prev, c.delta, int64(MinRegisterValue), int64(MaxRegisterValue))
		return
	}
	next := prev + c.delta
	t.state.registers[c.name] = next
	t.mutated = true
	t.emit(RegisterChanged{Name: c.name, Previous: prev, Current: next})
}

func (t *transition) VisitClearRegister(c ClearRegister) {
	if !t.writable(KindClearRegister, c.name) {
		return
	}
	prev, exists := t.state.registers[c.name]
	if !exists {
		t.reject(KindClearRegister, ReasonUnknownRegister, "register %q does not exist", c.name)
		return
	}
	delete(t.state.registers, c.name)
	t.mutated = true
	t.emit(RegisterRemoved{Name: c.name, Previous: prev})
}
