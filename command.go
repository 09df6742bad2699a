package statecore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CommandKind names a Command variant on the wire and in logs.
type CommandKind string

const (
	KindArm            CommandKind = "arm"
	KindStart          CommandKind = "start"
	KindHeartbeat      CommandKind = "heartbeat"
	KindTick           CommandKind = "tick"
	KindHalt           CommandKind = "halt"
	KindReset          CommandKind = "reset"
	KindSetRegister    CommandKind = "set_register"
	KindAdjustRegister CommandKind = "adjust_register"
	KindClearRegister  CommandKind = "clear_register"
)

// Constructor validation errors.
var (
	ErrInvalidName   = errors.New("invalid register name")
	ErrOutOfRange    = errors.New("value out of range")
	ErrInvalidPeriod = errors.New("invalid watchdog period")
	ErrReasonTooLong = errors.New("halt reason too long")
)

// Command is an inert description of an intended mutation.
//
// The set of variants is closed: the interface has an unexported method, so
// only the types in this file implement it.
//
//sumtype:decl
type Command interface {
	Kind() CommandKind
	Accept(v CommandVisitor)
	isCommand()
}

// CommandVisitor has one method per Command variant.
type CommandVisitor interface {
	VisitArm(Arm)
	VisitStart(Start)
	VisitHeartbeat(Heartbeat)
	VisitTick(Tick)
	VisitHalt(Halt)
	VisitReset(Reset)
	VisitSetRegister(SetRegister)
	VisitAdjustRegister(AdjustRegister)
	VisitClearRegister(ClearRegister)
}

// Arm moves an idle controller to armed and starts the watchdog.
type Arm struct {
	at     time.Time
	period time.Duration
}

// NewArm builds an Arm command observed at the given time.
func NewArm(at time.Time, period time.Duration) (Arm, error) {
	if err := validPeriod(period); err != nil {
		return Arm{}, err
	}
	return Arm{at: at.UTC(), period: period}, nil
}

func (c Arm) At() time.Time { return c.at }
func (c Arm) Period() time.Duration { return c.period }
func (c Arm) Kind() CommandKind { return KindArm }
func (c Arm) Accept(v CommandVisitor) { v.VisitArm(c) }
func (Arm) isCommand() {}
func (c Arm) String() string { return fmt.Sprintf("arm(period=%s)", c.period) }

// Start moves an armed controller to running.
type Start struct{}

func (Start) Kind() CommandKind { return KindStart }
func (c Start) Accept(v CommandVisitor) { v.VisitStart(c) }
func (Start) isCommand() {}
func (Start) String() string { return "start" }

// Heartbeat feeds the watchdog.
type Heartbeat struct {
	at time.Time
}

// NewHeartbeat builds a Heartbeat observed at the given time.
func NewHeartbeat(at time.Time) Heartbeat {
	return Heartbeat{at: at.UTC()}
}

func (c Heartbeat) At() time.Time { return c.at }
func (Heartbeat) Kind() CommandKind { return KindHeartbeat }
func (c Heartbeat) Accept(v CommandVisitor) { v.VisitHeartbeat(c) }
func (Heartbeat) isCommand() {}
func (Heartbeat) String() string { return "heartbeat" }

// Tick advances the logical clock. The runtime supplies now.
type Tick struct {
	now time.Time
}

// NewTick builds a Tick for the given instant.
func NewTick(now time.Time) Tick {
	return Tick{now: now.UTC()}
}

func (c Tick) Now() time.Time { return c.now }
func (Tick) Kind() CommandKind { return KindTick }
func (c Tick) Accept(v CommandVisitor) { v.VisitTick(c) }
func (Tick) isCommand() {}
func (c Tick) String() string { return "tick(" + c.now.Format(time.RFC3339Nano) + ")" }

// Halt stops the controller. Halting a halted controller is a no-op.
type Halt struct {
	reason string
}

// NewHalt builds a Halt with an operator-supplied reason.
func NewHalt(reason string) (Halt, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > MaxReasonLength {
		return Halt{}, fmt.Errorf("%w: %d bytes", ErrReasonTooLong, len(reason))
	}
	return Halt{reason: reason}, nil
}

func (c Halt) Reason() string { return c.reason }
func (Halt) Kind() CommandKind { return KindHalt }
func (c Halt) Accept(v CommandVisitor) { v.VisitHalt(c) }
func (Halt) isCommand() {}
func (c Halt) String() string { return fmt.Sprintf("halt(%q)", c.reason) }

// Reset returns a halted or faulted controller to idle and clears registers.
type Reset struct{}

func (Reset) Kind() CommandKind { return KindReset }
func (c Reset) Accept(v CommandVisitor) { v.VisitReset(c) }
func (Reset) isCommand() {}
func (Reset) String() string { return "reset" }

// SetRegister writes a register, creating it when absent.
type SetRegister struct {
	name  string
	value int64
}

// NewSetRegister validates name and value.
func NewSetRegister(name string, value int64) (SetRegister, error) {
	if err := validName(name); err != nil {
		return SetRegister{}, err
	}
	if err := validValue(value); err != nil {
		return SetRegister{}, err
	}
	return SetRegister{name: name, value: value}, nil
}

func (c SetRegister) Name() string { return c.name }
func (c SetRegister) Value() int64 { return c.value }
func (SetRegister) Kind() CommandKind { return KindSetRegister }
func (c SetRegister) Accept(v CommandVisitor) { v.VisitSetRegister(c) }
func (SetRegister) isCommand() {}
func (c SetRegister) String() string { return fmt.Sprintf("set(%s=%d)", c.name, c.value) }

// AdjustRegister adds delta to an existing register.
type AdjustRegister struct {
	name  string
	delta int64
}

// NewAdjustRegister validates name and delta. The delta bound is the full
// register span, so any representable result is reachable in one step.
func NewAdjustRegister(name string, delta int64) (AdjustRegister, error) {
	if err := validName(name); err != nil {
		return AdjustRegister{}, err
	}
	if delta < MinRegisterValue-MaxRegisterValue || delta > MaxRegisterValue-MinRegisterValue {
		return AdjustRegister{}, fmt.Errorf("%w: delta %d", ErrOutOfRange, delta)
	}
	return AdjustRegister{name: name, delta: delta}, nil
}

func (c AdjustRegister) Name() string { return c.name }
func (c AdjustRegister) Delta() int64 { return c.delta }
func (AdjustRegister) Kind() CommandKind { return KindAdjustRegister }
func (c AdjustRegister) Accept(v CommandVisitor) { v.VisitAdjustRegister(c) }
func (AdjustRegister) isCommand() {}
func (c AdjustRegister) String() string { return fmt.Sprintf("adjust(%s%+d)", c.name, c.delta) }

// ClearRegister removes an existing register.
type ClearRegister struct {
	name string
}

// NewClearRegister validates name.
func NewClearRegister(name string) (ClearRegister, error) {
	if err := validName(name); err != nil {
		return ClearRegister{}, err
	}
	return ClearRegister{name: name}, nil
}

func (c ClearRegister) Name() string { return c.name }
func (ClearRegister) Kind() CommandKind { return KindClearRegister }
func (c ClearRegister) Accept(v CommandVisitor) { v.VisitClearRegister(c) }
func (ClearRegister) isCommand() {}
func (c ClearRegister) String() string { return fmt.Sprintf("clear(%s)", c.name) }

// ValidName reports whether name is an acceptable register name:
// a lowercase letter followed by up to 31 of [a-z0-9_.-].
func ValidName(name string) bool {
	return validName(name) == nil
}

func validName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case i > 0 && (c >= '0' && c <= '9' || c == '_' || c == '.' || c == '-'):
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func validValue(v int64) error {
	if v < MinRegisterValue || v > MaxRegisterValue {
		return fmt.Errorf("%w: %d", ErrOutOfRange, v)
	}
	return nil
}

func validPeriod(d time.Duration) error {
	if d < MinWatchdogPeriod || d > MaxWatchdogPeriod {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, d)
	}
	return nil
}
