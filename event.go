package statecore

import "time"

// EventKind names an Event variant on the wire and in logs.
type EventKind string

const (
	KindModeChanged      EventKind = "mode_changed"
	KindClockAdvanced    EventKind = "clock_advanced"
	KindWatchdogArmed    EventKind = "watchdog_armed"
	KindWatchdogFed      EventKind = "watchdog_fed"
	KindWatchdogExpired  EventKind = "watchdog_expired"
	KindRegisterChanged  EventKind = "register_changed"
	KindRegisterRemoved  EventKind = "register_removed"
	KindRegistersCleared EventKind = "registers_cleared"
	KindCommandRejected  EventKind = "command_rejected"
)

// Event is an inert record of something that happened while applying a
// Command. Events are values; holding one never aliases machine state.
//
//sumtype:decl
type Event interface {
	Kind() EventKind
	Accept(v EventVisitor)
	isEvent()
}

// EventVisitor has one method per Event variant.
type EventVisitor interface {
	VisitModeChanged(ModeChanged)
	VisitClockAdvanced(ClockAdvanced)
	VisitWatchdogArmed(WatchdogArmed)
	VisitWatchdogFed(WatchdogFed)
	VisitWatchdogExpired(WatchdogExpired)
	VisitRegisterChanged(RegisterChanged)
	VisitRegisterRemoved(RegisterRemoved)
	VisitRegistersCleared(RegistersCleared)
	VisitCommandRejected(CommandRejected)
}

// ModeChanged records a lifecycle transition.
type ModeChanged struct {
	From  Mode
	To    Mode
	Cause string
}

func (ModeChanged) Kind() EventKind { return KindModeChanged }
func (e ModeChanged) Accept(v EventVisitor) { v.VisitModeChanged(e) }
func (ModeChanged) isEvent() {}

// ClockAdvanced records the logical clock moving forward.
type ClockAdvanced struct {
	From time.Time
	To   time.Time
}

func (ClockAdvanced) Kind() EventKind { return KindClockAdvanced }
func (e ClockAdvanced) Accept(v EventVisitor) { v.VisitClockAdvanced(e) }
func (ClockAdvanced) isEvent() {}

// WatchdogArmed records the watchdog starting.
type WatchdogArmed struct {
	Period   time.Duration
	Deadline time.Time
}

func (WatchdogArmed) Kind() EventKind { return KindWatchdogArmed }
func (e WatchdogArmed) Accept(v EventVisitor) { v.VisitWatchdogArmed(e) }
func (WatchdogArmed) isEvent() {}

// WatchdogFed records a heartbeat pushing the deadline out.
type WatchdogFed struct {
	Deadline time.Time
}

func (WatchdogFed) Kind() EventKind { return KindWatchdogFed }
func (e WatchdogFed) Accept(v EventVisitor) { v.VisitWatchdogFed(e) }
func (WatchdogFed) isEvent() {}

// WatchdogExpired records a Tick observed past the deadline.
type WatchdogExpired struct {
	Deadline time.Time
	At       time.Time
}

func (WatchdogExpired) Kind() EventKind { return KindWatchdogExpired }
func (e WatchdogExpired) Accept(v EventVisitor) { v.VisitWatchdogExpired(e) }
func (WatchdogExpired) isEvent() {}

// RegisterChanged records a register write. Created is set when the register
// did not exist before; Previous is zero in that case.
type RegisterChanged struct {
	Name     string
	Previous int64
	Current  int64
	Created  bool
}

func (RegisterChanged) Kind() EventKind { return KindRegisterChanged }
func (e RegisterChanged) Accept(v EventVisitor) { v.VisitRegisterChanged(e) }
func (RegisterChanged) isEvent() {}

// RegisterRemoved records a register being cleared.
type RegisterRemoved struct {
	Name     string
	Previous int64
}

func (RegisterRemoved) Kind() EventKind { return KindRegisterRemoved }
func (e RegisterRemoved) Accept(v EventVisitor) { v.VisitRegisterRemoved(e) }
func (RegisterRemoved) isEvent() {}

// RegistersCleared records a Reset dropping every register.
type RegistersCleared struct {
	Count int
}

func (RegistersCleared) Kind() EventKind { return KindRegistersCleared }
func (e RegistersCleared) Accept(v EventVisitor) { v.VisitRegistersCleared(e) }
func (RegistersCleared) isEvent() {}

// RejectReason classifies a CommandRejected event.
type RejectReason string

const (
	ReasonNilCommand       RejectReason = "nil_command"
	ReasonInvalidName      RejectReason = "invalid_name"
	ReasonOutOfRange       RejectReason = "out_of_range"
	ReasonInvalidPeriod    RejectReason = "invalid_period"
	ReasonModeForbids      RejectReason = "mode_forbids"
	ReasonClockRegression  RejectReason = "clock_regression"
	ReasonUnknownRegister  RejectReason = "unknown_register"
	ReasonRegisterCapacity RejectReason = "register_capacity"
)

// CommandRejected records a command that was not applied. State is unchanged
// whenever this is the only event of an application.
type CommandRejected struct {
	Command CommandKind
	Reason  RejectReason
	Detail  string
}

func (CommandRejected) Kind() EventKind { return KindCommandRejected }
func (e CommandRejected) Accept(v EventVisitor) { v.VisitCommandRejected(e) }
func (CommandRejected) isEvent() {}

// Rejected reports whether events is exactly one CommandRejected.
func Rejected(events []Event) (CommandRejected, bool) {
	if len(events) != 1 {
		return CommandRejected{}, false
	}
	r, ok := events[0].(CommandRejected)
	return r, ok
}
