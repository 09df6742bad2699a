package statecore

import (
	"fmt"
	"time"
)

// Mode is the controller lifecycle mode.
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeArmed
	ModeRunning
	ModeHalted
	ModeFaulted
)

var modeNames = [...]string{
	ModeIdle:    "idle",
	ModeArmed:   "armed",
	ModeRunning: "running",
	ModeHalted:  "halted",
	ModeFaulted: "faulted",
}

// Modes lists every mode in declaration order.
func Modes() []Mode {
	return []Mode{ModeIdle, ModeArmed, ModeRunning, ModeHalted, ModeFaulted}
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// watchdogActive reports whether the watchdog must be armed in this mode.
func (m Mode) watchdogActive() bool {
	return m == ModeArmed || m == ModeRunning
}

// registersWritable reports whether register commands are accepted in this mode.
func (m Mode) registersWritable() bool {
	return m == ModeIdle || m == ModeArmed || m == ModeRunning
}

// Limits enforced by constructors and by the transition function.
const (
	MaxRegisters      = 64
	MaxNameLength     = 32
	MaxReasonLength   = 128
	MinRegisterValue  = -1_000_000_000_000
	MaxRegisterValue  = 1_000_000_000_000
	MinWatchdogPeriod = 10 * time.Millisecond
	MaxWatchdogPeriod = time.Hour
)
