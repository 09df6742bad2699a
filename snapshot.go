package statecore

import (
	"sort"
	"time"
)

// Register is one named register value.
type Register struct {
	Name  string
	Value int64
}

// WatchdogStatus describes the watchdog at snapshot time.
type WatchdogStatus struct {
	Armed    bool          `json:"armed" yaml:"armed"`
	Period   time.Duration `json:"period" yaml:"period"`
	Deadline time.Time     `json:"deadline" yaml:"deadline"`
}

// Snapshot is an immutable copy of the externally relevant machine state.
// It shares no memory with the machine: later commands never change it.
type Snapshot struct {
	mode      Mode
	clock     time.Time
	revision  uint64
	watchdog  WatchdogStatus
	registers []Register // sorted by name, never handed out directly
}

func (s Snapshot) Mode() Mode { return s.mode }
func (s Snapshot) Clock() time.Time { return s.clock }
func (s Snapshot) Revision() uint64 { return s.revision }
func (s Snapshot) Watchdog() WatchdogStatus { return s.watchdog }
func (s Snapshot) Len() int { return len(s.registers) }

// Register looks up one register.
func (s Snapshot) Register(name string) (int64, bool) {
	i := sort.Search(len(s.registers), func(i int) bool { return s.registers[i].Name >= name })
	if i < len(s.registers) && s.registers[i].Name == name {
		return s.registers[i].Value, true
	}
	return 0, false
}

// Registers returns a fresh, name-sorted copy of every register.
func (s Snapshot) Registers() []Register {
	return append([]Register(nil), s.registers...)
}

// Equal reports whether two snapshots describe the same state.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.mode != o.mode || !s.clock.Equal(o.clock) || s.revision != o.revision {
		return false
	}
	if s.watchdog.Armed != o.watchdog.Armed || s.watchdog.Period != o.watchdog.Period ||
		!s.watchdog.Deadline.Equal(o.watchdog.Deadline) {
		return false
	}
	if len(s.registers) != len(o.registers) {
		return false
	}
	for i := range s.registers {
		if s.registers[i] != o.registers[i] {
			return false
		}
	}
	return true
}

// SnapshotRecord is the plain serializable form of a Snapshot.
type SnapshotRecord struct {
	Mode      string           `json:"mode" yaml:"mode"`
	Clock     time.Time        `json:"clock" yaml:"clock"`
	Revision  uint64           `json:"revision" yaml:"revision"`
	Watchdog  WatchdogStatus   `json:"watchdog" yaml:"watchdog"`
	Registers map[string]int64 `json:"registers" yaml:"registers"`
}

// Record returns a serializable copy of the snapshot.
func (s Snapshot) Record() SnapshotRecord {
	regs := make(map[string]int64, len(s.registers))
	for _, r := range s.registers {
		regs[r.Name] = r.Value
	}
	return SnapshotRecord{
		Mode:      s.mode.String(),
		Clock:     s.clock,
		Revision:  s.revision,
		Watchdog:  s.watchdog,
		Registers: regs,
	}
}
