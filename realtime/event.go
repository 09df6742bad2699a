package realtime

import (
	"sort"
	"time"

	"github.com/comalice/statecore"
)

// CommandWithMeta adds sequencing metadata for deterministic ordering.
type CommandWithMeta struct {
	Command     statecore.Command
	SequenceNum uint64
	Priority    int
	// Live commands are re-stamped with the time of the tick that applies
	// them. See SubmitLive.
	Live bool

	reply chan result // nil for fire-and-forget submissions
}

type result struct {
	events []statecore.Event
	err    error
}

// Applied is the record of one command application. Records are delivered to
// sinks in Seq order, and Seq has no gaps.
type Applied struct {
	Seq     uint64
	Tick    uint64
	Command statecore.Command
	Events  []statecore.Event
	At      time.Time
}

// sortCommands orders a batch deterministically.
// Stable sort preserves insertion order for equal priorities.
func sortCommands(cmds []CommandWithMeta) {
	sort.SliceStable(cmds, func(i, j int) bool {
		// Primary: higher priority first
		if cmds[i].Priority != cmds[j].Priority {
			return cmds[i].Priority > cmds[j].Priority
		}
		// Secondary: earlier sequence number first (FIFO)
		return cmds[i].SequenceNum < cmds[j].SequenceNum
	})
}

// Ordering guarantees:
// 1. Commands from the same caller are applied in submission order
// 2. Higher priority commands are applied first within a tick
// 3. Ties are broken by sequence number
// 4. The clock Tick is always the last application of a tick

// stamper rebuilds time-bearing commands at a new instant and passes every
// other command through unchanged.
type stamper struct {
	now time.Time
	out statecore.Command
}

func restamp(cmd statecore.Command, now time.Time) statecore.Command {
	s := stamper{now: now, out: cmd}
	cmd.Accept(&s)
	return s.out
}

func (s *stamper) VisitArm(c statecore.Arm) {
	if arm, err := statecore.NewArm(s.now, c.Period()); err == nil {
		s.out = arm
	}
}

func (s *stamper) VisitHeartbeat(statecore.Heartbeat) {
	s.out = statecore.NewHeartbeat(s.now)
}

func (s *stamper) VisitTick(statecore.Tick) {
	s.out = statecore.NewTick(s.now)
}

func (*stamper) VisitStart(statecore.Start)                   {}
func (*stamper) VisitHalt(statecore.Halt)                     {}
func (*stamper) VisitReset(statecore.Reset)                   {}
func (*stamper) VisitSetRegister(statecore.SetRegister)       {}
func (*stamper) VisitAdjustRegister(statecore.AdjustRegister) {}
func (*stamper) VisitClearRegister(statecore.ClearRegister)   {}
