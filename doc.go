// Package statecore is the pure state core of a device controller.
//
// All mutation flows through a single total function: (*Owner).Apply takes a
// Command and returns the ordered Events describing what changed. The
// authoritative state is unexported and never escapes the package; callers see
// it only through Snapshot copies and Events.
//
// The package performs no I/O, starts no goroutines and takes no locks. The
// caller (see package realtime) serializes Apply and Snapshot calls against one
// Owner. Time never comes from the wall clock here: commands that need it carry
// it as data.
//
// # Vocabulary
//
// The controller has a lifecycle Mode, a logical clock, a watchdog and a bank
// of named integer registers:
//
//	idle --Arm--> armed --Start--> running
//	 ^              |                 |
//	 |            Halt / watchdog expiry (Tick)
//	 |              v                 v
//	 +--Reset-- halted / faulted <----+
//
// Commands and Events are closed sets. Each variant's Accept method calls the
// matching CommandVisitor or EventVisitor method, so adding a variant fails to
// compile until every visitor handles it.
//
// # Example
//
//	owner := statecore.NewOwner()
//	set, _ := statecore.NewSetRegister("pump", 42)
//	for _, evt := range owner.Apply(set) {
//		fmt.Println(evt.Kind())
//	}
//	snap := owner.Snapshot()
//	v, _ := snap.Register("pump") // 42
package statecore
