// Package realtime provides the tick-based runtime shell around a
// statecore.Owner.
//
// The core is a pure transition function with no locks and no notion of
// wall time. This package supplies both:
//   - Commands are batched and applied at fixed tick boundaries
//   - Deterministic ordering via priority and sequence numbers
//   - After each batch a statecore.Tick carrying the shell clock is applied,
//     which is the only way real time reaches the core
//   - A single goroutine touches the owner while the loop runs
//
// # Example Usage
//
//	rt := realtime.NewRuntime(statecore.NewOwner(), realtime.Config{
//		TickRate: 20 * time.Millisecond,
//	}, realtime.WithSink(logSink))
//	rt.Start(ctx)
//	defer rt.Stop()
//
//	arm, _ := statecore.NewArm(time.Now(), time.Second)
//	events, err := rt.Apply(ctx, arm)
//
// # Command Ordering Guarantees
//
// Commands are ordered deterministically using:
//  1. Priority (higher priority applied first)
//  2. Sequence number (FIFO for same priority)
//  3. Stable sorting (preserves relative order)
//
// Given the same submissions and the same clock readings, the owner goes
// through the same states and emits the same events.
//
// # Records and Sinks
//
// Every application yields an Applied record. Records are numbered without
// gaps and handed to an outbox that a separate goroutine drains into the
// sinks, so a slow sink delays delivery but never the tick. Ticks that do not
// change the state are not recorded; replaying the recorded commands through
// a fresh owner rebuilds the same state.
//
// # Live Commands
//
// Commands read from a device link or stdin are stamped when parsed, then may
// wait in buffers or behind backpressure while the clock moves on. SubmitLive
// and every Source re-stamp Arm, Heartbeat and Tick with the time of the tick
// that applies them, so live input never trips the clock regression check.
// The record holds the command as applied. Submit and Apply keep the time the
// caller chose.
//
// # Deterministic Driving
//
// Step runs one tick synchronously at a caller-chosen instant. Tests and the
// replay tooling use it instead of Start.
package realtime
