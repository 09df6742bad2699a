package realtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/comalice/statecore"
)

// runTick processes one complete tick and returns the records to publish.
func (rt *Runtime) runTick(ctx context.Context, now time.Time) (recs []Applied) {
	// Phase 1: collect commands and snapshot requests atomically
	cmds, snapReqs := rt.collect()

	rt.ownerMu.Lock()
	defer rt.ownerMu.Unlock()

	rt.tickNum++
	tick := rt.tickNum
	_, span := rt.tracer.Start(ctx, "realtime.tick", trace.WithAttributes(
		attribute.Int64("statecore.tick", int64(tick)),
		attribute.Int("statecore.commands", len(cmds)),
	))
	defer span.End()

	done := 0
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("tick panicked",
				"tick", tick,
				"panic", r,
				"stack", string(debug.Stack()))
			span.SetStatus(codes.Error, fmt.Sprint(r))
			for _, c := range cmds[done:] {
				if c.reply != nil {
					c.reply <- result{err: fmt.Errorf("%w: %v", ErrTickPanic, r)}
				}
			}
		}
		// snapshot waiters are answered even after a panic
		rt.answerSnapshots(snapReqs)
	}()

	// Phase 2: sort for deterministic order
	sortCommands(cmds)

	// Phase 3: apply queued commands
	for i := range cmds {
		cmd := cmds[i].Command
		if cmds[i].Live {
			cmd = restamp(cmd, now)
		}
		events := rt.owner.Apply(cmd)
		recs = append(recs, rt.record(tick, now, cmd, events))
		if cmds[i].reply != nil {
			cmds[i].reply <- result{events: events}
		}
		done = i + 1
	}

	// Phase 4: advance the clock. Ticks that change nothing are not recorded.
	tickCmd := statecore.NewTick(now)
	if events := rt.owner.Apply(tickCmd); len(events) > 0 {
		recs = append(recs, rt.record(tick, now, tickCmd, events))
	}

	// Phase 5: snapshot hooks
	rt.runHooks(tick, now)

	span.SetAttributes(attribute.Int("statecore.records", len(recs)))
	return recs
}

// collect atomically retrieves and clears the pending batch.
func (rt *Runtime) collect() ([]CommandWithMeta, []chan statecore.Snapshot) {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()

	cmds := rt.batch
	rt.batch = make([]CommandWithMeta, 0, cap(rt.batch))
	reqs := rt.snapshotReqs
	rt.snapshotReqs = nil
	return cmds, reqs
}

func (rt *Runtime) record(tick uint64, now time.Time, cmd statecore.Command, events []statecore.Event) Applied {
	rt.applied++
	rec := Applied{
		Seq:     rt.applied,
		Tick:    tick,
		Command: cmd,
		Events:  events,
		At:      now.UTC(),
	}
	if r, ok := statecore.Rejected(events); ok {
		rt.logger.Debug("command rejected",
			"seq", rec.Seq,
			"command", commandKind(cmd),
			"reason", r.Reason,
			"detail", r.Detail)
	} else {
		rt.logger.Debug("command applied", "seq", rec.Seq, "command", commandKind(cmd), "events", len(events))
	}
	return rec
}

func (rt *Runtime) answerSnapshots(reqs []chan statecore.Snapshot) {
	if len(reqs) == 0 {
		return
	}
	snap := rt.owner.Snapshot()
	for _, r := range reqs {
		r <- snap
	}
}

func (rt *Runtime) runHooks(tick uint64, now time.Time) {
	var point *SnapshotPoint
	for _, h := range rt.hooks {
		if tick%h.every != 0 {
			continue
		}
		if point == nil {
			point = &SnapshotPoint{Tick: tick, Seq: rt.applied, At: now.UTC(), Snapshot: rt.owner.Snapshot()}
		}
		h.fn(rt.sinkCtx, *point)
	}
}
