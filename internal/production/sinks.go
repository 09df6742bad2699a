package production

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/internal/wire"
	"github.com/comalice/statecore/realtime"
)

// LogSink writes one structured log entry per event.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink; nil means slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Deliver implements realtime.Sink.
func (s *LogSink) Deliver(ctx context.Context, rec realtime.Applied) error {
	if len(rec.Events) == 0 {
		return nil
	}
	l := eventLog{ctx: ctx, logger: s.logger.With("seq", rec.Seq, "tick", rec.Tick)}
	for _, ev := range rec.Events {
		ev.Accept(&l)
	}
	return nil
}

// eventLog picks a level and attributes per event kind.
type eventLog struct {
	ctx    context.Context
	logger *slog.Logger
}

func (l *eventLog) VisitModeChanged(ev statecore.ModeChanged) {
	level := slog.LevelInfo
	if ev.To == statecore.ModeFaulted {
		level = slog.LevelError
	}
	l.logger.Log(l.ctx, level, "mode changed", "from", ev.From.String(), "to", ev.To.String(), "cause", ev.Cause)
}

func (l *eventLog) VisitClockAdvanced(ev statecore.ClockAdvanced) {
	l.logger.DebugContext(l.ctx, "clock advanced", "to", ev.To)
}

func (l *eventLog) VisitWatchdogArmed(ev statecore.WatchdogArmed) {
	l.logger.InfoContext(l.ctx, "watchdog armed", "period", ev.Period, "deadline", ev.Deadline)
}

func (l *eventLog) VisitWatchdogFed(ev statecore.WatchdogFed) {
	l.logger.DebugContext(l.ctx, "watchdog fed", "deadline", ev.Deadline)
}

func (l *eventLog) VisitWatchdogExpired(ev statecore.WatchdogExpired) {
	l.logger.ErrorContext(l.ctx, "watchdog expired", "deadline", ev.Deadline, "at", ev.At, "late", ev.At.Sub(ev.Deadline))
}

func (l *eventLog) VisitRegisterChanged(ev statecore.RegisterChanged) {
	l.logger.DebugContext(l.ctx, "register changed", "name", ev.Name, "previous", ev.Previous, "current", ev.Current, "created", ev.Created)
}

func (l *eventLog) VisitRegisterRemoved(ev statecore.RegisterRemoved) {
	l.logger.DebugContext(l.ctx, "register removed", "name", ev.Name, "previous", ev.Previous)
}

func (l *eventLog) VisitRegistersCleared(ev statecore.RegistersCleared) {
	l.logger.InfoContext(l.ctx, "registers cleared", "count", ev.Count)
}

func (l *eventLog) VisitCommandRejected(ev statecore.CommandRejected) {
	l.logger.WarnContext(l.ctx, "command rejected", "command", ev.Command, "reason", ev.Reason, "detail", ev.Detail)
}

// LineSink writes every event as a protocol line, for example back down
// the serial link the commands came from.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
	// Skip, when set, filters events out before they are written.
	Skip func(statecore.Event) bool
}

// NewLineSink returns a LineSink writing to w. Clock events are skipped by
// default since every tick produces one.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{
		w: w,
		Skip: func(ev statecore.Event) bool {
			return ev.Kind() == statecore.KindClockAdvanced
		},
	}
}

// Deliver implements realtime.Sink.
func (s *LineSink) Deliver(_ context.Context, rec realtime.Applied) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range rec.Events {
		if s.Skip != nil && s.Skip(ev) {
			continue
		}
		if _, err := fmt.Fprintln(s.w, wire.FormatEvent(ev)); err != nil {
			return fmt.Errorf("write event line: %w", err)
		}
	}
	return nil
}
