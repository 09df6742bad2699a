package realtime

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/comalice/statecore"
)

var (
	ErrQueueFull   = errors.New("command queue full")
	ErrStopped     = errors.New("runtime stopped")
	ErrRateLimited = errors.New("command rate limit exceeded")
	ErrNotRunning  = errors.New("runtime not running")
	ErrRunning     = errors.New("runtime already running")
	ErrTickPanic   = errors.New("tick panicked")
	ErrNilCommand  = errors.New("nil command")
)

// Sink receives every Applied record in order. A returned error is logged
// and does not stop delivery to other sinks.
type Sink interface {
	Deliver(ctx context.Context, rec Applied) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Applied) error

func (f SinkFunc) Deliver(ctx context.Context, rec Applied) error { return f(ctx, rec) }

// Source produces commands from outside the process. The runtime forwards
// them to Submit until the channel closes or the runtime stops.
type Source interface {
	Commands() <-chan statecore.Command
	Stop()
}

// SnapshotPoint is what a snapshot hook receives.
type SnapshotPoint struct {
	Tick     uint64
	Seq      uint64 // Seq of the last record applied before the snapshot
	At       time.Time
	Snapshot statecore.Snapshot
}

// SnapshotHook is called on the loop goroutine after every n-th tick.
type SnapshotHook func(ctx context.Context, p SnapshotPoint)

// Config configures the runtime.
type Config struct {
	TickRate           time.Duration    // default 10ms
	MaxCommandsPerTick int              // batch capacity (default: 1000)
	OutboxSize         int              // buffered records awaiting sinks (default: 4096)
	RateLimit          rate.Limit       // submissions per second, 0 disables
	Burst              int              // limiter burst (default: MaxCommandsPerTick)
	Clock              func() time.Time // default time.Now
	Logger             *slog.Logger     // default slog.Default()
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithSink adds a record sink.
func WithSink(s Sink) Option {
	return func(rt *Runtime) { rt.sinks = append(rt.sinks, s) }
}

// WithSource adds a command source.
func WithSource(src Source) Option {
	return func(rt *Runtime) { rt.sources = append(rt.sources, src) }
}

// WithSnapshotHook calls fn with a fresh snapshot every n ticks.
func WithSnapshotHook(every uint64, fn SnapshotHook) Option {
	return func(rt *Runtime) {
		if every == 0 {
			every = 1
		}
		rt.hooks = append(rt.hooks, snapshotHook{every: every, fn: fn})
	}
}

// WithTracer overrides the tracer used for tick spans.
func WithTracer(t trace.Tracer) Option {
	return func(rt *Runtime) { rt.tracer = t }
}

type snapshotHook struct {
	every uint64
	fn    SnapshotHook
}

// Runtime is the shell around a statecore.Owner. It is the only goroutine
// that touches the owner while running; commands are batched and applied at
// fixed tick boundaries, followed by a Tick carrying the shell clock.
type Runtime struct {
	owner   *statecore.Owner
	ownerMu sync.Mutex // serializes the loop, Step and direct snapshots

	tickRate time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	limiter  *rate.Limiter
	tracer   trace.Tracer

	sinks   []Sink
	sources []Source
	hooks   []snapshotHook

	// Command batching
	batch        []CommandWithMeta
	snapshotReqs []chan statecore.Snapshot
	batchMu      sync.Mutex
	sequenceNum  uint64
	running      bool
	stopped      bool

	// Owned by whoever holds ownerMu
	tickNum uint64
	applied uint64

	outbox  chan Applied
	sinkCtx context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewRuntime creates a runtime driving owner.
func NewRuntime(owner *statecore.Owner, cfg Config, opts ...Option) *Runtime {
	if cfg.MaxCommandsPerTick == 0 {
		cfg.MaxCommandsPerTick = 1000
	}
	if cfg.TickRate == 0 {
		cfg.TickRate = 10 * time.Millisecond
	}
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = 4096
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if owner == nil {
		owner = statecore.NewOwner()
	}

	rt := &Runtime{
		owner:    owner,
		tickRate: cfg.TickRate,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("github.com/comalice/statecore/realtime"),
		batch:    make([]CommandWithMeta, 0, cfg.MaxCommandsPerTick),
		outbox:   make(chan Applied, cfg.OutboxSize),
		sinkCtx:  context.Background(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst == 0 {
			burst = cfg.MaxCommandsPerTick
		}
		rt.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Start begins tick-based execution. Commands submitted before Start are
// applied on the first tick.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.batchMu.Lock()
	switch {
	case rt.stopped:
		rt.batchMu.Unlock()
		return ErrStopped
	case rt.running:
		rt.batchMu.Unlock()
		return ErrRunning
	}
	rt.running = true
	ctx, rt.cancel = context.WithCancel(ctx)
	rt.sinkCtx = context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	rt.group = g
	rt.batchMu.Unlock()

	g.Go(func() error {
		rt.deliverLoop()
		return nil
	})
	g.Go(func() error {
		rt.tickLoop(gctx)
		return nil
	})
	for _, src := range rt.sources {
		src := src
		g.Go(func() error {
			rt.forward(gctx, src)
			return nil
		})
	}

	rt.logger.Info("runtime started",
		"tick_rate", rt.tickRate,
		"sinks", len(rt.sinks),
		"sources", len(rt.sources))
	return nil
}

// Stop halts the tick loop, applies whatever is still queued in one final
// tick, and waits until every record has reached the sinks.
func (rt *Runtime) Stop() error {
	rt.batchMu.Lock()
	if !rt.running {
		rt.stopped = true
		rt.batchMu.Unlock()
		return nil
	}
	cancel, group := rt.cancel, rt.group
	rt.batchMu.Unlock()

	cancel()
	err := group.Wait()
	rt.logger.Info("runtime stopped", "ticks", rt.TickNumber(), "applied", rt.appliedCount())
	return err
}

// tickLoop is the main tick execution loop.
func (rt *Runtime) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.tickRate)
	defer ticker.Stop()
	defer close(rt.outbox)

	for {
		select {
		case <-ctx.Done():
			rt.batchMu.Lock()
			rt.stopped = true
			rt.running = false
			rt.batchMu.Unlock()
			// final flush: nothing can be queued after stopped is set
			rt.publish(rt.runTick(ctx, rt.clock()))
			return
		case <-ticker.C:
			rt.publish(rt.runTick(ctx, rt.clock()))
		}
	}
}

func (rt *Runtime) publish(recs []Applied) {
	for _, rec := range recs {
		rt.outbox <- rec
	}
}

// forward pumps one source into Submit.
func (rt *Runtime) forward(ctx context.Context, src Source) {
	defer src.Stop()
	cmds := src.Commands()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			if err := rt.SubmitLive(cmd); err != nil {
				rt.logger.Warn("dropped command from source", "command", commandKind(cmd), "err", err)
			}
		}
	}
}

// deliverLoop drains the outbox into the sinks in order.
func (rt *Runtime) deliverLoop() {
	for rec := range rt.outbox {
		rt.deliver(rt.sinkCtx, rec)
	}
}

func (rt *Runtime) deliver(ctx context.Context, rec Applied) {
	for _, s := range rt.sinks {
		if err := s.Deliver(ctx, rec); err != nil {
			rt.logger.Error("sink delivery failed", "seq", rec.Seq, "command", commandKind(rec.Command), "err", err)
		}
	}
}

// Submit queues a command for the next tick (thread-safe).
func (rt *Runtime) Submit(cmd statecore.Command) error {
	return rt.SubmitWithPriority(cmd, 0)
}

// SubmitWithPriority queues a command with priority. Higher priorities are
// applied first within a tick.
func (rt *Runtime) SubmitWithPriority(cmd statecore.Command, priority int) error {
	return rt.enqueue(CommandWithMeta{Command: cmd, Priority: priority})
}

// SubmitLive queues a command from a live feed. Its time, if it carries one,
// is replaced by the time of the tick that applies it, so a command that sat
// in a buffer or waited out backpressure is never older than the clock.
// Sources are forwarded this way.
func (rt *Runtime) SubmitLive(cmd statecore.Command) error {
	return rt.enqueue(CommandWithMeta{Command: cmd, Live: true})
}

// Apply queues cmd and waits for the events it produced.
func (rt *Runtime) Apply(ctx context.Context, cmd statecore.Command) ([]statecore.Event, error) {
	rt.batchMu.Lock()
	running := rt.running
	rt.batchMu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	reply := make(chan result, 1)
	if err := rt.enqueue(CommandWithMeta{Command: cmd, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-reply:
		return r.events, r.err
	}
}

func (rt *Runtime) enqueue(c CommandWithMeta) error {
	if isNil(c.Command) {
		return ErrNilCommand
	}
	if rt.limiter != nil && !rt.limiter.Allow() {
		return ErrRateLimited
	}

	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()

	if rt.stopped {
		return ErrStopped
	}
	if len(rt.batch) >= cap(rt.batch) {
		return ErrQueueFull
	}
	c.SequenceNum = rt.sequenceNum
	rt.batch = append(rt.batch, c)
	rt.sequenceNum++
	return nil
}

// Snapshot returns a copy of the current state. While the loop runs the
// request is answered at the end of the next tick, after that tick's
// commands; otherwise it is read directly.
func (rt *Runtime) Snapshot(ctx context.Context) (statecore.Snapshot, error) {
	rt.batchMu.Lock()
	if !rt.running {
		rt.batchMu.Unlock()
		rt.ownerMu.Lock()
		defer rt.ownerMu.Unlock()
		return rt.owner.Snapshot(), nil
	}
	reply := make(chan statecore.Snapshot, 1)
	rt.snapshotReqs = append(rt.snapshotReqs, reply)
	rt.batchMu.Unlock()

	select {
	case <-ctx.Done():
		return statecore.Snapshot{}, ctx.Err()
	case snap := <-reply:
		return snap, nil
	}
}

// Step processes one tick synchronously at now and returns its records,
// which are also delivered to the sinks before Step returns. It fails while
// the loop is running.
func (rt *Runtime) Step(ctx context.Context, now time.Time) ([]Applied, error) {
	rt.batchMu.Lock()
	running := rt.running
	rt.batchMu.Unlock()
	if running {
		return nil, ErrRunning
	}

	recs := rt.runTick(ctx, now)
	for _, rec := range recs {
		rt.deliver(ctx, rec)
	}
	return recs, nil
}

// TickNumber returns the number of ticks processed.
func (rt *Runtime) TickNumber() uint64 {
	rt.ownerMu.Lock()
	defer rt.ownerMu.Unlock()
	return rt.tickNum
}

func (rt *Runtime) appliedCount() uint64 {
	rt.ownerMu.Lock()
	defer rt.ownerMu.Unlock()
	return rt.applied
}

// isNil catches typed nil pointers as well as the nil interface.
func isNil(cmd statecore.Command) bool {
	if cmd == nil {
		return true
	}
	v := reflect.ValueOf(cmd)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func commandKind(cmd statecore.Command) string {
	if isNil(cmd) {
		return "<nil>"
	}
	return string(cmd.Kind())
}
