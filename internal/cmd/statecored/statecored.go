// Package statecored runs the controller daemon: a realtime runtime fed by
// stdin, a serial link and a heartbeat ticker, with journal, redis, metric
// and snapshot outputs.
package statecored

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/internal/config"
	"github.com/comalice/statecore/internal/diagnostics"
	"github.com/comalice/statecore/internal/journal"
	"github.com/comalice/statecore/internal/production"
	"github.com/comalice/statecore/internal/source"
	"github.com/comalice/statecore/internal/telemetry"
	"github.com/comalice/statecore/internal/wire"
	"github.com/comalice/statecore/realtime"
)

const ServiceName = "statecored"

// Config holds daemon configuration.
type Config struct {
	TickRate           time.Duration `env:"STATECORE_TICK_RATE"              envDefault:"10ms"`
	MaxCommandsPerTick int           `env:"STATECORE_MAX_COMMANDS_PER_TICK"  envDefault:"1000"`
	RateLimit          float64       `env:"STATECORE_RATE_LIMIT"`
	Burst              int           `env:"STATECORE_BURST"`
	LogLevel           string        `env:"STATECORE_LOG_LEVEL"              envDefault:"info"`
	LogFormat          string        `env:"STATECORE_LOG_FORMAT"             envDefault:"text"`

	Stdin      bool          `env:"STATECORE_STDIN"            envDefault:"true"`
	Echo       bool          `env:"STATECORE_ECHO"             envDefault:"true"`
	SerialPort string        `env:"STATECORE_SERIAL_PORT"`
	SerialBaud int           `env:"STATECORE_SERIAL_BAUD"      envDefault:"115200"`
	Heartbeat  time.Duration `env:"STATECORE_HEARTBEAT"`

	JournalPath     string `env:"STATECORE_JOURNAL"`
	CheckpointEvery uint64 `env:"STATECORE_CHECKPOINT_EVERY"   envDefault:"100"`

	RedisURL     string `env:"STATECORE_REDIS_URL"`
	RedisChannel string `env:"STATECORE_REDIS_CHANNEL"     envDefault:"statecore.records"`

	SnapshotDir    string `env:"STATECORE_SNAPSHOT_DIR"`
	SnapshotFormat string `env:"STATECORE_SNAPSHOT_FORMAT"   envDefault:"json"`
	SnapshotEvery  uint64 `env:"STATECORE_SNAPSHOT_EVERY"    envDefault:"500"`

	RulesPath     string `env:"STATECORE_RULES"`
	DiagnoseEvery uint64 `env:"STATECORE_DIAGNOSE_EVERY"    envDefault:"10"`

	Metrics bool `env:"STATECORE_METRICS" envDefault:"true"`
}

// ParseConfig loads env defaults and applies flag overrides.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseConfigFromArgs(&cfg, fs, bindFlags, args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.DurationVar(&cfg.TickRate, "tick", cfg.TickRate, "tick period")
	fs.IntVar(&cfg.MaxCommandsPerTick, "max-per-tick", cfg.MaxCommandsPerTick, "queued commands accepted per tick")
	fs.Float64Var(&cfg.RateLimit, "rate", cfg.RateLimit, "ingress commands per second (0 = unlimited)")
	fs.IntVar(&cfg.Burst, "burst", cfg.Burst, "ingress burst (default max-per-tick)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.BoolVar(&cfg.Stdin, "stdin", cfg.Stdin, "read protocol lines from stdin; EOF ends the session")
	fs.BoolVar(&cfg.Echo, "echo", cfg.Echo, "write EVT lines to stdout")
	fs.StringVar(&cfg.SerialPort, "serial", cfg.SerialPort, "serial device carrying protocol lines")
	fs.IntVar(&cfg.SerialBaud, "baud", cfg.SerialBaud, "serial baud rate")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "internal heartbeat period (0 disables)")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "SQLite journal path")
	fs.Uint64Var(&cfg.CheckpointEvery, "checkpoint-every", cfg.CheckpointEvery, "ticks between journal checkpoints")
	fs.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "redis URL for record publishing")
	fs.StringVar(&cfg.RedisChannel, "redis-channel", cfg.RedisChannel, "redis pub/sub channel")
	fs.StringVar(&cfg.SnapshotDir, "snapshot-dir", cfg.SnapshotDir, "directory for snapshot files")
	fs.StringVar(&cfg.SnapshotFormat, "snapshot-format", cfg.SnapshotFormat, "json or yaml")
	fs.Uint64Var(&cfg.SnapshotEvery, "snapshot-every", cfg.SnapshotEvery, "ticks between snapshot files")
	fs.StringVar(&cfg.RulesPath, "rules", cfg.RulesPath, "YAML diagnostic rules")
	fs.Uint64Var(&cfg.DiagnoseEvery, "diagnose-every", cfg.DiagnoseEvery, "ticks between rule checks")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "record OpenTelemetry metrics")
}

func (c Config) validate() error {
	var errs []error
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive"))
	}
	if c.MaxCommandsPerTick <= 0 {
		errs = append(errs, fmt.Errorf("max-per-tick must be positive"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate must not be negative"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log-format %q", c.LogFormat))
	}
	if _, err := config.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.SnapshotFormat != "json" && c.SnapshotFormat != "yaml" {
		errs = append(errs, fmt.Errorf("snapshot-format %q", c.SnapshotFormat))
	}
	for name, every := range map[string]uint64{
		"checkpoint-every": c.CheckpointEvery,
		"snapshot-every":   c.SnapshotEvery,
		"diagnose-every":   c.DiagnoseEvery,
	} {
		if every == 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// Stdio carries the process streams.
type Stdio struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Run starts the runtime and blocks until ctx is canceled or, when stdin is
// the session input, stdin reaches EOF. Queued commands are flushed and every
// record delivered before Run returns.
func Run(ctx context.Context, cfg Config, stdio Stdio) error {
	if stdio.Out == nil {
		stdio.Out = io.Discard
	}
	// echoed events and error replies share stdout
	stdio.Out = &lockedWriter{w: stdio.Out}
	if stdio.Err == nil {
		stdio.Err = io.Discard
	}
	logger, err := newLogger(cfg, stdio.Err)
	if err != nil {
		return err
	}

	d := &daemon{cfg: cfg, logger: logger, session: journal.NewSessionID()}
	defer d.close()
	logger = logger.With("session", d.session)
	d.logger = logger

	opts, err := d.wire(ctx, stdio.Out)
	if err != nil {
		return err
	}

	rt := realtime.NewRuntime(statecore.NewOwner(), realtime.Config{
		TickRate:           cfg.TickRate,
		MaxCommandsPerTick: cfg.MaxCommandsPerTick,
		RateLimit:          rate.Limit(cfg.RateLimit),
		Burst:              cfg.Burst,
		Logger:             logger,
	}, opts...)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	stdinDone := make(chan struct{})
	if cfg.Stdin && stdio.In != nil {
		lines := source.NewLineSource(stdio.In, source.LineOptions{
			Logger: logger,
			OnInvalid: func(line string, err error) {
				d.reply(stdio.Out, "ERR %v", err)
			},
		})
		go pump(ctx, rt, lines, cfg.TickRate, logger, stdinDone)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-stdinDone:
		logger.Info("stdin closed")
	}
	if err := rt.Stop(); err != nil {
		return fmt.Errorf("stop runtime: %w", err)
	}

	snap, err := rt.Snapshot(context.Background())
	if err != nil {
		return err
	}
	digest, err := wire.SnapshotDigest(snap)
	if err != nil {
		return err
	}
	logger.Info("session ended",
		"mode", snap.Mode(),
		"revision", snap.Revision(),
		"registers", snap.Len(),
		"ticks", rt.TickNumber(),
		"digest", digest)
	return nil
}

// pump forwards stdin until EOF, waiting out backpressure so a piped script
// is never truncated. Lines carry no timestamps, so commands go in live and
// take the time of the tick that applies them.
func pump(ctx context.Context, rt *realtime.Runtime, lines *source.LineSource, backoff time.Duration, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	defer lines.Stop()
	for cmd := range lines.Commands() {
		for {
			err := rt.SubmitLive(cmd)
			if !errors.Is(err, realtime.ErrQueueFull) {
				if err != nil {
					logger.Warn("dropped stdin command", "command", cmd.Kind(), "err", err)
				}
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
	if err := lines.Err(); err != nil {
		logger.Error("stdin failed", "err", err)
	}
}

// openSerial is replaced in tests.
var openSerial = source.OpenSerial

type daemon struct {
	cfg     Config
	logger  *slog.Logger
	session string
	closers []func() error
	serial  atomic.Pointer[source.SerialSource]
}

// wire builds every configured source, sink and hook.
func (d *daemon) wire(ctx context.Context, stdout io.Writer) ([]realtime.Option, error) {
	cfg := d.cfg
	opts := []realtime.Option{realtime.WithSink(production.NewLogSink(d.logger))}

	if cfg.Echo {
		opts = append(opts, realtime.WithSink(production.NewLineSink(stdout)))
	}
	if cfg.SerialPort != "" {
		port, err := openSerial(cfg.SerialPort, cfg.SerialBaud, source.LineOptions{
			Logger: d.logger,
			OnInvalid: func(line string, err error) {
				if port := d.serial.Load(); port != nil {
					d.reply(port, "ERR %v", err)
				}
			},
		})
		if err != nil {
			return nil, err
		}
		d.serial.Store(port)
		d.closers = append(d.closers, func() error {
			port.Stop()
			return nil
		})
		opts = append(opts,
			realtime.WithSource(port),
			realtime.WithSink(production.NewLineSink(port)))
		d.logger.Info("serial link open", "port", cfg.SerialPort, "baud", cfg.SerialBaud)
	}
	if cfg.Heartbeat > 0 {
		opts = append(opts, realtime.WithSource(source.NewHeartbeatSource(cfg.Heartbeat, time.Now)))
	}

	if cfg.JournalPath != "" {
		store, err := journal.OpenSQLite(ctx, cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, store.Close)
		rec := journal.NewRecorder(store, d.session, d.logger)
		opts = append(opts,
			realtime.WithSink(rec),
			realtime.WithSnapshotHook(cfg.CheckpointEvery, rec.CheckpointHook()))
		d.logger.Info("journal open", "path", cfg.JournalPath)
	}
	if cfg.RedisURL != "" {
		client, err := production.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		opts = append(opts, realtime.WithSink(production.NewRedisPublisher(client, cfg.RedisChannel, d.session)))
	}
	if cfg.Metrics {
		sink, err := telemetry.NewMetricsSink(otel.Meter("github.com/comalice/statecore"))
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		opts = append(opts, realtime.WithSink(sink))
	}

	if cfg.SnapshotDir != "" {
		var (
			p   production.Persister
			err error
		)
		if cfg.SnapshotFormat == "yaml" {
			p, err = production.NewYAMLPersister(cfg.SnapshotDir)
		} else {
			p, err = production.NewJSONPersister(cfg.SnapshotDir)
		}
		if err != nil {
			return nil, err
		}
		opts = append(opts, realtime.WithSnapshotHook(cfg.SnapshotEvery, production.SnapshotSaver(p, d.session, d.logger)))
	}
	if cfg.RulesPath != "" {
		monitor, err := loadMonitor(cfg.RulesPath, d.logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, realtime.WithSnapshotHook(cfg.DiagnoseEvery, monitor.Hook()))
	}
	return opts, nil
}

func loadMonitor(path string, logger *slog.Logger) (*diagnostics.Monitor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules: %w", err)
	}
	defer f.Close()
	rules, err := diagnostics.LoadRules(f)
	if err != nil {
		return nil, err
	}
	eval, err := diagnostics.NewEvaluator(rules)
	if err != nil {
		return nil, err
	}
	logger.Info("diagnostic rules loaded", "path", path, "rules", eval.Len())
	return diagnostics.NewMonitor(eval, logger), nil
}

// reply writes a protocol line back to the peer a bad line came from.
func (d *daemon) reply(w io.Writer, format string, args ...any) {
	line := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", " ")
	if _, err := fmt.Fprintln(w, line); err != nil {
		d.logger.Warn("reply failed", "err", err)
	}
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close failed", "err", err)
		}
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}
