// Package statereplay rebuilds controller state from a journal or a YAML
// command script and prints the result.
package statereplay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comalice/statecore/internal/config"
	"github.com/comalice/statecore/internal/journal"
	"github.com/comalice/statecore/internal/production"
	"github.com/comalice/statecore/internal/replay"
)

const ServiceName = "statereplay"

// Config holds replay command configuration.
type Config struct {
	Journal  string `env:"STATECORE_JOURNAL"`
	Session  string `env:"STATECORE_SESSION"`
	Script   string `env:"STATECORE_SCRIPT"`
	List     bool
	DOT      bool
	PageSize int    `env:"STATECORE_REPLAY_PAGE_SIZE" envDefault:"256"`
	LogLevel string `env:"STATECORE_LOG_LEVEL"        envDefault:"warn"`
}

// ParseConfig loads env defaults and applies flag overrides.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	err := config.ParseConfigFromArgs(&cfg, fs, func(fs *flag.FlagSet, cfg *Config) {
		fs.StringVar(&cfg.Journal, "journal", cfg.Journal, "SQLite journal to replay")
		fs.StringVar(&cfg.Session, "session", cfg.Session, "session id (default: most recent)")
		fs.StringVar(&cfg.Script, "script", cfg.Script, "YAML command script to run instead of a journal")
		fs.BoolVar(&cfg.List, "list", cfg.List, "list journal sessions and exit")
		fs.BoolVar(&cfg.DOT, "dot", cfg.DOT, "print the mode graph in DOT format")
		fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "entries read per page")
		fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	}, args)
	if err != nil {
		return Config{}, err
	}
	if (cfg.Journal == "") == (cfg.Script == "") {
		return Config{}, errors.New("exactly one of -journal or -script is required")
	}
	if cfg.List && cfg.Journal == "" {
		return Config{}, errors.New("-list needs -journal")
	}
	return cfg, nil
}

// Run executes the replay command.
func Run(ctx context.Context, cfg Config, out, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	var res replay.Result
	if cfg.Script != "" {
		res, err = runScript(cfg.Script)
	} else {
		res, err = runJournal(ctx, cfg, logger, out)
	}
	if err != nil || cfg.List {
		return err
	}
	return report(out, res, cfg.DOT)
}

func runScript(path string) (replay.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return replay.Result{}, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	cmds, err := replay.LoadScript(f)
	if err != nil {
		return replay.Result{}, err
	}
	return replay.Commands(cmds)
}

func runJournal(ctx context.Context, cfg Config, logger *slog.Logger, out io.Writer) (replay.Result, error) {
	store, err := journal.OpenSQLite(ctx, cfg.Journal)
	if err != nil {
		return replay.Result{}, err
	}
	defer store.Close()

	if cfg.List {
		return replay.Result{}, listSessions(ctx, store, out)
	}
	session := cfg.Session
	if session == "" {
		sessions, err := store.Sessions(ctx)
		if err != nil {
			return replay.Result{}, err
		}
		if len(sessions) == 0 {
			return replay.Result{}, errors.New("journal has no sessions")
		}
		session = sessions[len(sessions)-1].ID
	}
	return replay.Run(ctx, store, session, replay.Options{PageSize: cfg.PageSize, Logger: logger})
}

func listSessions(ctx context.Context, store journal.Store, out io.Writer) error {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tENTRIES")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", s.ID, s.StartedAt.Format(time.RFC3339), s.Entries)
	}
	return tw.Flush()
}

type summary struct {
	Session     string `yaml:"session,omitempty"`
	Entries     uint64 `yaml:"entries"`
	Rejected    uint64 `yaml:"rejected"`
	Checkpoints int    `yaml:"checkpoints_verified"`
	Unverified  int    `yaml:"checkpoints_unverified,omitempty"`
	Digest      string `yaml:"digest"`
	Snapshot    any    `yaml:"snapshot"`
}

func report(out io.Writer, res replay.Result, dot bool) error {
	rec := res.Final.Record()
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(summary{
		Session:     res.Session,
		Entries:     res.Entries,
		Rejected:    res.Rejected,
		Checkpoints: res.Checkpoints,
		Unverified:  res.Unverified,
		Digest:      res.Digest,
		Snapshot:    rec,
	}); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if dot {
		viz := &production.DefaultVisualizer{}
		if _, err := fmt.Fprintln(out, viz.ExportDOT(rec)); err != nil {
			return err
		}
	}
	return nil
}
