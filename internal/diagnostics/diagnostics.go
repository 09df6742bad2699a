// Package diagnostics evaluates alert rules against controller snapshots.
//
// Rules are boolean expr-lang expressions over the snapshot record:
//
//	mode == "faulted"
//	"temp" in registers && registers["temp"] > 80
//	watchdog.armed && remaining < duration("50ms")
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/realtime"
)

var ErrInvalidRule = errors.New("invalid rule")

const (
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Rule raises an alert while When evaluates to true.
type Rule struct {
	Name     string `yaml:"name"`
	When     string `yaml:"when"`
	Severity string `yaml:"severity,omitempty"`
}

// Alert is a rule that matched a snapshot.
type Alert struct {
	Rule     string
	Severity string
	Mode     string
	Revision uint64
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// Evaluator holds compiled rules.
type Evaluator struct {
	rules []compiledRule
}

// NewEvaluator compiles rules. Rule names must be unique and every
// expression must type-check as a boolean.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	e := &Evaluator{}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		r.Name = strings.TrimSpace(r.Name)
		switch {
		case r.Name == "":
			return nil, fmt.Errorf("%w: rule name is required", ErrInvalidRule)
		case seen[r.Name]:
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrInvalidRule, r.Name)
		case strings.TrimSpace(r.When) == "":
			return nil, fmt.Errorf("%w: rule %q has no expression", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = true

		switch r.Severity {
		case "":
			r.Severity = SeverityWarn
		case SeverityWarn, SeverityError:
		default:
			return nil, fmt.Errorf("%w: rule %q severity %q", ErrInvalidRule, r.Name, r.Severity)
		}

		program, err := expr.Compile(r.When, expr.Env(environment(statecore.SnapshotRecord{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{Rule: r, program: program})
	}
	return e, nil
}

// LoadRules reads a YAML list of rules.
func LoadRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	if err := yaml.NewDecoder(r).Decode(&rules); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return rules, nil
}

// Len returns the number of rules.
func (e *Evaluator) Len() int {
	return len(e.rules)
}

// Check evaluates every rule against rec. A rule that fails at run time does
// not stop the others; its error is joined into the returned error.
func (e *Evaluator) Check(rec statecore.SnapshotRecord) ([]Alert, error) {
	env := environment(rec)
	var (
		alerts []Alert
		errs   []error
	)
	for _, r := range e.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		if matched, _ := out.(bool); matched {
			alerts = append(alerts, Alert{Rule: r.Name, Severity: r.Severity, Mode: rec.Mode, Revision: rec.Revision})
		}
	}
	return alerts, errors.Join(errs...)
}

func environment(rec statecore.SnapshotRecord) map[string]any {
	registers := rec.Registers
	if registers == nil {
		registers = map[string]int64{}
	}
	var remaining time.Duration
	if rec.Watchdog.Armed {
		remaining = rec.Watchdog.Deadline.Sub(rec.Clock)
	}
	return map[string]any{
		"mode":      rec.Mode,
		"clock":     rec.Clock,
		"revision":  rec.Revision,
		"registers": registers,
		"watchdog": map[string]any{
			"armed":    rec.Watchdog.Armed,
			"period":   rec.Watchdog.Period,
			"deadline": rec.Watchdog.Deadline,
		},
		"remaining": remaining,
	}
}

// Monitor logs alerts when they are raised and when they clear, so a
// condition that persists across snapshots is reported once.
type Monitor struct {
	mu     sync.Mutex
	eval   *Evaluator
	logger *slog.Logger
	active map[string]Alert
}

// NewMonitor watches snapshots with eval.
func NewMonitor(eval *Evaluator, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{eval: eval, logger: logger, active: make(map[string]Alert)}
}

// Hook adapts the monitor to a runtime snapshot hook.
func (m *Monitor) Hook() realtime.SnapshotHook {
	return func(ctx context.Context, pt realtime.SnapshotPoint) {
		m.Observe(ctx, pt.Snapshot.Record())
	}
}

// Observe checks rec and returns the alerts currently active.
func (m *Monitor) Observe(ctx context.Context, rec statecore.SnapshotRecord) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts, err := m.eval.Check(rec)
	if err != nil {
		m.logger.WarnContext(ctx, "diagnostic rule failed", "revision", rec.Revision, "err", err)
	}

	now := make(map[string]Alert, len(alerts))
	for _, a := range alerts {
		now[a.Rule] = a
		if _, ok := m.active[a.Rule]; ok {
			continue
		}
		level := slog.LevelWarn
		if a.Severity == SeverityError {
			level = slog.LevelError
		}
		m.logger.Log(ctx, level, "alert raised", "rule", a.Rule, "mode", a.Mode, "revision", a.Revision)
	}
	var cleared []string
	for name := range m.active {
		if _, ok := now[name]; !ok {
			cleared = append(cleared, name)
		}
	}
	sort.Strings(cleared)
	for _, name := range cleared {
		m.logger.InfoContext(ctx, "alert cleared", "rule", name, "revision", rec.Revision)
	}
	m.active = now
	return alerts
}

// Active returns the names of the active alerts in order.
func (m *Monitor) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
