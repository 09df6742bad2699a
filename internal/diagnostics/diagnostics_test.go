package diagnostics

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/realtime"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func record(mode string, registers map[string]int64) statecore.SnapshotRecord {
	return statecore.SnapshotRecord{Mode: mode, Clock: t0, Revision: 7, Registers: registers}
}

func TestCheck(t *testing.T) {
	eval, err := NewEvaluator([]Rule{
		{Name: "faulted", When: `mode == "faulted"`, Severity: SeverityError},
		{Name: "hot", When: `"temp" in registers && registers["temp"] > 80`},
		{Name: "busy", When: `len(registers) >= 3`},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, eval.Len())

	alerts, err := eval.Check(record("running", map[string]int64{"temp": 90}))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, Alert{Rule: "hot", Severity: SeverityWarn, Mode: "running", Revision: 7}, alerts[0])

	alerts, err = eval.Check(record("faulted", map[string]int64{"a": 1, "b": 2, "c": 3}))
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "faulted", alerts[0].Rule)
	assert.Equal(t, SeverityError, alerts[0].Severity)
	assert.Equal(t, "busy", alerts[1].Rule)

	alerts, err = eval.Check(record("idle", nil))
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestCheckWatchdogRemaining(t *testing.T) {
	eval, err := NewEvaluator([]Rule{{Name: "late", When: `watchdog.armed && remaining < duration("50ms")`}})
	require.NoError(t, err)

	rec := record("running", nil)
	rec.Watchdog = statecore.WatchdogStatus{Armed: true, Period: time.Second, Deadline: t0.Add(20 * time.Millisecond)}
	alerts, err := eval.Check(rec)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	rec.Watchdog.Deadline = t0.Add(time.Second)
	alerts, err = eval.Check(rec)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestNewEvaluatorRejectsBadRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"no name", []Rule{{When: "true"}}},
		{"no expression", []Rule{{Name: "x"}}},
		{"duplicate", []Rule{{Name: "x", When: "true"}, {Name: "x", When: "false"}}},
		{"not boolean", []Rule{{Name: "x", When: "revision + 1"}}},
		{"syntax", []Rule{{Name: "x", When: "mode =="}}},
		{"unknown variable", []Rule{{Name: "x", When: "pressure > 3"}}},
		{"severity", []Rule{{Name: "x", When: "true", Severity: "panic"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvaluator(tt.rules)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestLoadRules(t *testing.T) {
	rules, err := LoadRules(strings.NewReader(`
- name: faulted
  when: mode == "faulted"
  severity: error
- name: hot
  when: registers["temp"] > 80
`))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "error", rules[0].Severity)
	assert.Equal(t, `registers["temp"] > 80`, rules[1].When)

	rules, err = LoadRules(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rules)

	_, err = LoadRules(strings.NewReader("name: [unterminated"))
	assert.Error(t, err)
}

func TestMonitorReportsEdges(t *testing.T) {
	eval, err := NewEvaluator([]Rule{{Name: "faulted", When: `mode == "faulted"`, Severity: SeverityError}})
	require.NoError(t, err)
	var buf bytes.Buffer
	m := NewMonitor(eval, slog.New(slog.NewTextHandler(&buf, nil)))
	ctx := context.Background()

	m.Observe(ctx, record("running", nil))
	assert.Empty(t, m.Active())
	m.Observe(ctx, record("faulted", nil))
	m.Observe(ctx, record("faulted", nil))
	assert.Equal(t, []string{"faulted"}, m.Active())
	m.Observe(ctx, record("idle", nil))
	assert.Empty(t, m.Active())

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "alert raised"))
	assert.Contains(t, out, "level=ERROR")
	assert.Equal(t, 1, strings.Count(out, "alert cleared"))
}

func TestMonitorHook(t *testing.T) {
	eval, err := NewEvaluator([]Rule{{Name: "pump-high", When: `registers["pump"] > 10`}})
	require.NoError(t, err)
	m := NewMonitor(eval, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	rt := realtime.NewRuntime(nil, realtime.Config{}, realtime.WithSnapshotHook(1, m.Hook()))
	set, err := statecore.NewSetRegister("pump", 11)
	require.NoError(t, err)
	require.NoError(t, rt.Submit(set))
	_, err = rt.Step(context.Background(), t0)
	require.NoError(t, err)

	assert.Equal(t, []string{"pump-high"}, m.Active())
}
