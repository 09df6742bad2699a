package statecored

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/internal/journal"
	"github.com/comalice/statecore/internal/replay"
	"github.com/comalice/statecore/internal/source"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	fs := flag.NewFlagSet("statecored", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := ParseConfig(fs, []string{"-tick", "1ms", "-metrics=false"})
	require.NoError(t, err)
	return cfg
}

func TestParseConfigDefaults(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, time.Millisecond, cfg.TickRate)
	assert.Equal(t, 1000, cfg.MaxCommandsPerTick)
	assert.True(t, cfg.Stdin)
	assert.True(t, cfg.Echo)
	assert.Equal(t, 115200, cfg.SerialBaud)
	assert.Equal(t, uint64(100), cfg.CheckpointEvery)
	assert.Equal(t, "json", cfg.SnapshotFormat)
	assert.False(t, cfg.Metrics)
}

func TestParseConfigEnvAndFlags(t *testing.T) {
	t.Setenv("STATECORE_JOURNAL", "/var/lib/statecore.db")
	t.Setenv("STATECORE_HEARTBEAT", "250ms")
	fs := flag.NewFlagSet("statecored", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-journal", "/tmp/j.db", "-snapshot-format", "yaml"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/j.db", cfg.JournalPath)
	assert.Equal(t, 250*time.Millisecond, cfg.Heartbeat)
	assert.Equal(t, "yaml", cfg.SnapshotFormat)
}

func TestParseConfigValidates(t *testing.T) {
	tests := [][]string{
		{"-tick", "0s"},
		{"-log-level", "loud"},
		{"-log-format", "xml"},
		{"-snapshot-format", "toml"},
		{"-checkpoint-every", "0"},
		{"-rate", "-1"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			fs := flag.NewFlagSet("statecored", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			_, err := ParseConfig(fs, args)
			assert.Error(t, err)
		})
	}
}

const script = `# bring-up
ARM 5s
START
SET pump 42
BOGUS
ADJ pump -2
HALT maintenance
`

func TestRunJournalsStdinSession(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte("- name: halted\n  when: mode == \"halted\"\n"), 0o644))

	cfg := testConfig(t)
	cfg.JournalPath = filepath.Join(dir, "journal.sqlite")
	cfg.CheckpointEvery = 1
	cfg.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.SnapshotEvery = 1
	cfg.RulesPath = rules
	cfg.DiagnoseEvery = 1

	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, cfg, Stdio{In: strings.NewReader(script), Out: &stdout, Err: &stderr}))

	out := stdout.String()
	assert.Contains(t, out, "EVT mode_changed from=idle to=armed cause=arm")
	assert.Contains(t, out, "EVT register_changed name=pump previous=42 current=40")
	assert.Contains(t, out, "EVT mode_changed from=running to=halted cause=maintenance")
	assert.Contains(t, out, "ERR unknown kind")
	assert.Contains(t, stderr.String(), "session ended")
	assert.Contains(t, stderr.String(), "alert raised")

	store, err := journal.OpenSQLite(ctx, cfg.JournalPath)
	require.NoError(t, err)
	defer store.Close()
	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	res, err := replay.Run(ctx, store, sessions[0].ID, replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, statecore.ModeHalted, res.Final.Mode())
	v, ok := res.Final.Register("pump")
	require.True(t, ok)
	assert.Equal(t, int64(40), v)
	assert.Positive(t, res.Checkpoints)

	files, err := os.ReadDir(cfg.SnapshotDir)
	require.NoError(t, err)
	assert.Len(t, files, 1, "one file per session, rewritten in place")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stdin = false
	cfg.Heartbeat = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, Stdio{}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFailsOnBadRules(t *testing.T) {
	cfg := testConfig(t)
	cfg.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")
	err := Run(context.Background(), cfg, Stdio{In: strings.NewReader("")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open rules")
}

func TestRunKeepsTimedCommandsUnderBackpressure(t *testing.T) {
	var script strings.Builder
	for i := 1; i <= 400; i++ {
		fmt.Fprintf(&script, "SET pump %d\n", i)
	}
	script.WriteString("ARM 5s\nSTART\n")

	cfg := testConfig(t)
	cfg.TickRate = 2 * time.Millisecond
	cfg.MaxCommandsPerTick = 10
	cfg.JournalPath = filepath.Join(t.TempDir(), "journal.sqlite")

	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, cfg, Stdio{In: strings.NewReader(script.String()), Out: &stdout, Err: &stderr}))

	out := stdout.String()
	assert.NotContains(t, out, "command_rejected")
	assert.Contains(t, out, "EVT mode_changed from=idle to=armed cause=arm")
	assert.Contains(t, out, "EVT mode_changed from=armed to=running cause=start")

	store, err := journal.OpenSQLite(ctx, cfg.JournalPath)
	require.NoError(t, err)
	defer store.Close()
	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	res, err := replay.Run(ctx, store, sessions[0].ID, replay.Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Rejected)
	assert.Equal(t, statecore.ModeRunning, res.Final.Mode())
	v, _ := res.Final.Register("pump")
	assert.Equal(t, int64(400), v)
}

type fakePort struct {
	*io.PipeReader
	closed chan struct{}
	once   sync.Once
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return p.PipeReader.Close()
}

func TestRunClosesSerialPortWhenWiringFails(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	port := &fakePort{PipeReader: r, closed: make(chan struct{})}
	var opened *source.SerialSource
	orig := openSerial
	openSerial = func(name string, baud int, opts source.LineOptions) (*source.SerialSource, error) {
		opened = source.NewSerialSource(port, opts)
		return opened, nil
	}
	t.Cleanup(func() { openSerial = orig })

	cfg := testConfig(t)
	cfg.Stdin = false
	cfg.SerialPort = "/dev/ttyTEST0"
	cfg.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")

	err := Run(context.Background(), cfg, Stdio{})
	require.Error(t, err)
	require.NotNil(t, opened)

	select {
	case <-port.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("serial port left open")
	}
	select {
	case <-opened.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("serial reader still running")
	}
}
