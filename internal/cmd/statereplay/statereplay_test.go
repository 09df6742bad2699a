package statereplay

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/internal/journal"
	"github.com/comalice/statecore/realtime"
)

const script = `
- kind: arm
  payload: {at: "2026-01-01T00:00:00Z", period: 1s}
- kind: start
- kind: set_register
  payload: {name: pump, value: 42}
- kind: reset
`

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("statereplay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return ParseConfig(fs, args)
}

func TestParseConfig(t *testing.T) {
	cfg, err := parse(t, "-script", "x.yaml", "-dot")
	require.NoError(t, err)
	assert.Equal(t, "x.yaml", cfg.Script)
	assert.True(t, cfg.DOT)
	assert.Equal(t, 256, cfg.PageSize)

	_, err = parse(t)
	assert.Error(t, err, "needs an input")
	_, err = parse(t, "-script", "a", "-journal", "b")
	assert.Error(t, err, "inputs are exclusive")
	_, err = parse(t, "-script", "a", "-list")
	assert.Error(t, err)
}

func TestRunScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))
	cfg, err := parse(t, "-script", path, "-dot")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), cfg, &out, nil))

	var got struct {
		Entries  uint64 `yaml:"entries"`
		Rejected uint64 `yaml:"rejected"`
		Digest   string `yaml:"digest"`
		Snapshot struct {
			Mode      string           `yaml:"mode"`
			Registers map[string]int64 `yaml:"registers"`
		} `yaml:"snapshot"`
	}
	// the YAML document ends where the DOT graph starts
	doc, dot, found := bytes.Cut(out.Bytes(), []byte("digraph"))
	require.True(t, found)
	require.NoError(t, yaml.Unmarshal(doc, &got))
	assert.Equal(t, uint64(4), got.Entries)
	assert.Equal(t, uint64(1), got.Rejected, "reset while running")
	assert.Equal(t, "running", got.Snapshot.Mode)
	assert.Equal(t, map[string]int64{"pump": 42}, got.Snapshot.Registers)
	assert.Len(t, got.Digest, 64)
	assert.Contains(t, string(dot), "Controller")
}

func TestRunJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	store, err := journal.OpenSQLite(ctx, path)
	require.NoError(t, err)

	rec := journal.NewRecorder(store, "session-1", nil)
	rt := realtime.NewRuntime(nil, realtime.Config{}, realtime.WithSink(rec), realtime.WithSnapshotHook(1, rec.CheckpointHook()))
	set, _ := statecore.NewSetRegister("pump", 3)
	require.NoError(t, rt.Submit(set))
	_, err = rt.Step(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	cfg, err := parse(t, "-journal", path, "-list")
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, Run(ctx, cfg, &out, nil))
	assert.Contains(t, out.String(), "session-1")
	assert.Contains(t, out.String(), "ENTRIES")

	cfg, err = parse(t, "-journal", path)
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, Run(ctx, cfg, &out, nil))
	assert.Contains(t, out.String(), "session: session-1")
	assert.Contains(t, out.String(), "entries: 2")
	assert.Contains(t, out.String(), "checkpoints_verified: 1")
	assert.Contains(t, out.String(), "pump: 3")
}

func TestRunEmptyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	cfg, err := parse(t, "-journal", path)
	require.NoError(t, err)
	err = Run(context.Background(), cfg, nil, nil)
	assert.ErrorContains(t, err, "no sessions")
}
