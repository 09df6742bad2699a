package production

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/realtime"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// sampleSnapshot builds a running controller with two registers.
func sampleSnapshot(t *testing.T) statecore.Snapshot {
	t.Helper()
	o := statecore.NewOwner()
	arm, err := statecore.NewArm(t0, 2*time.Second)
	require.NoError(t, err)
	set1, _ := statecore.NewSetRegister("pump", 40)
	set2, _ := statecore.NewSetRegister("valve.1", -3)
	for _, c := range []statecore.Command{arm, statecore.Start{}, set1, set2} {
		o.Apply(c)
	}
	return o.Snapshot()
}

func TestPersisters_SaveLoad(t *testing.T) {
	tests := []struct {
		name string
		open func(dir string) (Persister, error)
		ext  string
	}{
		{"json", func(dir string) (Persister, error) { return NewJSONPersister(dir) }, ".json"},
		{"yaml", func(dir string) (Persister, error) { return NewYAMLPersister(dir) }, ".yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			p, err := tt.open(dir)
			require.NoError(t, err)

			rec := sampleSnapshot(t).Record()
			ctx := context.Background()
			require.NoError(t, p.Save(ctx, "line-3", 17, rec))
			assert.FileExists(t, filepath.Join(dir, "line-3"+tt.ext))

			file, err := p.Load(ctx, "line-3")
			require.NoError(t, err)
			assert.Equal(t, FormatVersion, file.Format)
			assert.Equal(t, uint64(17), file.Tick)
			assert.Equal(t, "running", file.Snapshot.Mode)
			assert.Equal(t, map[string]int64{"pump": 40, "valve.1": -3}, file.Snapshot.Registers)
			assert.True(t, file.Snapshot.Watchdog.Armed)
			assert.Equal(t, 2*time.Second, file.Snapshot.Watchdog.Period)
			assert.True(t, t0.Equal(file.Snapshot.Clock))
			assert.Len(t, file.Digest, 64)

			_, err = p.Load(ctx, "missing")
			assert.ErrorIs(t, err, os.ErrNotExist)
		})
	}
}

func TestPersister_RejectsNewerFormat(t *testing.T) {
	dir := t.TempDir()
	p, err := NewJSONPersister(dir)
	require.NoError(t, err)
	require.NoError(t, p.Save(context.Background(), "m", 1, sampleSnapshot(t).Record()))

	fn := filepath.Join(dir, "m.json")
	data, err := os.ReadFile(fn)
	require.NoError(t, err)
	data = []byte(strings.Replace(string(data), `"format": "`+FormatVersion+`"`, `"format": "2.0.0"`, 1))
	require.NoError(t, os.WriteFile(fn, data, 0o644))

	_, err = p.Load(context.Background(), "m")
	assert.ErrorIs(t, err, ErrFormatVersion)
}

func TestPersister_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	p, err := NewYAMLPersister(dir)
	require.NoError(t, err)
	require.NoError(t, p.Save(context.Background(), "m", 1, sampleSnapshot(t).Record()))

	fn := filepath.Join(dir, "m.yaml")
	data, err := os.ReadFile(fn)
	require.NoError(t, err)
	data = []byte(strings.Replace(string(data), "pump: 40", "pump: 41", 1))
	require.NoError(t, os.WriteFile(fn, data, 0o644))

	_, err = p.Load(context.Background(), "m")
	assert.True(t, errors.Is(err, ErrDigestMismatch), "got %v", err)
}

func TestSnapshotSaver(t *testing.T) {
	p, err := NewJSONPersister(t.TempDir())
	require.NoError(t, err)

	hook := SnapshotSaver(p, "ctl", nil)
	hook(context.Background(), realtime.SnapshotPoint{Tick: 9, Snapshot: sampleSnapshot(t)})

	file, err := p.Load(context.Background(), "ctl")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), file.Tick)
}
