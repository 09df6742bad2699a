// Package production provides production integrations: sinks, publishing,
// snapshot persistence and visualization.
package production

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/internal/wire"
	"github.com/comalice/statecore/realtime"
)

// FormatVersion is written into every snapshot file.
const FormatVersion = "1.1.0"

// readable lists the file format versions Load accepts.
var readable = mustConstraint("^1")

var (
	ErrFormatVersion  = errors.New("unsupported snapshot format")
	ErrDigestMismatch = errors.New("snapshot digest mismatch")
)

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// SnapshotFile is what persisters write: a snapshot record plus the
// metadata needed to check it on the way back in. Loaded files are for
// inspection and diagnostics; state is only ever rebuilt by replaying
// commands.
type SnapshotFile struct {
	Format   string                   `json:"format" yaml:"format"`
	ID       string                   `json:"id" yaml:"id"`
	SavedAt  time.Time                `json:"saved_at" yaml:"saved_at"`
	Tick     uint64                   `json:"tick" yaml:"tick"`
	Digest   string                   `json:"digest" yaml:"digest"`
	Snapshot statecore.SnapshotRecord `json:"snapshot" yaml:"snapshot"`
}

// Persister stores snapshot files by id.
type Persister interface {
	Save(ctx context.Context, id string, tick uint64, rec statecore.SnapshotRecord) error
	Load(ctx context.Context, id string) (SnapshotFile, error)
}

// fileStore holds what the JSON and YAML persisters share.
type fileStore struct {
	dir       string
	ext       string
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	now       func() time.Time
}

func newFileStore(dir, ext string, marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) (fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fileStore{}, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return fileStore{dir: dir, ext: ext, marshal: marshal, unmarshal: unmarshal, now: time.Now}, nil
}

func (s fileStore) path(id string) string {
	return filepath.Join(s.dir, id+s.ext)
}

func (s fileStore) Save(ctx context.Context, id string, tick uint64, rec statecore.SnapshotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	digest, err := wire.Digest(rec)
	if err != nil {
		return err
	}
	data, err := s.marshal(SnapshotFile{
		Format:   FormatVersion,
		ID:       id,
		SavedAt:  s.now().UTC(),
		Tick:     tick,
		Digest:   digest,
		Snapshot: rec,
	})
	if err != nil {
		return fmt.Errorf("%s marshal: %w", s.ext[1:], err)
	}

	// write-then-rename so readers never see a torn file
	fn := s.path(id)
	tmp := fn + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, fn); err != nil {
		return fmt.Errorf("rename %s: %w", fn, err)
	}
	return nil
}

func (s fileStore) Load(ctx context.Context, id string) (SnapshotFile, error) {
	if err := ctx.Err(); err != nil {
		return SnapshotFile{}, err
	}
	fn := s.path(id)
	data, err := os.ReadFile(fn)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SnapshotFile{}, fmt.Errorf("snapshot %q: %w", id, os.ErrNotExist)
		}
		return SnapshotFile{}, fmt.Errorf("read %s: %w", fn, err)
	}

	var file SnapshotFile
	if err := s.unmarshal(data, &file); err != nil {
		return SnapshotFile{}, fmt.Errorf("%s unmarshal: %w", s.ext[1:], err)
	}
	v, err := semver.NewVersion(file.Format)
	if err != nil || !readable.Check(v) {
		return SnapshotFile{}, fmt.Errorf("%w: %q", ErrFormatVersion, file.Format)
	}
	digest, err := wire.Digest(file.Snapshot)
	if err != nil {
		return SnapshotFile{}, err
	}
	if digest != file.Digest {
		return SnapshotFile{}, fmt.Errorf("%w: %s", ErrDigestMismatch, fn)
	}
	file.ID = id // Ensure ID
	return file, nil
}

// JSONPersister is a file-based persister using JSON serialization.
type JSONPersister struct {
	fileStore
}

// NewJSONPersister creates a JSONPersister, ensuring the directory exists.
func NewJSONPersister(dir string) (*JSONPersister, error) {
	fs, err := newFileStore(dir, ".json", func(v any) ([]byte, error) {
		return json.MarshalIndent(v, "", "  ")
	}, json.Unmarshal)
	if err != nil {
		return nil, err
	}
	return &JSONPersister{fs}, nil
}

// YAMLPersister is a file-based persister using YAML serialization.
type YAMLPersister struct {
	fileStore
}

// NewYAMLPersister creates a YAMLPersister, ensuring the directory exists.
func NewYAMLPersister(dir string) (*YAMLPersister, error) {
	fs, err := newFileStore(dir, ".yaml", yaml.Marshal, yaml.Unmarshal)
	if err != nil {
		return nil, err
	}
	return &YAMLPersister{fs}, nil
}

// SnapshotSaver returns a realtime snapshot hook that writes every snapshot
// it sees under id. Failures are logged; the loop keeps going.
func SnapshotSaver(p Persister, id string, logger *slog.Logger) realtime.SnapshotHook {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, pt realtime.SnapshotPoint) {
		if err := p.Save(ctx, id, pt.Tick, pt.Snapshot.Record()); err != nil {
			logger.Error("snapshot save failed", "id", id, "tick", pt.Tick, "err", err)
			return
		}
		logger.Debug("snapshot saved", "id", id, "tick", pt.Tick, "revision", pt.Snapshot.Revision())
	}
}
