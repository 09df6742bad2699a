// Package journal stores the ordered record of every command application so
// a session can be audited and replayed.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/comalice/statecore/internal/wire"
	"github.com/comalice/statecore/realtime"
)

var (
	ErrOutOfOrder     = errors.New("journal entry out of order")
	ErrUnknownSession = errors.New("unknown session")
	ErrClosed         = errors.New("journal closed")
)

// Entry is one journaled command application.
type Entry struct {
	Session string
	Seq     uint64
	Tick    uint64
	At      time.Time
	Command wire.Envelope
	Events  []wire.Envelope
}

// Checkpoint pins the snapshot digest after entry Seq.
type Checkpoint struct {
	Session  string
	Seq      uint64
	Tick     uint64
	Revision uint64
	Digest   string
	At       time.Time
}

// SessionInfo summarizes one runtime session.
type SessionInfo struct {
	ID        string
	StartedAt time.Time
	Entries   uint64
}

// Store persists entries and checkpoints. Within a session, Append only
// accepts the entry following the last one: Seq must be last+1.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, session string, afterSeq uint64, limit int) ([]Entry, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	Checkpoints(ctx context.Context, session string) ([]Checkpoint, error)
	Sessions(ctx context.Context) ([]SessionInfo, error)
	Close() error
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewEntry encodes a runtime record for the journal.
func NewEntry(session string, rec realtime.Applied) (Entry, error) {
	cmd, err := wire.EncodeCommand(rec.Command)
	if err != nil {
		return Entry{}, fmt.Errorf("encode command %d: %w", rec.Seq, err)
	}
	events, err := wire.EncodeEvents(rec.Events)
	if err != nil {
		return Entry{}, fmt.Errorf("encode events %d: %w", rec.Seq, err)
	}
	return Entry{
		Session: session,
		Seq:     rec.Seq,
		Tick:    rec.Tick,
		At:      rec.At.UTC(),
		Command: cmd,
		Events:  events,
	}, nil
}

// Recorder is a realtime.Sink that appends every record to a store.
type Recorder struct {
	store   Store
	session string
	logger  *slog.Logger
}

// NewRecorder journals records under session.
func NewRecorder(store Store, session string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, session: session, logger: logger}
}

// Session returns the session id records are written under.
func (r *Recorder) Session() string {
	return r.session
}

// Deliver implements realtime.Sink.
func (r *Recorder) Deliver(ctx context.Context, rec realtime.Applied) error {
	e, err := NewEntry(r.session, rec)
	if err != nil {
		return err
	}
	if err := r.store.Append(ctx, e); err != nil {
		return fmt.Errorf("append entry %d: %w", rec.Seq, err)
	}
	return nil
}

// CheckpointHook returns a snapshot hook that stores a digest checkpoint.
func (r *Recorder) CheckpointHook() realtime.SnapshotHook {
	return func(ctx context.Context, pt realtime.SnapshotPoint) {
		digest, err := wire.SnapshotDigest(pt.Snapshot)
		if err != nil {
			r.logger.Error("checkpoint digest failed", "tick", pt.Tick, "err", err)
			return
		}
		cp := Checkpoint{
			Session:  r.session,
			Seq:      pt.Seq,
			Tick:     pt.Tick,
			Revision: pt.Snapshot.Revision(),
			Digest:   digest,
			At:       pt.At,
		}
		if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
			r.logger.Error("checkpoint save failed", "seq", pt.Seq, "tick", pt.Tick, "err", err)
			return
		}
		r.logger.Debug("checkpoint saved", "seq", pt.Seq, "revision", cp.Revision)
	}
}
