// Package replay rebuilds controller state from a journal by applying every
// journaled command to a fresh owner, checking that the same events come out
// and that checkpoint digests match along the way.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/internal/journal"
	"github.com/comalice/statecore/internal/wire"
)

var (
	ErrSequenceGap        = errors.New("journal sequence gap")
	ErrDivergence         = errors.New("replay diverged from journal")
	ErrCheckpointMismatch = errors.New("checkpoint mismatch")
)

const DefaultPageSize = 256

// Options tunes a replay run.
type Options struct {
	PageSize int
	Logger   *slog.Logger
}

// Result summarizes a replay.
type Result struct {
	Session     string
	Entries     uint64
	Rejected    uint64
	Checkpoints int // verified
	Unverified  int // checkpoints past the last journaled entry
	Final       statecore.Snapshot
	Digest      string
}

// Run replays session from store.
func Run(ctx context.Context, store journal.Store, session string, opts Options) (Result, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cps, err := store.Checkpoints(ctx, session)
	if err != nil {
		return Result{}, fmt.Errorf("load checkpoints: %w", err)
	}

	r := replayer{owner: statecore.NewOwner(), checkpoints: cps, res: Result{Session: session}}
	if err := r.verifyThrough(0); err != nil {
		return r.res, err
	}

	var last uint64
	for {
		page, err := store.List(ctx, session, last, opts.PageSize)
		if err != nil {
			return r.res, fmt.Errorf("list entries after %d: %w", last, err)
		}
		for _, e := range page {
			if e.Seq != last+1 {
				return r.res, fmt.Errorf("%w: expected %d got %d", ErrSequenceGap, last+1, e.Seq)
			}
			if err := r.apply(e); err != nil {
				return r.res, err
			}
			last = e.Seq
			if err := r.verifyThrough(last); err != nil {
				return r.res, err
			}
		}
		if len(page) < opts.PageSize {
			break
		}
	}

	r.res.Unverified = len(r.checkpoints)
	if r.res.Unverified > 0 {
		logger.Warn("checkpoints past the end of the journal",
			"session", session,
			"count", r.res.Unverified,
			"last_seq", last)
	}
	if err := r.finish(); err != nil {
		return r.res, err
	}
	logger.Info("replay complete",
		"session", session,
		"entries", r.res.Entries,
		"rejected", r.res.Rejected,
		"checkpoints", r.res.Checkpoints,
		"digest", r.res.Digest)
	return r.res, nil
}

// Commands applies cmds in order to a fresh owner.
func Commands(cmds []statecore.Command) (Result, error) {
	r := replayer{owner: statecore.NewOwner()}
	for _, cmd := range cmds {
		r.count(r.owner.Apply(cmd))
	}
	return r.res, r.finish()
}

type replayer struct {
	owner       *statecore.Owner
	checkpoints []journal.Checkpoint // not yet verified, sorted by Seq
	res         Result
}

func (r *replayer) count(events []statecore.Event) {
	r.res.Entries++
	if _, ok := statecore.Rejected(events); ok {
		r.res.Rejected++
	}
}

func (r *replayer) apply(e journal.Entry) error {
	cmd, err := wire.DecodeCommand(e.Command)
	if err != nil {
		return fmt.Errorf("decode entry %d: %w", e.Seq, err)
	}
	events := r.owner.Apply(cmd)
	r.count(events)

	got, err := wire.EncodeEvents(events)
	if err != nil {
		return fmt.Errorf("encode entry %d: %w", e.Seq, err)
	}
	if len(got) != len(e.Events) {
		return fmt.Errorf("%w: entry %d (%s) produced %d events, journal has %d",
			ErrDivergence, e.Seq, e.Command.Kind, len(got), len(e.Events))
	}
	for i := range got {
		if !sameEnvelope(got[i], e.Events[i]) {
			return fmt.Errorf("%w: entry %d event %d is %s, journal has %s",
				ErrDivergence, e.Seq, i, got[i].Kind, e.Events[i].Kind)
		}
	}
	return nil
}

// verifyThrough checks every pending checkpoint at or before seq. Run calls
// it after each entry, so those checkpoints were all taken at seq.
func (r *replayer) verifyThrough(seq uint64) error {
	for len(r.checkpoints) > 0 && r.checkpoints[0].Seq <= seq {
		cp := r.checkpoints[0]
		r.checkpoints = r.checkpoints[1:]
		snap := r.owner.Snapshot()
		digest, err := wire.SnapshotDigest(snap)
		if err != nil {
			return fmt.Errorf("digest at seq %d: %w", seq, err)
		}
		if digest != cp.Digest {
			return fmt.Errorf("%w: seq %d digest %s, journal has %s", ErrCheckpointMismatch, seq, digest, cp.Digest)
		}
		if snap.Revision() != cp.Revision {
			return fmt.Errorf("%w: seq %d revision %d, journal has %d", ErrCheckpointMismatch, seq, snap.Revision(), cp.Revision)
		}
		r.res.Checkpoints++
	}
	return nil
}

func (r *replayer) finish() error {
	r.res.Final = r.owner.Snapshot()
	digest, err := wire.SnapshotDigest(r.res.Final)
	if err != nil {
		return fmt.Errorf("final digest: %w", err)
	}
	r.res.Digest = digest
	return nil
}

func sameEnvelope(a, b wire.Envelope) bool {
	if a.Kind != b.Kind {
		return false
	}
	return bytes.Equal(compact(a.Payload), compact(b.Payload))
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
