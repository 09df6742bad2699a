package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/comalice/statecore"
)

// Digest returns the hex SHA-256 of the RFC 8785 canonical JSON form of rec.
// Two records describing the same state always have the same digest.
func Digest(rec statecore.SnapshotRecord) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// SnapshotDigest is Digest for a live snapshot.
func SnapshotDigest(snap statecore.Snapshot) (string, error) {
	return Digest(snap.Record())
}
