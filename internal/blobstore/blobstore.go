// Package blobstore stores encrypted record bytes under content addresses.
// The CID is a digest of the stored bytes, so identical content always lands
// at the same address and Put is naturally idempotent.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const cidPrefix = "sha256:"

// Store is the content-addressed contract the coordinator consumes.
// Implementations must distinguish an unreachable store (retryable) from
// absent content (data loss) via the error kinds in package errs.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
	Delete(ctx context.Context, cid string) error
}

// ComputeCID returns the multihash-style content address for data.
func ComputeCID(data []byte) string {
	sum := sha256.Sum256(data)
	return cidPrefix + hex.EncodeToString(sum[:])
}

// objectKey maps a CID to a storage key. The digest alone is enough; the
// algorithm prefix stays out of object names.
func objectKey(cid string) (string, error) {
	if !strings.HasPrefix(cid, cidPrefix) {
		return "", fmt.Errorf("malformed cid %q", cid)
	}
	return strings.TrimPrefix(cid, cidPrefix), nil
}
