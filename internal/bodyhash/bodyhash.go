// Package bodyhash computes the "bh=" body hash: canonicalized body
// bytes, optionally truncated to an "l=" byte limit, fed through an
// incremental hash.
package bodyhash

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"encoding/base64"
	"hash"
	"io"

	"github.com/arcseal/arcseal/internal/canonical"
)

// BodyHash is a write-and-close body canonicalizer wired to an
// incremental hash.
type BodyHash struct {
	hashAlgo crypto.Hash
	w        io.WriteCloser
	hasher   hash.Hash
	limit    int64
}

// Write feeds raw body bytes through canonicalization and into the
// hash.
func (b *BodyHash) Write(p []byte) (n int, err error) {
	return b.w.Write(p)
}

// Close flushes the canonicalizer's trailing-line logic.
func (b *BodyHash) Close() error {
	return b.w.Close()
}

// Get returns the base64-encoded digest. Close must be called first.
func (b *BodyHash) Get() string {
	sum := b.hasher.Sum(nil)
	return base64.StdEncoding.EncodeToString(sum)
}

// Sum returns the raw digest bytes. Close must be called first.
func (b *BodyHash) Sum() []byte {
	return b.hasher.Sum(nil)
}

// NewBodyHash builds a BodyHash under the given canonicalization and
// hash algorithm. limit <= 0 means no "l=" truncation: the
// canonicalizer -> limitWriter -> hasher pipeline is assembled so that
// truncation applies to canonicalized bytes, not raw input, i.e.
// "truncate to N bytes of canonical body".
func NewBodyHash(canon canonical.Canonicalization, hashAlgo crypto.Hash, limit int64) *BodyHash {
	if limit < 0 {
		limit = 0
	}
	hasher := hashAlgo.New()
	bh := &BodyHash{
		hashAlgo: hashAlgo,
		hasher:   hasher,
		limit:    limit,
	}

	var writer io.Writer = hasher
	if limit > 0 {
		writer = newLimitWriter(writer, limit)
	}

	switch canon {
	case canonical.Simple:
		bh.w = canonical.SimpleBody(writer)
	case canonical.Relaxed:
		bh.w = canonical.RelaxedBody(writer)
	default:
		bh.w = canonical.SimpleBody(writer)
	}
	return bh
}
