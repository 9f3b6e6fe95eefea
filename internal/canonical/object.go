package canonical

import (
	"crypto"
	"hash"
	"io"
)

// ObjectType identifies what an Object is hashing.
type ObjectType int

const (
	TypeHeader ObjectType = iota // per-set AAR/AMS/AS header canonicalization feed
	TypeAMS                      // the AMS's own h= header hash
	TypeSeal                     // the seal hash over the existing chain
	TypeBody                     // body hash
)

// Object is a streaming header canonicalization + incremental hash,
// used for the HEADER, AMS and SEAL canonicalization flavors (body
// hashing is handled by internal/bodyhash, which owns the l=
// truncation logic). Callers Write already-canonicalized header text
// to it in order; Sum returns the final digest and is idempotent —
// later calls return the cached value without re-hashing.
type Object struct {
	Type        ObjectType
	HeaderCanon Canonicalization
	HashAlgo    crypto.Hash

	hasher hash.Hash
	closed bool
	sum    []byte

	tee io.Writer // optional mirror of every Write, installed only by SetTee
}

// NewHeaderObject creates an Object that hashes already-canonicalized
// header text fed to it verbatim (the caller is responsible for
// applying Header() before Write, since header canonicalization is
// per-field, not streaming).
func NewHeaderObject(typ ObjectType, headerCanon Canonicalization, hashAlgo crypto.Hash) *Object {
	return &Object{
		Type:        typ,
		HeaderCanon: headerCanon,
		HashAlgo:    hashAlgo,
		hasher:      hashAlgo.New(),
	}
}

// SetTee mirrors every Write to w as well. No code in this module calls
// it; arclib's FlagKeepFiles does not install a mirror.
func (o *Object) SetTee(w io.Writer) {
	o.tee = w
}

// Write feeds already-canonicalized bytes into the hash.
func (o *Object) Write(p []byte) (int, error) {
	if o.tee != nil {
		_, _ = o.tee.Write(p)
	}
	return o.hasher.Write(p)
}

// WriteHeaderField canonicalizes raw and feeds the result through
// Write.
func (o *Object) WriteHeaderField(raw string) error {
	_, err := o.Write([]byte(Header(raw, o.HeaderCanon)))
	return err
}

// WriteRaw feeds raw, already-formatted bytes (e.g. a signature header
// template with its b= tag erased) without applying Header() again.
func (o *Object) WriteRaw(raw string) error {
	_, err := o.Write([]byte(raw))
	return err
}

// Sum returns the final digest. The first call finalizes and caches
// the result; subsequent calls return the cached value, so a
// get-final-hash contract meant to be called exactly once remains
// safe to call more than once.
func (o *Object) Sum() []byte {
	if !o.closed {
		o.sum = o.hasher.Sum(nil)
		o.closed = true
	}
	return o.sum
}
