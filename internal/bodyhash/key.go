package bodyhash

import (
	"crypto"
	"strconv"
	"strings"

	"github.com/arcseal/arcseal/internal/canonical"
	"github.com/arcseal/arcseal/internal/kvset"
	"github.com/arcseal/arcseal/tables"
)

// Key identifies one (canonicalization, hash algorithm, length limit)
// combination an AMS tag set can ask for. It is comparable, so callers
// can dedupe BodyHash instances across AMS records that happen to
// agree on all three, the common case.
type Key struct {
	Canon    canonical.Canonicalization
	HashAlgo crypto.Hash
	Limit    int64
}

// KeyFromTags reads the "c=", "a=", and "l=" tags off an
// ARC-Message-Signature tag set and derives the Key a BodyHash for it
// would use. A missing or header-only "c=" defaults to simple body
// canonicalization per RFC 6376 §3.3; a missing "l=" means no
// truncation.
func KeyFromTags(set *kvset.Set) (Key, error) {
	canonTag, _ := set.Get("c")
	_, bodyCanon, err := splitCanon(canonTag)
	if err != nil {
		return Key{}, err
	}

	algo, _ := set.Get("a")
	hashAlgo := tables.SignAlgorithm(algo).HashAlgo()

	var limit int64
	if l, ok := set.Get("l"); ok {
		n, err := strconv.ParseInt(l, 10, 64)
		if err != nil || n < 0 {
			return Key{}, err
		}
		limit = n
	}

	return Key{Canon: bodyCanon, HashAlgo: hashAlgo, Limit: limit}, nil
}

func splitCanon(s string) (canonical.Canonicalization, canonical.Canonicalization, error) {
	if s == "" {
		return canonical.Simple, canonical.Simple, nil
	}
	headerPart, bodyPart, ok := strings.Cut(s, "/")
	if !ok {
		return canonical.Canonicalization(s), canonical.Simple, nil
	}
	return canonical.Canonicalization(headerPart), canonical.Canonicalization(bodyPart), nil
}
