// Package kvset parses and validates the "tag=value; tag=value" grammar
// (RFC 6376 §3.2 style) shared by the three ARC header families and by
// DNS key records, producing a tag-value set with per-kind validation,
// default filling, and an O(1) expected-case first-byte bucket index
// for tag lookup.
package kvset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arcseal/arcseal/tables"
)

// numBuckets matches the printable-ASCII span used for tag first
// characters: ' ' (32) through '~' (126), keyed by (byte-32).
const numBuckets = 95

// Tag is a single parsed "name=value" pair. Folding whitespace inside
// the value has already been collapsed at parse time.
type Tag struct {
	Name  string
	Value string
}

// Set is a parsed tag-value set plus its owning header's raw text and
// kind-specific validation state.
type Set struct {
	Kind tables.KVKind
	Raw  string // the full source text this set was parsed from

	order   []*Tag
	buckets [numBuckets][]*Tag

	// Bad latches true the moment this set is known to be malformed.
	// It never clears.
	Bad bool

	// Owner is a non-owning back-handle to whatever the caller uses to
	// identify the header field this set came from (e.g. an index into
	// a header list). It is opaque to this package.
	Owner any
}

func bucketIndex(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	b := name[0]
	if b < 32 || b > 126 {
		return 0, false
	}
	return int(b) - 32, true
}

func newSet(kind tables.KVKind, raw string) *Set {
	return &Set{Kind: kind, Raw: raw}
}

func (s *Set) add(tag *Tag) {
	s.order = append(s.order, tag)
	if idx, ok := bucketIndex(tag.Name); ok {
		s.buckets[idx] = append(s.buckets[idx], tag)
	}
}

// Get returns the first tag with the given name (case-sensitive: ARC
// and DKIM tag names are always lower-case) and whether it was found.
func (s *Set) Get(name string) (string, bool) {
	idx, ok := bucketIndex(name)
	if !ok {
		return "", false
	}
	for _, t := range s.buckets[idx] {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

// Has reports whether a tag with the given name is present.
func (s *Set) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Tags returns the tags in parse order.
func (s *Set) Tags() []*Tag {
	return s.order
}

// collapseFWS removes all folding whitespace from a value: values are
// stored with FWS already removed so that canonicalization-time
// comparisons are byte-exact.
func collapseFWS(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// splitTagValuePairs splits "k=v; k=v" into raw, untrimmed pairs,
// tolerating an optional trailing ';'.
func splitTagValuePairs(body string) []string {
	parts := strings.Split(body, ";")
	if len(parts) > 0 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// Parse parses the raw body of a header field (the text after the
// header name and colon) of the given kind, returning a validated Set
// or a syntax error. For Kind == AR, only the first tag is parsed; the
// remainder is retained as opaque text and not further tokenized.
func Parse(kind tables.KVKind, body string) (*Set, error) {
	set := newSet(kind, body)
	pairs := splitTagValuePairs(body)

	seen := make(map[string]bool)
	firstTagSeen := false

	for i, raw := range pairs {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}

		name, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			set.Bad = true
			return set, fmt.Errorf("kvset: malformed tag-value pair %q", trimmed)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || strings.ContainsAny(name, " \t") {
			set.Bad = true
			return set, fmt.Errorf("kvset: invalid tag name in %q", trimmed)
		}
		if !isPrintableASCIIFirstByte(name) {
			set.Bad = true
			return set, fmt.Errorf("kvset: tag name %q outside printable ASCII", name)
		}

		// First-tag rule: SEAL/SIGNATURE/AR sets must open with i=.
		if !firstTagSeen {
			firstTagSeen = true
			if kind != tables.KindKey && name != "i" {
				set.Bad = true
				return set, fmt.Errorf("kvset: first tag must be i=, got %q", name)
			}
		}

		if kind == tables.KindAR {
			// Only the first tag is structured; everything else is
			// opaque and belongs to the caller.
			set.add(&Tag{Name: name, Value: collapseFWS(value)})
			break
		}

		if seen[name] {
			set.Bad = true
			return set, fmt.Errorf("kvset: duplicate tag %q", name)
		}
		seen[name] = true

		set.add(&Tag{Name: name, Value: collapseFWS(value)})
		_ = i
	}

	if err := validate(set, kind); err != nil {
		set.Bad = true
		return set, err
	}

	return set, nil
}

func isPrintableASCIIFirstByte(name string) bool {
	if name == "" {
		return false
	}
	b := name[0]
	return b >= 32 && b <= 126
}

var (
	signatureRequired = []string{"a", "b", "bh", "c", "d", "h", "i", "s"}
	sealRequired      = []string{"a", "b", "cv", "d", "i", "s"}
)

func validate(s *Set, kind tables.KVKind) error {
	switch kind {
	case tables.KindSignature:
		for _, name := range signatureRequired {
			if !s.Has(name) {
				return fmt.Errorf("kvset: ARC-Message-Signature missing required tag %q", name)
			}
		}
		for _, name := range []string{"t", "x", "i"} {
			if v, ok := s.Get(name); ok {
				n, err := strconv.ParseUint(v, 10, 64)
				if err != nil || n == 0 {
					return fmt.Errorf("kvset: tag %q must be a non-zero unsigned integer, got %q", name, v)
				}
			}
		}
		if !s.Has("q") {
			s.add(&Tag{Name: "q", Value: "dns/txt"})
		}
		if h, ok := s.Get("h"); ok {
			for _, name := range strings.Split(h, ":") {
				if strings.EqualFold(strings.TrimSpace(name), tables.HeaderNameAS) {
					return fmt.Errorf("kvset: ARC-Message-Signature h= must not name %s", tables.HeaderNameAS)
				}
			}
		}
	case tables.KindSeal:
		for _, name := range sealRequired {
			if !s.Has(name) {
				return fmt.Errorf("kvset: ARC-Seal missing required tag %q", name)
			}
		}
		if s.Has("h") {
			return fmt.Errorf("kvset: ARC-Seal must not contain h=")
		}
		for _, name := range []string{"t", "i"} {
			if v, ok := s.Get(name); ok {
				n, err := strconv.ParseUint(v, 10, 64)
				if err != nil || n == 0 {
					return fmt.Errorf("kvset: tag %q must be a non-zero unsigned integer, got %q", name, v)
				}
			}
		}
		if cv, ok := s.Get("cv"); ok && !tables.CV(cv).Valid() {
			return fmt.Errorf("kvset: invalid cv= value %q", cv)
		}
	case tables.KindAR:
		if !s.Has("i") {
			return fmt.Errorf("kvset: ARC-Authentication-Results missing required tag \"i\"")
		}
	case tables.KindKey:
		if !s.Has("k") {
			s.add(&Tag{Name: "k", Value: "rsa"})
		}
	}
	return nil
}
