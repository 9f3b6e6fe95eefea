// Package canonical implements the two RFC 6376 canonicalization modes
// ("simple" and "relaxed") for header fields and message bodies, reused
// by ARC exactly as DKIM defines them (RFC 8617 inherits DKIM's
// canonicalization wholesale).
package canonical

import (
	"io"
	"strings"
)

const crlf = "\r\n"

// Canonicalization selects simple or relaxed normalization.
type Canonicalization string

const (
	Simple  Canonicalization = "simple"
	Relaxed Canonicalization = "relaxed"
)

// SimpleHeader canonicalizes a header field under "simple": bytes are
// preserved verbatim, including folding whitespace and the trailing
// CRLF.
func SimpleHeader(s string) string {
	return s
}

// unfoldHeader removes RFC 5322 header folding (CRLF followed by WSP)
// from a header field's value, replacing each fold with a single space.
func unfoldHeader(s string) string {
	for {
		original := s
		s = strings.ReplaceAll(s, "\r\n ", " ")
		s = strings.ReplaceAll(s, "\r\n\t", " ")
		if s == original {
			break
		}
	}
	return s
}

// RelaxedHeader canonicalizes a header field under "relaxed": the field
// name is lower-cased, runs of WSP in the body are collapsed to a
// single space, trailing WSP is stripped, the space after the colon is
// removed, and the field is terminated with exactly one CRLF.
func RelaxedHeader(s string) string {
	k, v, ok := strings.Cut(s, ":")
	if !ok {
		return strings.TrimSpace(strings.ToLower(s)) + ":" + crlf
	}

	k = strings.TrimSpace(strings.ToLower(k))
	v = unfoldHeader(v)
	v = strings.Join(strings.FieldsFunc(v, func(r rune) bool {
		return r == ' ' || r == '\t'
	}), " ")
	v = strings.TrimSpace(v)
	return k + ":" + v + crlf
}

// crlfFixer promotes bare CR and bare LF to CRLF, for intake under the
// library's FIXCRLF option. A CR that ends the input is left bare, since
// no later byte shows whether an LF follows it.
type crlfFixer struct {
	cr bool
}

func (cf *crlfFixer) Fix(b []byte) []byte {
	res := make([]byte, 0, len(b))
	for _, ch := range b {
		prevCR := cf.cr
		cf.cr = false
		if prevCR && ch != '\n' {
			res = append(res, '\n')
		}
		switch ch {
		case '\r':
			cf.cr = true
		case '\n':
			if !prevCR {
				res = append(res, '\r')
			}
		}
		res = append(res, ch)
	}
	return res
}

// CRLFFixer promotes bare CR and bare LF to CRLF across successive
// Fix calls, carrying a trailing-CR flag between calls so a CRLF split
// across two intake chunks isn't doubled. Exported for callers honoring
// the library's FIXCRLF option ahead of header-field or body intake.
type CRLFFixer struct {
	f crlfFixer
}

// Fix promotes bare CR/LF in b to CRLF, continuing from any trailing CR
// left by the previous call.
func (c *CRLFFixer) Fix(b []byte) []byte {
	return c.f.Fix(b)
}

// Header canonicalizes a single header field under the given mode.
func Header(s string, canonical Canonicalization) string {
	switch canonical {
	case Simple:
		return SimpleHeader(s)
	case Relaxed:
		return RelaxedHeader(s)
	default:
		return SimpleHeader(s)
	}
}

type simpleBodyCanonicalizer struct {
	w         io.Writer
	buf       []byte
	crlfFixer crlfFixer
}

func (c *simpleBodyCanonicalizer) Write(b []byte) (int, error) {
	c.buf = append(c.buf, b...)
	return len(b), nil
}

// Close flushes the canonicalized body: bare CR/LF fixed, trailing
// empty lines collapsed to exactly one CRLF.
func (c *simpleBodyCanonicalizer) Close() error {
	fixed := c.crlfFixer.Fix(c.buf)

	for len(fixed) >= 2 && fixed[len(fixed)-2] == '\r' && fixed[len(fixed)-1] == '\n' {
		fixed = fixed[:len(fixed)-2]
	}
	fixed = append(fixed, []byte(crlf)...)

	_, err := c.w.Write(fixed)
	return err
}

// SimpleBody wraps w with "simple" body canonicalization: content
// verbatim, trailing empty lines collapsed to a single CRLF.
func SimpleBody(w io.Writer) io.WriteCloser {
	return &simpleBodyCanonicalizer{w: w}
}

type relaxedBodyCanonicalizer struct {
	w         io.Writer
	buf       []byte
	crlfFixer crlfFixer
}

func (c *relaxedBodyCanonicalizer) Write(b []byte) (int, error) {
	c.buf = append(c.buf, b...)
	return len(b), nil
}

// Close flushes the canonicalized body: within each line runs of WSP
// become a single space and trailing WSP is stripped, then the simple
// trailing-empty-line rule is applied.
func (c *relaxedBodyCanonicalizer) Close() error {
	fixed := c.crlfFixer.Fix(c.buf)

	lines := strings.Split(string(fixed), "\r\n")

	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	canonical := make([]string, 0, len(lines))
	for _, line := range lines {
		for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
			line = line[:len(line)-1]
		}

		var compressed []byte
		wsp := false
		for _, ch := range []byte(line) {
			if ch == ' ' || ch == '\t' {
				if !wsp {
					compressed = append(compressed, ' ')
					wsp = true
				}
			} else {
				compressed = append(compressed, ch)
				wsp = false
			}
		}
		canonical = append(canonical, string(compressed))
	}

	result := strings.Join(canonical, "\r\n")
	result += crlf

	_, err := c.w.Write([]byte(result))
	return err
}

// RelaxedBody wraps w with "relaxed" body canonicalization.
func RelaxedBody(w io.Writer) io.WriteCloser {
	return &relaxedBodyCanonicalizer{w: w}
}

// Body wraps w with body canonicalization under the given mode.
func Body(w io.Writer, canonical Canonicalization) io.WriteCloser {
	switch canonical {
	case Simple:
		return SimpleBody(w)
	case Relaxed:
		return RelaxedBody(w)
	default:
		return SimpleBody(w)
	}
}
