package dkimheader

import (
	"strings"
)

// StripBValueForSigning blanks the b= tag's value in a raw DKIM-Signature
// header line while leaving every byte of the rest of the line untouched,
// folding and all.
//
// This cannot be the same tag-splitter internal/header.DeleteSignature uses
// for ARC-Seal and ARC-Message-Signature: those headers are already
// unfolded and field-parsed by the time a seal is assembled, so
// splitting on bare ";" is safe. A DKIM-Signature line, by contrast, is
// fed here straight off the wire -- still folded, still exactly as the
// signer wrote it -- because RFC 6376 hashes it in that raw form with
// only the b= value cleared. Splitting raw bytes on ";" would silently
// collapse the CRLF+WSP folding inside a multi-line b= value, corrupting
// the hash input. Byte offsets are used throughout rather than rune
// indices: header field names and tag syntax are ASCII, and operating
// on runes here previously misaligned the cut points on any header
// carrying a non-ASCII Unicode value elsewhere on the line (e.g. in a
// later tag or in folded unstructured text).
func StripBValueForSigning(rawHeaderLine string) string {
	b := []byte(rawHeaderLine)

	bTagStart := findBTagStart(b)
	if bTagStart == -1 {
		return rawHeaderLine
	}

	bTagEnd := findBTagEnd(b, bTagStart)
	if bTagEnd == -1 {
		return rawHeaderLine
	}

	var result strings.Builder
	result.Grow(len(b) - (bTagEnd - bTagStart))
	result.Write(b[:bTagStart])
	if bTagEnd < len(b) {
		result.Write(b[bTagEnd:])
	}
	return result.String()
}

// findBTagStart returns the byte offset just after "b=" (case
// insensitive), or -1 if no b= tag is found.
func findBTagStart(b []byte) int {
	for i := 0; i < len(b)-1; i++ {
		if (b[i] == 'b' || b[i] == 'B') && b[i+1] == '=' {
			if i == 0 || b[i-1] == ';' || isFWS(b[i-1]) {
				return i + 2
			}
		}
	}
	return -1
}

// findBTagEnd returns the byte offset where the b= tag's value ends,
// starting the scan at bTagStart (the offset just after "b="). It skips
// over folded continuations (CRLF followed by WSP) rather than treating
// them as the value's terminator.
func findBTagEnd(b []byte, bTagStart int) int {
	i := bTagStart

	for i < len(b) && isFWS(b[i]) {
		i++
	}

	for i < len(b) {
		if i+2 < len(b) && b[i] == '\r' && b[i+1] == '\n' && isFWS(b[i+2]) {
			i += 3
			continue
		}
		if b[i] == ';' || b[i] == '\r' || b[i] == '\n' {
			break
		}
		i++
	}

	return i
}

// isFWS reports whether b is Folding White Space (RFC 5322 WSP).
func isFWS(b byte) bool {
	return b == ' ' || b == '\t'
}
