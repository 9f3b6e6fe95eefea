// Package header holds small, stateless helpers for working with raw
// RFC 5322 header field text: splitting name from value, signing a
// canonicalized header set, and the header-list surgery ARC's chain
// assembly and seal generation need (extracting all instances of a
// header name, erasing a signature's b= value before hashing it).
package header

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/arcseal/arcseal/internal/canonical"
)

const crlf = "\r\n"

var ErrInvalidEmailFormat = errors.New("invalid email address format")

// ParseHeaderField splits "Name: value\r\n" into trimmed name and value.
func ParseHeaderField(s string) (string, string) {
	key, value, _ := strings.Cut(s, ":")
	return strings.TrimSpace(key), strings.TrimSpace(value)
}

// ParseHeaderParams parses a ";"-separated "k=v" parameter list.
func ParseHeaderParams(s string) (map[string]string, error) {
	pairs := strings.Split(s, ";")
	params := make(map[string]string)
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			if strings.TrimSpace(p) == "" {
				continue
			}
			return params, errors.New("malformed header params")
		}
		params[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return params, nil
}

// StripWhiteSpace removes every Unicode space character from s,
// including CR/LF/TAB and the folding whitespace RFC 5322 allows
// inside a tag value.
func StripWhiteSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// WrapSignatureWithBreaks breaks a base64 signature into 64-character
// chunks joined by a CRLF + continuation indent, matching the line
// margin convention ARC/DKIM headers use for their b=/bh= values.
func WrapSignatureWithBreaks(s string) string {
	lines := splitStringIntoChunks(s, 64)
	return strings.Join(lines, "\r\n         ")
}

func splitStringIntoChunks(s string, chunkSize int) []string {
	var chunks []string
	for chunkSize < len(s) {
		chunks = append(chunks, s[:chunkSize])
		s = s[chunkSize:]
	}
	chunks = append(chunks, s)
	return chunks
}

// Signer canonicalizes headers under canon, hashes them with hashAlgo,
// and signs the digest with key. The last header's trailing CRLF is
// always kept; use SignerWithOmitLastCRLF when the final header is the
// signature field itself, which RFC 6376 §3.7 requires to be hashed
// without its terminating CRLF.
func Signer(headers []string, key crypto.Signer, canon canonical.Canonicalization, hashAlgo crypto.Hash) (string, error) {
	return SignerWithOmitLastCRLF(headers, key, canon, hashAlgo, false)
}

// SignerWithOmitLastCRLF is like Signer but can drop the trailing CRLF
// from the last canonicalized header field, as required when that
// field is the AMS/AS/DKIM-Signature header being computed.
func SignerWithOmitLastCRLF(headers []string, key crypto.Signer, canon canonical.Canonicalization, hashAlgo crypto.Hash, omitLastCRLF bool) (string, error) {
	if key == nil {
		return "", errors.New("private key is nil")
	}
	publicKey := key.Public()
	if publicKey == nil {
		return "", errors.New("public key is nil")
	}

	var sb strings.Builder
	for _, h := range headers {
		sb.WriteString(canonical.Header(h, canon))
	}
	s := sb.String()
	if omitLastCRLF {
		s = strings.TrimSuffix(s, crlf)
	}

	var hashed []byte
	switch hashAlgo {
	case crypto.SHA256:
		sum := sha256.Sum256([]byte(s))
		hashed = sum[:]
	case crypto.SHA1:
		sum := sha1.Sum([]byte(s))
		hashed = sum[:]
	default:
		sum := sha256.Sum256([]byte(s))
		hashed = sum[:]
	}

	var hashForSign crypto.Hash
	switch publicKey.(type) {
	case *rsa.PublicKey:
		hashForSign = hashAlgo
	case ed25519.PublicKey:
		hashForSign = crypto.Hash(0)
	default:
		return "", fmt.Errorf("unsupported private key type: %T", publicKey)
	}

	signature, err := key.Sign(rand.Reader, hashed, hashForSign)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// ParseHeaderCanonicalization parses a "c=" value ("header/body",
// "header" alone, or empty) into its header and body canonicalization.
func ParseHeaderCanonicalization(s string) (headerCanon, bodyCanon canonical.Canonicalization, err error) {
	if s == "" {
		return canonical.Simple, canonical.Simple, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return canonical.Canonicalization(parts[0]), canonical.Simple, nil
	}
	switch canonical.Canonicalization(parts[0]) {
	case canonical.Simple, canonical.Relaxed:
		headerCanon = canonical.Canonicalization(parts[0])
	default:
		return "", "", fmt.Errorf("invalid canonicalization %q", parts[0])
	}
	switch canonical.Canonicalization(parts[1]) {
	case canonical.Simple, canonical.Relaxed:
		bodyCanon = canonical.Canonicalization(parts[1])
	default:
		return "", "", fmt.Errorf("invalid canonicalization %q", parts[1])
	}
	return
}

// DeleteSignature erases the value of the "b=" tag in a ";"-separated
// header field, keeping the tag name and every other tag intact. Used
// to build the signing placeholder for a header whose own signature
// tag must read empty while being hashed.
func DeleteSignature(h string) string {
	fields := strings.Split(h, ";")
	ret := make([]string, 0, len(fields))
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			ret = append(ret, field)
			continue
		}
		if strings.TrimSpace(key) == "b" {
			ret = append(ret, key+"=")
		} else {
			ret = append(ret, key+"="+value)
		}
	}
	return strings.Join(ret, ";")
}

func lowercaseAndRemoveDuplicates(keys []string) []string {
	for i, k := range keys {
		keys[i] = strings.ToLower(k)
	}
	return RemoveDuplicates(keys)
}

// ExtractHeadersDKIM implements RFC 6376 §5.4.2's header extraction:
// the h= list is walked left to right, each name consuming one more
// instance from the bottom of the message upward (the signer's "oldest
// unsigned occurrence" ordering, expressed from the tail).
func ExtractHeadersDKIM(headers []string, keys []string) []string {
	var ret []string

	byName := make(map[string][]string)
	for _, h := range headers {
		k, _, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(k))
		byName[key] = append(byName[key], h)
	}

	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if hs, ok := byName[key]; ok && len(hs) > 0 {
			last := len(hs) - 1
			ret = append(ret, hs[last])
			byName[key] = hs[:last]
		}
	}
	return ret
}

// ExtractHeadersAll returns every header field matching any of keys,
// grouped and ordered by key, then by original occurrence — the shape
// ARC seal signing needs to gather all AAR/AMS/AS fields in the
// chain.
func ExtractHeadersAll(headers []string, keys []string) []string {
	var ret []string
	keys = lowercaseAndRemoveDuplicates(keys)
	maps := extractHeaders(headers, keys)

	for _, k := range keys {
		for _, m := range maps {
			if v, ok := m[k]; ok {
				ret = append(ret, v...)
			}
		}
	}
	return ret
}

func extractHeaders(headers []string, keys []string) []map[string][]string {
	var maps []map[string][]string
	for _, h := range headers {
		for _, key := range keys {
			k, _, ok := strings.Cut(h, ":")
			if !ok {
				continue
			}
			if strings.EqualFold(strings.TrimSpace(k), key) {
				if !mapsContainsKey(maps, key) {
					maps = append(maps, map[string][]string{key: {h}})
				} else {
					for j, m := range maps {
						if _, ok := m[key]; ok {
							maps[j][key] = append(maps[j][key], h)
						}
					}
				}
			}
		}
	}
	return maps
}

func mapsContainsKey(maps []map[string][]string, key string) bool {
	for _, m := range maps {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

// ExtractHeader returns the first header field matching key, or "" if
// absent.
func ExtractHeader(headers []string, key string) string {
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return k + ":" + v
		}
	}
	return ""
}

// RemoveDuplicates drops repeated elements, keeping first occurrence
// order.
func RemoveDuplicates(in []string) []string {
	seen := make(map[string]struct{})
	result := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			result = append(result, s)
		}
	}
	return result
}

// ParseAddress extracts the angle-bracket address from a From-style
// header value, falling back to the whole trimmed value if there are
// no angle brackets.
func ParseAddress(s string) string {
	var quoted, inAddr bool
	var start, end int

	for i, r := range s {
		switch {
		case r == '"' && !inAddr:
			quoted = !quoted
		case r == '<' && !quoted:
			inAddr = true
			start = i
		case r == '>' && !quoted:
			inAddr = false
			end = i
		}
	}

	var address string
	if start < end {
		address = s[start+1 : end]
	} else {
		address = s
	}
	return strings.TrimSpace(address)
}

// ParseAddressDomain returns the domain part of a From-style header
// value.
func ParseAddressDomain(s string) (string, error) {
	addr := ParseAddress(s)
	if addr == "" {
		return "", ErrInvalidEmailFormat
	}
	parts := strings.SplitN(addr, "@", -1)
	if len(parts) < 2 {
		return "", ErrInvalidEmailFormat
	}
	return parts[len(parts)-1], nil
}
