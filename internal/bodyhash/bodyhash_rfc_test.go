package bodyhash

import (
	"crypto"
	"encoding/base64"
	"testing"

	"github.com/arcseal/arcseal/internal/canonical"
)

// l= truncation applies to the body *after* canonicalization, per
// RFC 6376 §3.4.4: "Test  \r\n\r\n\r\n" relaxed-canonicalizes to
// "Test\r\n", so l=4 must hash only "Test".
func TestBodyHashWithRelaxedCanonicalizationAndLimit(t *testing.T) {
	testCases := []struct {
		name             string
		body             string
		canonicalization canonical.Canonicalization
		hashAlgo         crypto.Hash
		limit            int64
		want             string
	}{
		{
			name:             "relaxed_body_with_limit_4",
			body:             "Test  \r\n\r\n\r\n",
			canonicalization: canonical.Relaxed,
			hashAlgo:         crypto.SHA256,
			limit:            4, // length of canonicalized "Test"
			want:             "Uy6qvZV0iA2/drm4zACDLCCm7BE9aCKZVQ16bg80XiU=",
		},
		{
			name:             "relaxed_body_with_limit_5",
			body:             "Test  \r\n\r\n\r\n",
			canonicalization: canonical.Relaxed,
			hashAlgo:         crypto.SHA256,
			limit:            5, // "Test" plus one byte of the trailing CRLF
			want:             "KCUDYh74+flYXTn9al83JsyOBrUP9b07hSy8u6j/Qqs=",
		},
		{
			name:             "simple_body_with_limit_4",
			body:             "Test\r\n",
			canonicalization: canonical.Simple,
			hashAlgo:         crypto.SHA256,
			limit:            4,
			want:             "Uy6qvZV0iA2/drm4zACDLCCm7BE9aCKZVQ16bg80XiU=",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bh := NewBodyHash(tc.canonicalization, tc.hashAlgo, tc.limit)
			bh.Write([]byte(tc.body))
			bh.Close()
			got := bh.Get()
			if got != tc.want {
				t.Errorf("want %s, but got %s", tc.want, got)
			}
		})
	}
}

// TestBase64EncodeTestStringSHA256 documents how the "want" fixtures
// above were derived, so a future maintainer can regenerate them.
func TestBase64EncodeTestStringSHA256(t *testing.T) {
	hasher := crypto.SHA256.New()
	hasher.Write([]byte("Test"))
	sum := hasher.Sum(nil)
	encoded := base64.StdEncoding.EncodeToString(sum)
	t.Logf("base64(sha256(\"Test\")) = %s", encoded)
}
