package chain

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/arcseal/arcseal/internal/bodyhash"
	"github.com/arcseal/arcseal/internal/canonical"
	"github.com/arcseal/arcseal/internal/header"
	"github.com/arcseal/arcseal/resolver"
	"github.com/arcseal/arcseal/tables"
)

// buildSingleSetChain signs a minimal one-instance ARC chain with key
// and returns the message headers (From/To/Subject plus the ARC set),
// ready to be fed through Message together with body.
func buildSingleSetChain(t *testing.T, key *rsa.PrivateKey, body string) []string {
	t.Helper()

	msgHeaders := []string{
		"From: sender@example.com\r\n",
		"To: recipient@example.net\r\n",
		"Subject: hello\r\n",
	}

	bh := bodyhash.NewBodyHash(canonical.Relaxed, crypto.SHA256, 0)
	if _, err := bh.Write([]byte(body)); err != nil {
		t.Fatalf("bodyhash write: %v", err)
	}
	if err := bh.Close(); err != nil {
		t.Fatalf("bodyhash close: %v", err)
	}
	bhVal := bh.Get()

	aar := "ARC-Authentication-Results: i=1; example.net; arc=none\r\n"

	amsUnsigned := "ARC-Message-Signature: i=1; a=rsa-sha256; c=relaxed/relaxed; d=example.net; s=sel; h=from:to:subject; bh=" + bhVal + "; b=\r\n"
	signed := header.ExtractHeadersDKIM(msgHeaders, strings.Split("from:to:subject", ":"))
	signed = append(signed, amsUnsigned)
	amsSig, err := header.SignerWithOmitLastCRLF(signed, key, canonical.Relaxed, crypto.SHA256, true)
	if err != nil {
		t.Fatalf("sign AMS: %v", err)
	}
	ams := strings.Replace(amsUnsigned, "b=\r\n", "b="+amsSig+"\r\n", 1)

	asUnsigned := "ARC-Seal: i=1; a=rsa-sha256; cv=none; d=example.net; s=sel; b=\r\n"
	asSig, err := header.SignerWithOmitLastCRLF([]string{aar, ams, asUnsigned}, key, canonical.Relaxed, crypto.SHA256, true)
	if err != nil {
		t.Fatalf("sign AS: %v", err)
	}
	as := strings.Replace(asUnsigned, "b=\r\n", "b="+asSig+"\r\n", 1)

	return append(append([]string{}, msgHeaders...), aar, ams, as)
}

// buildNInstanceChain signs a chain of n instances, each instance i>1
// covering the prior instance's full AAR/AMS/AS, all under the same
// key and domain.
func buildNInstanceChain(t *testing.T, key *rsa.PrivateKey, n int, body string) []string {
	t.Helper()

	msgHeaders := []string{
		"From: sender@example.com\r\n",
		"To: recipient@example.net\r\n",
		"Subject: hello\r\n",
	}

	bh := bodyhash.NewBodyHash(canonical.Relaxed, crypto.SHA256, 0)
	if _, err := bh.Write([]byte(body)); err != nil {
		t.Fatalf("bodyhash write: %v", err)
	}
	if err := bh.Close(); err != nil {
		t.Fatalf("bodyhash close: %v", err)
	}
	bhVal := bh.Get()

	headers := append([]string{}, msgHeaders...)
	for i := 1; i <= n; i++ {
		cv := "pass"
		if i == 1 {
			cv = "none"
		}
		aar := fmt.Sprintf("ARC-Authentication-Results: i=%d; example.net; arc=%s\r\n", i, cv)

		amsUnsigned := fmt.Sprintf("ARC-Message-Signature: i=%d; a=rsa-sha256; c=relaxed/relaxed; d=example.net; s=sel; h=from:to:subject; bh=%s; b=\r\n", i, bhVal)
		signed := header.ExtractHeadersDKIM(msgHeaders, strings.Split("from:to:subject", ":"))
		signed = append(signed, amsUnsigned)
		amsSig, err := header.SignerWithOmitLastCRLF(signed, key, canonical.Relaxed, crypto.SHA256, true)
		if err != nil {
			t.Fatalf("sign AMS %d: %v", i, err)
		}
		ams := strings.Replace(amsUnsigned, "b=\r\n", "b="+amsSig+"\r\n", 1)

		asUnsigned := fmt.Sprintf("ARC-Seal: i=%d; a=rsa-sha256; cv=%s; d=example.net; s=sel; b=\r\n", i, cv)
		withNewSet := append(append([]string{}, headers...), aar, ams)
		ordered, err := BuildSealOrder(withNewSet, i, asUnsigned)
		if err != nil {
			t.Fatalf("BuildSealOrder %d: %v", i, err)
		}
		asSig, err := header.SignerWithOmitLastCRLF(ordered, key, canonical.Relaxed, crypto.SHA256, true)
		if err != nil {
			t.Fatalf("sign AS %d: %v", i, err)
		}
		as := strings.Replace(asUnsigned, "b=\r\n", "b="+asSig+"\r\n", 1)

		headers = append(headers, aar, ams, as)
	}
	return headers
}

func testKeyRecord(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

func runMessage(t *testing.T, r resolver.Resolver, headers []string, body string) *Result {
	t.Helper()
	m := NewMessage(WithResolver(r))
	for _, h := range headers {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField(%q): %v", h, err)
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body([]byte(body)); err != nil {
		t.Fatalf("Body: %v", err)
	}
	res, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	return res
}

// runMessageExpectingHeaderError drives a message through the full
// lifecycle like runMessage, but tolerates (and returns) errors from
// HeaderField instead of failing the test on the first one -- used for
// chains that deliberately carry a structurally invalid header.
func runMessageExpectingHeaderError(t *testing.T, r resolver.Resolver, headers []string, body string) (*Result, error) {
	t.Helper()
	m := NewMessage(WithResolver(r))
	var headerErr error
	for _, h := range headers {
		if err := m.HeaderField(h); err != nil && headerErr == nil {
			headerErr = err
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body([]byte(body)); err != nil {
		t.Fatalf("Body: %v", err)
	}
	res, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	return res, headerErr
}

func TestChainNoARCHeaders(t *testing.T) {
	r := resolver.NewTestResolver()
	headers := []string{"From: a@example.com\r\n", "Subject: hi\r\n"}
	res := runMessage(t, r, headers, "body\r\n")
	if res.Status != "none" {
		t.Errorf("Status = %q, want none", res.Status)
	}
}

func TestChainSingleSetPass(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	r := resolver.NewTestResolver()
	r.AddRecord("sel._domainkey.example.net", testKeyRecord(t, key))

	body := "hello world\r\n"
	headers := buildSingleSetChain(t, key, body)
	res := runMessage(t, r, headers, body)

	if res.Status != "pass" {
		t.Fatalf("Status = %q, want pass", res.Status)
	}
	if res.OldestPass != 0 {
		t.Errorf("OldestPass = %d, want 0", res.OldestPass)
	}
}

func TestChainSingleSetBadSignatureFails(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	r := resolver.NewTestResolver()
	r.AddRecord("sel._domainkey.example.net", testKeyRecord(t, key))

	body := "hello world\r\n"
	headers := buildSingleSetChain(t, key, body)

	// Tamper with the body after signing so the bh= no longer matches.
	// A plain signature mismatch is an ordinary verification failure,
	// not a structural one, so it leaves the chain failed without
	// latching infail -- a later relay can still seal a new set onto
	// it under the cv=fail rule.
	res := runMessage(t, r, headers, "tampered body\r\n")
	if res.Status != "fail" {
		t.Fatalf("Status = %q, want fail", res.Status)
	}
	if res.InFail {
		t.Error("InFail = true, want false for an ordinary signature mismatch")
	}
}

func TestChainMinKeySizeRejectsWeakKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	r := resolver.NewTestResolver()
	r.AddRecord("sel._domainkey.example.net", testKeyRecord(t, key))

	body := "hello world\r\n"
	headers := buildSingleSetChain(t, key, body)

	m := NewMessage(WithResolver(r), WithMinKeySize(2048))
	for _, h := range headers {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField(%q): %v", h, err)
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body([]byte(body)); err != nil {
		t.Fatalf("Body: %v", err)
	}
	res, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	if res.Status != tables.ChainFail {
		t.Fatalf("Status = %q, want fail for a 1024-bit key under a 2048-bit minimum", res.Status)
	}
}

func TestChainMaxSetsExceeded(t *testing.T) {
	r := resolver.NewTestResolver()
	m := NewMessage(WithResolver(r))
	err := m.HeaderField(fmt.Sprintf("ARC-Authentication-Results: i=%d; example.net; arc=none\r\n", tables.MaxSets+1))
	if err == nil {
		t.Fatal("expected error for instance exceeding MaxSets")
	}
}

// TestChainMaxSetsExceededLatchesInFailForWholeChain builds a full,
// validly signed MaxSets-instance chain and then appends a single
// stray ARC-Authentication-Results for instance MaxSets+1. Even though
// every known instance verifies, the stray over-limit header must
// latch the whole message to fail/infail rather than let validate()
// run over the 50 known-good sets and return pass.
func TestChainMaxSetsExceededLatchesInFailForWholeChain(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	r := resolver.NewTestResolver()
	r.AddRecord("sel._domainkey.example.net", testKeyRecord(t, key))

	body := "hello world\r\n"
	headers := buildNInstanceChain(t, key, tables.MaxSets, body)
	headers = append(headers, fmt.Sprintf("ARC-Authentication-Results: i=%d; example.net; arc=pass\r\n", tables.MaxSets+1))

	res, headerErr := runMessageExpectingHeaderError(t, r, headers, body)
	if headerErr == nil {
		t.Fatal("expected an error from the stray over-limit instance")
	}
	if res.Status != tables.ChainFail || !res.InFail {
		t.Fatalf("result = %+v, want fail/infail despite %d valid sets", res, tables.MaxSets)
	}
}

// TestChainDuplicateAMSHeaderLatchesInFail exercises a second,
// unrelated ARC-Message-Signature for an instance that already has
// one filed. Silently overwriting the first would let a later,
// forged AMS slip into a Set that still reports Complete().
func TestChainDuplicateAMSHeaderLatchesInFail(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	r := resolver.NewTestResolver()
	r.AddRecord("sel._domainkey.example.net", testKeyRecord(t, key))

	body := "hello world\r\n"
	headers := buildSingleSetChain(t, key, body)

	var dup []string
	for _, h := range headers {
		dup = append(dup, h)
		if strings.HasPrefix(h, "ARC-Message-Signature:") {
			dup = append(dup, h)
		}
	}

	res, headerErr := runMessageExpectingHeaderError(t, r, dup, body)
	if headerErr == nil {
		t.Fatal("expected an error from the duplicate ARC-Message-Signature")
	}
	if res.Status != tables.ChainFail || !res.InFail {
		t.Fatalf("result = %+v, want fail/infail for duplicate AMS", res)
	}
}

func TestChainIncompleteSetFails(t *testing.T) {
	r := resolver.NewTestResolver()
	headers := []string{
		"From: a@example.com\r\n",
		"ARC-Authentication-Results: i=1; example.net; arc=none\r\n",
	}
	res := runMessage(t, r, headers, "body\r\n")
	if res.Status != "fail" {
		t.Errorf("Status = %q, want fail", res.Status)
	}
}
