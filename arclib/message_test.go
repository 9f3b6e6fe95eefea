package arclib

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/arcseal/arcseal/seal"
	"github.com/arcseal/arcseal/tables"
)

func TestMessage_NoARCHeaders_SealsInstanceOne(t *testing.T) {
	lib := New()
	defer lib.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	m := NewMessage(lib, ModeVerify|ModeSign)
	if m.ID() == "" {
		t.Error("ID() is empty")
	}

	headers := []string{
		"From: sender@example.com\r\n",
		"Subject: hello\r\n",
	}
	for _, h := range headers {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField(%q): %v", h, err)
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	body := []byte("hello world\r\n")
	if err := m.Body(body); err != nil {
		t.Fatalf("Body: %v", err)
	}

	result, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	if result.Status != tables.ChainNone {
		t.Errorf("Status = %s, want none", result.Status)
	}
	if result.OldestPass != 0 {
		t.Errorf("OldestPass = %d, want 0", result.OldestPass)
	}

	sealResult, err := m.GetSeal(seal.Config{
		Key:      key,
		Domain:   "example.com",
		Selector: "selector",
	}, "mx.example.com; spf=pass smtp.mailfrom=sender@example.com")
	if err != nil {
		t.Fatalf("GetSeal: %v", err)
	}
	if !strings.Contains(sealResult.AAR, "i=1") {
		t.Errorf("AAR = %q, want i=1", sealResult.AAR)
	}
	if !strings.Contains(sealResult.AS, "cv=none") {
		t.Errorf("AS = %q, want cv=none", sealResult.AS)
	}
}

func TestMessage_GetSeal_RequiresSignMode(t *testing.T) {
	lib := New()
	defer lib.Close()

	m := NewMessage(lib, ModeVerify)
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body(nil); err != nil {
		t.Fatalf("Body: %v", err)
	}
	if _, err := m.EOM(context.Background()); err != nil {
		t.Fatalf("EOM: %v", err)
	}

	if _, err := m.GetSeal(seal.Config{}, ""); err == nil {
		t.Error("GetSeal succeeded on a ModeVerify-only message")
	}
}

func TestMessage_SetCV_RefusedWhenInFail(t *testing.T) {
	lib := New()
	defer lib.Close()

	m := NewMessage(lib, ModeVerify)

	// A second instance whose ARC-Seal carries cv=none is structurally
	// invalid (RFC 8617 S4.2: only instance 1 may claim cv=none), so EOH
	// latches the chain into infail without needing valid signatures.
	headers := []string{
		"ARC-Authentication-Results: i=1; mx.example.com; spf=pass\r\n",
		"ARC-Message-Signature: i=1; a=rsa-sha256; b=YQ==; bh=YQ==; c=relaxed/relaxed; d=example.com; h=from; s=selector\r\n",
		"ARC-Seal: i=1; a=rsa-sha256; b=YQ==; cv=none; d=example.com; s=selector\r\n",
		"ARC-Authentication-Results: i=2; mx.example.com; spf=pass\r\n",
		"ARC-Message-Signature: i=2; a=rsa-sha256; b=YQ==; bh=YQ==; c=relaxed/relaxed; d=example.com; h=from; s=selector\r\n",
		"ARC-Seal: i=2; a=rsa-sha256; b=YQ==; cv=none; d=example.com; s=selector\r\n",
	}
	for _, h := range headers {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField(%q): %v", h, err)
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body(nil); err != nil {
		t.Fatalf("Body: %v", err)
	}

	result, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	if result.Status != tables.ChainFail || !result.InFail {
		t.Fatalf("result = %+v, want fail/infail", result)
	}

	if err := m.SetCV(tables.CVPass); err == nil {
		t.Error("SetCV succeeded despite infail latch")
	}
	if m.result.Status != tables.ChainFail {
		t.Errorf("Status after refused SetCV = %s, want fail", m.result.Status)
	}
}

func TestMessage_GetSeal_ReturnsNilSealWhenInFail(t *testing.T) {
	lib := New()
	defer lib.Close()

	m := NewMessage(lib, ModeVerify|ModeSign)

	// Same structurally-invalid, infail-latching chain as
	// TestMessage_SetCV_RefusedWhenInFail.
	headers := []string{
		"ARC-Authentication-Results: i=1; mx.example.com; spf=pass\r\n",
		"ARC-Message-Signature: i=1; a=rsa-sha256; b=YQ==; bh=YQ==; c=relaxed/relaxed; d=example.com; h=from; s=selector\r\n",
		"ARC-Seal: i=1; a=rsa-sha256; b=YQ==; cv=none; d=example.com; s=selector\r\n",
		"ARC-Authentication-Results: i=2; mx.example.com; spf=pass\r\n",
		"ARC-Message-Signature: i=2; a=rsa-sha256; b=YQ==; bh=YQ==; c=relaxed/relaxed; d=example.com; h=from; s=selector\r\n",
		"ARC-Seal: i=2; a=rsa-sha256; b=YQ==; cv=none; d=example.com; s=selector\r\n",
	}
	for _, h := range headers {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField(%q): %v", h, err)
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body(nil); err != nil {
		t.Fatalf("Body: %v", err)
	}
	result, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	if !result.InFail {
		t.Fatalf("result = %+v, want infail", result)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealed, err := m.GetSeal(seal.Config{
		Key:      key,
		Domain:   "example.com",
		Selector: "selector",
	}, "mx.example.com; spf=pass")
	if err != nil {
		t.Fatalf("GetSeal returned an error for an infail message: %v", err)
	}
	if sealed != nil {
		t.Errorf("GetSeal = %+v, want a nil seal for an infail message", sealed)
	}
}

func TestMessage_GetSeal_SealsWithCVFailAfterOrdinaryVerificationFailure(t *testing.T) {
	lib := New()
	defer lib.Close()

	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	headers := []string{
		"From: sender@example.com\r\n",
		"Subject: hello\r\n",
	}
	body := []byte("hello world\r\n")

	first, err := seal.Seal(seal.Config{Key: key1, Domain: "first.example", Selector: "sel"}, seal.Request{
		Headers:     headers,
		Body:        body,
		Instance:    1,
		AuthResults: "first.example; arc=none",
	})
	if err != nil {
		t.Fatalf("sealing instance 1: %v", err)
	}

	m := NewMessage(lib, ModeVerify|ModeSign)
	for _, h := range append(append([]string{}, headers...), first.AAR, first.AMS, first.AS) {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField(%q): %v", h, err)
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	// Feed a tampered body so AMS(1)'s bh= no longer matches -- an
	// ordinary verification failure, not a structural one.
	if err := m.Body([]byte("tampered body\r\n")); err != nil {
		t.Fatalf("Body: %v", err)
	}
	result, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	if result.Status != tables.ChainFail {
		t.Fatalf("Status = %s, want fail", result.Status)
	}
	if result.InFail {
		t.Fatalf("InFail = true, want false for an ordinary signature mismatch")
	}

	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealed, err := m.GetSeal(seal.Config{
		Key:      key2,
		Domain:   "second.example",
		Selector: "sel",
	}, "second.example; arc=fail")
	if err != nil {
		t.Fatalf("GetSeal: %v", err)
	}
	if sealed == nil {
		t.Fatal("GetSeal = nil, want a seal for a merely-failed (non-infail) chain")
	}
	if !strings.Contains(sealed.AS, "cv=fail") {
		t.Errorf("AS = %q, want cv=fail", sealed.AS)
	}
	if !strings.Contains(sealed.AS, "i=2") {
		t.Errorf("AS = %q, want i=2", sealed.AS)
	}
}

func TestMessage_GetSeal_UsesLibSignatureTTLWhenConfigOmitsIt(t *testing.T) {
	lib := New(WithSignatureTTL(24 * time.Hour))
	defer lib.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	m := NewMessage(lib, ModeSign)
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body(nil); err != nil {
		t.Fatalf("Body: %v", err)
	}
	if _, err := m.EOM(context.Background()); err != nil {
		t.Fatalf("EOM: %v", err)
	}

	result, err := m.GetSeal(seal.Config{
		Key:      key,
		Domain:   "example.com",
		Selector: "selector",
	}, "mx.example.com; spf=pass")
	if err != nil {
		t.Fatalf("GetSeal: %v", err)
	}
	if !strings.Contains(result.AMS, "x=") {
		t.Errorf("AMS = %q, want an x= tag from the library's SignatureTTL", result.AMS)
	}
}
