package seal

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/arcseal/arcseal/chain"
	"github.com/arcseal/arcseal/resolver"
	"github.com/arcseal/arcseal/tables"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func keyRecord(key *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

func TestSealSingleInstanceVerifies(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	cfg := Config{
		Key:      key,
		Domain:   "relay.example",
		Selector: "sel",
		Now:      fixedClock(time.Unix(1700000000, 0)),
	}

	headers := []string{
		"From: sender@example.com\r\n",
		"To: recipient@example.net\r\n",
		"Subject: hello\r\n",
		"Date: Thu, 1 Jan 2026 00:00:00 +0000\r\n",
		"Message-ID: <abc@example.com>\r\n",
	}
	body := []byte("hello world\r\n")

	result, err := Seal(cfg, Request{
		Headers:     headers,
		Body:        body,
		Instance:    1,
		AuthResults: "relay.example; arc=none",
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	r := resolver.NewTestResolver()
	r.AddRecord("sel._domainkey.relay.example", keyRecord(key))

	m := chain.NewMessage(chain.WithResolver(r))
	for _, h := range headers {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField: %v", err)
		}
	}
	for _, h := range []string{result.AAR, result.AMS, result.AS} {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField(seal): %v", err)
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body(body); err != nil {
		t.Fatalf("Body: %v", err)
	}
	res, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	if res.Status != tables.ChainPass {
		t.Fatalf("Status = %q, want pass", res.Status)
	}
}

func TestSealChainTooLong(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg := Config{Key: key, Domain: "relay.example", Selector: "sel"}
	_, err = Seal(cfg, Request{
		Headers:         []string{},
		Body:            []byte("x"),
		Instance:        tables.MaxSets + 1,
		ChainValidation: tables.CVPass,
		AuthResults:     "relay.example; arc=pass",
	})
	if err != ErrChainTooLong {
		t.Errorf("err = %v, want ErrChainTooLong", err)
	}
}

func TestSealSecondInstanceChainsOntoFirst(t *testing.T) {
	key1, _ := rsa.GenerateKey(rand.Reader, 1024)
	key2, _ := rsa.GenerateKey(rand.Reader, 1024)

	headers := []string{
		"From: sender@example.com\r\n",
		"To: recipient@example.net\r\n",
		"Subject: hi\r\n",
	}
	body := []byte("body\r\n")

	cfg1 := Config{Key: key1, Domain: "first.example", Selector: "sel", Now: fixedClock(time.Unix(1700000000, 0))}
	r1, err := Seal(cfg1, Request{Headers: headers, Body: body, Instance: 1, AuthResults: "first.example; arc=none"})
	if err != nil {
		t.Fatalf("Seal instance 1: %v", err)
	}

	afterFirst := append(append([]string{}, headers...), r1.AAR, r1.AMS, r1.AS)

	cfg2 := Config{Key: key2, Domain: "second.example", Selector: "sel", Now: fixedClock(time.Unix(1700000100, 0))}
	r2, err := Seal(cfg2, Request{
		Headers:         afterFirst,
		Body:            body,
		Instance:        2,
		ChainValidation: tables.CVPass,
		AuthResults:     "second.example; arc=pass",
	})
	if err != nil {
		t.Fatalf("Seal instance 2: %v", err)
	}

	resolv := resolver.NewTestResolver()
	resolv.AddRecord("sel._domainkey.first.example", keyRecord(key1))
	resolv.AddRecord("sel._domainkey.second.example", keyRecord(key2))

	m := chain.NewMessage(chain.WithResolver(resolv))
	full := append(append([]string{}, afterFirst...), r2.AAR, r2.AMS, r2.AS)
	for _, h := range full {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField: %v", err)
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body(body); err != nil {
		t.Fatalf("Body: %v", err)
	}
	res, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	if res.Status != tables.ChainPass {
		t.Fatalf("Status = %q, want pass", res.Status)
	}
	if res.Sets != 2 {
		t.Errorf("Sets = %d, want 2", res.Sets)
	}
}

// TestSealCVFailHashesOnlyNewSetNotPriorChain exercises the cv=fail
// special rule: when the incoming chain is already broken, the
// new ARC-Seal must hash only its own AAR+AMS. The request's prior
// headers deliberately omit a complete instance-1 triple (only a
// stray, unchained ARC-Seal is present); chain.BuildSealOrder would
// refuse to assemble a signing set from that, so a successful Seal()
// here proves the prior chain was never consulted.
func TestSealCVFailHashesOnlyNewSetNotPriorChain(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	headers := []string{
		"From: sender@example.com\r\n",
		"To: recipient@example.net\r\n",
		"Subject: hi\r\n",
		"ARC-Seal: i=1; a=rsa-sha256; cv=none; d=other.example; s=sel; b=garbage\r\n",
	}
	body := []byte("body\r\n")

	cfg := Config{Key: key, Domain: "relay.example", Selector: "sel", Now: fixedClock(time.Unix(1700000200, 0))}
	result, err := Seal(cfg, Request{
		Headers:         headers,
		Body:            body,
		Instance:        2,
		ChainValidation: tables.CVFail,
		AuthResults:     "relay.example; arc=fail",
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.Contains(result.AS, "cv=fail") {
		t.Errorf("AS = %q, want cv=fail", result.AS)
	}
	if !strings.Contains(result.AS, "i=2") {
		t.Errorf("AS = %q, want i=2", result.AS)
	}
}

func TestSealWithSignatureTTLAddsExpiryTagsAndStillVerifies(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	signTime := time.Unix(1700000000, 0)
	cfg := Config{
		Key:          key,
		Domain:       "relay.example",
		Selector:     "sel",
		SignatureTTL: 48 * time.Hour,
		Now:          fixedClock(signTime),
	}
	headers := []string{"From: sender@example.com\r\n"}
	body := []byte("hello world\r\n")

	result, err := Seal(cfg, Request{
		Headers:     headers,
		Body:        body,
		Instance:    1,
		AuthResults: "relay.example; arc=none",
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	wantT := "t=1700000000;"
	wantX := "x=1700172800;"
	if !strings.Contains(result.AMS, wantT) {
		t.Errorf("AMS = %q, want to contain %q", result.AMS, wantT)
	}
	if !strings.Contains(result.AMS, wantX) {
		t.Errorf("AMS = %q, want to contain %q", result.AMS, wantX)
	}

	r := resolver.NewTestResolver()
	r.AddRecord("sel._domainkey.relay.example", keyRecord(key))

	m := chain.NewMessage(chain.WithResolver(r))
	for _, h := range append(append([]string{}, headers...), result.AAR, result.AMS, result.AS) {
		if err := m.HeaderField(h); err != nil {
			t.Fatalf("HeaderField: %v", err)
		}
	}
	if err := m.EOH(); err != nil {
		t.Fatalf("EOH: %v", err)
	}
	if err := m.Body(body); err != nil {
		t.Fatalf("Body: %v", err)
	}
	res, err := m.EOM(context.Background())
	if err != nil {
		t.Fatalf("EOM: %v", err)
	}
	if res.Status != tables.ChainPass {
		t.Fatalf("Status = %q, want pass", res.Status)
	}
}
