package kvset

import (
	"testing"

	"github.com/arcseal/arcseal/tables"
)

func TestParseSignatureDefaults(t *testing.T) {
	s, err := Parse(tables.KindSignature, "i=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=default; h=from:to; bh=abcd; b=efgh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := s.Get("q"); !ok || v != "dns/txt" {
		t.Errorf("want default q=dns/txt, got %q (present=%v)", v, ok)
	}
}

func TestParseSignatureForbidsArcSealInH(t *testing.T) {
	_, err := Parse(tables.KindSignature, "i=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=default; h=from:arc-seal; bh=abcd; b=efgh")
	if err == nil {
		t.Fatalf("expected error for h= naming ARC-Seal")
	}
}

func TestParseSealRejectsHTag(t *testing.T) {
	_, err := Parse(tables.KindSeal, "i=1; a=rsa-sha256; d=example.com; s=default; cv=none; b=xyz; h=from")
	if err == nil {
		t.Fatalf("expected error for ARC-Seal carrying h=")
	}
}

func TestParseDuplicateTagIsHardErrorAndSticky(t *testing.T) {
	s, err := Parse(tables.KindSeal, "i=1; i=2; a=rsa-sha256; d=example.com; s=default; cv=none; b=xyz")
	if err == nil {
		t.Fatalf("expected error for duplicate tag")
	}
	if !s.Bad {
		t.Errorf("want Bad sticky flag set after duplicate tag error")
	}
}

func TestParseFirstTagMustBeInstance(t *testing.T) {
	_, err := Parse(tables.KindSeal, "a=rsa-sha256; i=1; d=example.com; s=default; cv=none; b=xyz")
	if err == nil {
		t.Fatalf("expected error when first tag is not i=")
	}
}

func TestParseKeyDefaultsRSAAndAllowsEmptyP(t *testing.T) {
	s, err := Parse(tables.KindKey, "v=DKIM1; p=")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := s.Get("k"); v != "rsa" {
		t.Errorf("want default k=rsa, got %q", v)
	}
	if v, ok := s.Get("p"); !ok || v != "" {
		t.Errorf("want empty p= tag present, got %q ok=%v", v, ok)
	}
}

func TestParseARStopsAfterFirstTag(t *testing.T) {
	s, err := Parse(tables.KindAR, "i=1; mx.example.com; spf=pass smtp.mailfrom=alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Tags()) != 1 {
		t.Fatalf("want exactly one parsed tag for AR kind, got %d", len(s.Tags()))
	}
}

func TestParseNonZeroIntegerTags(t *testing.T) {
	_, err := Parse(tables.KindSignature, "i=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=default; h=from; bh=abcd; b=efgh; t=0")
	if err == nil {
		t.Fatalf("expected error for t=0")
	}
}

func TestBucketLookupOutOfRangeFirstByte(t *testing.T) {
	// DEL (127) is outside the printable range used for bucket indexing;
	// such a tag name is syntactically invalid and must be rejected.
	_, err := Parse(tables.KindAR, "\x7fx=1")
	if err == nil {
		t.Fatalf("expected error for non-printable tag name")
	}
}
