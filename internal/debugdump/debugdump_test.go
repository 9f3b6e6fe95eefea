package debugdump

import (
	"bytes"
	"testing"

	"github.com/arcseal/arcseal/tables"

	"github.com/arcseal/arcseal/chain"
)

// These run against the default (non-"dump") build, exercising the
// no-op stub; the pp/v3-backed implementation only builds with
// "-tags dump" and is exercised manually during development.
func TestStubFunctionsDoNotPanic(t *testing.T) {
	var buf bytes.Buffer

	Result(&buf, "chain", &chain.Result{Status: tables.ChainPass})
	Headers(&buf, "headers", []string{"From: a@b.example\r\n"})
	Value(&buf, "value", map[string]string{"a": "b"})

	if buf.Len() != 0 {
		t.Errorf("stub build wrote %d bytes, want 0", buf.Len())
	}
}
