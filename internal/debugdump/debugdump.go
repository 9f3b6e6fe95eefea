//go:build dump

// Package debugdump pretty-prints ARC chain state for development use.
// It's gated behind the "dump" build tag so the pp/v3 dependency and
// its ANSI-colored output never reach a production binary; build with
// "-tags dump" to get it.
package debugdump

import (
	"fmt"
	"io"

	"github.com/k0kubun/pp/v3"

	"github.com/arcseal/arcseal/chain"
)

var printer = pp.New()

func init() {
	printer.SetColoringEnabled(false)
}

// Result pretty-prints a chain validation outcome.
func Result(w io.Writer, label string, r *chain.Result) {
	fmt.Fprintf(w, "=== %s ===\n", label)
	printer.Fprintln(w, r)
}

// Headers pretty-prints a message's raw header fields in intake order.
func Headers(w io.Writer, label string, headers []string) {
	fmt.Fprintf(w, "=== %s (%d header fields) ===\n", label, len(headers))
	for i, h := range headers {
		fmt.Fprintf(w, "[%d] %q\n", i, h)
	}
}

// Value pretty-prints an arbitrary value, for ad hoc inspection of
// parsed kvset.Set or chain.Set state while tracing a verification run.
func Value(w io.Writer, label string, v any) {
	fmt.Fprintf(w, "=== %s ===\n", label)
	printer.Fprintln(w, v)
}
