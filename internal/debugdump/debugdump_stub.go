//go:build !dump

// Package debugdump pretty-prints ARC chain state for development use.
// This build (without the "dump" tag) is a no-op stub so callers can
// call debugdump functions unconditionally without the pp/v3 debug
// dependency or its output ever reaching a production build.
package debugdump

import (
	"io"

	"github.com/arcseal/arcseal/chain"
)

// Result is a no-op without the "dump" build tag.
func Result(w io.Writer, label string, r *chain.Result) {}

// Headers is a no-op without the "dump" build tag.
func Headers(w io.Writer, label string, headers []string) {}

// Value is a no-op without the "dump" build tag.
func Value(w io.Writer, label string, v any) {}
