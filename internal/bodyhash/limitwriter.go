package bodyhash

import (
	"io"
)

// limitWriter wraps an io.Writer, passing through only the first limit
// bytes and silently discarding the rest.
type limitWriter struct {
	w     io.Writer
	limit int64
}

// Write forwards p to the underlying writer, truncating at the
// remaining limit. It always reports len(p) written so the caller
// (the canonicalizer) believes the full write succeeded.
func (lw *limitWriter) Write(p []byte) (n int, err error) {
	if lw.limit <= 0 {
		return len(p), nil
	}

	toWrite := int64(len(p))
	if toWrite > lw.limit {
		toWrite = lw.limit
	}

	n, err = lw.w.Write(p[:toWrite])
	lw.limit -= int64(n)

	return len(p), err
}

// newLimitWriter creates a limitWriter bounded to limit bytes.
func newLimitWriter(w io.Writer, limit int64) *limitWriter {
	if limit < 0 {
		limit = 0
	}
	return &limitWriter{
		w:     w,
		limit: limit,
	}
}
