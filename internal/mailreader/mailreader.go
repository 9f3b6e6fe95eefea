// Package mailreader splits a raw RFC 5322 message into the header
// field lines and body bytes a chain.Message or arclib.Message needs,
// preserving each header field's original casing, folding, and CRLF
// terminator exactly as it appeared on the wire — canonicalization
// depends on that raw text, so this does not use net/mail's parsed
// textproto.MIMEHeader, which discards it.
package mailreader

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/arcseal/arcseal/internal/canonical"
)

// Message is a parsed-enough-to-canonicalize mail message: the header
// block as one raw field per entry (including any folded continuation
// lines and the field's own trailing CRLF) and the body exactly as it
// followed the blank line separating header from body.
type Message struct {
	Headers []string
	Body    []byte
}

// Read scans r for a header block terminated by a blank line, followed
// by the body. Bare LF line endings are accepted and normalized to
// CRLF, mirroring the library's FIXCRLF intake behavior.
func Read(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)

	var headers []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			headers = append(headers, current.String())
			current.Reset()
		}
	}

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if !strings.HasSuffix(line, "\r\n") {
				line = strings.TrimSuffix(line, "\n") + "\r\n"
			}
			if line == "\r\n" {
				flush()
				body, berr := io.ReadAll(br)
				if berr != nil {
					return nil, fmt.Errorf("mailreader: reading body: %w", berr)
				}
				var fixer canonical.CRLFFixer
				return &Message{Headers: headers, Body: fixer.Fix(body)}, nil
			}
			if line[0] == ' ' || line[0] == '\t' {
				if current.Len() == 0 {
					return nil, fmt.Errorf("mailreader: continuation line with no preceding header field")
				}
				current.WriteString(line)
			} else {
				flush()
				current.WriteString(line)
			}
		}
		if err != nil {
			flush()
			if err == io.EOF {
				return &Message{Headers: headers}, nil
			}
			return nil, fmt.Errorf("mailreader: reading message: %w", err)
		}
	}
}
