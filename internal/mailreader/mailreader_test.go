package mailreader

import (
	"strings"
	"testing"
)

func TestReadSplitsHeadersAndBody(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: hello\r\n\r\nbody line one\r\nbody line two\r\n"
	msg, err := Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msg.Headers) != 2 {
		t.Fatalf("got %d headers, want 2: %#v", len(msg.Headers), msg.Headers)
	}
	if msg.Headers[0] != "From: a@example.com\r\n" {
		t.Errorf("Headers[0] = %q", msg.Headers[0])
	}
	if string(msg.Body) != "body line one\r\nbody line two\r\n" {
		t.Errorf("Body = %q", msg.Body)
	}
}

func TestReadJoinsFoldedContinuations(t *testing.T) {
	raw := "Subject: line one\r\n continued\r\n\r\nbody\r\n"
	msg, err := Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msg.Headers) != 1 {
		t.Fatalf("got %d headers, want 1: %#v", len(msg.Headers), msg.Headers)
	}
	want := "Subject: line one\r\n continued\r\n"
	if msg.Headers[0] != want {
		t.Errorf("Headers[0] = %q, want %q", msg.Headers[0], want)
	}
}

func TestReadNormalizesBareLF(t *testing.T) {
	raw := "From: a@example.com\nSubject: hi\n\nbody\n"
	msg, err := Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Headers[0] != "From: a@example.com\r\n" {
		t.Errorf("Headers[0] = %q", msg.Headers[0])
	}
	if string(msg.Body) != "body\r\n" {
		t.Errorf("Body = %q", msg.Body)
	}
}

func TestReadNoBody(t *testing.T) {
	raw := "From: a@example.com\r\n"
	msg, err := Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msg.Headers) != 1 {
		t.Fatalf("got %d headers, want 1", len(msg.Headers))
	}
	if len(msg.Body) != 0 {
		t.Errorf("Body = %q, want empty", msg.Body)
	}
}

func TestReadRejectsLeadingContinuation(t *testing.T) {
	raw := " continued\r\nFrom: a@example.com\r\n\r\nbody\r\n"
	if _, err := Read(strings.NewReader(raw)); err == nil {
		t.Error("Read accepted a message starting with a continuation line")
	}
}
