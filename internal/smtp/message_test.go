package smtp

import (
	"testing"
	"time"
)

const sampleRaw = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: quarterly report\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"X-Priority: 1 (Highest)\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b\"\r\n" +
	"\r\n" +
	"--b\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--b\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"\r\n" +
	"PDFDATA\r\n" +
	"--b--\r\n"

func TestMessageBasics(t *testing.T) {
	msg := NewMessage("alice@example.com", []string{"bob@example.com"}, []byte(sampleRaw))

	if msg.ID() == "" {
		t.Error("ID() is empty")
	}
	if msg.ReversePath() != "alice@example.com" {
		t.Errorf("ReversePath() = %q", msg.ReversePath())
	}
	if len(msg.ForwardPaths()) != 1 || msg.ForwardPaths()[0] != "bob@example.com" {
		t.Errorf("ForwardPaths() = %v", msg.ForwardPaths())
	}
	if msg.Size() != int64(len(sampleRaw)) {
		t.Errorf("Size() = %d, want %d", msg.Size(), len(sampleRaw))
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	a := NewMessage("", nil, nil)
	b := NewMessage("", nil, nil)
	if a.ID() == b.ID() {
		t.Errorf("two messages share id %q", a.ID())
	}
}

func TestMessageHeaderProjections(t *testing.T) {
	msg := NewMessage("", nil, []byte(sampleRaw))

	if got := msg.Subject(); got != "quarterly report" {
		t.Errorf("Subject() = %q", got)
	}
	if got := msg.GetHeader("From"); got != "alice@example.com" {
		t.Errorf("GetHeader(From) = %q", got)
	}

	want := time.Date(2006, 1, 2, 15, 4, 5, 0, time.FixedZone("", -7*3600))
	if got := msg.Date(); !got.Equal(want) {
		t.Errorf("Date() = %v, want %v", got, want)
	}

	if got := msg.Priority(); got != "high" {
		t.Errorf("Priority() = %q, want high", got)
	}
	if !msg.HasAttachments() {
		t.Error("HasAttachments() = false for multipart/mixed")
	}
	if got := msg.AttachmentCount(); got != 1 {
		t.Errorf("AttachmentCount() = %d, want 1", got)
	}
}

func TestMessagePriorityDefaults(t *testing.T) {
	msg := NewMessage("", nil, []byte("Subject: x\r\n\r\nbody\r\n"))

	if got := msg.Priority(); got != "normal" {
		t.Errorf("Priority() = %q, want normal", got)
	}
	if msg.HasAttachments() {
		t.Error("HasAttachments() = true for plain message")
	}
	if !msg.Date().IsZero() {
		t.Errorf("Date() = %v for message without Date header", msg.Date())
	}
}

func TestMessageMalformedHeader(t *testing.T) {
	// No header/body separator at all; raw stays authoritative.
	raw := []byte("not a header line at all")
	msg := NewMessage("a@b.c", nil, raw)

	if string(msg.Raw()) != string(raw) {
		t.Error("Raw() altered by failed parse")
	}
	if got := msg.Subject(); got != "" {
		t.Errorf("Subject() = %q for malformed header", got)
	}
}
