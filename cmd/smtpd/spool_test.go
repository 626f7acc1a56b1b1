package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/smtpd/internal/smtp"
)

// fakeView satisfies smtp.SessionView for spool tests.
type fakeView struct{}

func (fakeView) ID() string { return "session-1" }

func (fakeView) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("192.0.2.9"), Port: 40000}
}

func (fakeView) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 25}
}

func (fakeView) Secure() bool { return false }

func (fakeView) Authenticated() bool { return false }

func (fakeView) Identity() string { return "" }

func (fakeView) ClientDomain() string { return "client.example" }

func (fakeView) StartTime() time.Time { return time.Now() }

func (fakeView) MessageCount() int { return 0 }

func (fakeView) EightBitNegotiated() bool { return false }

func (fakeView) UTF8Negotiated() bool { return false }

func (fakeView) MaxMessageSize() int64 { return 0 }

func (fakeView) Properties() map[string]any { return nil }

func TestSpoolStoreSave(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSpoolStore(dir, "mx.test")
	if err != nil {
		t.Fatalf("NewSpoolStore: %v", err)
	}

	raw := []byte("Subject: hi\r\n\r\nbody\r\n")
	msg := smtp.NewMessage("a@example.com", []string{"b@example.com", "c@example.com"}, raw)

	if err := store.Save(context.Background(), fakeView{}, msg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, msg.ID()+".eml"))
	if err != nil {
		t.Fatalf("reading spool file: %v", err)
	}
	content := string(data)

	for _, want := range []string{
		"Return-Path: <a@example.com>\r\n",
		"X-Envelope-To: <b@example.com>\r\n",
		"X-Envelope-To: <c@example.com>\r\n",
		"Received: from client.example (192.0.2.9:40000)\r\n\tby mx.test with ESMTP id " + msg.ID(),
	} {
		if !strings.Contains(content, want) {
			t.Errorf("spool file missing %q\ngot:\n%s", want, content)
		}
	}
	if !strings.HasSuffix(content, string(raw)) {
		t.Errorf("spool file does not end with raw message:\n%s", content)
	}

	// The staging area must be empty after a successful commit.
	entries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	if err != nil {
		t.Fatalf("reading tmp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("tmp dir has %d leftover files", len(entries))
	}
}

func TestSpoolStoreCancelledContext(t *testing.T) {
	store, err := NewSpoolStore(t.TempDir(), "mx.test")
	if err != nil {
		t.Fatalf("NewSpoolStore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := smtp.NewMessage("a@example.com", []string{"b@example.com"}, []byte("x\r\n"))
	if err := store.Save(ctx, fakeView{}, msg); err == nil {
		t.Error("Save succeeded with cancelled context")
	}
}
