package smtp

import (
	"bufio"
	"bytes"
	"strings"
	"sync"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// Message is a finalized mail message built at the end of a successful
// DATA. Raw holds the dot-unstuffed, CRLF-normalized RFC 5322 octets.
// Header projections are parsed lazily on first access.
type Message struct {
	id           string
	reversePath  string
	forwardPaths []string
	raw          []byte

	parseOnce sync.Once
	header    textproto.Header
	parseErr  error
}

// NewMessage builds a message from a completed transaction. A fresh queue
// id is generated; forwardPaths is copied so the caller's slice can be
// reused.
func NewMessage(reversePath string, forwardPaths []string, raw []byte) *Message {
	rcpts := make([]string, len(forwardPaths))
	copy(rcpts, forwardPaths)

	return &Message{
		id:           uuid.NewString(),
		reversePath:  reversePath,
		forwardPaths: rcpts,
		raw:          raw,
	}
}

// ID returns the server-generated queue id.
func (m *Message) ID() string {
	return m.id
}

// ReversePath returns the envelope sender. Empty for bounce messages.
func (m *Message) ReversePath() string {
	return m.reversePath
}

// ForwardPaths returns the envelope recipients.
func (m *Message) ForwardPaths() []string {
	return m.forwardPaths
}

// Raw returns the message octets as received, dot-unstuffed.
func (m *Message) Raw() []byte {
	return m.raw
}

// Size returns the message size in octets.
func (m *Message) Size() int64 {
	return int64(len(m.raw))
}

// parse runs the header parse once. A malformed header leaves an empty
// header; the raw octets remain authoritative.
func (m *Message) parse() {
	m.parseOnce.Do(func() {
		r := bufio.NewReader(bytes.NewReader(m.raw))
		h, err := textproto.ReadHeader(r)
		if err != nil {
			m.parseErr = err
			return
		}
		m.header = h
	})
}

// Header returns the parsed message header as a case-insensitive,
// order-preserving multimap. The zero header is returned if parsing failed.
func (m *Message) Header() textproto.Header {
	m.parse()
	return m.header
}

// GetHeader returns the first value of the named header field, or "".
func (m *Message) GetHeader(key string) string {
	m.parse()
	return m.header.Get(key)
}

// Subject returns the decoded Subject header, or "".
func (m *Message) Subject() string {
	m.parse()
	h := mail.Header{Header: gomessage.Header{Header: m.header}}
	subject, err := h.Subject()
	if err != nil {
		return m.header.Get("Subject")
	}
	return subject
}

// Date returns the parsed Date header, or the zero time.
func (m *Message) Date() time.Time {
	m.parse()
	h := mail.Header{Header: gomessage.Header{Header: m.header}}
	date, err := h.Date()
	if err != nil {
		return time.Time{}
	}
	return date
}

// Priority returns the message priority from X-Priority or Importance,
// normalized to "high", "normal", or "low".
func (m *Message) Priority() string {
	m.parse()

	switch v := m.header.Get("X-Priority"); {
	case strings.HasPrefix(v, "1"), strings.HasPrefix(v, "2"):
		return "high"
	case strings.HasPrefix(v, "4"), strings.HasPrefix(v, "5"):
		return "low"
	case v != "":
		return "normal"
	}

	switch strings.ToLower(m.header.Get("Importance")) {
	case "high":
		return "high"
	case "low":
		return "low"
	default:
		return "normal"
	}
}

// HasAttachments reports whether the message is a multipart/mixed or
// multipart/related container, the usual shape of a message with
// attachments.
func (m *Message) HasAttachments() bool {
	m.parse()
	ct := strings.ToLower(m.header.Get("Content-Type"))
	return strings.HasPrefix(ct, "multipart/mixed") ||
		strings.HasPrefix(ct, "multipart/related")
}

// AttachmentCount returns the number of body parts carrying a filename or
// an attachment disposition. Zero for non-multipart messages.
func (m *Message) AttachmentCount() int {
	if !m.HasAttachments() {
		return 0
	}

	count := 0
	for _, line := range strings.Split(string(m.raw), "\r\n") {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "content-disposition:") &&
			strings.Contains(lower, "attachment") {
			count++
		}
	}
	return count
}
