package smtp

import "strings"

// Transaction is the envelope scope between an accepted MAIL and the end
// of DATA. It is created on MAIL, grown on RCPT, and consumed or
// discarded exactly once.
type Transaction struct {
	reversePath  string
	forwardPaths []string
	declaredSize int64
	eightBit     bool
}

// NewTransaction creates a transaction for the given reverse-path. An
// empty path is the null sender used by bounces.
func NewTransaction(reversePath string, declaredSize int64, eightBit bool) *Transaction {
	return &Transaction{
		reversePath:  reversePath,
		declaredSize: declaredSize,
		eightBit:     eightBit,
	}
}

// ReversePath returns the envelope sender.
func (t *Transaction) ReversePath() string {
	return t.reversePath
}

// ForwardPaths returns the recipients accepted so far, in arrival order.
func (t *Transaction) ForwardPaths() []string {
	return t.forwardPaths
}

// RecipientCount returns the number of accepted recipients.
func (t *Transaction) RecipientCount() int {
	return len(t.forwardPaths)
}

// DeclaredSize returns the MAIL SIZE= value, or 0 if none was declared.
func (t *Transaction) DeclaredSize() int64 {
	return t.declaredSize
}

// EightBit reports whether the client declared BODY=8BITMIME.
func (t *Transaction) EightBit() bool {
	return t.eightBit
}

// AddRecipient appends a forward-path, ignoring case-insensitive
// duplicates. It reports whether the recipient was added.
func (t *Transaction) AddRecipient(path string) bool {
	for _, existing := range t.forwardPaths {
		if strings.EqualFold(existing, path) {
			return false
		}
	}
	t.forwardPaths = append(t.forwardPaths, path)
	return true
}
