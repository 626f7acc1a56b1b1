package smtp

import (
	"fmt"
	"strings"
)

// Conventional SMTP reply codes.
const (
	CodeServiceReady       = 220
	CodeServiceClosing     = 221
	CodeAuthOK             = 235
	CodeOK                 = 250
	CodeCannotVerify       = 252
	CodeHelp               = 214
	CodeAuthContinue       = 334
	CodeStartMailInput     = 354
	CodeServiceUnavailable = 421
	CodeMailboxBusy        = 450
	CodeLocalError         = 451
	CodeInsufficientStore  = 452
	CodeSyntaxError        = 500
	CodeParamSyntaxError   = 501
	CodeNotImplemented     = 502
	CodeBadSequence        = 503
	CodeUnrecognizedAuth   = 504
	CodeAuthRequired       = 530
	CodeAuthFailed         = 535
	CodeEncryptionRequired = 538
	CodeMailboxUnavailable = 550
	CodeExceededStorage    = 552
	CodeTransactionFailed  = 554
)

// Reply is a numeric SMTP response with one or more text lines. Multi-line
// replies render all but the last line with a hyphen continuation marker.
type Reply struct {
	Code  int
	Lines []string
}

// NewReply creates a single-line reply.
func NewReply(code int, text string) Reply {
	return Reply{Code: code, Lines: []string{text}}
}

// NewMultiReply creates a reply with the given lines. At least one line is
// required; a reply with no text renders the bare code.
func NewMultiReply(code int, lines ...string) Reply {
	return Reply{Code: code, Lines: lines}
}

// IsSuccess reports whether the reply is a 2xx or 3xx.
func (r Reply) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 400
}

// IsError reports whether the reply is a 4xx or 5xx.
func (r Reply) IsError() bool {
	return r.Code >= 400
}

// IsTransient reports whether the reply is a 4xx.
func (r Reply) IsTransient() bool {
	return r.Code >= 400 && r.Code < 500
}

// String renders the reply as CRLF-terminated wire text.
func (r Reply) String() string {
	if len(r.Lines) == 0 {
		return fmt.Sprintf("%d\r\n", r.Code)
	}

	var sb strings.Builder
	last := len(r.Lines) - 1
	for i, line := range r.Lines {
		sep := " "
		if i < last {
			sep = "-"
		}
		fmt.Fprintf(&sb, "%d%s%s\r\n", r.Code, sep, line)
	}
	return sb.String()
}

// Prebuilt replies for outcomes that carry no variable text.
var (
	ReplyOK              = NewReply(CodeOK, "OK")
	ReplyBye             = NewReply(CodeServiceClosing, "Bye")
	ReplyAuthOK          = NewReply(CodeAuthOK, "Authentication successful")
	ReplyAuthFailed      = NewReply(CodeAuthFailed, "Authentication failed")
	ReplyAuthCancelled   = NewReply(CodeParamSyntaxError, "Authentication cancelled")
	ReplyAuthRequired    = NewReply(CodeAuthRequired, "Authentication required")
	ReplyTLSRequired     = NewReply(CodeEncryptionRequired, "Encryption required for requested authentication mechanism")
	ReplyStartMailInput  = NewReply(CodeStartMailInput, "Start mail input; end with <CRLF>.<CRLF>")
	ReplySyntaxError     = NewReply(CodeSyntaxError, "Syntax error, command unrecognized")
	ReplyParamError      = NewReply(CodeParamSyntaxError, "Syntax error in parameters or arguments")
	ReplyNotImplemented  = NewReply(CodeNotImplemented, "Command not implemented")
	ReplyBadSequence     = NewReply(CodeBadSequence, "Bad sequence of commands")
	ReplyTooManyErrors   = NewReply(CodeServiceUnavailable, "Too many errors")
	ReplyTimeout         = NewReply(CodeServiceUnavailable, "Timeout waiting for client input")
	ReplyShuttingDown    = NewReply(CodeServiceUnavailable, "Service shutting down, closing transmission channel")
	ReplyTooLarge        = NewReply(CodeExceededStorage, "Message size exceeds maximum")
	ReplyCannotVerify    = NewReply(CodeCannotVerify, "Cannot VRFY user, but will accept message and attempt delivery")
	ReplyLineTooLong     = NewReply(CodeSyntaxError, "Line too long")
	ReplyDataTimeout     = NewReply(CodeLocalError, "Timeout waiting for message data")
	ReplyStorageFailed   = NewReply(CodeTransactionFailed, "Transaction failed")
	ReplyTooManyRcpts    = NewReply(CodeInsufficientStore, "Too many recipients")
	ReplySenderDenied    = NewReply(CodeMailboxUnavailable, "Sender address rejected")
	ReplySenderDeferred  = NewReply(CodeMailboxBusy, "Sender address temporarily rejected")
	ReplyRcptDenied      = NewReply(CodeMailboxUnavailable, "Recipient address rejected")
	ReplyRcptDeferred    = NewReply(CodeMailboxBusy, "Recipient address temporarily rejected")
	ReplyEightBitOnly    = NewReply(CodeSyntaxError, "8-bit content not negotiated")
	ReplyAlreadySecure   = NewReply(CodeBadSequence, "TLS already active")
	ReplyTLSNotAvailable = NewReply(CodeNotImplemented, "STARTTLS not available")
)
