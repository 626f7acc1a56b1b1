package smtp

import "errors"

// Protocol errors for SMTP.
var (
	// ErrEmptyCommand is returned when a command line contains no verb.
	ErrEmptyCommand = errors.New("empty command")

	// ErrInvalidVerb is returned when the verb contains non-ASCII-letter octets.
	ErrInvalidVerb = errors.New("invalid command verb")

	// ErrInvalidPath is returned for a malformed reverse-path or forward-path.
	ErrInvalidPath = errors.New("invalid mail path")

	// ErrInvalidParameter is returned for a malformed ESMTP parameter.
	ErrInvalidParameter = errors.New("invalid ESMTP parameter")

	// ErrMessageTooLarge is returned when a DATA body exceeds the size limit.
	ErrMessageTooLarge = errors.New("message size exceeds maximum")

	// ErrEightBitContent is returned when the body contains octets above 0x7F
	// without 8BITMIME having been negotiated.
	ErrEightBitContent = errors.New("8-bit content without 8BITMIME")

	// ErrAuthCancelled is returned when the client aborts an AUTH exchange.
	ErrAuthCancelled = errors.New("authentication cancelled by client")

	// ErrInvalidBase64 is returned for undecodable SASL exchange data.
	ErrInvalidBase64 = errors.New("invalid base64 encoding")

	// ErrUnknownMechanism is returned for an AUTH mechanism not in the registry.
	ErrUnknownMechanism = errors.New("unknown authentication mechanism")
)
