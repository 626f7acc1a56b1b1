package server

import "errors"

var (
	// ErrAlreadyTLS is returned when attempting to upgrade an already-TLS connection.
	ErrAlreadyTLS = errors.New("connection already using TLS")

	// ErrLineTooLong is returned when a command line exceeds the configured maximum.
	ErrLineTooLong = errors.New("line exceeds maximum length")

	// ErrConnectionClosed is returned when reading from or writing to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)
