package smtp

import (
	"bufio"
	"bytes"
)

// DataReader consumes a DATA body from the wire: lines until one
// consisting solely of ".", with dot-stuffing removed and line endings
// normalized to CRLF in the stored form.
//
// Size and octet-mode violations do not interrupt the read; the reader
// drains to the terminator so the session stays synchronized, then reports
// the violation.
type DataReader struct {
	// R is the transport's buffered reader, positioned after the DATA 354.
	R *bufio.Reader

	// MaxSize bounds the stored body in octets. Zero means unlimited.
	MaxSize int64

	// Allow8Bit permits octets above 0x7F in the body. When false, such
	// octets make the body a protocol error after draining.
	Allow8Bit bool

	// Rearm, if set, is called before each read to refresh the transport
	// deadline. A returned error aborts the read.
	Rearm func() error
}

// ReadAll reads the complete body through the terminator line. On
// ErrMessageTooLarge or ErrEightBitContent the terminator has been
// consumed and the session may continue; any other error means the
// transport failed mid-body.
func (d *DataReader) ReadAll() ([]byte, error) {
	var (
		buf      bytes.Buffer
		size     int64
		tooLarge bool
		eightBit bool
	)

	for {
		line, truncated, err := d.readLine()
		if err != nil {
			return nil, err
		}
		if truncated {
			// The line alone exceeds MaxSize; its tail was discarded on
			// the way in, so it cannot be the terminator.
			tooLarge = true
			continue
		}

		content := trimLineEnding(line)

		if bytes.Equal(content, []byte(".")) {
			break
		}

		// Dot-stuffing removal.
		if len(content) > 0 && content[0] == '.' {
			content = content[1:]
		}

		if !d.Allow8Bit && !eightBit {
			for _, b := range content {
				if b > 0x7F {
					eightBit = true
					break
				}
			}
		}

		size += int64(len(content)) + 2
		if d.MaxSize > 0 && size > d.MaxSize {
			tooLarge = true
		}
		if tooLarge {
			continue
		}

		buf.Write(content)
		buf.WriteString("\r\n")
	}

	switch {
	case tooLarge:
		return nil, ErrMessageTooLarge
	case eightBit:
		return nil, ErrEightBitContent
	}
	return buf.Bytes(), nil
}

// readLine reads one newline-terminated line. Accumulation stops once the
// line exceeds MaxSize; the rest is drained and truncated reports the
// overflow, keeping memory bounded against LF-less streams.
func (d *DataReader) readLine() (line []byte, truncated bool, err error) {
	if d.Rearm != nil {
		if err := d.Rearm(); err != nil {
			return nil, false, err
		}
	}

	for {
		chunk, err := d.R.ReadSlice('\n')
		if !truncated {
			line = append(line, chunk...)
			if d.MaxSize > 0 && int64(len(line)) > d.MaxSize {
				truncated = true
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return line, truncated, nil
	}
}

func trimLineEnding(line []byte) []byte {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return line[:n]
}
