package protocol

import (
	"errors"
	"io"
	"strings"
)

// Default handshake credentials sent by every chat client.
const (
	DefaultHandshakeKey   = "Hello"
	DefaultHandshakeToken = "GoToGroup"

	// DefaultMaxHandshakeSize bounds the bytes read before the NUL terminator.
	DefaultMaxHandshakeSize = 4096
)

var (
	// ErrHandshakeIncomplete is returned when the stream fails or ends before the NUL terminator.
	ErrHandshakeIncomplete = errors.New("protocol: handshake ended before terminator")
	// ErrHandshakeTooLarge is returned when the header block exceeds the configured limit.
	ErrHandshakeTooLarge = errors.New("protocol: handshake exceeds size limit")
	// ErrHandshakeRejected is returned when the required header is absent or carries the wrong token.
	ErrHandshakeRejected = errors.New("protocol: handshake rejected")
)

// Headers holds the key/value pairs sent during the handshake.
type Headers map[string]string

// ReadHeaders consumes a handshake frame from r. Lines are separated by '\n'
// and the frame ends at the first NUL byte. Lines that do not split into a
// non-empty key and value around the first colon are skipped. A maxSize of
// zero or less disables the size check.
func ReadHeaders(r io.ByteReader, maxSize int) (Headers, error) {
	headers := make(Headers)
	var line []byte
	total := 0

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, errors.Join(ErrHandshakeIncomplete, err)
		}
		total++
		if maxSize > 0 && total > maxSize {
			return nil, ErrHandshakeTooLarge
		}

		switch b {
		case '\n':
			headers.addLine(string(line))
			line = line[:0]
		case 0:
			return headers, nil
		default:
			line = append(line, b)
		}
	}
}

func (h Headers) addLine(line string) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return
	}
	h[key] = value
}

// Get returns the trimmed value stored for key.
func (h Headers) Get(key string) (string, bool) {
	v, ok := h[key]
	return v, ok
}

// Validate checks that key is present and its value equals token.
func (h Headers) Validate(key, token string) error {
	v, ok := h.Get(key)
	if !ok || strings.TrimSpace(v) != token {
		return ErrHandshakeRejected
	}
	return nil
}

// EncodeHandshake builds the frame a client sends to open a session.
func EncodeHandshake(headers Headers) []byte {
	var b strings.Builder
	for k, v := range headers {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteByte(0)
	return []byte(b.String())
}
