package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ErrInvalidMessage is returned when a line does not match the chat record schema.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Message is a single chat record. It travels as one JSON object per line.
type Message struct {
	Sender   string `json:"sender"`
	SendTime string `json:"send_time"`
	Message  string `json:"message"`
}

// wireMessage detects absent or null fields, which Message alone cannot.
type wireMessage struct {
	Sender   *string `json:"sender"`
	SendTime *string `json:"send_time"`
	Message  *string `json:"message"`
}

// NewMessage stamps a record with the current UTC time in RFC 3339 form.
func NewMessage(sender, body string) Message {
	return Message{
		Sender:   sender,
		SendTime: time.Now().UTC().Format(time.RFC3339),
		Message:  body,
	}
}

// DecodeMessage validates line against the record schema. All three fields
// must be present as JSON strings; unknown fields are ignored. A trailing
// line terminator is tolerated. The line must be valid UTF-8, since it is
// relayed byte for byte and encoding/json would otherwise hide bad bytes
// behind U+FFFD.
func DecodeMessage(line []byte) (Message, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return Message{}, ErrInvalidMessage
	}
	if !utf8.Valid(line) {
		return Message{}, fmt.Errorf("%w: invalid utf-8", ErrInvalidMessage)
	}

	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Sender == nil || w.SendTime == nil || w.Message == nil {
		return Message{}, fmt.Errorf("%w: missing field", ErrInvalidMessage)
	}

	return Message{
		Sender:   *w.Sender,
		SendTime: *w.SendTime,
		Message:  *w.Message,
	}, nil
}

// Encode renders m as a single line without the terminator. encoding/json
// escapes control characters, so the result never contains a raw newline.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
