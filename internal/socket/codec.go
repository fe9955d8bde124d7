package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedFrame = errors.New("frame not supported by codec")

// MessageCodec converts between text frames and Message envelopes.
type MessageCodec interface {
	Encode(msg *Message) (string, error)
	Decode(text string) (*Message, error)
	Supports(text string) bool
}

// JSONCodec encodes messages as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Encode(msg *Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(data), nil
}

func (c JSONCodec) Decode(text string) (*Message, error) {
	if !c.Supports(text) {
		return nil, ErrUnsupportedFrame
	}
	var msg Message
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

func (JSONCodec) Supports(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")
}

// DecodeFrame decodes text with codec and falls back to a DATA message
// carrying the raw text when the frame is not a typed envelope.
func DecodeFrame(codec MessageCodec, text string) *Message {
	if codec != nil && codec.Supports(text) {
		if msg, err := codec.Decode(text); err == nil && msg.Type != "" {
			return msg
		}
	}
	return NewDataMessage("", text)
}
