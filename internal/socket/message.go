package socket

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies frames exchanged over the socket layer.
type MessageType string

const (
	MessageSubscribe   MessageType = "SUBSCRIBE"
	MessageUnsubscribe MessageType = "UNSUBSCRIBE"
	MessageData        MessageType = "DATA"
	MessageHeartbeat   MessageType = "HEARTBEAT"
	MessageError       MessageType = "ERROR"
	MessageRequest     MessageType = "REQUEST"
	MessageResponse    MessageType = "RESPONSE"
)

// Message is the envelope used between the stream server and its clients.
type Message struct {
	Type      MessageType `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Payload   string      `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
	ID        string      `json:"id"`
}

func newMessage(t MessageType, topic, payload string) *Message {
	return &Message{
		Type:      t,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.NewString(),
	}
}

func NewHeartbeatMessage() *Message {
	return newMessage(MessageHeartbeat, "", "")
}

func NewDataMessage(topic, payload string) *Message {
	return newMessage(MessageData, topic, payload)
}

func NewSubscribeMessage(topic string) *Message {
	return newMessage(MessageSubscribe, topic, "")
}

func NewUnsubscribeMessage(topic string) *Message {
	return newMessage(MessageUnsubscribe, topic, "")
}

func NewErrorMessage(msg string) *Message {
	return newMessage(MessageError, "", msg)
}
