package notify

import (
	"context"
	"encoding/json"
	"sync"

	"kline-hub/internal/metrics"
	"kline-hub/internal/models"
	"kline-hub/internal/socket"

	"github.com/sirupsen/logrus"
)

// AllTopics subscribes a downstream session to every series.
const AllTopics = "*"

const topicsAttr = "kline.topics"

// StreamNotifier pushes DATA messages to downstream WebSocket sessions. It
// is also the socket.ServerHandler of the stream endpoint: sessions send
// SUBSCRIBE/UNSUBSCRIBE messages with topic "exchange:symbol:interval" (or
// "*") and HEARTBEAT messages, which are echoed.
type StreamNotifier struct {
	codec  socket.MessageCodec
	logger *logrus.Logger

	mu       sync.RWMutex
	registry *socket.SessionRegistry
}

func NewStreamNotifier(logger *logrus.Logger) *StreamNotifier {
	return &StreamNotifier{
		codec:  socket.JSONCodec{},
		logger: logger,
	}
}

// Attach binds the registry of the server this notifier handles.
func (s *StreamNotifier) Attach(registry *socket.SessionRegistry) {
	s.mu.Lock()
	s.registry = registry
	s.mu.Unlock()
}

func (s *StreamNotifier) Type() string { return TypeStream }

func (s *StreamNotifier) NotifyKLine(_ context.Context, k *models.KLine) error {
	s.mu.RLock()
	registry := s.registry
	s.mu.RUnlock()
	if registry == nil {
		return nil
	}

	payload, err := json.Marshal(k.ToResponse())
	if err != nil {
		return err
	}
	topic := k.SeriesID()
	text, err := s.codec.Encode(socket.NewDataMessage(topic, string(payload)))
	if err != nil {
		return err
	}
	registry.SendWhere(text, func(sess *socket.Session) bool {
		return subscribed(sess, topic)
	})
	return nil
}

func (s *StreamNotifier) NotifyKLineBatch(ctx context.Context, ks []models.KLine) error {
	for i := range ks {
		if err := s.NotifyKLine(ctx, &ks[i]); err != nil {
			return err
		}
	}
	return nil
}

func sessionTopics(sess *socket.Session) *sync.Map {
	if v, ok := sess.Attribute(topicsAttr); ok {
		return v.(*sync.Map)
	}
	return nil
}

func subscribed(sess *socket.Session, topic string) bool {
	topics := sessionTopics(sess)
	if topics == nil {
		return false
	}
	if _, ok := topics.Load(AllTopics); ok {
		return true
	}
	_, ok := topics.Load(topic)
	return ok
}

// socket.ServerHandler

func (s *StreamNotifier) OnOpen(sess *socket.Session) {
	sess.SetAttribute(topicsAttr, &sync.Map{})
	metrics.StreamSessions.Inc()
	s.logger.WithFields(logrus.Fields{
		"session": sess.ID(),
		"remote":  sess.RemoteAddr(),
	}).Debug("Stream session opened")
}

func (s *StreamNotifier) OnMessage(sess *socket.Session, text string) {
	msg := socket.DecodeFrame(s.codec, text)
	topics := sessionTopics(sess)

	var reply *socket.Message
	switch msg.Type {
	case socket.MessageSubscribe:
		if msg.Topic == "" || topics == nil {
			reply = socket.NewErrorMessage("topic is required")
			break
		}
		topics.Store(msg.Topic, struct{}{})
		reply = &socket.Message{Type: socket.MessageResponse, Topic: msg.Topic, Payload: "subscribed", Timestamp: msg.Timestamp, ID: msg.ID}
	case socket.MessageUnsubscribe:
		if topics != nil {
			topics.Delete(msg.Topic)
		}
		reply = &socket.Message{Type: socket.MessageResponse, Topic: msg.Topic, Payload: "unsubscribed", Timestamp: msg.Timestamp, ID: msg.ID}
	case socket.MessageHeartbeat:
		reply = socket.NewHeartbeatMessage()
	default:
		reply = socket.NewErrorMessage("unsupported message type")
	}

	out, err := s.codec.Encode(reply)
	if err != nil {
		return
	}
	if err := sess.SendText(out); err != nil {
		s.logger.WithError(err).WithField("session", sess.ID()).Debug("Stream reply failed")
	}
}

func (s *StreamNotifier) OnClose(sess *socket.Session) {
	sess.RemoveAttribute(topicsAttr)
	metrics.StreamSessions.Dec()
}
