package notify

import (
	"context"
	"sync"

	"kline-hub/internal/models"

	"github.com/sirupsen/logrus"
)

// KLineEvent carries one update or one batch.
type KLineEvent struct {
	KLines []models.KLine
}

func (e KLineEvent) IsBatch() bool { return len(e.KLines) > 1 }

// First returns the first kline, nil for an empty event.
func (e KLineEvent) First() *models.KLine {
	if len(e.KLines) == 0 {
		return nil
	}
	return &e.KLines[0]
}

// EventNotifier is an in-process bus. Handlers run synchronously on the
// notifying goroutine.
type EventNotifier struct {
	mu       sync.RWMutex
	handlers map[uint64]func(KLineEvent)
	nextID   uint64
	logger   *logrus.Logger
}

func NewEventNotifier(logger *logrus.Logger) *EventNotifier {
	return &EventNotifier{
		handlers: make(map[uint64]func(KLineEvent)),
		logger:   logger,
	}
}

func (e *EventNotifier) Type() string { return TypeEvent }

// Subscribe registers fn and returns a function that removes it.
func (e *EventNotifier) Subscribe(fn func(KLineEvent)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

func (e *EventNotifier) NotifyKLine(_ context.Context, k *models.KLine) error {
	e.publish(KLineEvent{KLines: []models.KLine{*k}})
	return nil
}

func (e *EventNotifier) NotifyKLineBatch(_ context.Context, ks []models.KLine) error {
	if len(ks) == 0 {
		return nil
	}
	e.publish(KLineEvent{KLines: ks})
	return nil
}

func (e *EventNotifier) publish(ev KLineEvent) {
	e.mu.RLock()
	handlers := make([]func(KLineEvent), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		e.call(h, ev)
	}
}

func (e *EventNotifier) call(h func(KLineEvent), ev KLineEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("panic", r).Error("KLine event handler panicked")
		}
	}()
	h(ev)
}
