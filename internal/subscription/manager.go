package subscription

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Listener consumes a raw payload routed to a topic.
type Listener func(topic, payload string) error

// Subscription binds a listener to a topic. It stays active until removed.
type Subscription struct {
	ID       string
	Topic    string
	Params   map[string]string
	Listener Listener

	active atomic.Bool
}

func (s *Subscription) IsActive() bool { return s.active.Load() }

// Manager keeps topic subscriptions and routes payloads to their listeners.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	logger *logrus.Logger
}

func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		topics: make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers listener for topic and returns the new subscription.
func (m *Manager) Subscribe(topic string, params map[string]string, listener Listener) *Subscription {
	sub, _ := m.Add(topic, params, listener)
	return sub
}

// Add is Subscribe that also reports whether the subscription is the first
// one on its topic. The check and the insert happen under one lock.
func (m *Manager) Add(topic string, params map[string]string, listener Listener) (*Subscription, bool) {
	sub := &Subscription{
		ID:       uuid.NewString(),
		Topic:    topic,
		Params:   params,
		Listener: listener,
	}
	sub.active.Store(true)

	m.mu.Lock()
	first := len(m.topics[topic]) == 0
	m.topics[topic] = append(m.topics[topic], sub)
	m.mu.Unlock()
	return sub, first
}

// Unsubscribe deactivates and removes one subscription. The topic is dropped
// once its last subscription is gone.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.active.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.topics[sub.Topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(m.topics, sub.Topic)
		return
	}
	m.topics[sub.Topic] = subs
}

// UnsubscribeAll removes every subscription for topic and reports how many
// were removed.
func (m *Manager) UnsubscribeAll(topic string) int {
	m.mu.Lock()
	subs := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
	}
	return len(subs)
}

// Dispatch delivers payload to the active listeners of topic. A failing or
// panicking listener does not stop delivery to the others. It returns the
// number of listeners that completed without error.
func (m *Manager) Dispatch(topic, payload string) int {
	m.mu.RLock()
	subs := append([]*Subscription(nil), m.topics[topic]...)
	m.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if !sub.IsActive() {
			continue
		}
		if err := m.invoke(sub, payload); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"topic":        topic,
				"subscription": sub.ID,
			}).Warn("Subscription listener failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (m *Manager) invoke(sub *Subscription, payload string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return sub.Listener(sub.Topic, payload)
}

// Topics returns the subscribed topics in sorted order.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Count returns the total number of subscriptions across topics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, subs := range m.topics {
		n += len(subs)
	}
	return n
}

// Clear deactivates and removes everything.
func (m *Manager) Clear() {
	m.mu.Lock()
	topics := m.topics
	m.topics = make(map[string][]*Subscription)
	m.mu.Unlock()

	for _, subs := range topics {
		for _, s := range subs {
			s.active.Store(false)
		}
	}
}
