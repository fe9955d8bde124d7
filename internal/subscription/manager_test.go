package subscription

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestManager() *Manager {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return NewManager(l)
}

func TestDispatchIsolatesFailingListeners(t *testing.T) {
	m := newTestManager()

	var got []string
	m.Subscribe("btcusdt@kline_1m", nil, func(topic, payload string) error {
		return errors.New("convert failed")
	})
	m.Subscribe("btcusdt@kline_1m", nil, func(topic, payload string) error {
		panic("boom")
	})
	m.Subscribe("btcusdt@kline_1m", nil, func(topic, payload string) error {
		got = append(got, payload)
		return nil
	})

	delivered := m.Dispatch("btcusdt@kline_1m", "payload-1")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"payload-1"}, got)
}

func TestDispatchUnknownTopic(t *testing.T) {
	m := newTestManager()
	assert.Equal(t, 0, m.Dispatch("nothing", "x"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := newTestManager()

	var calls atomic.Int32
	sub := m.Subscribe("candle1m:BTC-USDT", map[string]string{"instId": "BTC-USDT"}, func(string, string) error {
		calls.Add(1)
		return nil
	})
	other := m.Subscribe("candle1m:BTC-USDT", nil, func(string, string) error { return nil })

	m.Dispatch("candle1m:BTC-USDT", "a")
	m.Unsubscribe(sub)
	m.Dispatch("candle1m:BTC-USDT", "b")

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, sub.IsActive())
	assert.True(t, other.IsActive())
	assert.Equal(t, 1, m.Count())

	m.Unsubscribe(other)
	assert.Empty(t, m.Topics())
}

func TestUnsubscribeAllAndClear(t *testing.T) {
	m := newTestManager()
	noop := func(string, string) error { return nil }

	a := m.Subscribe("a", nil, noop)
	m.Subscribe("a", nil, noop)
	c := m.Subscribe("c", nil, noop)
	m.Subscribe("b", nil, noop)

	assert.Equal(t, []string{"a", "b", "c"}, m.Topics())
	assert.Equal(t, 4, m.Count())

	assert.Equal(t, 2, m.UnsubscribeAll("a"))
	assert.False(t, a.IsActive())
	assert.Equal(t, 0, m.UnsubscribeAll("a"))
	assert.Equal(t, []string{"b", "c"}, m.Topics())

	m.Clear()
	assert.False(t, c.IsActive())
	assert.Equal(t, 0, m.Count())
}

func TestInactiveSubscriptionSkippedDuringDispatch(t *testing.T) {
	m := newTestManager()

	var second *Subscription
	var secondCalls atomic.Int32
	m.Subscribe("t", nil, func(string, string) error {
		// Removing a later subscription mid-dispatch must prevent its delivery.
		m.Unsubscribe(second)
		return nil
	})
	second = m.Subscribe("t", nil, func(string, string) error {
		secondCalls.Add(1)
		return nil
	})

	m.Dispatch("t", "x")
	assert.Equal(t, int32(0), secondCalls.Load())

	// Nor in any later dispatch.
	m.Dispatch("t", "y")
	assert.Equal(t, int32(0), secondCalls.Load())
	assert.False(t, second.IsActive())
}

func TestListenerRemovedDuringOwnDispatchGetsNoMoreCallbacks(t *testing.T) {
	m := newTestManager()

	var self *Subscription
	var calls atomic.Int32
	self = m.Subscribe("t", nil, func(string, string) error {
		calls.Add(1)
		m.Unsubscribe(self)
		return nil
	})
	var stayed atomic.Int32
	m.Subscribe("t", nil, func(string, string) error {
		stayed.Add(1)
		return nil
	})

	m.Dispatch("t", "a")
	m.Dispatch("t", "b")
	m.Dispatch("t", "c")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(3), stayed.Load())
}

func TestAddReportsFirstOnceUnderContention(t *testing.T) {
	m := newTestManager()
	noop := func(string, string) error { return nil }

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, first := m.Add("btcusdt@kline_1m", nil, noop); first {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
	assert.Equal(t, 16, m.Count())
}

func TestConcurrentSubscribeAndDispatch(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup
	var calls atomic.Int64

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sub := m.Subscribe("t", nil, func(string, string) error {
					calls.Add(1)
					return nil
				})
				m.Unsubscribe(sub)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Dispatch("t", "x")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}
