package socket

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingStrategy struct {
	sent atomic.Int32
	err  error
}

func (c *countingStrategy) SendHeartbeat(*Session) error {
	c.sent.Add(1)
	return c.err
}

func (c *countingStrategy) IsHeartbeatResponse(text string) bool { return text == "pong" }

func (c *countingStrategy) HandleHeartbeatResponse(*Session, string) {}

func TestHeartbeatMonitorClosesAfterMaxMissed(t *testing.T) {
	strategy := &countingStrategy{}
	var dead atomic.Int32
	cfg := HeartbeatConfig{ReadIdle: time.Second, MaxMissed: 3}
	m := NewHeartbeatMonitor(nil, strategy, cfg, func() { dead.Add(1) }, quietLogger())

	now := time.Now()
	m.check(now.Add(1 * time.Second))
	m.check(now.Add(2 * time.Second))
	assert.Equal(t, 2, m.Missed())
	assert.Equal(t, int32(2), strategy.sent.Load())
	assert.Equal(t, int32(0), dead.Load())

	m.check(now.Add(3 * time.Second))
	assert.Equal(t, int32(1), dead.Load())
	// No ping on the fatal idle period.
	assert.Equal(t, int32(2), strategy.sent.Load())

	// Further checks after death are ignored.
	m.check(now.Add(10 * time.Second))
	assert.Equal(t, int32(1), dead.Load())
}

func TestHeartbeatMonitorReadResetsMissed(t *testing.T) {
	strategy := &countingStrategy{}
	var dead atomic.Int32
	cfg := HeartbeatConfig{ReadIdle: time.Second, MaxMissed: 2}
	m := NewHeartbeatMonitor(nil, strategy, cfg, func() { dead.Add(1) }, quietLogger())

	now := time.Now()
	m.check(now.Add(time.Second))
	assert.Equal(t, 1, m.Missed())

	m.OnRead()
	assert.Equal(t, 0, m.Missed())

	// Idle window restarts from the read.
	m.check(time.Now().Add(500 * time.Millisecond))
	assert.Equal(t, 0, m.Missed())
	assert.Equal(t, int32(0), dead.Load())
}

func TestHeartbeatMonitorWriteIdlePings(t *testing.T) {
	strategy := &countingStrategy{err: errors.New("write failed")}
	cfg := ClientHeartbeatConfig(time.Second, 3)
	assert.Equal(t, 2*time.Second, cfg.ReadIdle)
	assert.Equal(t, time.Second, cfg.WriteIdle)

	m := NewHeartbeatMonitor(nil, strategy, cfg, nil, quietLogger())
	m.OnRead()
	m.OnWrite()

	m.check(time.Now().Add(1100 * time.Millisecond))
	assert.Equal(t, int32(1), strategy.sent.Load())
	assert.Equal(t, 0, m.Missed())
}

func TestServerHeartbeatConfigPingsBeforeClosing(t *testing.T) {
	cfg := ServerHeartbeatConfig(time.Second, 0)
	assert.Equal(t, 3, cfg.MaxMissed)
	assert.Zero(t, cfg.WriteIdle)

	strategy := &countingStrategy{}
	var dead atomic.Int32
	m := NewHeartbeatMonitor(nil, strategy, cfg, func() { dead.Add(1) }, quietLogger())

	now := time.Now()
	m.check(now.Add(time.Second))
	m.check(now.Add(2 * time.Second))
	assert.Equal(t, int32(2), strategy.sent.Load())
	assert.Equal(t, int32(0), dead.Load())

	m.check(now.Add(3 * time.Second))
	assert.Equal(t, int32(1), dead.Load())
}

func TestHeartbeatStrategies(t *testing.T) {
	def := DefaultHeartbeatStrategy{}
	assert.True(t, def.IsHeartbeatResponse("PONG"))
	assert.True(t, def.IsHeartbeatResponse(" pong\n"))
	assert.False(t, def.IsHeartbeatResponse(`{"pong":1}`))

	text := TextHeartbeatStrategy{Ping: "ping", Pong: "pong"}
	assert.True(t, text.IsHeartbeatResponse("pong"))
	assert.False(t, text.IsHeartbeatResponse("ping"))
}

func TestHeartbeatMonitorStopWithoutStart(t *testing.T) {
	m := NewHeartbeatMonitor(nil, &countingStrategy{}, HeartbeatConfig{}, nil, quietLogger())
	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
}
