package socket

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// HeartbeatStrategy decides how a liveness ping is sent and how the reply
// is recognised.
type HeartbeatStrategy interface {
	SendHeartbeat(s *Session) error
	IsHeartbeatResponse(text string) bool
	HandleHeartbeatResponse(s *Session, text string)
}

// DefaultHeartbeatStrategy pings with control frames and accepts a
// textual "pong" in any case.
type DefaultHeartbeatStrategy struct{}

func (DefaultHeartbeatStrategy) SendHeartbeat(s *Session) error {
	return s.SendPing()
}

func (DefaultHeartbeatStrategy) IsHeartbeatResponse(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), "pong")
}

func (DefaultHeartbeatStrategy) HandleHeartbeatResponse(*Session, string) {}

// TextHeartbeatStrategy sends a literal text frame as the ping.
type TextHeartbeatStrategy struct {
	Ping string
	Pong string
}

func (h TextHeartbeatStrategy) SendHeartbeat(s *Session) error {
	return s.SendText(h.Ping)
}

func (h TextHeartbeatStrategy) IsHeartbeatResponse(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), h.Pong)
}

func (TextHeartbeatStrategy) HandleHeartbeatResponse(*Session, string) {}

// HeartbeatConfig configures idle detection. A zero duration disables that
// idle check.
type HeartbeatConfig struct {
	ReadIdle  time.Duration
	WriteIdle time.Duration
	MaxMissed int
}

// ClientHeartbeatConfig derives the client idle windows from the heartbeat
// interval: read idle after two intervals, write idle after one.
func ClientHeartbeatConfig(interval time.Duration, maxMissed int) HeartbeatConfig {
	if maxMissed <= 0 {
		maxMissed = 3
	}
	return HeartbeatConfig{
		ReadIdle:  2 * interval,
		WriteIdle: interval,
		MaxMissed: maxMissed,
	}
}

// ServerHeartbeatConfig only watches reads. Each idle interval pings the
// peer; the session is closed once maxMissed pings go unanswered.
func ServerHeartbeatConfig(interval time.Duration, maxMissed int) HeartbeatConfig {
	if maxMissed <= 0 {
		maxMissed = 3
	}
	return HeartbeatConfig{ReadIdle: interval, MaxMissed: maxMissed}
}

// HeartbeatMonitor watches a session for read and write inactivity.
// On read idle it counts a missed heartbeat and either pings or, once the
// limit is reached, invokes onDead. On write idle it pings.
type HeartbeatMonitor struct {
	session  *Session
	strategy HeartbeatStrategy
	cfg      HeartbeatConfig
	onDead   func()
	logger   *logrus.Logger

	missed    atomic.Int32
	readMark  atomic.Int64
	writeMark atomic.Int64
	dead      atomic.Bool
	started   atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewHeartbeatMonitor(session *Session, strategy HeartbeatStrategy, cfg HeartbeatConfig, onDead func(), logger *logrus.Logger) *HeartbeatMonitor {
	if strategy == nil {
		strategy = DefaultHeartbeatStrategy{}
	}
	m := &HeartbeatMonitor{
		session:  session,
		strategy: strategy,
		cfg:      cfg,
		onDead:   onDead,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	now := time.Now().UnixNano()
	m.readMark.Store(now)
	m.writeMark.Store(now)
	return m
}

// Start runs the idle checks until Stop is called.
func (m *HeartbeatMonitor) Start() {
	tick := m.tickInterval()
	if tick <= 0 || !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case now := <-ticker.C:
				m.check(now)
				if m.dead.Load() {
					return
				}
			}
		}
	}()
}

// Stop halts the monitor and waits for it to exit. Calling Stop on a monitor
// that was never started is allowed.
func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.started.Load() {
		<-m.done
	}
}

// OnRead records inbound traffic and clears the missed counter.
func (m *HeartbeatMonitor) OnRead() {
	m.readMark.Store(time.Now().UnixNano())
	m.missed.Store(0)
}

// OnWrite records outbound traffic.
func (m *HeartbeatMonitor) OnWrite() {
	m.writeMark.Store(time.Now().UnixNano())
}

// Missed returns the number of consecutive read idle periods.
func (m *HeartbeatMonitor) Missed() int {
	return int(m.missed.Load())
}

func (m *HeartbeatMonitor) check(now time.Time) {
	if m.dead.Load() {
		return
	}

	if m.cfg.ReadIdle > 0 && now.Sub(time.Unix(0, m.readMark.Load())) >= m.cfg.ReadIdle {
		m.readMark.Store(now.UnixNano())
		missed := int(m.missed.Add(1))
		if missed >= m.cfg.MaxMissed {
			m.dead.Store(true)
			m.logger.WithField("missed", missed).Warn("Heartbeat lost, closing connection")
			if m.onDead != nil {
				m.onDead()
			}
			return
		}
		m.logger.WithField("missed", missed).Debug("Read idle, sending heartbeat")
		m.sendHeartbeat(now)
		return
	}

	if m.cfg.WriteIdle > 0 && now.Sub(time.Unix(0, m.writeMark.Load())) >= m.cfg.WriteIdle {
		m.sendHeartbeat(now)
	}
}

func (m *HeartbeatMonitor) sendHeartbeat(now time.Time) {
	m.writeMark.Store(now.UnixNano())
	if err := m.strategy.SendHeartbeat(m.session); err != nil {
		m.logger.WithError(err).Debug("Failed to send heartbeat")
	}
}

func (m *HeartbeatMonitor) tickInterval() time.Duration {
	tick := m.cfg.ReadIdle
	if m.cfg.WriteIdle > 0 && (tick <= 0 || m.cfg.WriteIdle < tick) {
		tick = m.cfg.WriteIdle
	}
	if tick <= 0 {
		return 0
	}
	tick /= 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	return tick
}
