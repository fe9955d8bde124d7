package socket

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReconnectPolicy computes the delay before each reconnect attempt.
// Attempts are numbered from 1.
type ReconnectPolicy interface {
	NextDelay(attempt int) (time.Duration, bool)
	ShouldRetry(attempt int) bool
	Reset()
}

// ExponentialBackoffPolicy grows the delay by Multiplier per attempt, capped at
// MaxDelay. A negative MaxAttempts retries forever.
type ExponentialBackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

func DefaultBackoffPolicy() *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  -1,
	}
}

func (p *ExponentialBackoffPolicy) ShouldRetry(attempt int) bool {
	return p.MaxAttempts < 0 || attempt <= p.MaxAttempts
}

func (p *ExponentialBackoffPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if !p.ShouldRetry(attempt) {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && (delay > float64(p.MaxDelay) || math.IsInf(delay, 0)) {
		return p.MaxDelay, true
	}
	return time.Duration(delay), true
}

func (p *ExponentialBackoffPolicy) Reset() {}

// Reconnector drives reconnect attempts on a timer. Schedule starts a loop
// that waits the policy delay, calls connect, and repeats until connect
// succeeds, the policy gives up or Stop is called.
type Reconnector struct {
	name      string
	policy    ReconnectPolicy
	connect   func(ctx context.Context) error
	onAttempt func(attempt int)
	logger    *logrus.Logger

	mu       sync.Mutex
	attempts int
	running  bool
	again    bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewReconnector(name string, policy ReconnectPolicy, connect func(ctx context.Context) error, logger *logrus.Logger) *Reconnector {
	if policy == nil {
		policy = DefaultBackoffPolicy()
	}
	return &Reconnector{
		name:    name,
		policy:  policy,
		connect: connect,
		logger:  logger,
	}
}

// OnAttempt registers a hook invoked before every attempt.
func (r *Reconnector) OnAttempt(fn func(attempt int)) {
	r.mu.Lock()
	r.onAttempt = fn
	r.mu.Unlock()
}

// Schedule starts the reconnect loop unless it is already running or the
// reconnector has been stopped.
func (r *Reconnector) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if r.running {
		r.again = true
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.again = false
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

func (r *Reconnector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		r.mu.Lock()
		r.attempts++
		attempt := r.attempts
		r.again = false
		hook := r.onAttempt
		r.mu.Unlock()

		delay, ok := r.policy.NextDelay(attempt)
		if !ok {
			r.logger.WithFields(logrus.Fields{
				"client":   r.name,
				"attempts": attempt - 1,
			}).Error("Reconnect attempts exhausted, giving up")
			r.finish()
			return
		}

		r.logger.WithFields(logrus.Fields{
			"client":  r.name,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Info("Scheduling reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.finish()
			return
		case <-timer.C:
		}

		if hook != nil {
			hook(attempt)
		}

		err := r.connect(ctx)
		if ctx.Err() != nil {
			r.finish()
			return
		}
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"client":  r.name,
				"attempt": attempt,
			}).Warn("Reconnect attempt failed")
			continue
		}

		r.mu.Lock()
		if r.again {
			// Connection dropped again while this attempt was completing.
			r.mu.Unlock()
			continue
		}
		r.running = false
		r.attempts = 0
		r.mu.Unlock()
		r.policy.Reset()
		r.logger.WithField("client", r.name).Info("Reconnected")
		return
	}
}

func (r *Reconnector) finish() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// Reset clears the attempt counter and re-enables scheduling.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.stopped = false
	r.mu.Unlock()
	r.policy.Reset()
}

// Stop cancels a pending or running attempt, waits for the loop to exit and
// blocks further scheduling until Reset.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Attempts returns the number of attempts in the current cycle.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Running reports whether a reconnect loop is active.
func (r *Reconnector) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
