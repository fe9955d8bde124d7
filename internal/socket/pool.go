package socket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrPoolClosed    = errors.New("connection pool closed")
)

// Connection is the minimal contract for pooled transports.
type Connection interface {
	IsConnected() bool
	Disconnect() error
}

// PoolConfig bounds a ConnectionPool.
type PoolConfig struct {
	MaxTotal         int
	MaxIdle          int
	MinIdle          int
	MaxWait          time.Duration
	EvictionInterval time.Duration
	MinEvictableIdle time.Duration
	TestOnBorrow     bool
	TestOnReturn     bool
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxTotal:         20,
		MaxIdle:          10,
		MinIdle:          2,
		MaxWait:          5 * time.Second,
		EvictionInterval: 30 * time.Second,
		MinEvictableIdle: 60 * time.Second,
		TestOnBorrow:     true,
	}
}

// Factory creates and connects a new pooled connection.
type Factory[C Connection] func(ctx context.Context) (C, error)

// PoolStats is a point-in-time view of pool occupancy.
type PoolStats struct {
	Active int `json:"active"`
	Idle   int `json:"idle"`
	Total  int `json:"total"`
}

type idleConn[C Connection] struct {
	conn  C
	since time.Time
}

// ConnectionPool is a bounded pool of connections created on demand.
type ConnectionPool[C Connection] struct {
	name    string
	cfg     PoolConfig
	factory Factory[C]
	logger  *logrus.Logger

	mu     sync.Mutex
	idle   []idleConn[C]
	active int
	total  int
	waitCh chan struct{}
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewConnectionPool[C Connection](name string, cfg PoolConfig, factory Factory[C], logger *logrus.Logger) *ConnectionPool[C] {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 1
	}
	if cfg.MaxIdle > cfg.MaxTotal {
		cfg.MaxIdle = cfg.MaxTotal
	}
	if cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = cfg.MaxIdle
	}
	p := &ConnectionPool[C]{
		name:    name,
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		waitCh:  make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	if cfg.EvictionInterval > 0 {
		p.wg.Add(1)
		go p.evictLoop()
	}
	return p
}

// Borrow takes an idle connection or creates one. When the pool is full it
// waits up to MaxWait for a release before failing with ErrPoolExhausted.
func (p *ConnectionPool[C]) Borrow(ctx context.Context) (C, error) {
	var zero C

	waitCtx := ctx
	if p.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.MaxWait)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}

		for len(p.idle) > 0 {
			last := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if p.cfg.TestOnBorrow && !last.conn.IsConnected() {
				p.total--
				p.mu.Unlock()
				p.destroy(last.conn)
				p.mu.Lock()
				continue
			}
			p.active++
			p.mu.Unlock()
			return last.conn, nil
		}

		if p.total < p.cfg.MaxTotal {
			p.total++
			p.active++
			p.mu.Unlock()

			conn, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.active--
				p.signalLocked()
				p.mu.Unlock()
				return zero, err
			}
			return conn, nil
		}

		wait := p.waitCh
		p.mu.Unlock()

		select {
		case <-wait:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, ErrPoolExhausted
		}
	}
}

// Return hands a borrowed connection back. Broken connections or those above
// MaxIdle are destroyed.
func (p *ConnectionPool[C]) Return(conn C) {
	p.mu.Lock()
	p.active--
	keep := !p.closed &&
		(!p.cfg.TestOnReturn || conn.IsConnected()) &&
		len(p.idle) < p.cfg.MaxIdle
	if keep {
		p.idle = append(p.idle, idleConn[C]{conn: conn, since: time.Now()})
	} else {
		p.total--
	}
	p.signalLocked()
	p.mu.Unlock()

	if !keep {
		p.destroy(conn)
	}
}

// Invalidate destroys a borrowed connection that is known to be broken.
func (p *ConnectionPool[C]) Invalidate(conn C) {
	p.mu.Lock()
	p.active--
	p.total--
	p.signalLocked()
	p.mu.Unlock()

	p.destroy(conn)
}

func (p *ConnectionPool[C]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Active: p.active, Idle: len(p.idle), Total: p.total}
}

// Close destroys idle connections and stops the evictor. Connections still
// borrowed are destroyed when returned.
func (p *ConnectionPool[C]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.signalLocked()
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, ic := range idle {
		p.destroy(ic.conn)
	}
}

func (p *ConnectionPool[C]) evictLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.evict(now)
			p.ensureMinIdle()
		}
	}
}

// evict removes idle connections that are broken, or older than
// MinEvictableIdle while more than MinIdle remain. Oldest go first.
func (p *ConnectionPool[C]) evict(now time.Time) {
	p.mu.Lock()
	var victims []C
	kept := p.idle[:0]
	remaining := len(p.idle)
	for _, ic := range p.idle {
		stale := p.cfg.MinEvictableIdle > 0 && now.Sub(ic.since) >= p.cfg.MinEvictableIdle
		if !ic.conn.IsConnected() || (stale && remaining > p.cfg.MinIdle) {
			victims = append(victims, ic.conn)
			remaining--
			p.total--
			continue
		}
		kept = append(kept, ic)
	}
	p.idle = kept
	if len(victims) > 0 {
		p.signalLocked()
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.destroy(c)
	}
	if len(victims) > 0 {
		p.logger.WithFields(logrus.Fields{
			"pool":    p.name,
			"evicted": len(victims),
		}).Debug("Evicted idle connections")
	}
}

func (p *ConnectionPool[C]) ensureMinIdle() {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.MinIdle || p.total >= p.cfg.MaxTotal {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, err := p.factory(ctx)
		cancel()

		p.mu.Lock()
		if err != nil {
			p.total--
			p.mu.Unlock()
			p.logger.WithError(err).WithField("pool", p.name).Warn("Failed to refill idle connection")
			return
		}
		if p.closed {
			p.total--
			p.mu.Unlock()
			p.destroy(conn)
			return
		}
		p.idle = append(p.idle, idleConn[C]{conn: conn, since: time.Now()})
		p.signalLocked()
		p.mu.Unlock()
	}
}

func (p *ConnectionPool[C]) signalLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

func (p *ConnectionPool[C]) destroy(conn C) {
	if err := conn.Disconnect(); err != nil {
		p.logger.WithError(err).WithField("pool", p.name).Debug("Error closing pooled connection")
	}
}
