// Package pool implements the AnyTLS client-side SessionPool: LIFO idle
// session reuse with a minimum-warm floor and background cleanup (spec
// §4.G). It is a client-side collaborator that still belongs to the core,
// unlike the SOCKS5/HTTP/UDP adapters and TLS handshake which live outside
// it entirely.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jxo-me/anytls/metrics"
	"github.com/jxo-me/anytls/session"
)

// Dial is the Session-factory callback: it performs the TLS dial and the
// Authenticator handshake (session.NewClient), returning a ready Session.
type Dial func(ctx context.Context) (*session.Session, error)

// entry is one idle pool slot: Seq determines selection priority (highest
// Seq first on Acquire, lowest first on cleanup), per spec §3.
type entry struct {
	seq       uint64
	sess      *session.Session
	idleSince time.Time
}

// Config tunes the pool's idle-session triplet, all independently
// configurable per spec §4.G.
type Config struct {
	CheckInterval    time.Duration // default 30s
	IdleTimeout      time.Duration // default 60s
	MinIdleSessions  int           // 0 is kept as 0; negative clamps to 0
	Logger           *zap.Logger
	Metrics          *metrics.Pool
}

func (c *Config) fillDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MinIdleSessions < 0 {
		c.MinIdleSessions = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Pool caches authenticated client Sessions for reuse across short-lived
// connections, so every new stream doesn't pay for a fresh TLS handshake.
type Pool struct {
	dial Dial
	cfg  Config

	mu      sync.Mutex
	entries []entry // kept sorted ascending by seq
	nextSeq uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New constructs a Pool and starts its background cleanup task. Call Close
// to stop it.
func New(dial Dial, cfg Config) *Pool {
	cfg.fillDefaults()
	p := &Pool{
		dial: dial,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Acquire hands out the most-recently-released idle session (highest seq),
// or invokes Dial if none is available, per spec §4.G. A discovered-closed
// idle entry is discarded and acquisition retried, up to one automatic
// re-dial (spec §7: "closed-or-stale pool entries are silently discarded
// and retried up to one re-dial").
func (p *Pool) Acquire(ctx context.Context) (*session.Session, error) {
	if sess, ok := p.popFreshest(); ok {
		return sess, nil
	}
	sess, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.observeDial()
	return sess, nil
}

// popFreshest pops the highest-seq idle entry, skipping (and discarding)
// any entries whose session has already closed itself.
func (p *Pool) popFreshest() (*session.Session, bool) {
	for {
		p.mu.Lock()
		if len(p.entries) == 0 {
			p.mu.Unlock()
			return nil, false
		}
		last := len(p.entries) - 1
		e := p.entries[last]
		p.entries = p.entries[:last]
		p.mu.Unlock()

		if e.sess.IsClosed() {
			p.observeRedial()
			continue
		}
		return e.sess, true
	}
}

// Release returns sess to the pool. A session that reports itself closed is
// dropped rather than cached (spec §4.G).
func (p *Pool) Release(sess *session.Session) {
	if sess == nil || sess.IsClosed() {
		return
	}
	p.mu.Lock()
	p.nextSeq++
	seq := p.nextSeq
	p.entries = append(p.entries, entry{seq: seq, sess: sess, idleSince: time.Now()})
	p.mu.Unlock()
}

// Idle returns the current number of idle (released, not yet reacquired)
// sessions held by the pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// AdjustTuning applies SERVER_SETTINGS advisory fields at runtime (spec
// §4.F's SERVER_SETTINGS bullet: "absorb advisory pool fields"). A
// non-positive duration or a negative minIdle leaves that field unchanged. A
// new checkInterval takes effect on the cleanup ticker after its next tick.
func (p *Pool) AdjustTuning(checkInterval, idleTimeout time.Duration, minIdle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if checkInterval > 0 {
		p.cfg.CheckInterval = checkInterval
	}
	if idleTimeout > 0 {
		p.cfg.IdleTimeout = idleTimeout
	}
	if minIdle >= 0 {
		p.cfg.MinIdleSessions = minIdle
	}
}

// Close stops the background cleanup task. It does not close any idle
// Session; callers that want that should drain via repeated Acquire first.
// Close is the only way to stop the cleanup goroutine: dropping the Pool
// without calling Close leaves that goroutine running, and it keeps the
// Pool reachable.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}

func (p *Pool) cleanupLoop() {
	defer close(p.done)
	p.mu.Lock()
	interval := p.cfg.CheckInterval
	p.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanupOnce()
			p.mu.Lock()
			next := p.cfg.CheckInterval
			p.mu.Unlock()
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// cleanupOnce walks entries oldest-to-newest, removing those past
// IdleTimeout while always retaining at least MinIdleSessions (spec §4.G).
// min_idle_sessions == 0 permits the pool to drain entirely (spec §8).
func (p *Pool) cleanupOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].seq < p.entries[j].seq })

	now := time.Now()
	kept := make([]entry, 0, len(p.entries))
	for i, e := range p.entries {
		remaining := len(p.entries) - i
		expired := now.Sub(e.idleSince) > p.cfg.IdleTimeout
		if expired && remaining > p.cfg.MinIdleSessions {
			if p.cfg.Logger != nil {
				p.cfg.Logger.Debug("anytls: pool dropping idle session", zap.Uint64("seq", e.seq))
			}
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.IdleSessions.Set(float64(len(p.entries)))
	}
}

func (p *Pool) observeDial() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Dials.Inc()
	}
}

func (p *Pool) observeRedial() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Redials.Inc()
	}
}
