package relay

import (
	"sync"
	"time"
)

// defaultIdleSweepInterval is how often the idle-session reaper scans the
// registry.
const defaultIdleSweepInterval = 30 * time.Second

// defaultIdleTimeout is how long a session may sit in the registry without
// ever having had a frontend attached before the reaper closes it.
const defaultIdleTimeout = 60 * time.Second

// Registry is the process-wide table of live sessions, keyed by session id.
// A single mutex protects it; the table is small and short-lived enough
// that finer-grained locking buys nothing.
type Registry struct {
	logger  Logger
	metrics *Metrics

	idleTimeout   time.Duration
	sweepInterval time.Duration

	connStats ConnStats

	mu       sync.Mutex
	sessions map[string]*Session

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewRegistry creates an empty Registry and starts its idle-session reaper
// goroutine. idleTimeout of zero selects defaultIdleTimeout.
func NewRegistry(logger Logger, metrics *Metrics, idleTimeout time.Duration) *Registry {
	return newRegistry(logger, metrics, idleTimeout, defaultIdleSweepInterval)
}

func newRegistry(logger Logger, metrics *Metrics, idleTimeout, sweepInterval time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultIdleSweepInterval
	}
	r := &Registry{
		logger:        logger.Fork("registry"),
		metrics:       metrics,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		sessions:      make(map[string]*Session),
		stopReaper:    make(chan struct{}),
		reaperDone:    make(chan struct{}),
	}
	go r.reapIdleSessions()
	return r
}

// Insert adds s to the registry under its own id. Called once, immediately
// after a /proxy request successfully dials its backend.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	count := len(r.sessions)
	r.mu.Unlock()
	r.connStats.New()
	r.connStats.Open()
	if r.metrics != nil {
		r.metrics.sessionCreated()
	}
	r.logger.DLogf("%v inserted session %s (%d live)", &r.connStats, s.ID(), count)
}

// Lookup returns the session for id, or nil if none is registered.
func (r *Registry) Lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Len returns the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// remove deletes id from the registry, if present. It is called from
// Session.HandleOnceShutdown, never by handler code directly.
func (r *Registry) remove(id string, reason string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()
	if ok {
		r.connStats.Close()
		r.logger.DLogf("%v removed session %s (%s, %d live)", &r.connStats, id, reason, count)
	}
}

// Close stops the idle-session reaper. It does not touch any live sessions.
func (r *Registry) Close() {
	close(r.stopReaper)
	<-r.reaperDone
}

// reapIdleSessions periodically closes sessions that were created via
// /proxy but never attached via /connect within the idle timeout. A session
// that has ever had a frontend attached is never reaped here, regardless of
// how long it has since gone without one: that case is the reconnect window
// the ack/retransmit protocol exists to cover, not idleness.
func (r *Registry) reapIdleSessions() {
	defer close(r.reaperDone)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopReaper:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	now := time.Now()
	var stale []*Session
	r.mu.Lock()
	for _, s := range r.sessions {
		if !s.EverAttached() && now.Sub(s.CreatedAt()) > r.idleTimeout {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.logger.ILogf("reaping never-attached session %s idle for %s", s.ID(), now.Sub(s.CreatedAt()))
		s.StartShutdown(errIdleTimeout)
	}
}
