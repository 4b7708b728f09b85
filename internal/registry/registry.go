package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/pkg/protocol"
	"github.com/homerelay/pkg/session"
)

// Outcome is the result of a registration attempt
type Outcome int

const (
	Accepted Outcome = iota + 1
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Entry is one key held by a session
type Entry struct {
	Key     string
	Session session.Session
	Role    protocol.Role
	Since   time.Time
}

// Observer is notified after the registry changes. Calls are made outside
// the registry lock.
type Observer interface {
	SessionRegistered(e Entry)
	SessionRemoved(e Entry)
}

// Registry maps keys to live sessions. At most one plausibly valid session
// holds a key at any time.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	observers []Observer
	logger    *zap.Logger
}

// New creates an empty registry
func New(logger *zap.Logger, observers ...Observer) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries:   make(map[string]Entry),
		observers: observers,
		logger:    logger.Named("registry"),
	}
}

// Register claims key for s. The outcome is delivered once on the returned
// channel. If a plausibly valid session already holds key, it is probed and
// s only replaces it when the probe fails, so Register never blocks the
// caller on another session's round trip.
func (r *Registry) Register(key string, s session.Session, role protocol.Role) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		out <- r.resolve(key, s, role)
		close(out)
	}()
	return out
}

func (r *Registry) resolve(key string, s session.Session, role protocol.Role) Outcome {
	for {
		r.mu.Lock()
		cur, held := r.entries[key]
		if held && cur.Session == s {
			r.mu.Unlock()
			return Accepted
		}
		if !held || !cur.Session.IsPlausiblyValid() {
			e := r.insertLocked(key, s, role)
			r.mu.Unlock()
			if held {
				r.evict(cur, "stale holder replaced")
			}
			r.notifyRegistered(e)
			return Accepted
		}
		r.mu.Unlock()

		alive := <-cur.Session.CheckLiveness()

		r.mu.Lock()
		now, held := r.entries[key]
		if !held || now.Session != cur.Session {
			// holder changed while probing
			r.mu.Unlock()
			continue
		}
		if alive {
			r.mu.Unlock()
			r.logger.Info("registration rejected, key in use",
				zap.String("key", key),
				zap.String("holder", cur.Session.RemoteAddr()),
				zap.String("candidate", s.RemoteAddr()))
			return Rejected
		}
		e := r.insertLocked(key, s, role)
		r.mu.Unlock()
		r.evict(cur, "holder failed liveness probe")
		r.notifyRegistered(e)
		return Accepted
	}
}

func (r *Registry) insertLocked(key string, s session.Session, role protocol.Role) Entry {
	s.SetName(key)
	e := Entry{Key: key, Session: s, Role: role, Since: time.Now()}
	r.entries[key] = e
	return e
}

func (r *Registry) evict(e Entry, reason string) {
	e.Session.Close()
	r.logger.Info("session evicted",
		zap.String("key", e.Key),
		zap.Stringer("role", e.Role),
		zap.String("reason", reason))
	r.notifyRemoved(e)
}

// Remove closes and removes the session holding key, if any
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.Session.Close()
	r.notifyRemoved(e)
	return true
}

// RemoveSession removes key only while s still holds it, so a dying session
// never evicts its successor. s is closed either way.
func (r *Registry) RemoveSession(key string, s session.Session) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	ok = ok && e.Session == s
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	s.Close()
	if ok {
		r.notifyRemoved(e)
	}
	return ok
}

// Lookup returns the session holding key
func (r *Registry) Lookup(key string) (session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.Session, true
}

// Snapshot returns every entry ordered by key
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Len returns the number of registered keys
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll removes and closes every session
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]Entry)
	r.mu.Unlock()
	for _, e := range entries {
		e.Session.Close()
		r.notifyRemoved(e)
	}
}

func (r *Registry) notifyRegistered(e Entry) {
	r.logger.Info("session registered",
		zap.String("key", e.Key),
		zap.Stringer("role", e.Role),
		zap.String("remote", e.Session.RemoteAddr()))
	for _, o := range r.observers {
		o.SessionRegistered(e)
	}
}

func (r *Registry) notifyRemoved(e Entry) {
	for _, o := range r.observers {
		o.SessionRemoved(e)
	}
}
