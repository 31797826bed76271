// Package registry implements the session registry (C4): a session table
// with a per-user index, a best-effort per-tenant counter, and oldest-first
// eviction by a monotonic creation sequence.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/AsyncNomad/wsPrism/internal/outbound"
	"github.com/AsyncNomad/wsPrism/internal/wserr"
)

// Session is one admitted connection's registry entry. The outbound queue
// is the single source of truth for "how do I reach this connection";
// presence only ever holds the session key, never the queue itself.
type Session struct {
	SessionKey string
	UserKey    string
	TenantID   string
	Queue      outbound.Queue
	CreatedSeq uint64

	activeRoom atomic.Value // string
}

// ActiveRoom returns the room currently targeted by this session's Hot
// lane, or "" if none.
func (s *Session) ActiveRoom() string {
	v, _ := s.activeRoom.Load().(string)
	return v
}

// SetActiveRoom updates the session-local active room.
func (s *Session) SetActiveRoom(room string) {
	s.activeRoom.Store(room)
}

// Registry is the concurrent session table.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Session            // session_key -> session
	userIndex    map[string]map[string]*Session // user_key -> session_key -> session
	tenantCounts sync.Map                       // tenant_id -> *atomic.Int64
	seq          atomic.Uint64
}

// New builds an empty Registry. created_seq starts at 1.
func New() *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		userIndex: make(map[string]map[string]*Session),
	}
	r.seq.Store(0)
	return r
}

func (r *Registry) tenantCounter(tenantID string) *atomic.Int64 {
	v, _ := r.tenantCounts.LoadOrStore(tenantID, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// TryInsert admits a session if the tenant-wide cap (maxTenantSessions,
// <=0 means unlimited) would not be exceeded, using a best-effort
// optimistic counter: the increment may transiently overshoot under heavy
// contention before being corrected, per the documented concurrency model.
func (r *Registry) TryInsert(tenantID, userKey, sessionKey string, queue outbound.Queue, maxTenantSessions int64) (*Session, error) {
	counter := r.tenantCounter(tenantID)

	if maxTenantSessions > 0 && counter.Load() >= maxTenantSessions {
		return nil, wserr.New(wserr.Internal, "tenant session limit reached")
	}

	counter.Add(1)
	if maxTenantSessions > 0 && counter.Load() > maxTenantSessions {
		counter.Add(-1)
		return nil, wserr.New(wserr.Internal, "tenant session limit reached (race)")
	}

	sess := &Session{
		SessionKey: sessionKey,
		UserKey:    userKey,
		TenantID:   tenantID,
		Queue:      queue,
		CreatedSeq: r.seq.Add(1),
	}
	sess.SetActiveRoom("")

	r.mu.Lock()
	r.sessions[sessionKey] = sess
	if r.userIndex[userKey] == nil {
		r.userIndex[userKey] = make(map[string]*Session)
	}
	r.userIndex[userKey][sessionKey] = sess
	r.mu.Unlock()

	return sess, nil
}

// RemoveSession removes session_key from both the session table and the
// user index, decrements its tenant counter, and returns the session
// exactly once.
func (r *Registry) RemoveSession(userKey, sessionKey string) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionKey]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, sessionKey)
	if set := r.userIndex[userKey]; set != nil {
		delete(set, sessionKey)
		if len(set) == 0 {
			delete(r.userIndex, userKey)
		}
	}
	r.mu.Unlock()

	r.tenantCounter(sess.TenantID).Add(-1)
	return sess, true
}

// GetSession returns the session for session_key, if present.
func (r *Registry) GetSession(sessionKey string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionKey]
	return s, ok
}

// GetUserSessions snapshots every session belonging to user_key.
func (r *Registry) GetUserSessions(userKey string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.userIndex[userKey]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// CountUserSessions returns how many sessions user_key currently holds.
func (r *Registry) CountUserSessions(userKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userIndex[userKey])
}

// CountTenantSessions returns the best-effort tenant session count.
func (r *Registry) CountTenantSessions(tenantID string) int64 {
	return r.tenantCounter(tenantID).Load()
}

// AllSessions snapshots every active session, for best-effort drain.
func (r *Registry) AllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictOldest removes and returns the session with the smallest
// created_seq among user_key's sessions.
func (r *Registry) EvictOldest(userKey string) (*Session, bool) {
	r.mu.RLock()
	set := r.userIndex[userKey]
	var victim *Session
	for _, s := range set {
		if victim == nil || s.CreatedSeq < victim.CreatedSeq {
			victim = s
		}
	}
	r.mu.RUnlock()

	if victim == nil {
		return nil, false
	}
	return r.RemoveSession(userKey, victim.SessionKey)
}
