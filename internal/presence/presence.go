// Package presence implements room presence (C5): session/user routing
// indices plus tenant room governance, refcounted for multi-session users.
package presence

import (
	"sync"
	"sync/atomic"

	"github.com/AsyncNomad/wsPrism/internal/wserr"
)

// Limits bounds what a tenant may do with rooms. Zero means unlimited.
type Limits struct {
	MaxUsersPerRoom int
	MaxRoomsPerUser int
	MaxRoomsTotal   int
}

// Presence holds the room<->session and room<->user indices for one
// gateway instance. A single mutex guards the index maps and is held
// across TryJoin's whole check-then-insert, so concurrent joins cannot
// push a room, user, or tenant past its limit.
type Presence struct {
	mu sync.Mutex

	roomToSessions map[string]map[string]struct{}
	sessionToRooms map[string]map[string]struct{}
	roomToUsers    map[string]map[string]struct{}
	userToRooms    map[string]map[string]struct{}
	userRoomRefs   map[string]int // "user_key::room_key" -> session count

	tenantRoomCounts sync.Map // tenant_id -> *atomic.Int64
}

// New builds an empty Presence registry.
func New() *Presence {
	return &Presence{
		roomToSessions: make(map[string]map[string]struct{}),
		sessionToRooms: make(map[string]map[string]struct{}),
		roomToUsers:    make(map[string]map[string]struct{}),
		userToRooms:    make(map[string]map[string]struct{}),
		userRoomRefs:   make(map[string]int),
	}
}

func (p *Presence) tenantCounter(tenantID string) *atomic.Int64 {
	v, _ := p.tenantRoomCounts.LoadOrStore(tenantID, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func refKey(userKey, roomKey string) string { return userKey + "::" + roomKey }

// TryJoin admits session_key (belonging to user_key) into room_key, subject
// to per-room, per-user, and per-tenant caps from limits.
func (p *Presence) TryJoin(tenantID, roomKey, userKey, sessionKey string, limits Limits) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limits.MaxUsersPerRoom > 0 {
		users := p.roomToUsers[roomKey]
		if _, already := users[userKey]; !already && len(users) >= limits.MaxUsersPerRoom {
			return wserr.New(wserr.NotAllowed, "room user limit reached")
		}
	}

	if limits.MaxRoomsPerUser > 0 {
		rooms := p.userToRooms[userKey]
		if _, already := rooms[roomKey]; !already && len(rooms) >= limits.MaxRoomsPerUser {
			return wserr.New(wserr.NotAllowed, "user room limit reached")
		}
	}

	_, roomExists := p.roomToSessions[roomKey]
	isNewRoom := !roomExists
	if isNewRoom && limits.MaxRoomsTotal > 0 {
		counter := p.tenantCounter(tenantID)
		if counter.Load() >= int64(limits.MaxRoomsTotal) {
			return wserr.New(wserr.NotAllowed, "tenant room limit reached")
		}
		counter.Add(1)
	} else if isNewRoom {
		p.tenantCounter(tenantID).Add(1)
	}

	addTo(p.roomToSessions, roomKey, sessionKey)
	addTo(p.sessionToRooms, sessionKey, roomKey)

	rk := refKey(userKey, roomKey)
	p.userRoomRefs[rk]++
	if p.userRoomRefs[rk] == 1 {
		addTo(p.roomToUsers, roomKey, userKey)
		addTo(p.userToRooms, userKey, roomKey)
	}

	return nil
}

// Leave removes session_key (belonging to user_key) from room_key,
// decrementing refcounts and tenant room counts as the room/user mapping
// empties out.
func (p *Presence) Leave(tenantID, roomKey, userKey, sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaveLocked(tenantID, roomKey, userKey, sessionKey)
}

func (p *Presence) leaveLocked(tenantID, roomKey, userKey, sessionKey string) {
	roomEmpty := removeFrom(p.roomToSessions, roomKey, sessionKey)
	removeFrom(p.sessionToRooms, sessionKey, roomKey)

	rk := refKey(userKey, roomKey)
	if n, ok := p.userRoomRefs[rk]; ok {
		n--
		if n <= 0 {
			delete(p.userRoomRefs, rk)
			removeFrom(p.userToRooms, userKey, roomKey)
			removeFrom(p.roomToUsers, roomKey, userKey)
		} else {
			p.userRoomRefs[rk] = n
		}
	}

	if roomEmpty {
		p.tenantCounter(tenantID).Add(-1)
	}
}

// SessionsIn snapshots the session keys currently in room_key.
func (p *Presence) SessionsIn(roomKey string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.roomToSessions[roomKey]
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// CleanupSession removes session_key from every room it had joined,
// running the full Leave logic so refcounts and tenant counters stay
// consistent. Called once per disconnecting session.
func (p *Presence) CleanupSession(tenantID, userKey, sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rooms := p.sessionToRooms[sessionKey]
	delete(p.sessionToRooms, sessionKey)

	for roomKey := range rooms {
		p.leaveLocked(tenantID, roomKey, userKey, sessionKey)
	}
}

func addTo(m map[string]map[string]struct{}, key, member string) {
	set := m[key]
	if set == nil {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

// removeFrom deletes member from m[key]'s set, pruning the set entirely
// once empty. Returns whether the set became empty (or was already gone).
func removeFrom(m map[string]map[string]struct{}, key, member string) bool {
	set, ok := m[key]
	if !ok {
		return true
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
		return true
	}
	return false
}
