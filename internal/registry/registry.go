// Package registry tracks live client connections and fans events out to them.
// It knows nothing about game rules; presence changes are reported through a hook.
package registry

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"trivia-live-service/internal/domain"
	"trivia-live-service/internal/telemetry"
)

// Conn is a single client connection. Send must not block.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Presence describes the connections a user currently holds within a session.
// Hooks run outside the registry lock and may be delivered out of order; Version grows
// with every change, so a receiver keeps the report with the highest one.
type Presence struct {
	SessionID     string
	UserID        string
	ConnectionIDs []string
	Version       uint64
}

func (p Presence) Connected() bool { return len(p.ConnectionIDs) > 0 }

type Stats struct {
	ConnectionCount int `json:"connectionCount"`
	DistinctUsers   int `json:"distinctUsers"`
	ActiveSessions  int `json:"activeSessions"`
}

type Config struct {
	// OnPresence is invoked outside the registry lock whenever a user's connection set within
	// a session changes.
	OnPresence func(Presence)
	Logger     *slog.Logger
}

type entry struct {
	conn      Conn
	userID    string
	sessionID string
}

type Registry struct {
	onPresence func(Presence)
	log        *slog.Logger

	mu       sync.RWMutex
	version  uint64
	conns    map[string]*entry
	users    map[string]map[string]struct{}
	sessions map[string]map[string]struct{}
}

func New(c Config) *Registry {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Registry{
		onPresence: c.OnPresence,
		log:        l,
		conns:      make(map[string]*entry),
		users:      make(map[string]map[string]struct{}),
		sessions:   make(map[string]map[string]struct{}),
	}
}

// SetPresenceHook replaces the presence hook. It exists for wiring cycles where the hook
// owner is constructed after the registry.
func (r *Registry) SetPresenceHook(fn func(Presence)) {
	r.mu.Lock()
	r.onPresence = fn
	r.mu.Unlock()
}

// Register adds conn to the user's connection set and, if sessionID is not empty,
// to the session's presence set. Registering an existing connection ID replaces it.
func (r *Registry) Register(conn Conn, userID, sessionID string) {
	r.mu.Lock()
	var changed []Presence
	old, replaced := r.conns[conn.ID()]
	if replaced {
		changed = append(changed, r.removeLocked(old)...)
	}
	e := &entry{conn: conn, userID: userID}
	r.conns[conn.ID()] = e
	addTo(r.users, userID, conn.ID())
	if sessionID != "" {
		e.sessionID = sessionID
		addTo(r.sessions, sessionID, conn.ID())
		changed = append(changed, r.presenceLocked(sessionID, userID))
	}
	r.stampLocked(changed)
	hook := r.onPresence
	r.mu.Unlock()

	if !replaced {
		telemetry.Connections.Inc()
	}
	notify(hook, changed)
}

// Associate moves a registered connection into a session's presence set.
func (r *Registry) Associate(connID, sessionID string) bool {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	var changed []Presence
	if e.sessionID != sessionID {
		if e.sessionID != "" {
			prev := e.sessionID
			removeFrom(r.sessions, prev, connID)
			changed = append(changed, r.presenceLocked(prev, e.userID))
		}
		e.sessionID = sessionID
		addTo(r.sessions, sessionID, connID)
		changed = append(changed, r.presenceLocked(sessionID, e.userID))
	}
	r.stampLocked(changed)
	hook := r.onPresence
	r.mu.Unlock()

	notify(hook, changed)
	return true
}

// Unregister removes the connection. Unknown IDs are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := r.removeLocked(e)
	r.stampLocked(changed)
	hook := r.onPresence
	r.mu.Unlock()

	telemetry.Connections.Dec()
	notify(hook, changed)
}

func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionIDs returns the user's connections associated with the session, sorted.
func (r *Registry) ConnectionIDs(sessionID, userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenceLocked(sessionID, userID).ConnectionIDs
}

// BroadcastToSession delivers ev to every connection associated with the session.
// Delivery is best effort.
func (r *Registry) BroadcastToSession(sessionID string, ev domain.Event) {
	msg, ok := r.encode(ev)
	if !ok {
		return
	}

	r.mu.RLock()
	targets := make([]Conn, 0, len(r.sessions[sessionID]))
	for id := range r.sessions[sessionID] {
		targets = append(targets, r.conns[id].conn)
	}
	r.mu.RUnlock()

	r.deliver(targets, msg)
}

// SendToUser delivers ev to all of the user's connections.
func (r *Registry) SendToUser(userID string, ev domain.Event) {
	msg, ok := r.encode(ev)
	if !ok {
		return
	}

	r.mu.RLock()
	targets := make([]Conn, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		targets = append(targets, r.conns[id].conn)
	}
	r.mu.RUnlock()

	r.deliver(targets, msg)
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		ConnectionCount: len(r.conns),
		DistinctUsers:   len(r.users),
		ActiveSessions:  len(r.sessions),
	}
}

func (r *Registry) encode(ev domain.Event) ([]byte, bool) {
	msg, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("registry: marshal event", "session_id", ev.SessionID, "type", ev.Type, "error", err)
		return nil, false
	}
	return msg, true
}

// deliver never reports failures to the caller. A failed connection is closed and
// unregistered on its own goroutine so callers holding their own locks are never re-entered.
func (r *Registry) deliver(targets []Conn, msg []byte) {
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			telemetry.SendFailures.Inc()
			r.log.Debug("registry: send failed, dropping connection", "conn_id", c.ID(), "error", err)
			go r.drop(c)
		}
	}
}

func (r *Registry) drop(c Conn) {
	_ = c.Close()
	r.Unregister(c.ID())
}

func (r *Registry) removeLocked(e *entry) []Presence {
	id := e.conn.ID()
	delete(r.conns, id)
	removeFrom(r.users, e.userID, id)
	if e.sessionID == "" {
		return nil
	}
	removeFrom(r.sessions, e.sessionID, id)
	return []Presence{r.presenceLocked(e.sessionID, e.userID)}
}

func (r *Registry) presenceLocked(sessionID, userID string) Presence {
	p := Presence{SessionID: sessionID, UserID: userID, ConnectionIDs: []string{}}
	for id := range r.sessions[sessionID] {
		if r.conns[id].userID == userID {
			p.ConnectionIDs = append(p.ConnectionIDs, id)
		}
	}
	sort.Strings(p.ConnectionIDs)
	return p
}

func (r *Registry) stampLocked(changed []Presence) {
	for i := range changed {
		r.version++
		changed[i].Version = r.version
	}
}

func notify(hook func(Presence), changed []Presence) {
	if hook == nil {
		return
	}
	for _, p := range changed {
		hook(p)
	}
}

func addTo(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
