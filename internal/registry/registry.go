// Package registry holds the hub's session table: the binding from a
// logical username to its TCP control connection and later-learned UDP
// return address (component C4).
package registry

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrDuplicateUser is returned by Register when the username already has a
// live session — registration is first-wins.
var ErrDuplicateUser = errors.New("registry: username already registered")

// Session is one registry entry.
type Session struct {
	Username string
	TCPConn  net.Conn
	UDPAddr  *net.UDPAddr // nil until the first UDP frame arrives from this user
	LastSeen time.Time
}

// Registry is the thread-safe username → session table.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds username to tcpConn. It fails with ErrDuplicateUser if the
// username already has a live session — first AUTH wins.
func (r *Registry) Register(username string, tcpConn net.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[username]; exists {
		return ErrDuplicateUser
	}
	r.sessions[username] = &Session{
		Username: username,
		TCPConn:  tcpConn,
		LastSeen: time.Now(),
	}
	slog.Info("session registered", "user", username)
	return nil
}

// BindUDP records addr as username's UDP return address, filled in lazily
// the first time a datagram arrives from that user.
func (r *Registry) BindUDP(username string, addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[username]
	if !ok {
		return
	}
	if s.UDPAddr == nil {
		slog.Debug("session bound udp address", "user", username, "addr", addr.String())
	}
	s.UDPAddr = addr
	s.LastSeen = time.Now()
}

// Touch refreshes username's last_seen timestamp.
func (r *Registry) Touch(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[username]; ok {
		s.LastSeen = time.Now()
	}
}

// Unregister removes username from the table and closes its TCP
// connection. It reports whether a session was actually removed.
func (r *Registry) Unregister(username string) bool {
	r.mu.Lock()
	s, ok := r.sessions[username]
	if ok {
		delete(r.sessions, username)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if s.TCPConn != nil {
		_ = s.TCPConn.Close()
	}
	slog.Info("session unregistered", "user", username)
	return true
}

// Lookup returns a copy of username's session, if any.
func (r *Registry) Lookup(username string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[username]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ListUsers returns every registered username.
func (r *Registry) ListUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for u := range r.sessions {
		out = append(out, u)
	}
	return out
}

// Snapshot returns a defensive copy of every live session. Callers use this
// to fan out to peers *outside* the registry lock — see hub.go's
// broadcast-outside-the-lock convention (SPEC_FULL.md §4.5).
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
