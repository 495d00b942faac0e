// Package hub holds the in-memory real-time state: the connection registry
// (who is online, on which devices) and the room broadcaster (which
// connections a room fans out to).
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTooManyConnections rejects a connection past the per-user device cap.
var ErrTooManyConnections = errors.New("hub: too many concurrent connections for user")

// DefaultMaxConnsPerUser is the device cap.
const DefaultMaxConnsPerUser = 3

// Transport is the live send side of one device connection. Satisfied by
// *transport.Connection; tests substitute a capture fake.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
	Closed() bool
	Close(err error)
}

// Conn is one registered device connection. Owned exclusively by the
// registry; everything else reads it through registry lookups. Verified is
// the identity credential carried by the connection's auth token; call
// setup gates on it.
type Conn struct {
	ID            uuid.UUID
	UserID        int64
	SessionKey    string
	IPAddress     string
	Verified      bool
	Transport     Transport
	EstablishedAt time.Time
}

// Registry is the canonical source of "is this user online". Connection and
// user tables carry separate locks so unrelated users' handshakes do not
// serialize each other.
type Registry struct {
	conns    map[uuid.UUID]*Conn
	byUser   map[int64]map[uuid.UUID]*Conn
	bySess   map[string]*Conn
	maxConns int

	connMu sync.RWMutex
	userMu sync.RWMutex

	logger *slog.Logger
}

func NewRegistry(maxConnsPerUser int, logger *slog.Logger) *Registry {
	if maxConnsPerUser <= 0 {
		maxConnsPerUser = DefaultMaxConnsPerUser
	}
	return &Registry{
		conns:    make(map[uuid.UUID]*Conn),
		byUser:   make(map[int64]map[uuid.UUID]*Conn),
		bySess:   make(map[string]*Conn),
		maxConns: maxConnsPerUser,
		logger:   logger.With(slog.String("component", "registry")),
	}
}

// Register allocates a connection entry bound to the transport. It fails
// with ErrTooManyConnections once the user already holds the cap.
func (r *Registry) Register(userID int64, sessionKey string, tc Transport, ipAddr string, verified bool) (*Conn, error) {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if len(r.byUser[userID]) >= r.maxConns {
		return nil, ErrTooManyConnections
	}

	conn := &Conn{
		ID:            tc.ID(),
		UserID:        userID,
		SessionKey:    sessionKey,
		IPAddress:     ipAddr,
		Verified:      verified,
		Transport:     tc,
		EstablishedAt: time.Now(),
	}
	r.conns[conn.ID] = conn
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[uuid.UUID]*Conn)
	}
	r.byUser[userID][conn.ID] = conn
	if sessionKey != "" {
		r.bySess[sessionKey] = conn
	}

	r.logger.Debug("connection registered",
		slog.String("connID", conn.ID.String()),
		slog.Int64("userID", userID),
		slog.Int("devices", len(r.byUser[userID])),
	)
	return conn, nil
}

// Unregister removes a connection entry. Removing an unknown handle is a
// no-op, so it is safe to call from every teardown path.
func (r *Registry) Unregister(connID uuid.UUID) (*Conn, bool) {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	r.connMu.Lock()
	defer r.connMu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	if perUser := r.byUser[conn.UserID]; perUser != nil {
		delete(perUser, connID)
		if len(perUser) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	if conn.SessionKey != "" {
		delete(r.bySess, conn.SessionKey)
	}

	r.logger.Debug("connection unregistered",
		slog.String("connID", connID.String()),
		slog.Int64("userID", conn.UserID),
	)
	return conn, true
}

// Get returns the entry for a live connection handle.
func (r *Registry) Get(connID uuid.UUID) (*Conn, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Lookup returns one representative live connection for the user: the most
// recently established one. Use LookupAll when delivery must reach every
// device.
func (r *Registry) Lookup(userID int64) (*Conn, bool) {
	r.userMu.RLock()
	defer r.userMu.RUnlock()

	var newest *Conn
	for _, conn := range r.byUser[userID] {
		if newest == nil || conn.EstablishedAt.After(newest.EstablishedAt) {
			newest = conn
		}
	}
	return newest, newest != nil
}

// LookupAll returns every live connection the user holds.
func (r *Registry) LookupAll(userID int64) []*Conn {
	r.userMu.RLock()
	defer r.userMu.RUnlock()

	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// BySession resolves a session key to its live connection, if any. Used for
// forced session termination.
func (r *Registry) BySession(sessionKey string) (*Conn, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	conn, ok := r.bySess[sessionKey]
	return conn, ok
}

// ConnectionCount reports how many devices the user currently holds.
func (r *Registry) ConnectionCount(userID int64) int {
	r.userMu.RLock()
	defer r.userMu.RUnlock()
	return len(r.byUser[userID])
}

// IsOnline derives presence from live connections.
func (r *Registry) IsOnline(userID int64) bool {
	return r.ConnectionCount(userID) > 0
}

// AllConnections snapshots every live connection; used at shutdown.
func (r *Registry) AllConnections() []*Conn {
	r.connMu.RLock()
	defer r.connMu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
