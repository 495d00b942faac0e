package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Room identifier helpers. Each namespace maps one logical scope onto the
// broadcaster; the implicit per-connection room is the connection handle
// itself and never materializes here.
func ServerRoom(serverID int64) string   { return fmt.Sprintf("server:%d", serverID) }
func ChannelRoom(channelID int64) string { return fmt.Sprintf("channel:%d", channelID) }
func VoiceRoom(channelID int64) string   { return fmt.Sprintf("voice:%d", channelID) }

// Envelope is the outbound wire frame: an event name and its payload.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Broadcaster maintains the many-to-many relation between connections and
// rooms and fans events out to current members. Rooms are created on first
// join and dropped when the last member leaves. Delivery is fire-and-forget:
// stale connections are skipped, individual send failures never abort the
// rest of the fan-out.
type Broadcaster struct {
	rooms  map[string]map[uuid.UUID]*Conn
	byConn map[uuid.UUID]map[string]struct{}

	mu sync.RWMutex

	logger *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		rooms:  make(map[string]map[uuid.UUID]*Conn),
		byConn: make(map[uuid.UUID]map[string]struct{}),
		logger: logger.With(slog.String("component", "broadcaster")),
	}
}

// Join adds a connection to a room, creating the room implicitly. Joining a
// room twice is a no-op.
func (b *Broadcaster) Join(conn *Conn, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[roomID]
	if !ok {
		room = make(map[uuid.UUID]*Conn)
		b.rooms[roomID] = room
	}
	if _, member := room[conn.ID]; member {
		return
	}
	room[conn.ID] = conn

	if b.byConn[conn.ID] == nil {
		b.byConn[conn.ID] = make(map[string]struct{})
	}
	b.byConn[conn.ID][roomID] = struct{}{}

	b.logger.Debug("connection joined room",
		slog.String("connID", conn.ID.String()),
		slog.String("roomID", roomID),
	)
}

// Leave removes a connection from a room; leaving a room it never joined is
// a no-op. Empty rooms are garbage-collected.
func (b *Broadcaster) Leave(connID uuid.UUID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(connID, roomID)
}

func (b *Broadcaster) leaveLocked(connID uuid.UUID, roomID string) {
	room, ok := b.rooms[roomID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(b.rooms, roomID)
	}
	if memberships := b.byConn[connID]; memberships != nil {
		delete(memberships, roomID)
		if len(memberships) == 0 {
			delete(b.byConn, connID)
		}
	}
}

// LeaveAll removes a connection from every room; part of disconnect teardown.
func (b *Broadcaster) LeaveAll(connID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for roomID := range b.byConn[connID] {
		b.leaveLocked(connID, roomID)
	}
}

// Rooms lists the rooms a connection currently belongs to.
func (b *Broadcaster) Rooms(connID uuid.UUID) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rooms := make([]string, 0, len(b.byConn[connID]))
	for roomID := range b.byConn[connID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// MemberCount reports how many connections are joined to a room.
func (b *Broadcaster) MemberCount(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomID])
}

// Broadcast delivers the event to every live member of the room except the
// excluded connection. Broadcasting to an empty room is a silent no-op.
func (b *Broadcaster) Broadcast(roomID, event string, payload any, exclude *uuid.UUID) {
	frame, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		b.logger.Error("failed to marshal broadcast frame",
			slog.String("event", event),
			slog.Any("error", err),
		)
		return
	}

	b.mu.RLock()
	members := make([]*Conn, 0, len(b.rooms[roomID]))
	for _, conn := range b.rooms[roomID] {
		if exclude != nil && conn.ID == *exclude {
			continue
		}
		members = append(members, conn)
	}
	b.mu.RUnlock()

	for _, conn := range members {
		if conn.Transport.Closed() {
			// Closed but not yet unregistered; skip, disconnect
			// teardown will reap it.
			continue
		}
		conn.Transport.Send(frame)
	}
}

// Unicast delivers the event to exactly one connection.
func (b *Broadcaster) Unicast(conn *Conn, event string, payload any) {
	frame, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		b.logger.Error("failed to marshal unicast frame",
			slog.String("event", event),
			slog.Any("error", err),
		)
		return
	}
	if conn.Transport.Closed() {
		return
	}
	conn.Transport.Send(frame)
}
