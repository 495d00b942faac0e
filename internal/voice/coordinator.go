// Package voice coordinates per-voice-channel participant state and fans
// state changes out to the parent server room, where sidebar presence
// indicators live.
package voice

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sarosa2890/Discord/internal/hub"
	"github.com/sarosa2890/Discord/internal/store"
)

const EventVoiceStateUpdate = "voice_state_update"

// Participant is one user's presence in a voice channel. The embedded user
// snapshot is copied at join time and not refreshed afterwards.
type Participant struct {
	User     store.UserSnapshot `json:"user"`
	Muted    bool               `json:"muted"`
	Deafened bool               `json:"deafened"`

	// connID identifies the device that joined; disconnect cleanup keys
	// off it so one device leaving never strands another device's entry.
	connID uuid.UUID
}

// StateUpdate is the payload broadcast on every participant change.
type StateUpdate struct {
	ChannelID int64         `json:"channel_id"`
	Users     []Participant `json:"users"`
}

type channelState struct {
	serverID     int64
	participants map[int64]*Participant
}

// Coordinator owns the participant map for every active voice channel. A
// single guard covers the whole map: writes are infrequent next to the
// read-mostly fan-out they trigger.
type Coordinator struct {
	channels map[int64]*channelState
	mu       sync.Mutex

	rooms  *hub.Broadcaster
	logger *slog.Logger
}

func NewCoordinator(rooms *hub.Broadcaster, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		channels: make(map[int64]*channelState),
		rooms:    rooms,
		logger:   logger.With(slog.String("component", "voice")),
	}
}

// Join adds the user to the channel's participant set with default flags,
// subscribes the connection to the voice room, and broadcasts the full
// participant list to the parent server room. Membership and channel-type
// checks happen before this is called; the coordinator trusts its caller.
func (c *Coordinator) Join(conn *hub.Conn, serverID, channelID int64, snapshot store.UserSnapshot) {
	c.mu.Lock()
	ch, ok := c.channels[channelID]
	if !ok {
		ch = &channelState{
			serverID:     serverID,
			participants: make(map[int64]*Participant),
		}
		c.channels[channelID] = ch
	}
	ch.participants[snapshot.ID] = &Participant{User: snapshot, connID: conn.ID}
	update := c.snapshotLocked(channelID)
	c.mu.Unlock()

	c.rooms.Join(conn, hub.VoiceRoom(channelID))
	c.logger.Debug("user joined voice channel",
		slog.Int64("userID", snapshot.ID),
		slog.Int64("channelID", channelID),
	)
	c.rooms.Broadcast(hub.ServerRoom(serverID), EventVoiceStateUpdate, update, nil)
}

// SetState mutates a participant's mute/deafen flags in place and
// re-broadcasts the participant list. Unknown participants are dropped
// silently.
func (c *Coordinator) SetState(channelID, userID int64, muted, deafened bool) {
	c.mu.Lock()
	ch, ok := c.channels[channelID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p, ok := ch.participants[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.Muted = muted
	p.Deafened = deafened
	serverID := ch.serverID
	update := c.snapshotLocked(channelID)
	c.mu.Unlock()

	c.rooms.Broadcast(hub.ServerRoom(serverID), EventVoiceStateUpdate, update, nil)
}

// Leave removes the user's participant entry, unsubscribes the connection
// from the voice room and re-broadcasts; an empty channel entry is deleted.
func (c *Coordinator) Leave(conn *hub.Conn, channelID, userID int64) {
	c.mu.Lock()
	ch, ok := c.channels[channelID]
	if !ok || ch.participants[userID] == nil {
		c.mu.Unlock()
		return
	}
	delete(ch.participants, userID)
	serverID := ch.serverID
	if len(ch.participants) == 0 {
		delete(c.channels, channelID)
	}
	update := c.snapshotLocked(channelID)
	c.mu.Unlock()

	if conn != nil {
		c.rooms.Leave(conn.ID, hub.VoiceRoom(channelID))
	}
	c.logger.Debug("user left voice channel",
		slog.Int64("userID", userID),
		slog.Int64("channelID", channelID),
	)
	c.rooms.Broadcast(hub.ServerRoom(serverID), EventVoiceStateUpdate, update, nil)
}

// DropConn removes every participant entry the given device created; called
// on each disconnect, where no per-channel leave events arrive. Entries the
// user joined from another device stay.
func (c *Coordinator) DropConn(connID uuid.UUID) {
	c.dropMatching(func(p *Participant) bool { return p.connID == connID })
}

// DropUser removes the user from every voice channel they occupy regardless
// of joining device; the belt-and-braces sweep once their last device is
// gone.
func (c *Coordinator) DropUser(userID int64) {
	c.dropMatching(func(p *Participant) bool { return p.User.ID == userID })
}

func (c *Coordinator) dropMatching(match func(p *Participant) bool) {
	c.mu.Lock()
	type affected struct {
		channelID int64
		serverID  int64
	}
	var hit []affected
	for channelID, ch := range c.channels {
		removed := false
		for userID, p := range ch.participants {
			if match(p) {
				delete(ch.participants, userID)
				removed = true
			}
		}
		if !removed {
			continue
		}
		if len(ch.participants) == 0 {
			delete(c.channels, channelID)
		}
		hit = append(hit, affected{channelID: channelID, serverID: ch.serverID})
	}
	updates := make([]StateUpdate, 0, len(hit))
	for _, a := range hit {
		updates = append(updates, c.snapshotLocked(a.channelID))
	}
	c.mu.Unlock()

	for i, a := range hit {
		c.rooms.Broadcast(hub.ServerRoom(a.serverID), EventVoiceStateUpdate, updates[i], nil)
	}
}

// Participants returns a copy of the channel's current participant list.
func (c *Coordinator) Participants(channelID int64) []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(channelID).Users
}

// Active reports whether the channel has any participants.
func (c *Coordinator) Active(channelID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok
}

// snapshotLocked copies the participant list for broadcast. Caller holds mu.
func (c *Coordinator) snapshotLocked(channelID int64) StateUpdate {
	update := StateUpdate{ChannelID: channelID, Users: []Participant{}}
	ch, ok := c.channels[channelID]
	if !ok {
		return update
	}
	for _, p := range ch.participants {
		update.Users = append(update.Users, *p)
	}
	return update
}
