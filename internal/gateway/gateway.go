// Package gateway binds inbound transport events to the hub: it validates
// payloads, consults the persistence collaborators, and routes to the room
// broadcaster, voice coordinator and signaling relay.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sarosa2890/Discord/internal/hub"
	"github.com/sarosa2890/Discord/internal/signal"
	"github.com/sarosa2890/Discord/internal/store"
	"github.com/sarosa2890/Discord/internal/voice"
	"github.com/sarosa2890/Discord/pkg/cache"
)

const maxContentLength = 2000

var validStatuses = map[string]struct{}{
	"online":    {},
	"idle":      {},
	"dnd":       {},
	"invisible": {},
}

type Gateway struct {
	registry *hub.Registry
	rooms    *hub.Broadcaster
	voice    *voice.Coordinator
	relay    *signal.Relay
	cache    *cache.Cache

	users    store.UserStore
	members  store.MembershipStore
	messages store.MessageStore
	sessions store.SessionStore

	logger *slog.Logger
}

type Deps struct {
	Registry *hub.Registry
	Rooms    *hub.Broadcaster
	Voice    *voice.Coordinator
	Relay    *signal.Relay
	Cache    *cache.Cache
	Users    store.UserStore
	Members  store.MembershipStore
	Messages store.MessageStore
	Sessions store.SessionStore
}

func New(deps Deps, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: deps.Registry,
		rooms:    deps.Rooms,
		voice:    deps.Voice,
		relay:    deps.Relay,
		cache:    deps.Cache,
		users:    deps.Users,
		members:  deps.Members,
		messages: deps.Messages,
		sessions: deps.Sessions,
		logger:   logger.With(slog.String("component", "gateway")),
	}
}

func userCacheKey(userID int64) string { return strconv.FormatInt(userID, 10) }

// messagePageKey names the default message-page cache entry for a channel.
func messagePageKey(channelID int64) string { return fmt.Sprintf("%d:50", channelID) }

// snapshot reads the user's display data through the TTL cache.
func (g *Gateway) snapshot(ctx context.Context, userID int64) (*store.UserSnapshot, error) {
	payload, err := g.cache.GetOrCompute(cache.CategoryUsers, userCacheKey(userID), func() (any, error) {
		return g.users.GetUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	snap, ok := payload.(*store.UserSnapshot)
	if !ok {
		return nil, fmt.Errorf("gateway: unexpected cache payload for user %d", userID)
	}
	return snap, nil
}

// HandleConnect wires a freshly registered connection into the hub: session
// bookkeeping, durable status, server-room joins and the user_online
// broadcast. Session and status writes are best-effort side paths; their
// failure is logged and never aborts the connect.
func (g *Gateway) HandleConnect(ctx context.Context, conn *hub.Conn, deviceName, userAgent, ipAddress string) {
	if err := g.sessions.CreateOrRefresh(ctx, conn.UserID, conn.SessionKey, deviceName, userAgent, ipAddress); err != nil {
		g.logger.Warn("session bookkeeping failed on connect",
			slog.Int64("userID", conn.UserID),
			slog.Any("error", err),
		)
	}

	if err := g.users.UpdateStatus(ctx, conn.UserID, "online"); err != nil {
		g.logger.Warn("failed to persist online status", slog.Int64("userID", conn.UserID), slog.Any("error", err))
	} else {
		g.cache.Invalidate(cache.CategoryUsers, userCacheKey(conn.UserID))
	}

	snap, err := g.snapshot(ctx, conn.UserID)
	if err != nil {
		g.logger.Warn("failed to load user snapshot on connect", slog.Int64("userID", conn.UserID), slog.Any("error", err))
		return
	}

	serverIDs, err := g.members.ServersOf(ctx, conn.UserID)
	if err != nil {
		g.logger.Warn("failed to list servers on connect", slog.Int64("userID", conn.UserID), slog.Any("error", err))
		return
	}
	for _, serverID := range serverIDs {
		room := hub.ServerRoom(serverID)
		g.rooms.Join(conn, room)
		g.rooms.Broadcast(room, EventUserOnline, snap, nil)
	}
}

// HandleDisconnect tears a connection down: registry removal, session
// deletion, room exits, and - once the user's last device is gone - the
// user_offline broadcast and voice cleanup.
func (g *Gateway) HandleDisconnect(ctx context.Context, connID uuid.UUID) {
	conn, ok := g.registry.Unregister(connID)
	if !ok {
		return
	}

	if err := g.sessions.Delete(ctx, conn.SessionKey, conn.UserID); err != nil {
		g.logger.Warn("session deletion failed on disconnect",
			slog.Int64("userID", conn.UserID),
			slog.Any("error", err),
		)
	}

	// Server rooms this connection was joined to, captured before teardown.
	var serverRooms []string
	for _, room := range g.rooms.Rooms(connID) {
		if strings.HasPrefix(room, "server:") {
			serverRooms = append(serverRooms, room)
		}
	}
	g.rooms.LeaveAll(connID)

	// Voice entries belong to the device that joined them, so they go with
	// this connection even while other devices stay online.
	g.voice.DropConn(connID)

	// Presence follows the registry: only the last device going away takes
	// the user offline.
	if g.registry.IsOnline(conn.UserID) {
		return
	}

	if err := g.users.UpdateStatus(ctx, conn.UserID, "offline"); err != nil {
		g.logger.Warn("failed to persist offline status", slog.Int64("userID", conn.UserID), slog.Any("error", err))
	} else {
		g.cache.Invalidate(cache.CategoryUsers, userCacheKey(conn.UserID))
	}

	for _, room := range serverRooms {
		g.rooms.Broadcast(room, EventUserOffline, userOfflineBroadcast{ID: conn.UserID}, nil)
	}
	g.voice.DropUser(conn.UserID)
}

// HandleMessage is the transport's inbound callback. Every handler runs
// behind a recover wall: an unexpected fault degrades to a logged silent
// drop, never a crashed serving loop.
func (g *Gateway) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		g.logger.Warn("failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		return
	}

	conn, ok := g.registry.Get(connID)
	if !ok {
		g.logger.Warn("message from unregistered connection", slog.String("connID", connID.String()))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("handler panicked, dropping event",
				slog.String("event", clientMsg.Event),
				slog.String("connID", connID.String()),
				slog.Any("panic", rec),
			)
		}
	}()

	switch clientMsg.Event {
	case EventJoinChannel:
		g.handleJoinChannel(conn, clientMsg.Payload)
	case EventLeaveChannel:
		g.handleLeaveChannel(conn, clientMsg.Payload)
	case EventSendMessage:
		g.handleSendMessage(ctx, conn, clientMsg.Payload)
	case EventTyping:
		g.handleTyping(ctx, conn, clientMsg.Payload)
	case EventStopTyping:
		g.handleStopTyping(conn, clientMsg.Payload)
	case EventSendDM:
		g.handleSendDM(ctx, conn, clientMsg.Payload)
	case EventJoinVoice:
		g.handleJoinVoice(ctx, conn, clientMsg.Payload)
	case EventLeaveVoice:
		g.handleLeaveVoice(conn, clientMsg.Payload)
	case EventVoiceState:
		g.handleVoiceState(conn, clientMsg.Payload)
	case EventUpdateStatus:
		g.handleUpdateStatus(ctx, conn, clientMsg.Payload)
	case EventToggleReaction:
		g.handleToggleReaction(ctx, conn, clientMsg.Payload)
	case EventEditMessage:
		g.handleEditMessage(ctx, conn, clientMsg.Payload)
	case EventDeleteMessage:
		g.handleDeleteMessage(ctx, conn, clientMsg.Payload)
	case EventWebRTCOffer:
		g.handleWebRTCOffer(ctx, conn, clientMsg.Payload)
	case EventWebRTCAnswer:
		g.handleWebRTCAnswer(conn, clientMsg.Payload)
	case EventWebRTCICE:
		g.handleWebRTCICE(conn, clientMsg.Payload)
	case EventWebRTCEndCall:
		g.handleWebRTCEndCall(conn, clientMsg.Payload)
	default:
		g.logger.Warn("received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
	}
}

func (g *Gateway) handleJoinChannel(conn *hub.Conn, payload json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == 0 {
		return
	}
	g.rooms.Join(conn, hub.ChannelRoom(p.ChannelID))
}

func (g *Gateway) handleLeaveChannel(conn *hub.Conn, payload json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == 0 {
		return
	}
	g.rooms.Leave(conn.ID, hub.ChannelRoom(p.ChannelID))
}

// clampContent trims and bounds message content.
func clampContent(content string) string {
	content = strings.TrimSpace(content)
	if runes := []rune(content); len(runes) > maxContentLength {
		return string(runes[:maxContentLength])
	}
	return content
}

func (g *Gateway) handleSendMessage(ctx context.Context, conn *hub.Conn, payload json.RawMessage) {
	var p sendMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	content := clampContent(p.Content)
	if content == "" && len(p.Attachments) == 0 {
		return
	}

	channel, err := g.members.GetChannel(ctx, p.ChannelID)
	if err != nil {
		g.dropOrFault("send_message channel lookup", err)
		return
	}
	member, err := g.members.IsMember(ctx, conn.UserID, channel.ServerID)
	if err != nil || !member {
		g.dropOrFault("send_message membership check", err)
		return
	}

	msg, err := g.messages.CreateMessage(ctx, store.CreateMessageParams{
		ChannelID:   p.ChannelID,
		AuthorID:    conn.UserID,
		Content:     content,
		ReplyToID:   p.ReplyToID,
		Attachments: p.Attachments,
	})
	if err != nil {
		g.logger.Error("failed to persist message", slog.Int64("channelID", p.ChannelID), slog.Any("error", err))
		return
	}

	g.rooms.Broadcast(hub.ChannelRoom(p.ChannelID), EventNewMessage, msg, nil)
	g.cache.Invalidate(cache.CategoryMessages, messagePageKey(p.ChannelID))
}

func (g *Gateway) handleTyping(ctx context.Context, conn *hub.Conn, payload json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == 0 {
		return
	}
	snap, err := g.snapshot(ctx, conn.UserID)
	if err != nil {
		g.dropOrFault("typing snapshot", err)
		return
	}
	g.rooms.Broadcast(hub.ChannelRoom(p.ChannelID), EventUserTyping, typingBroadcast{
		User:      *snap,
		ChannelID: p.ChannelID,
	}, &conn.ID)
}

func (g *Gateway) handleStopTyping(conn *hub.Conn, payload json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == 0 {
		return
	}
	g.rooms.Broadcast(hub.ChannelRoom(p.ChannelID), EventUserStopTyping, stopTypingBroadcast{
		UserID:    conn.UserID,
		ChannelID: p.ChannelID,
	}, &conn.ID)
}

func (g *Gateway) handleSendDM(ctx context.Context, conn *hub.Conn, payload json.RawMessage) {
	var p sendDMPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	content := clampContent(p.Content)
	if content == "" {
		return
	}
	if _, err := g.users.GetUser(ctx, p.ReceiverID); err != nil {
		g.dropOrFault("send_dm receiver lookup", err)
		return
	}

	dm, err := g.messages.CreateDM(ctx, conn.UserID, p.ReceiverID, content)
	if err != nil {
		g.logger.Error("failed to persist direct message", slog.Any("error", err))
		return
	}

	// Deliver to every live device of both participants, the sender's other
	// devices included.
	for _, target := range g.registry.LookupAll(conn.UserID) {
		g.rooms.Unicast(target, EventNewDM, dm)
	}
	if p.ReceiverID != conn.UserID {
		for _, target := range g.registry.LookupAll(p.ReceiverID) {
			g.rooms.Unicast(target, EventNewDM, dm)
		}
	}
}

func (g *Gateway) handleJoinVoice(ctx context.Context, conn *hub.Conn, payload json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == 0 {
		return
	}

	channel, err := g.members.GetChannel(ctx, p.ChannelID)
	if err != nil {
		g.dropOrFault("join_voice channel lookup", err)
		return
	}
	if channel.Type != store.ChannelVoice {
		return
	}
	member, err := g.members.IsMember(ctx, conn.UserID, channel.ServerID)
	if err != nil || !member {
		g.dropOrFault("join_voice membership check", err)
		return
	}

	// Snapshot straight from the store: the participant copy is refreshed
	// at join time, not served from a possibly stale cache entry.
	snap, err := g.users.GetUser(ctx, conn.UserID)
	if err != nil {
		g.dropOrFault("join_voice snapshot", err)
		return
	}
	g.voice.Join(conn, channel.ServerID, p.ChannelID, *snap)
}

func (g *Gateway) handleLeaveVoice(conn *hub.Conn, payload json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == 0 {
		return
	}
	g.voice.Leave(conn, p.ChannelID, conn.UserID)
}

func (g *Gateway) handleVoiceState(conn *hub.Conn, payload json.RawMessage) {
	var p voiceStatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == 0 {
		return
	}
	g.voice.SetState(p.ChannelID, conn.UserID, p.Muted, p.Deafened)
}

func (g *Gateway) handleUpdateStatus(ctx context.Context, conn *hub.Conn, payload json.RawMessage) {
	var p updateStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if _, ok := validStatuses[p.Status]; !ok {
		return
	}

	if err := g.users.UpdateStatus(ctx, conn.UserID, p.Status); err != nil {
		g.logger.Error("failed to persist status", slog.Int64("userID", conn.UserID), slog.Any("error", err))
		return
	}
	g.cache.Invalidate(cache.CategoryUsers, userCacheKey(conn.UserID))

	serverIDs, err := g.members.ServersOf(ctx, conn.UserID)
	if err != nil {
		g.logger.Error("failed to list servers for status update", slog.Any("error", err))
		return
	}
	for _, serverID := range serverIDs {
		g.rooms.Broadcast(hub.ServerRoom(serverID), EventUserStatusUpdate, statusBroadcast{
			UserID: conn.UserID,
			Status: p.Status,
		}, nil)
	}
}

func (g *Gateway) handleToggleReaction(ctx context.Context, conn *hub.Conn, payload json.RawMessage) {
	var p toggleReactionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Emoji == "" {
		return
	}

	msg, err := g.messages.GetMessage(ctx, p.MessageID)
	if err != nil {
		g.dropOrFault("toggle_reaction message lookup", err)
		return
	}
	channel, err := g.members.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		g.dropOrFault("toggle_reaction channel lookup", err)
		return
	}
	member, err := g.members.IsMember(ctx, conn.UserID, channel.ServerID)
	if err != nil || !member {
		g.dropOrFault("toggle_reaction membership check", err)
		return
	}

	updated, err := g.messages.ToggleReaction(ctx, p.MessageID, conn.UserID, p.Emoji)
	if err != nil {
		g.logger.Error("failed to toggle reaction", slog.Int64("messageID", p.MessageID), slog.Any("error", err))
		return
	}
	g.rooms.Broadcast(hub.ChannelRoom(msg.ChannelID), EventMessageUpdated, updated, nil)
	g.cache.Invalidate(cache.CategoryMessages, messagePageKey(msg.ChannelID))
}

func (g *Gateway) handleEditMessage(ctx context.Context, conn *hub.Conn, payload json.RawMessage) {
	var p editMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	content := clampContent(p.Content)
	if content == "" {
		return
	}

	updated, err := g.messages.EditMessage(ctx, p.MessageID, conn.UserID, content)
	if err != nil {
		g.dropOrFault("edit_message", err)
		return
	}
	g.rooms.Broadcast(hub.ChannelRoom(updated.ChannelID), EventMessageUpdated, updated, nil)
	g.cache.Invalidate(cache.CategoryMessages, messagePageKey(updated.ChannelID))
}

func (g *Gateway) handleDeleteMessage(ctx context.Context, conn *hub.Conn, payload json.RawMessage) {
	var p deleteMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.MessageID == 0 {
		return
	}

	channelID, err := g.messages.DeleteMessage(ctx, p.MessageID, conn.UserID)
	if err != nil {
		g.dropOrFault("delete_message", err)
		return
	}
	g.rooms.Broadcast(hub.ChannelRoom(channelID), EventMessageDeleted, messageDeletedBroadcast{
		ID:        p.MessageID,
		ChannelID: channelID,
	}, nil)
	g.cache.Invalidate(cache.CategoryMessages, messagePageKey(channelID))
}

func (g *Gateway) handleWebRTCOffer(ctx context.Context, conn *hub.Conn, payload json.RawMessage) {
	var p webrtcOfferPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TargetUserID == 0 {
		return
	}
	snap, err := g.snapshot(ctx, conn.UserID)
	if err != nil {
		g.dropOrFault("webrtc_offer snapshot", err)
		return
	}
	// The credential of record is the token the connection authenticated
	// with, not the possibly stale cached profile row.
	from := *snap
	from.Verified = conn.Verified
	g.relay.Offer(conn, from, p.TargetUserID, p.Offer, p.CallType)
}

func (g *Gateway) handleWebRTCAnswer(conn *hub.Conn, payload json.RawMessage) {
	var p webrtcAnswerPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TargetUserID == 0 {
		return
	}
	g.relay.Answer(conn.UserID, p.TargetUserID, p.Answer)
}

func (g *Gateway) handleWebRTCICE(conn *hub.Conn, payload json.RawMessage) {
	var p webrtcTargetPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TargetUserID == 0 {
		return
	}
	g.relay.ICECandidates(conn.UserID, p.TargetUserID, payload)
}

func (g *Gateway) handleWebRTCEndCall(conn *hub.Conn, payload json.RawMessage) {
	var p webrtcTargetPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TargetUserID == 0 {
		return
	}
	g.relay.EndCall(conn.UserID, p.TargetUserID)
}

// TerminateSession force-closes the device holding the session key, after
// telling it why. Called when an owner deletes one of their sessions.
func (g *Gateway) TerminateSession(ctx context.Context, sessionKey, reason string) {
	conn, ok := g.registry.BySession(sessionKey)
	if !ok {
		return
	}
	g.rooms.Unicast(conn, EventSessionTerminated, sessionTerminatedPayload{Reason: reason})
	conn.Transport.Close(errors.New("session terminated by owner"))
}

// SweepSessions refreshes the activity timestamp of every session with a
// live connection, then deletes the records idle longer than inactiveAfter.
// Touching first keeps connected-but-quiet devices out of the sweep.
func (g *Gateway) SweepSessions(ctx context.Context, inactiveAfter time.Duration) (int64, error) {
	for _, conn := range g.registry.AllConnections() {
		if conn.SessionKey == "" {
			continue
		}
		if err := g.sessions.Touch(ctx, conn.SessionKey); err != nil {
			g.logger.Warn("session touch failed",
				slog.String("sessionKey", conn.SessionKey), slog.Any("error", err))
		}
	}
	return g.sessions.DeleteInactiveSince(ctx, time.Now().Add(-inactiveAfter))
}

// dropOrFault separates the two non-broadcast outcomes: a not-found or
// not-allowed answer from a collaborator is a benign race and drops
// silently; anything else is an infrastructure fault worth an error log.
func (g *Gateway) dropOrFault(op string, err error) {
	switch {
	case err == nil, errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrForbidden):
		g.logger.Debug("dropping ineligible event", slog.String("op", op))
	default:
		g.logger.Error("persistence fault, aborting handler", slog.String("op", op), slog.Any("error", err))
	}
}
