package gateway

import (
	"encoding/json"

	"github.com/sarosa2890/Discord/internal/store"
)

// ClientMessage is the inbound wire frame.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound event names.
const (
	EventJoinChannel    = "join_channel"
	EventLeaveChannel   = "leave_channel"
	EventSendMessage    = "send_message"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventSendDM         = "send_dm"
	EventJoinVoice      = "join_voice"
	EventLeaveVoice     = "leave_voice"
	EventVoiceState     = "voice_state"
	EventUpdateStatus   = "update_status"
	EventToggleReaction = "toggle_reaction"
	EventEditMessage    = "edit_message"
	EventDeleteMessage  = "delete_message"
	EventWebRTCOffer    = "webrtc_offer"
	EventWebRTCAnswer   = "webrtc_answer"
	EventWebRTCICE      = "webrtc_ice_candidate"
	EventWebRTCEndCall  = "webrtc_end_call"
)

// Outbound event names.
const (
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStopTyping    = "user_stop_typing"
	EventNewDM             = "new_dm"
	EventUserStatusUpdate  = "user_status_update"
	EventMessageUpdated    = "message_updated"
	EventMessageDeleted    = "message_deleted"
	EventSessionTerminated = "session_terminated"
)

type channelPayload struct {
	ChannelID int64 `json:"channel_id"`
}

type sendMessagePayload struct {
	ChannelID   int64              `json:"channel_id"`
	Content     string             `json:"content"`
	ReplyToID   *int64             `json:"reply_to_id"`
	Attachments []store.Attachment `json:"attachments"`
}

type sendDMPayload struct {
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

type voiceStatePayload struct {
	ChannelID int64 `json:"channel_id"`
	Muted     bool  `json:"muted"`
	Deafened  bool  `json:"deafened"`
}

type updateStatusPayload struct {
	Status string `json:"status"`
}

type toggleReactionPayload struct {
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type editMessagePayload struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type deleteMessagePayload struct {
	MessageID int64 `json:"message_id"`
}

type webrtcOfferPayload struct {
	TargetUserID int64           `json:"target_user_id"`
	Offer        json.RawMessage `json:"offer"`
	CallType     string          `json:"call_type"`
}

type webrtcAnswerPayload struct {
	TargetUserID int64           `json:"target_user_id"`
	Answer       json.RawMessage `json:"answer"`
}

type webrtcTargetPayload struct {
	TargetUserID int64 `json:"target_user_id"`
}

type typingBroadcast struct {
	User      store.UserSnapshot `json:"user"`
	ChannelID int64              `json:"channel_id"`
}

type stopTypingBroadcast struct {
	UserID    int64 `json:"user_id"`
	ChannelID int64 `json:"channel_id"`
}

type userOfflineBroadcast struct {
	ID int64 `json:"id"`
}

type statusBroadcast struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

type messageDeletedBroadcast struct {
	ID        int64 `json:"id"`
	ChannelID int64 `json:"channel_id"`
}

type sessionTerminatedPayload struct {
	Reason string `json:"reason"`
}
