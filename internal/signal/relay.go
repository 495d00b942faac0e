// Package signal forwards WebRTC call-negotiation payloads between exactly
// two identified users. The relay keeps no state: offline targets are a
// silent drop, matching the fire-and-forget semantics of the rest of the
// event stream.
package signal

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/sarosa2890/Discord/internal/hub"
	"github.com/sarosa2890/Discord/internal/store"
)

const (
	EventOffer        = "webrtc_offer"
	EventAnswer       = "webrtc_answer"
	EventICECandidate = "webrtc_ice_candidate"
	EventEndCall      = "webrtc_end_call"
	EventError        = "webrtc_error"
)

type offerPayload struct {
	FromUserID int64              `json:"from_user_id"`
	FromUser   store.UserSnapshot `json:"from_user"`
	Offer      json.RawMessage    `json:"offer"`
	CallType   string             `json:"call_type"`
}

type answerPayload struct {
	FromUserID int64           `json:"from_user_id"`
	Answer     json.RawMessage `json:"answer"`
}

type candidatePayload struct {
	FromUserID int64           `json:"from_user_id"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Candidates json.RawMessage `json:"candidates,omitempty"`
}

type endCallPayload struct {
	FromUserID int64 `json:"from_user_id"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Relay forwards signaling events through the connection registry.
type Relay struct {
	registry *hub.Registry
	rooms    *hub.Broadcaster
	logger   *slog.Logger
}

func NewRelay(registry *hub.Registry, rooms *hub.Broadcaster, logger *slog.Logger) *Relay {
	return &Relay{
		registry: registry,
		rooms:    rooms,
		logger:   logger.With(slog.String("component", "signal_relay")),
	}
}

// target resolves the representative live connection for a user. A miss is
// benign: the target disconnected a moment earlier, or the caller raced
// stale presence state.
func (r *Relay) target(userID int64) (*hub.Conn, bool) {
	conn, ok := r.registry.Lookup(userID)
	if !ok {
		r.logger.Debug("signaling target offline, dropping", slog.Int64("targetID", userID))
	}
	return conn, ok
}

// Offer forwards a call offer. The initiator must carry a verified identity
// credential; otherwise the offer never reaches the target and the initiator
// alone receives a refusal.
func (r *Relay) Offer(origin *hub.Conn, from store.UserSnapshot, targetID int64, offer json.RawMessage, callType string) {
	if !from.Verified {
		r.logger.Warn("unverified initiator refused", slog.Int64("userID", from.ID))
		r.rooms.Unicast(origin, EventError, errorPayload{
			Error: "calls require a verified email address",
		})
		return
	}
	if callType == "" {
		callType = "video"
	}

	conn, ok := r.target(targetID)
	if !ok {
		return
	}
	r.rooms.Unicast(conn, EventOffer, offerPayload{
		FromUserID: from.ID,
		FromUser:   from,
		Offer:      offer,
		CallType:   callType,
	})
}

// Answer forwards a call answer.
func (r *Relay) Answer(fromUserID, targetID int64, answer json.RawMessage) {
	conn, ok := r.target(targetID)
	if !ok {
		return
	}
	r.rooms.Unicast(conn, EventAnswer, answerPayload{
		FromUserID: fromUserID,
		Answer:     answer,
	})
}

// ICECandidates forwards ICE candidates from the raw inbound payload. The
// batched `candidates` array takes priority over the singular `candidate`
// when both are present; a payload carrying neither is dropped.
func (r *Relay) ICECandidates(fromUserID, targetID int64, rawPayload []byte) {
	conn, ok := r.target(targetID)
	if !ok {
		return
	}

	payload := candidatePayload{FromUserID: fromUserID}
	if batch := gjson.GetBytes(rawPayload, "candidates"); batch.Exists() {
		payload.Candidates = json.RawMessage(batch.Raw)
	} else if single := gjson.GetBytes(rawPayload, "candidate"); single.Exists() {
		payload.Candidate = json.RawMessage(single.Raw)
	} else {
		return
	}
	r.rooms.Unicast(conn, EventICECandidate, payload)
}

// EndCall forwards a hang-up.
func (r *Relay) EndCall(fromUserID, targetID int64) {
	conn, ok := r.target(targetID)
	if !ok {
		return
	}
	r.rooms.Unicast(conn, EventEndCall, endCallPayload{FromUserID: fromUserID})
}
