// Package store defines the persistence collaborators the hub depends on and
// a SQLite-backed implementation of each. The hub only ever talks to the
// interfaces; it does not own the durable schema.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrForbidden = errors.New("store: not allowed")
)

// UserStore serves canonical user records.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*UserSnapshot, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
}

// MembershipStore answers "is this user a member of this room" and related
// routing questions. Authorization beyond membership lives elsewhere.
type MembershipStore interface {
	// ServersOf lists the ids of every server the user belongs to.
	ServersOf(ctx context.Context, userID int64) ([]int64, error)
	IsMember(ctx context.Context, userID, serverID int64) (bool, error)
	GetChannel(ctx context.Context, channelID int64) (*Channel, error)
}

// MessageStore persists channel messages, reactions and direct messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, params CreateMessageParams) (*Message, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	// EditMessage rewrites the content; only the author may edit.
	EditMessage(ctx context.Context, id, authorID int64, content string) (*Message, error)
	// DeleteMessage removes the message and returns its channel id for
	// broadcast targeting; only the author may delete.
	DeleteMessage(ctx context.Context, id, authorID int64) (int64, error)
	// ToggleReaction flips the presence of (message, user, emoji) and
	// returns the refreshed message.
	ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (*Message, error)
	CreateDM(ctx context.Context, senderID, receiverID int64, content string) (*DirectMessage, error)
}

// SessionStore keeps the per-device session records the hub creates on
// connect and deletes on disconnect.
type SessionStore interface {
	// CreateOrRefresh inserts a session record for the key, or touches its
	// last-activity time if one already exists. New records become the
	// user's current session; older records past the per-user bound are
	// trimmed.
	CreateOrRefresh(ctx context.Context, userID int64, sessionKey, deviceName, userAgent, ipAddress string) error
	Delete(ctx context.Context, sessionKey string, userID int64) error
	ListByUser(ctx context.Context, userID int64) ([]SessionInfo, error)
	Touch(ctx context.Context, sessionKey string) error
	// DeleteInactiveSince removes records idle since before the cutoff and
	// reports how many were dropped.
	DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error)
}
