package store

import "time"

// UserSnapshot is the denormalized user display data embedded in broadcast
// payloads. It is a point-in-time value copy, not a live reference; it may
// drift from the canonical record until the next snapshot refresh.
type UserSnapshot struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Tag           string `json:"tag"`
	Avatar        string `json:"avatar,omitempty"`
	Status        string `json:"status"`
	Verified      bool   `json:"-"`
}

// ChannelType distinguishes text channels from voice channels.
type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
)

// Channel is the slice of channel metadata the hub needs for routing:
// identity, parent server and type.
type Channel struct {
	ID       int64       `json:"id"`
	ServerID int64       `json:"server_id"`
	Name     string      `json:"name"`
	Type     ChannelType `json:"type"`
}

type Attachment struct {
	Filename         string `json:"filename"`
	OriginalFilename string `json:"original_filename"`
	FileType         string `json:"file_type"`
	FileSize         int64  `json:"file_size"`
}

// Reaction aggregates one emoji on one message with the users who set it.
type Reaction struct {
	Emoji   string  `json:"emoji"`
	UserIDs []int64 `json:"user_ids"`
	Count   int     `json:"count"`
}

// MessageRef is the abbreviated form of a replied-to message.
type MessageRef struct {
	ID      int64        `json:"id"`
	Content string       `json:"content"`
	Author  UserSnapshot `json:"author"`
}

type Message struct {
	ID          int64        `json:"id"`
	Content     string       `json:"content"`
	Author      UserSnapshot `json:"author"`
	ChannelID   int64        `json:"channel_id"`
	CreatedAt   time.Time    `json:"created_at"`
	EditedAt    *time.Time   `json:"edited_at"`
	IsPinned    bool         `json:"is_pinned"`
	ReplyTo     *MessageRef  `json:"reply_to"`
	Attachments []Attachment `json:"attachments"`
	Reactions   []Reaction   `json:"reactions"`
}

type DirectMessage struct {
	ID        int64        `json:"id"`
	Content   string       `json:"content"`
	Sender    UserSnapshot `json:"sender"`
	Receiver  UserSnapshot `json:"receiver"`
	CreatedAt time.Time    `json:"created_at"`
	IsRead    bool         `json:"is_read"`
}

// CreateMessageParams carries everything needed to persist a channel message.
type CreateMessageParams struct {
	ChannelID   int64
	AuthorID    int64
	Content     string
	ReplyToID   *int64
	Attachments []Attachment
}

// SessionInfo is a device/session record as surfaced to the owner.
type SessionInfo struct {
	ID           int64     `json:"id"`
	SessionKey   string    `json:"session_key"`
	DeviceName   string    `json:"device_name"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip_address"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	IsCurrent    bool      `json:"is_current"`
}
