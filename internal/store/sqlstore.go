package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// UserRecord is the canonical user row. The hub reads it into snapshots and
// writes nothing but the status column.
type UserRecord struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Username      string `gorm:"column:username;size:32;index"`
	Discriminator string `gorm:"column:discriminator;size:4"`
	Avatar        string `gorm:"column:avatar;size:512"`
	Status        string `gorm:"column:status;size:16"`
	EmailVerified bool   `gorm:"column:email_verified"`
	LastSeen      time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (UserRecord) TableName() string { return "users" }

type ServerMemberRecord struct {
	ServerID int64 `gorm:"column:server_id;primaryKey"`
	UserID   int64 `gorm:"column:user_id;primaryKey;index"`
}

func (ServerMemberRecord) TableName() string { return "server_members" }

type ChannelRecord struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ServerID int64  `gorm:"column:server_id;index"`
	Name     string `gorm:"column:name;size:100"`
	Type     string `gorm:"column:type;size:16"`
}

func (ChannelRecord) TableName() string { return "channels" }

type MessageRecord struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Content   string `gorm:"column:content;size:2000"`
	AuthorID  int64  `gorm:"column:author_id;index"`
	ChannelID int64  `gorm:"column:channel_id;index"`
	ReplyToID *int64 `gorm:"column:reply_to_id"`
	IsPinned  bool   `gorm:"column:is_pinned"`
	CreatedAt time.Time
	EditedAt  *time.Time
}

func (MessageRecord) TableName() string { return "messages" }

type AttachmentRecord struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID        int64  `gorm:"column:message_id;index"`
	Filename         string `gorm:"column:filename;size:255"`
	OriginalFilename string `gorm:"column:original_filename;size:255"`
	FileType         string `gorm:"column:file_type;size:32"`
	FileSize         int64  `gorm:"column:file_size"`
}

func (AttachmentRecord) TableName() string { return "attachments" }

type ReactionRecord struct {
	MessageID int64  `gorm:"column:message_id;primaryKey"`
	UserID    int64  `gorm:"column:user_id;primaryKey"`
	Emoji     string `gorm:"column:emoji;primaryKey;size:32"`
	CreatedAt time.Time
}

func (ReactionRecord) TableName() string { return "message_reactions" }

type DMRecord struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Content    string `gorm:"column:content;size:2000"`
	SenderID   int64  `gorm:"column:sender_id;index"`
	ReceiverID int64  `gorm:"column:receiver_id;index"`
	IsRead     bool   `gorm:"column:is_read"`
	CreatedAt  time.Time
}

func (DMRecord) TableName() string { return "direct_messages" }

// Open establishes the SQLite connection and performs schema migrations.
func Open(dsn string, logger *slog.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: database dsn is required")
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&UserRecord{},
		&ServerMemberRecord{},
		&ChannelRecord{},
		&MessageRecord{},
		&AttachmentRecord{},
		&ReactionRecord{},
		&DMRecord{},
		&SessionRecord{},
	); err != nil {
		return nil, err
	}

	logger.Info("database initialized", slog.String("dsn", dsn))
	return db, nil
}

// SQLStore implements the user, membership and message collaborators on one
// gorm handle.
type SQLStore struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ UserStore       = (*SQLStore)(nil)
	_ MembershipStore = (*SQLStore)(nil)
	_ MessageStore    = (*SQLStore)(nil)
)

func NewSQLStore(db *gorm.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		now:    time.Now,
		logger: logger.With(slog.String("component", "sql_store")),
	}
}

func snapshotOf(r UserRecord) UserSnapshot {
	return UserSnapshot{
		ID:            r.ID,
		Username:      r.Username,
		Discriminator: r.Discriminator,
		Tag:           r.Username + "#" + r.Discriminator,
		Avatar:        r.Avatar,
		Status:        r.Status,
		Verified:      r.EmailVerified,
	}
}

func (s *SQLStore) GetUser(ctx context.Context, id int64) (*UserSnapshot, error) {
	var record UserRecord
	if err := s.db.WithContext(ctx).First(&record, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	snap := snapshotOf(record)
	return &snap, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id int64, status string) error {
	return s.db.WithContext(ctx).Model(&UserRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "last_seen": s.now()}).Error
}

func (s *SQLStore) ServersOf(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&ServerMemberRecord{}).
		Where("user_id = ?", userID).
		Pluck("server_id", &ids).Error
	return ids, err
}

func (s *SQLStore) IsMember(ctx context.Context, userID, serverID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ServerMemberRecord{}).
		Where("user_id = ? AND server_id = ?", userID, serverID).
		Count(&count).Error
	return count > 0, err
}

func (s *SQLStore) GetChannel(ctx context.Context, channelID int64) (*Channel, error) {
	var record ChannelRecord
	if err := s.db.WithContext(ctx).First(&record, channelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Channel{
		ID:       record.ID,
		ServerID: record.ServerID,
		Name:     record.Name,
		Type:     ChannelType(record.Type),
	}, nil
}

func (s *SQLStore) CreateMessage(ctx context.Context, params CreateMessageParams) (*Message, error) {
	record := MessageRecord{
		Content:   params.Content,
		AuthorID:  params.AuthorID,
		ChannelID: params.ChannelID,
		ReplyToID: params.ReplyToID,
		CreatedAt: s.now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		for _, a := range params.Attachments {
			att := AttachmentRecord{
				MessageID:        record.ID,
				Filename:         a.Filename,
				OriginalFilename: a.OriginalFilename,
				FileType:         a.FileType,
				FileSize:         a.FileSize,
			}
			if err := tx.Create(&att).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, record.ID)
}

func (s *SQLStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var record MessageRecord
	if err := s.db.WithContext(ctx).First(&record, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.assembleMessage(ctx, record)
}

func (s *SQLStore) assembleMessage(ctx context.Context, record MessageRecord) (*Message, error) {
	author, err := s.GetUser(ctx, record.AuthorID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:          record.ID,
		Content:     record.Content,
		Author:      *author,
		ChannelID:   record.ChannelID,
		CreatedAt:   record.CreatedAt,
		EditedAt:    record.EditedAt,
		IsPinned:    record.IsPinned,
		Attachments: []Attachment{},
		Reactions:   []Reaction{},
	}

	if record.ReplyToID != nil {
		var parent MessageRecord
		if err := s.db.WithContext(ctx).First(&parent, *record.ReplyToID).Error; err == nil {
			if parentAuthor, err := s.GetUser(ctx, parent.AuthorID); err == nil {
				msg.ReplyTo = &MessageRef{ID: parent.ID, Content: parent.Content, Author: *parentAuthor}
			}
		}
	}

	var attachments []AttachmentRecord
	if err := s.db.WithContext(ctx).Where("message_id = ?", record.ID).Find(&attachments).Error; err != nil {
		return nil, err
	}
	for _, a := range attachments {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:         a.Filename,
			OriginalFilename: a.OriginalFilename,
			FileType:         a.FileType,
			FileSize:         a.FileSize,
		})
	}

	var reactions []ReactionRecord
	if err := s.db.WithContext(ctx).
		Where("message_id = ?", record.ID).
		Order("emoji, user_id").
		Find(&reactions).Error; err != nil {
		return nil, err
	}
	byEmoji := map[string]*Reaction{}
	order := []string{}
	for _, r := range reactions {
		agg, ok := byEmoji[r.Emoji]
		if !ok {
			agg = &Reaction{Emoji: r.Emoji}
			byEmoji[r.Emoji] = agg
			order = append(order, r.Emoji)
		}
		agg.UserIDs = append(agg.UserIDs, r.UserID)
		agg.Count++
	}
	for _, emoji := range order {
		msg.Reactions = append(msg.Reactions, *byEmoji[emoji])
	}

	return msg, nil
}

func (s *SQLStore) EditMessage(ctx context.Context, id, authorID int64, content string) (*Message, error) {
	var record MessageRecord
	if err := s.db.WithContext(ctx).First(&record, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if record.AuthorID != authorID {
		return nil, ErrForbidden
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(&record).Updates(map[string]any{
		"content":   content,
		"edited_at": now,
	}).Error; err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLStore) DeleteMessage(ctx context.Context, id, authorID int64) (int64, error) {
	var record MessageRecord
	if err := s.db.WithContext(ctx).First(&record, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if record.AuthorID != authorID {
		return 0, ErrForbidden
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&AttachmentRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", id).Delete(&ReactionRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&record).Error
	})
	if err != nil {
		return 0, err
	}
	return record.ChannelID, nil
}

func (s *SQLStore) ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (*Message, error) {
	var record MessageRecord
	if err := s.db.WithContext(ctx).First(&record, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ReactionRecord
		err := tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
			First(&existing).Error
		switch {
		case err == nil:
			return tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
				Delete(&ReactionRecord{}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			reaction := ReactionRecord{
				MessageID: messageID,
				UserID:    userID,
				Emoji:     emoji,
				CreatedAt: s.now(),
			}
			return tx.Create(&reaction).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, messageID)
}

func (s *SQLStore) CreateDM(ctx context.Context, senderID, receiverID int64, content string) (*DirectMessage, error) {
	sender, err := s.GetUser(ctx, senderID)
	if err != nil {
		return nil, err
	}
	receiver, err := s.GetUser(ctx, receiverID)
	if err != nil {
		return nil, err
	}

	record := DMRecord{
		Content:    content,
		SenderID:   senderID,
		ReceiverID: receiverID,
		CreatedAt:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}

	return &DirectMessage{
		ID:        record.ID,
		Content:   record.Content,
		Sender:    *sender,
		Receiver:  *receiver,
		CreatedAt: record.CreatedAt,
		IsRead:    record.IsRead,
	}, nil
}
