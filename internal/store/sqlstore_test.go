package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"gorm.io/gorm"
)

func testLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

// seedWorld inserts two users sharing server 1, with a text and a voice
// channel.
func seedWorld(t *testing.T, db *gorm.DB) {
	t.Helper()
	records := []any{
		&UserRecord{ID: 1, Username: "alice", Discriminator: "0001", Status: "online", EmailVerified: true},
		&UserRecord{ID: 2, Username: "bob", Discriminator: "0002", Status: "offline"},
		&ServerMemberRecord{ServerID: 1, UserID: 1},
		&ServerMemberRecord{ServerID: 1, UserID: 2},
		&ServerMemberRecord{ServerID: 2, UserID: 1},
		&ChannelRecord{ID: 10, ServerID: 1, Name: "general", Type: "text"},
		&ChannelRecord{ID: 11, ServerID: 1, Name: "lounge", Type: "voice"},
	}
	for _, r := range records {
		if err := db.Create(r).Error; err != nil {
			t.Fatalf("seed %T: %v", r, err)
		}
	}
}

func TestGetUserSnapshot(t *testing.T) {
	db := openTestDB(t)
	seedWorld(t, db)
	s := NewSQLStore(db, testLogger())
	ctx := context.Background()

	snap, err := s.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if snap.Tag != "alice#0001" {
		t.Errorf("tag = %q, want alice#0001", snap.Tag)
	}
	if !snap.Verified {
		t.Error("verified flag lost in snapshot")
	}
	if snap.Status != "online" {
		t.Errorf("status = %q", snap.Status)
	}

	if _, err := s.GetUser(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	db := openTestDB(t)
	seedWorld(t, db)
	s := NewSQLStore(db, testLogger())
	ctx := context.Background()

	if err := s.UpdateStatus(ctx, 2, "dnd"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	snap, err := s.GetUser(ctx, 2)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if snap.Status != "dnd" {
		t.Errorf("status = %q, want dnd", snap.Status)
	}
}

func TestMembershipQueries(t *testing.T) {
	db := openTestDB(t)
	seedWorld(t, db)
	s := NewSQLStore(db, testLogger())
	ctx := context.Background()

	servers, err := s.ServersOf(ctx, 1)
	if err != nil {
		t.Fatalf("ServersOf: %v", err)
	}
	if len(servers) != 2 {
		t.Errorf("alice servers = %v, want two", servers)
	}

	member, err := s.IsMember(ctx, 2, 2)
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if member {
		t.Error("bob reported as member of server 2")
	}

	ch, err := s.GetChannel(ctx, 11)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if ch.Type != ChannelVoice || ch.ServerID != 1 {
		t.Errorf("channel = %+v", ch)
	}
	if _, err := s.GetChannel(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing channel error = %v, want ErrNotFound", err)
	}
}

func TestMessageLifecycle(t *testing.T) {
	db := openTestDB(t)
	seedWorld(t, db)
	s := NewSQLStore(db, testLogger())
	ctx := context.Background()

	parent, err := s.CreateMessage(ctx, CreateMessageParams{
		ChannelID: 10,
		AuthorID:  1,
		Content:   "first",
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	reply, err := s.CreateMessage(ctx, CreateMessageParams{
		ChannelID: 10,
		AuthorID:  2,
		Content:   "a reply",
		ReplyToID: &parent.ID,
		Attachments: []Attachment{
			{Filename: "a1b2.png", OriginalFilename: "cat.png", FileType: "image/png", FileSize: 2048},
		},
	})
	if err != nil {
		t.Fatalf("CreateMessage reply: %v", err)
	}
	if reply.ReplyTo == nil || reply.ReplyTo.ID != parent.ID || reply.ReplyTo.Author.ID != 1 {
		t.Errorf("reply_to = %+v", reply.ReplyTo)
	}
	if len(reply.Attachments) != 1 || reply.Attachments[0].OriginalFilename != "cat.png" {
		t.Errorf("attachments = %+v", reply.Attachments)
	}

	if _, err := s.EditMessage(ctx, parent.ID, 2, "hijacked"); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-author edit error = %v, want ErrForbidden", err)
	}
	edited, err := s.EditMessage(ctx, parent.ID, 1, "first, edited")
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited.Content != "first, edited" || edited.EditedAt == nil {
		t.Errorf("edited = %+v", edited)
	}

	if _, err := s.DeleteMessage(ctx, reply.ID, 1); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-author delete error = %v, want ErrForbidden", err)
	}
	channelID, err := s.DeleteMessage(ctx, reply.ID, 2)
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if channelID != 10 {
		t.Errorf("channel id = %d, want 10", channelID)
	}
	if _, err := s.GetMessage(ctx, reply.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted message error = %v, want ErrNotFound", err)
	}

	var orphans int64
	if err := db.Model(&AttachmentRecord{}).Where("message_id = ?", reply.ID).Count(&orphans).Error; err != nil {
		t.Fatalf("count attachments: %v", err)
	}
	if orphans != 0 {
		t.Errorf("%d attachment rows survived the delete", orphans)
	}
}

func TestToggleReaction(t *testing.T) {
	db := openTestDB(t)
	seedWorld(t, db)
	s := NewSQLStore(db, testLogger())
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, CreateMessageParams{ChannelID: 10, AuthorID: 1, Content: "react"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	updated, err := s.ToggleReaction(ctx, msg.ID, 2, "🔥")
	if err != nil {
		t.Fatalf("ToggleReaction add: %v", err)
	}
	if len(updated.Reactions) != 1 || updated.Reactions[0].Count != 1 {
		t.Fatalf("reactions = %+v", updated.Reactions)
	}

	// Same emoji from a second user aggregates.
	updated, err = s.ToggleReaction(ctx, msg.ID, 1, "🔥")
	if err != nil {
		t.Fatalf("ToggleReaction second user: %v", err)
	}
	if len(updated.Reactions) != 1 || updated.Reactions[0].Count != 2 {
		t.Fatalf("reactions = %+v, want one emoji with count 2", updated.Reactions)
	}

	// Toggling again removes only that user's entry.
	updated, err = s.ToggleReaction(ctx, msg.ID, 2, "🔥")
	if err != nil {
		t.Fatalf("ToggleReaction remove: %v", err)
	}
	if len(updated.Reactions) != 1 || updated.Reactions[0].Count != 1 || updated.Reactions[0].UserIDs[0] != 1 {
		t.Errorf("reactions = %+v, want user 1 only", updated.Reactions)
	}

	if _, err := s.ToggleReaction(ctx, 404, 1, "🔥"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing message error = %v, want ErrNotFound", err)
	}
}

func TestCreateDM(t *testing.T) {
	db := openTestDB(t)
	seedWorld(t, db)
	s := NewSQLStore(db, testLogger())
	ctx := context.Background()

	dm, err := s.CreateDM(ctx, 1, 2, "psst")
	if err != nil {
		t.Fatalf("CreateDM: %v", err)
	}
	if dm.Sender.ID != 1 || dm.Receiver.ID != 2 || dm.Content != "psst" {
		t.Errorf("dm = %+v", dm)
	}
	if dm.IsRead {
		t.Error("fresh dm marked read")
	}

	if _, err := s.CreateDM(ctx, 1, 99, "void"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing receiver error = %v, want ErrNotFound", err)
	}
}

func TestEditPreservesCreatedAt(t *testing.T) {
	db := openTestDB(t)
	seedWorld(t, db)
	s := NewSQLStore(db, testLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	ctx := context.Background()
	msg, err := s.CreateMessage(ctx, CreateMessageParams{ChannelID: 10, AuthorID: 1, Content: "v1"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	current = base.Add(5 * time.Minute)
	edited, err := s.EditMessage(ctx, msg.ID, 1, "v2")
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if !edited.CreatedAt.Equal(msg.CreatedAt) {
		t.Errorf("created_at moved: %v -> %v", msg.CreatedAt, edited.CreatedAt)
	}
	if edited.EditedAt == nil || !edited.EditedAt.Equal(current) {
		t.Errorf("edited_at = %v, want %v", edited.EditedAt, current)
	}
}
