package store

import (
	"context"
	"testing"
	"time"
)

func newSessionFixture(t *testing.T, maxPerUser int) (*SQLSessionStore, *time.Time) {
	t.Helper()
	db := openTestDB(t)
	s := NewSQLSessionStore(db, maxPerUser, testLogger())
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }
	return s, &current
}

func TestCreateMarksNewestCurrent(t *testing.T) {
	s, clock := newSessionFixture(t, 5)
	ctx := context.Background()

	if err := s.CreateOrRefresh(ctx, 1, "key-1", "Firefox", "Mozilla/5.0", "10.0.0.1"); err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}
	*clock = clock.Add(time.Minute)
	if err := s.CreateOrRefresh(ctx, 1, "key-2", "Chrome", "Mozilla/5.0", "10.0.0.2"); err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}

	sessions, err := s.ListByUser(ctx, 1)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	// Most recently active first.
	if sessions[0].SessionKey != "key-2" || !sessions[0].IsCurrent {
		t.Errorf("head = %+v, want key-2 current", sessions[0])
	}
	if sessions[1].IsCurrent {
		t.Error("older session still flagged current")
	}
	if sessions[0].DeviceName != "Chrome" || sessions[0].IPAddress != "10.0.0.2" {
		t.Errorf("device fields = %+v", sessions[0])
	}
}

func TestRefreshBumpsActivity(t *testing.T) {
	s, clock := newSessionFixture(t, 5)
	ctx := context.Background()

	if err := s.CreateOrRefresh(ctx, 1, "key-1", "Firefox", "Mozilla/5.0", "10.0.0.1"); err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}
	first := *clock
	*clock = clock.Add(10 * time.Minute)
	if err := s.CreateOrRefresh(ctx, 1, "key-1", "Firefox", "Mozilla/5.0", "10.0.0.1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	sessions, err := s.ListByUser(ctx, 1)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want the one refreshed record", len(sessions))
	}
	if !sessions[0].LastActivity.After(first) {
		t.Errorf("last_activity = %v, want bumped past %v", sessions[0].LastActivity, first)
	}
}

func TestPerUserBoundTrimsOldest(t *testing.T) {
	s, clock := newSessionFixture(t, 2)
	ctx := context.Background()

	for _, key := range []string{"key-1", "key-2", "key-3"} {
		if err := s.CreateOrRefresh(ctx, 1, key, "Firefox", "Mozilla/5.0", "10.0.0.1"); err != nil {
			t.Fatalf("CreateOrRefresh %s: %v", key, err)
		}
		*clock = clock.Add(time.Minute)
	}
	// Another user is untouched by the bound.
	if err := s.CreateOrRefresh(ctx, 2, "other-1", "Safari", "Mozilla/5.0", "10.0.0.9"); err != nil {
		t.Fatalf("CreateOrRefresh other: %v", err)
	}

	sessions, err := s.ListByUser(ctx, 1)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want the bound of 2", len(sessions))
	}
	for _, info := range sessions {
		if info.SessionKey == "key-1" {
			t.Error("oldest session survived the trim")
		}
	}

	others, err := s.ListByUser(ctx, 2)
	if err != nil {
		t.Fatalf("ListByUser other: %v", err)
	}
	if len(others) != 1 {
		t.Errorf("other user's sessions = %d, want 1", len(others))
	}
}

func TestDeleteChecksOwnership(t *testing.T) {
	s, _ := newSessionFixture(t, 5)
	ctx := context.Background()

	if err := s.CreateOrRefresh(ctx, 1, "key-1", "Firefox", "Mozilla/5.0", "10.0.0.1"); err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}

	// Wrong owner: the record stays.
	if err := s.Delete(ctx, "key-1", 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	sessions, _ := s.ListByUser(ctx, 1)
	if len(sessions) != 1 {
		t.Fatal("another user's delete removed the session")
	}

	if err := s.Delete(ctx, "key-1", 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	sessions, _ = s.ListByUser(ctx, 1)
	if len(sessions) != 0 {
		t.Error("owner delete left the session behind")
	}
}

func TestDeleteInactiveSince(t *testing.T) {
	s, clock := newSessionFixture(t, 5)
	ctx := context.Background()

	if err := s.CreateOrRefresh(ctx, 1, "stale", "Firefox", "Mozilla/5.0", "10.0.0.1"); err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}
	*clock = clock.Add(8 * 24 * time.Hour)
	if err := s.CreateOrRefresh(ctx, 1, "fresh", "Chrome", "Mozilla/5.0", "10.0.0.2"); err != nil {
		t.Fatalf("CreateOrRefresh: %v", err)
	}

	cutoff := clock.Add(-7 * 24 * time.Hour)
	deleted, err := s.DeleteInactiveSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteInactiveSince: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	sessions, err := s.ListByUser(ctx, 1)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionKey != "fresh" {
		t.Errorf("survivors = %+v, want only the fresh session", sessions)
	}
}
