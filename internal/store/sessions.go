package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// SessionRecord is the durable row behind one device/session.
type SessionRecord struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       int64     `gorm:"column:user_id;index"`
	SessionKey   string    `gorm:"column:session_key;uniqueIndex;size:64;not null"`
	DeviceName   string    `gorm:"column:device_name;size:100"`
	UserAgent    string    `gorm:"column:user_agent;size:200"`
	IPAddress    string    `gorm:"column:ip_address;size:64"`
	LastActivity time.Time `gorm:"column:last_activity;index"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	IsCurrent    bool      `gorm:"column:is_current"`
}

func (SessionRecord) TableName() string { return "user_sessions" }

// SQLSessionStore persists session records in SQLite via gorm.
type SQLSessionStore struct {
	db         *gorm.DB
	maxPerUser int
	now        func() time.Time
	logger     *slog.Logger
}

var _ SessionStore = (*SQLSessionStore)(nil)

func NewSQLSessionStore(db *gorm.DB, maxPerUser int, logger *slog.Logger) *SQLSessionStore {
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	return &SQLSessionStore{
		db:         db,
		maxPerUser: maxPerUser,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "session_store")),
	}
}

func (s *SQLSessionStore) CreateOrRefresh(ctx context.Context, userID int64, sessionKey, deviceName, userAgent, ipAddress string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SessionRecord
		err := tx.Where("session_key = ?", sessionKey).First(&existing).Error
		switch {
		case err == nil:
			return tx.Model(&existing).Updates(map[string]any{
				"last_activity": now,
				"is_current":    true,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to insert
		default:
			return err
		}

		if err := tx.Model(&SessionRecord{}).
			Where("user_id = ?", userID).
			Update("is_current", false).Error; err != nil {
			return err
		}

		record := SessionRecord{
			UserID:       userID,
			SessionKey:   sessionKey,
			DeviceName:   deviceName,
			UserAgent:    userAgent,
			IPAddress:    ipAddress,
			LastActivity: now,
			IsCurrent:    true,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return s.trimToBound(tx, userID)
	})
}

// trimToBound keeps only the most recently active records for the user.
func (s *SQLSessionStore) trimToBound(tx *gorm.DB, userID int64) error {
	var keep []int64
	if err := tx.Model(&SessionRecord{}).
		Where("user_id = ?", userID).
		Order("last_activity DESC").
		Limit(s.maxPerUser).
		Pluck("id", &keep).Error; err != nil {
		return err
	}
	return tx.Where("user_id = ? AND id NOT IN ?", userID, keep).
		Delete(&SessionRecord{}).Error
}

func (s *SQLSessionStore) Delete(ctx context.Context, sessionKey string, userID int64) error {
	return s.db.WithContext(ctx).
		Where("session_key = ? AND user_id = ?", sessionKey, userID).
		Delete(&SessionRecord{}).Error
}

func (s *SQLSessionStore) ListByUser(ctx context.Context, userID int64) ([]SessionInfo, error) {
	var records []SessionRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_activity DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, SessionInfo{
			ID:           r.ID,
			SessionKey:   r.SessionKey,
			DeviceName:   r.DeviceName,
			UserAgent:    r.UserAgent,
			IPAddress:    r.IPAddress,
			LastActivity: r.LastActivity,
			CreatedAt:    r.CreatedAt,
			IsCurrent:    r.IsCurrent,
		})
	}
	return infos, nil
}

func (s *SQLSessionStore) Touch(ctx context.Context, sessionKey string) error {
	return s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("session_key = ?", sessionKey).
		Update("last_activity", s.now()).Error
}

func (s *SQLSessionStore) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("last_activity < ?", cutoff).
		Delete(&SessionRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Info("swept inactive sessions", slog.Int64("deleted", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
