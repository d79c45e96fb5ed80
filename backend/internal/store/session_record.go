package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"collabSession/backend/internal/collab"
)

// SessionRecord 一场结对练习结束后的归档
type SessionRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID        string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"roomId"`
	User1ID       string    `gorm:"type:varchar(64);index" json:"user1Id"`
	User1Name     string    `gorm:"type:varchar(255)" json:"user1Name"`
	User2ID       string    `gorm:"type:varchar(64);index" json:"user2Id"`
	User2Name     string    `gorm:"type:varchar(255)" json:"user2Name"`
	QuestionID    string    `gorm:"type:varchar(64)" json:"questionId"`
	QuestionTitle string    `gorm:"type:varchar(255)" json:"questionTitle"`
	Language      string    `gorm:"type:varchar(32)" json:"language"`
	FinalCode     string    `gorm:"type:mediumtext" json:"finalCode"`
	FinalRevision uint64    `json:"finalRevision"`
	EndCause      string    `gorm:"type:varchar(32)" json:"endCause"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt"`
	DurationSec   int64     `json:"durationSec"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (SessionRecord) TableName() string { return "session_records" }

type SessionRecordStore struct{ db *gorm.DB }

func NewSessionRecordStore(db *gorm.DB) *SessionRecordStore {
	return &SessionRecordStore{db: db}
}

func (s *SessionRecordStore) AutoMigrate() error {
	return s.db.AutoMigrate(&SessionRecord{})
}

func (s *SessionRecordStore) SaveSessionRecord(ctx context.Context, rec collab.SessionRecord) error {
	row := toRow(rec)
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil && isDuplicate(err) {
		return nil
	}
	return err
}

// ListByParticipant 按结束时间倒序列出某个参与者的历史会话
func (s *SessionRecordStore) ListByParticipant(ctx context.Context, participantID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []SessionRecord
	err := s.db.WithContext(ctx).
		Where("user1_id = ? OR user2_id = ?", participantID, participantID).
		Order("ended_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func toRow(rec collab.SessionRecord) SessionRecord {
	row := SessionRecord{
		RoomID:        rec.RoomID,
		QuestionID:    rec.QuestionID,
		QuestionTitle: rec.QuestionTitle,
		Language:      rec.Language,
		FinalCode:     rec.FinalCode,
		FinalRevision: rec.Revision,
		EndCause:      rec.EndCause,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
		DurationSec:   int64(rec.Duration / time.Second),
	}
	if len(rec.Participants) > 0 {
		row.User1ID, row.User1Name = rec.Participants[0].ID, rec.Participants[0].DisplayName
	}
	if len(rec.Participants) > 1 {
		row.User2ID, row.User2Name = rec.Participants[1].ID, rec.Participants[1].DisplayName
	}
	return row
}
