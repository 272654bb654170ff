// Package gormstore keeps stored recitation records in a SQL database.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/escalopa/quran-lab/internal/domain"
)

// RecitationRecord is one stored submission with its scoring and review trail
type RecitationRecord struct {
	SubmissionID   string `gorm:"primaryKey;size:64"`
	UserID         string `gorm:"index;size:64;not null"`
	Status         string `gorm:"size:32;not null"`
	Qiraat         string `gorm:"size:16"`
	Surah          int    `gorm:"index"`
	FromAyah       int
	ToAyah         int
	Accuracy       float64
	Confidence     float64
	Awarded        float64
	LevelKey       string `gorm:"size:32"`
	AttestationRef string `gorm:"size:255"`
	Unattested     bool
	Payload        datatypes.JSON `gorm:"type:jsonb"`
	StoredAt       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RecitationRecord) TableName() string { return "recitation_records" }

type Store struct {
	db *gorm.DB
}

// Open connects to postgres or sqlite with a quiet gorm logger
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	return db, nil
}

// NewStore migrates the schema and returns a store over db
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&RecitationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate recitation records: %w", err)
	}
	return &Store{db: db}, nil
}

// Persist upserts the composite record keyed by submission id, so a retried
// persist overwrites instead of duplicating.
func (s *Store) Persist(ctx context.Context, rec *domain.CompositeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal composite record: %w", err)
	}

	sub := rec.Submission
	row := RecitationRecord{
		SubmissionID:   sub.ID,
		UserID:         sub.UserID,
		Status:         string(sub.Status),
		Qiraat:         string(sub.Qiraat),
		Surah:          sub.Locator.Surah,
		FromAyah:       sub.Locator.FromAyah,
		ToAyah:         sub.Locator.ToAyah,
		AttestationRef: sub.AttestationRef,
		Unattested:     sub.Unattested,
		Payload:        datatypes.JSON(payload),
		StoredAt:       rec.StoredAt,
	}
	if sub.Analysis != nil {
		row.Accuracy = sub.Analysis.Accuracy
		row.Confidence = sub.Analysis.Confidence
	}
	if rec.Points != nil {
		row.Awarded = rec.Points.Awarded
	}
	if rec.Level != nil {
		row.LevelKey = rec.Level.Key
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "submission_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"accuracy",
			"confidence",
			"awarded",
			"level_key",
			"attestation_ref",
			"unattested",
			"payload",
			"stored_at",
			"updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert recitation record %s: %w", sub.ID, err)
	}
	return nil
}

// Get loads the stored composite record for a submission
func (s *Store) Get(ctx context.Context, submissionID string) (*domain.CompositeRecord, error) {
	var row RecitationRecord
	err := s.db.WithContext(ctx).Where("submission_id = ?", submissionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("stored record %s: %w", submissionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load recitation record %s: %w", submissionID, err)
	}
	var rec domain.CompositeRecord
	if err := json.Unmarshal(row.Payload, &rec); err != nil {
		return nil, fmt.Errorf("decode recitation record %s: %w", submissionID, err)
	}
	return &rec, nil
}

// History lists a user's stored submissions, newest first
func (s *Store) History(ctx context.Context, userID string, limit int) ([]RecitationRecord, error) {
	var rows []RecitationRecord
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("stored_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list history for %s: %w", userID, err)
	}
	return rows, nil
}
