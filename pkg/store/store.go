// Package store persists reviewer activity holds in sqlite through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/codeGROOVE-dev/review-triage/pkg/team"
)

// CandidateHold records the time until which one listing of a reviewer is at
// its activity limit. Reviewer and merger listings of a person are separate rows.
type CandidateHold struct {
	Until         time.Time `gorm:"column:held_until;index"`
	UpdatedAt     time.Time
	Login         string `gorm:"primaryKey"`
	WindowSeconds int64  `gorm:"primaryKey;autoIncrement:false;column:window_seconds"`
	Limit         int    `gorm:"primaryKey;autoIncrement:false;column:activity_limit"`
	CanMerge      bool   `gorm:"primaryKey;column:can_merge"`
}

var holdKeyColumns = []clause.Column{{Name: "login"}, {Name: "window_seconds"}, {Name: "activity_limit"}, {Name: "can_merge"}}

// Holds is a sqlite backed hold store.
type Holds struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Holds, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&CandidateHold{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Holds{db: db}, nil
}

// Close closes the underlying connection.
func (h *Holds) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Hold returns the stored hold for a listing, or the zero time if none is stored.
func (h *Holds) Hold(ctx context.Context, key team.HoldKey) (time.Time, error) {
	var hold CandidateHold
	k := row(key)
	err := h.db.WithContext(ctx).
		Where("login = ? AND window_seconds = ? AND activity_limit = ? AND can_merge = ?",
			k.Login, k.WindowSeconds, k.Limit, k.CanMerge).
		First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load hold for %s: %w", key.Login, err)
	}
	return hold.Until, nil
}

// SetHold stores until for a listing, replacing any earlier value.
func (h *Holds) SetHold(ctx context.Context, key team.HoldKey, until time.Time) error {
	hold := row(key)
	hold.Until = until.UTC()
	err := h.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   holdKeyColumns,
		DoUpdates: clause.AssignmentColumns([]string{"held_until", "updated_at"}),
	}).Create(&hold).Error
	if err != nil {
		return fmt.Errorf("store hold for %s: %w", key.Login, err)
	}
	return nil
}

// Prune deletes holds that expired before now and reports how many were removed.
func (h *Holds) Prune(ctx context.Context, now time.Time) (int64, error) {
	res := h.db.WithContext(ctx).Where("held_until < ?", now.UTC()).Delete(&CandidateHold{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune holds: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func row(key team.HoldKey) CandidateHold {
	return CandidateHold{
		Login:         strings.ToLower(key.Login),
		WindowSeconds: int64(key.Window / time.Second),
		Limit:         key.Limit,
		CanMerge:      key.CanMerge,
	}
}
