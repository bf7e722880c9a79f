package quota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// UsageRecord is one user-day usage counter row.
type UsageRecord struct {
	ID     uint   `gorm:"primaryKey"`
	UserID string `gorm:"uniqueIndex:idx_user_date;size:128"`
	Date   string `gorm:"uniqueIndex:idx_user_date;size:10"`
	Used   int
}

// UserLimit holds a per-user daily allowance override.
type UserLimit struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     string `gorm:"uniqueIndex;size:128"`
	DailyLimit int
}

// GormStore persists quota counters through GORM. The increment runs inside
// a transaction so concurrent consumers of the same counter serialize on the
// row.
type GormStore struct {
	db           *gorm.DB
	defaultLimit int
}

// OpenSQLite opens (and migrates) a sqlite-backed store at path. The DSN
// enables WAL and a busy timeout, and the connection pool is capped at a
// single connection so concurrent increments queue instead of failing with
// SQLITE_BUSY.
func OpenSQLite(path string) (*GormStore, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&UsageRecord{}, &UserLimit{}); err != nil {
		return nil, fmt.Errorf("migrate quota tables: %w", err)
	}
	defaultLimit := 5000
	if v, err := strconv.Atoi(os.Getenv("DEFAULT_DAILY_LIMIT")); err == nil && v > 0 {
		defaultLimit = v
	}
	return &GormStore{db: db, defaultLimit: defaultLimit}, nil
}

func (s *GormStore) GetDailyUsage(ctx context.Context, userID, date string) (int, error) {
	var rec UsageRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, date).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query usage: %w", err)
	}
	return rec.Used, nil
}

func (s *GormStore) IncrementDailyUsage(ctx context.Context, userID, date string, delta int) (int, error) {
	var total int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Single upsert: first-of-day create and increment race-free even
		// when several files of the same user land at once.
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"used": gorm.Expr("used + ?", delta)}),
		}).Create(&UsageRecord{UserID: userID, Date: date, Used: delta}).Error
		if err != nil {
			return fmt.Errorf("upsert usage: %w", err)
		}
		var rec UsageRecord
		if err := tx.Where("user_id = ? AND date = ?", userID, date).First(&rec).Error; err != nil {
			return fmt.Errorf("reread usage: %w", err)
		}
		total = rec.Used
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *GormStore) GetUserDailyLimit(ctx context.Context, userID string) (int, error) {
	var lim UserLimit
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&lim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.defaultLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query limit: %w", err)
	}
	return lim.DailyLimit, nil
}

// SetUserDailyLimit upserts a per-user allowance; used by the admin surface.
func (s *GormStore) SetUserDailyLimit(ctx context.Context, userID string, limit int) error {
	var lim UserLimit
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&lim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&UserLimit{UserID: userID, DailyLimit: limit}).Error
	}
	if err != nil {
		return fmt.Errorf("query limit: %w", err)
	}
	return s.db.WithContext(ctx).Model(&lim).Update("daily_limit", limit).Error
}
