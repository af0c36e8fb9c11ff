// Package preferences keeps validated, mergeable per-user settings documents.
package preferences

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultStorageTimeout = 5 * time.Second
	defaultMaxBytes       = 16 * 1024
	defaultMaxDepth       = 8
)

var errMissingDatabase = errors.New("preferences: database handle is required")

// Record is the persisted preference document of one user.
type Record struct {
	UserID      int64             `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Preferences datatypes.JSONMap `gorm:"column:preferences;not null"`
	UpdatedAt   time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "user_preferences"
}

// Config describes the dependencies of the store.
type Config struct {
	Database       *gorm.DB
	Logger         *zap.Logger
	Clock          func() time.Time
	StorageTimeout time.Duration
	Limits         Limits
}

// Store reads and merges preference documents.
type Store struct {
	db      *gorm.DB
	logger  *zap.Logger
	clock   func() time.Time
	timeout time.Duration
	limits  Limits
}

// NewStore constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.StorageTimeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	limits := cfg.Limits
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = defaultMaxBytes
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = defaultMaxDepth
	}
	return &Store{db: cfg.Database, logger: logger, clock: clock, timeout: timeout, limits: limits}, nil
}

// Get returns the user's document, or an empty one when nothing was stored yet.
func (s *Store) Get(ctx context.Context, userID snowflake.ID) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	document, err := load(s.db.WithContext(ctx), userID)
	if err != nil {
		s.logger.Error("preferences load failed", zap.Int64("user_id", userID.Int64()), zap.Error(err))
		return nil, fmt.Errorf("preferences: get: %w", err)
	}
	return document, nil
}

// Merge replaces every key present in partial and leaves the other keys untouched.
// It returns the full stored document. An invalid partial leaves storage unchanged.
func (s *Store) Merge(ctx context.Context, userID snowflake.ID, partial Document) (Document, error) {
	normalizedPartial, _, err := normalize(partial, s.limits)
	if err != nil {
		return nil, err
	}
	if len(normalizedPartial) == 0 {
		return s.Get(ctx, userID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var merged Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := loadForUpdate(tx, userID)
		if err != nil {
			return err
		}
		next := current.clone()
		for key, value := range normalizedPartial {
			next[key] = value
		}
		normalized, _, err := normalize(next, s.limits)
		if err != nil {
			return err
		}
		if err := s.save(tx, userID, normalized); err != nil {
			return err
		}
		merged = normalized
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrInvalidPreference) {
			return nil, txErr
		}
		s.logger.Error("preferences merge failed", zap.Int64("user_id", userID.Int64()), zap.Error(txErr))
		return nil, fmt.Errorf("preferences: merge: %w", txErr)
	}
	return merged, nil
}

// Reset restores the empty document.
func (s *Store) Reset(ctx context.Context, userID snowflake.ID) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.save(s.db.WithContext(ctx), userID, Document{}); err != nil {
		s.logger.Error("preferences reset failed", zap.Int64("user_id", userID.Int64()), zap.Error(err))
		return nil, fmt.Errorf("preferences: reset: %w", err)
	}
	return Document{}, nil
}

func (s *Store) save(db *gorm.DB, userID snowflake.ID, document Document) error {
	record := Record{
		UserID:      userID.Int64(),
		Preferences: datatypes.JSONMap(document),
		UpdatedAt:   s.clock().UTC(),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"preferences", "updated_at"}),
	}).Create(&record).Error
}

func load(db *gorm.DB, userID snowflake.ID) (Document, error) {
	var record Record
	err := db.Where("user_id = ?", userID.Int64()).Take(&record).Error
	return documentFrom(record, err)
}

func loadForUpdate(tx *gorm.DB, userID snowflake.ID) (Document, error) {
	var record Record
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.Int64()).
		Take(&record).Error
	return documentFrom(record, err)
}

func documentFrom(record Record, err error) (Document, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, nil
	}
	if err != nil {
		return nil, err
	}
	document := make(Document, len(record.Preferences))
	for key, value := range record.Preferences {
		document[key] = value
	}
	return document, nil
}
