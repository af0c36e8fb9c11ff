// Package social stores directed user blocks and answers display visibility questions.
package social

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultStorageTimeout = 5 * time.Second

var errMissingDatabase = errors.New("social: database handle is required")

// Block is a directed edge: BlockerID no longer wants to see BlockeeID.
type Block struct {
	BlockerID int64     `gorm:"column:blocker_id;primaryKey;autoIncrement:false"`
	BlockeeID int64     `gorm:"column:blockee_id;primaryKey;autoIncrement:false;index:idx_social_blocks_blockee"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Block) TableName() string {
	return "social_blocks"
}

// Config describes the dependencies of the graph.
type Config struct {
	Database       *gorm.DB
	Logger         *zap.Logger
	StorageTimeout time.Duration
}

// Graph answers whether two users may see each other.
type Graph struct {
	db      *gorm.DB
	logger  *zap.Logger
	timeout time.Duration
}

// NewGraph constructs a Graph.
func NewGraph(cfg Config) (*Graph, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.StorageTimeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	return &Graph{db: cfg.Database, logger: logger, timeout: timeout}, nil
}

// Block records that blocker hides blockee. Repeating a block is a no-op.
func (g *Graph) Block(ctx context.Context, blocker, blockee snowflake.ID) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	edge := Block{BlockerID: blocker.Int64(), BlockeeID: blockee.Int64()}
	if err := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error; err != nil {
		g.logger.Error("social block failed",
			zap.Int64("blocker_id", blocker.Int64()),
			zap.Int64("blockee_id", blockee.Int64()),
			zap.Error(err))
		return fmt.Errorf("social: block: %w", err)
	}
	return nil
}

// Unblock removes the edge if present. Removing a missing edge is a no-op.
func (g *Graph) Unblock(ctx context.Context, blocker, blockee snowflake.ID) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.db.WithContext(ctx).
		Where("blocker_id = ? AND blockee_id = ?", blocker.Int64(), blockee.Int64()).
		Delete(&Block{}).Error
	if err != nil {
		g.logger.Error("social unblock failed",
			zap.Int64("blocker_id", blocker.Int64()),
			zap.Int64("blockee_id", blockee.Int64()),
			zap.Error(err))
		return fmt.Errorf("social: unblock: %w", err)
	}
	return nil
}

// IsVisible reports whether subject may be shown to viewer. A block in either
// direction hides the pair; a user is always visible to themselves.
func (g *Graph) IsVisible(ctx context.Context, viewer, subject snowflake.ID) (bool, error) {
	if viewer == subject {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var count int64
	err := g.db.WithContext(ctx).
		Model(&Block{}).
		Where("(blocker_id = ? AND blockee_id = ?) OR (blocker_id = ? AND blockee_id = ?)",
			viewer.Int64(), subject.Int64(), subject.Int64(), viewer.Int64()).
		Count(&count).Error
	if err != nil {
		g.logger.Error("social visibility lookup failed",
			zap.Int64("viewer_id", viewer.Int64()),
			zap.Int64("subject_id", subject.Int64()),
			zap.Error(err))
		return false, fmt.Errorf("social: visibility: %w", err)
	}
	return count == 0, nil
}

// Blocked lists the users blocked by blocker, excluding self-blocks.
func (g *Graph) Blocked(ctx context.Context, blocker snowflake.ID) ([]snowflake.ID, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var edges []Block
	err := g.db.WithContext(ctx).
		Where("blocker_id = ? AND blockee_id <> blocker_id", blocker.Int64()).
		Order("created_at ASC, blockee_id ASC").
		Find(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("social: blocked: %w", err)
	}
	blocked := make([]snowflake.ID, 0, len(edges))
	for _, edge := range edges {
		blocked = append(blocked, snowflake.ID(edge.BlockeeID))
	}
	return blocked, nil
}

// HiddenFrom returns every user hidden from viewer in either direction.
func (g *Graph) HiddenFrom(ctx context.Context, viewer snowflake.ID) (map[snowflake.ID]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var edges []Block
	err := g.db.WithContext(ctx).
		Where("blocker_id = ? OR blockee_id = ?", viewer.Int64(), viewer.Int64()).
		Find(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("social: hidden: %w", err)
	}
	hidden := make(map[snowflake.ID]struct{}, len(edges))
	for _, edge := range edges {
		other := edge.BlockeeID
		if other == viewer.Int64() {
			other = edge.BlockerID
		}
		if other == viewer.Int64() {
			continue
		}
		hidden[snowflake.ID(other)] = struct{}{}
	}
	return hidden, nil
}
