package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultStorageTimeout = 5 * time.Second
	persistBatchSize      = 200

	opBoardNew    = "leaderboard.new"
	opLoad        = "leaderboard.load"
	opRecordGet   = "leaderboard.record_get"
	opOverride    = "leaderboard.override"
	opReconcile   = "leaderboard.reconcile"
	reasonMissing = "missing_database"
	reasonInvalid = "invalid_request"
	reasonQuery   = "query_failed"
	reasonTally   = "tally_failed"
	reasonPersist = "persist_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingTallies  = errors.New("tally reader is required")
	errNegativeTotal   = errors.New("total must not be negative")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation-qualified failure code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// TallyReader supplies the authoritative claim counts. The board reads it while
// holding its write lock, so a tally and the write derived from it cannot be
// split by another board update.
type TallyReader interface {
	TallyUser(ctx context.Context, userID snowflake.ID) (ClaimTally, error)
	TallyAll(ctx context.Context) ([]ClaimTally, error)
}

// Config describes the dependencies of a Board.
type Config struct {
	Database *gorm.DB
	// Tallies makes RecordGet idempotent per claim and enables Reconcile.
	// Without it RecordGet counts calls.
	Tallies        TallyReader
	Logger         *zap.Logger
	Clock          func() time.Time
	StorageTimeout time.Duration
}

// Board keeps the ranked leaderboard in memory and persisted. Writers are
// serialized; readers see the last published snapshot without locking.
type Board struct {
	db      *gorm.DB
	tallies TallyReader
	logger  *zap.Logger
	clock   func() time.Time
	timeout time.Duration

	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// New constructs an empty Board. Call Load to adopt persisted standings.
func New(cfg Config) (*Board, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opBoardNew, reasonMissing, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	timeout := cfg.StorageTimeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	board := &Board{db: cfg.Database, tallies: cfg.Tallies, logger: logger, clock: clock, timeout: timeout}
	board.current.Store(emptySnapshot())
	return board, nil
}

// Load replaces the in-memory order with the persisted entries, repairing stored ranks if needed.
func (b *Board) Load(ctx context.Context) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var stored []Entry
	if err := b.db.WithContext(ctx).Find(&stored).Error; err != nil {
		b.logError(opLoad, reasonQuery, err)
		return newServiceError(opLoad, reasonQuery, err)
	}
	storedRanks := make(map[int64]int, len(stored))
	for _, entry := range stored {
		storedRanks[entry.UserID] = entry.Rank
	}

	next := buildSnapshot(stored)
	var repaired []Entry
	for _, entry := range next.entries {
		if storedRanks[entry.UserID] != entry.Rank {
			repaired = append(repaired, entry)
		}
	}
	if err := b.persist(ctx, repaired); err != nil {
		b.logError(opLoad, reasonPersist, err)
		return newServiceError(opLoad, reasonPersist, err)
	}
	b.current.Store(next)
	b.logger.Info("leaderboard loaded",
		zap.Int("entries", len(next.entries)),
		zap.Int("repaired_ranks", len(repaired)))
	return nil
}

// RecordGet accounts for a get the user made at the given time and returns the
// updated entry. With a tally reader the entry is set from the user's claim
// tally, so recording the same committed claim twice counts it once.
func (b *Board) RecordGet(ctx context.Context, userID snowflake.ID, at time.Time) (Entry, error) {
	if !userID.Valid() {
		return Entry{}, newServiceError(opRecordGet, reasonInvalid, snowflake.ErrInvalidID)
	}
	return b.apply(ctx, opRecordGet, userID, func(ctx context.Context, entry Entry) (Entry, bool, error) {
		if b.tallies == nil {
			entry.TotalGets++
			if millis := at.UnixMilli(); millis > entry.LastGetMillis {
				entry.LastGetMillis = millis
			}
			return entry, true, nil
		}
		tally, err := b.tallies.TallyUser(ctx, userID)
		if err != nil {
			return entry, false, err
		}
		next, differs := alignWithTally(entry, tally)
		return next, differs, nil
	})
}

// Override sets the user's displayed total without touching claim records.
func (b *Board) Override(ctx context.Context, userID snowflake.ID, total int64) (Entry, error) {
	if !userID.Valid() {
		return Entry{}, newServiceError(opOverride, reasonInvalid, snowflake.ErrInvalidID)
	}
	if total < 0 {
		return Entry{}, newServiceError(opOverride, reasonInvalid, errNegativeTotal)
	}
	return b.apply(ctx, opOverride, userID, func(_ context.Context, entry Entry) (Entry, bool, error) {
		if entry.TotalGets == total {
			return entry, false, nil
		}
		entry.Adjustment += total - entry.TotalGets
		entry.TotalGets = total
		// An entry without gets takes the override time, so it does not outrank
		// users who reached the same total earlier.
		if entry.LastGetMillis == 0 {
			entry.LastGetMillis = b.clock().UnixMilli()
		}
		return entry, true, nil
	})
}

// Reconcile aligns every entry with the claim tallies, read under the write lock.
// Users without a tally are treated as having no claims.
func (b *Board) Reconcile(ctx context.Context) (ReconcileReport, error) {
	if b.tallies == nil {
		return ReconcileReport{}, newServiceError(opReconcile, reasonTally, errMissingTallies)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	tallies, err := b.tallies.TallyAll(ctx)
	if err != nil {
		b.logError(opReconcile, reasonTally, err)
		return ReconcileReport{}, newServiceError(opReconcile, reasonTally, err)
	}

	current := b.current.Load()
	byUser := make(map[int64]ClaimTally, len(tallies))
	for _, tally := range tallies {
		if tally.UserID.Valid() {
			byUser[tally.UserID.Int64()] = tally
		}
	}

	report := ReconcileReport{}
	aligned := make([]Entry, 0, len(current.entries)+len(byUser))
	corrected := make(map[int64]bool)
	for _, entry := range current.entries {
		tally, ok := byUser[entry.UserID]
		if !ok {
			tally = ClaimTally{UserID: snowflake.ID(entry.UserID)}
		}
		delete(byUser, entry.UserID)
		report.Checked++
		next, differs := alignWithTally(entry, tally)
		if differs {
			corrected[entry.UserID] = true
			report.Corrected = append(report.Corrected, snowflake.ID(entry.UserID))
		}
		aligned = append(aligned, next)
	}
	for userID, tally := range byUser {
		report.Checked++
		if tally.Claims == 0 {
			continue
		}
		next, _ := alignWithTally(Entry{UserID: userID}, tally)
		corrected[userID] = true
		report.Corrected = append(report.Corrected, snowflake.ID(userID))
		aligned = append(aligned, next)
	}

	next := buildSnapshot(aligned)
	var dirty []Entry
	for _, entry := range next.entries {
		previous, existed := current.lookup(entry.UserID)
		if corrected[entry.UserID] || !existed || previous.Rank != entry.Rank {
			dirty = append(dirty, entry)
		}
	}
	if err := b.persist(ctx, dirty); err != nil {
		b.logError(opReconcile, reasonPersist, err)
		return ReconcileReport{}, newServiceError(opReconcile, reasonPersist, err)
	}
	b.current.Store(next)
	if len(report.Corrected) > 0 {
		b.logger.Warn("leaderboard corrected from claim tallies",
			zap.Int("checked", report.Checked),
			zap.Int("corrected", len(report.Corrected)))
	}
	return report, nil
}

// Entry returns the user's current entry.
func (b *Board) Entry(userID snowflake.ID) (Entry, bool) {
	return b.current.Load().lookup(userID.Int64())
}

// RankOf returns the user's 1-based rank.
func (b *Board) RankOf(userID snowflake.ID) (int, bool) {
	entry, ok := b.Entry(userID)
	if !ok {
		return 0, false
	}
	return entry.Rank, true
}

// Top returns up to limit entries in rank order.
func (b *Board) Top(limit int) []Entry {
	return b.current.Load().top(limit)
}

// All returns every entry in rank order.
func (b *Board) All() []Entry {
	current := b.current.Load()
	return current.top(len(current.entries))
}

// Len returns the number of ranked users.
func (b *Board) Len() int {
	return len(b.current.Load().entries)
}

// apply runs one single-user mutation: the entry is repositioned, the affected
// rank range is persisted in one transaction, and only then is the new order published.
func (b *Board) apply(ctx context.Context, operation string, userID snowflake.ID, mutate func(context.Context, Entry) (Entry, bool, error)) (Entry, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	current := b.current.Load()
	entry, exists := current.lookup(userID.Int64())
	if !exists {
		entry = Entry{UserID: userID.Int64()}
	}
	updated, changed, err := mutate(ctx, entry)
	if err != nil {
		b.logError(operation, reasonTally, err, zap.Int64("user_id", userID.Int64()))
		return Entry{}, newServiceError(operation, reasonTally, err)
	}
	if !changed {
		return entry, nil
	}

	next, dirty := current.withEntry(updated)
	if err := b.persist(ctx, dirty); err != nil {
		b.logError(operation, reasonPersist, err, zap.Int64("user_id", userID.Int64()))
		return Entry{}, newServiceError(operation, reasonPersist, err)
	}
	b.current.Store(next)
	result, _ := next.lookup(userID.Int64())
	return result, nil
}

func (b *Board) persist(ctx context.Context, rows []Entry) error {
	if len(rows) == 0 {
		return nil
	}
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).CreateInBatches(rows, persistBatchSize).Error
	})
}

func (b *Board) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	b.logger.Error("leaderboard operation failed", allFields...)
}

func alignWithTally(entry Entry, tally ClaimTally) (Entry, bool) {
	next := entry
	next.TotalGets = tally.Claims + entry.Adjustment
	if tally.Claims > 0 {
		next.LastGetMillis = tally.LastClaimMillis
	} else if entry.Adjustment == 0 {
		next.LastGetMillis = 0
	}
	return next, next.TotalGets != entry.TotalGets || next.LastGetMillis != entry.LastGetMillis
}
