package ledger

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

const (
	defaultStorageTimeout = 5 * time.Second

	opLedgerNew      = "ledger.new"
	opTryCommit      = "ledger.try_commit"
	opClaimByMarker  = "ledger.claim_by_marker"
	opTallyUser      = "ledger.tally_user"
	opTallyAll       = "ledger.tally_all"
	opCountClaims    = "ledger.count_claims"
	opListUserClaims = "ledger.list_user_claims"

	columnMarkerMessageID = "voyager_message_id"
	queryMarker           = columnMarkerMessageID + " = ?"
	queryUser             = "user_id = ?"

	reasonMissingDatabase = "missing_database"
	reasonClaimLookup     = "claim_lookup_failed"
	reasonMarkerLookup    = "marker_lookup_failed"
	reasonClaimInsert     = "claim_insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonInvalidRequest  = "invalid_request"
)

var (
	errMissingDatabase = errors.New("database handle is required")
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

// Config describes the dependencies of the ledger.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// StorageTimeout bounds every storage round-trip.
	StorageTimeout time.Duration
	// RequireOpenMarker refuses claims for markers that were never primed.
	RequireOpenMarker bool
	// MarkerTTL closes primed markers automatically after the duration; zero keeps them open.
	MarkerTTL time.Duration
}

// Ledger persists claims and enforces a single winner per marker message.
type Ledger struct {
	db                *gorm.DB
	clock             func() time.Time
	logger            *zap.Logger
	timeout           time.Duration
	requireOpenMarker bool
	markerTTL         time.Duration
}

// New constructs a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	timeout := cfg.StorageTimeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	return &Ledger{
		db:                cfg.Database,
		clock:             clock,
		logger:            logger,
		timeout:           timeout,
		requireOpenMarker: cfg.RequireOpenMarker,
		markerTTL:         cfg.MarkerTTL,
	}, nil
}

// TryCommit records the claim if the marker is still unclaimed and claimable.
//
// The unique index on the marker column is the serialization point: concurrent
// attempts race on the insert and every loser reads back the winning row. A retry
// of an already committed claim (same marker, user and reply) returns the original
// claim with Duplicate set instead of an error.
func (l *Ledger) TryCommit(ctx context.Context, request CommitRequest) (CommitResult, error) {
	if err := validateCommitRequest(request); err != nil {
		return CommitResult{}, newServiceError(opTryCommit, reasonInvalidRequest, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	markerID := request.MarkerMessageID.Int64()
	var result CommitResult
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := takeClaim(tx, markerID)
		if err != nil {
			l.logError(opTryCommit, reasonClaimLookup, err, zap.Int64("marker_message_id", markerID))
			return newServiceError(opTryCommit, reasonClaimLookup, err)
		}
		if found {
			result = resolveExisting(existing, request)
			return nil
		}

		now := l.clock().UTC()
		claimable, err := l.markerClaimable(tx, markerID, now)
		if err != nil {
			l.logError(opTryCommit, reasonMarkerLookup, err, zap.Int64("marker_message_id", markerID))
			return newServiceError(opTryCommit, reasonMarkerLookup, err)
		}
		if !claimable {
			result = CommitResult{Status: StatusRejected, Reason: ReasonInvalidMarker}
			return nil
		}

		claim := Claim{
			UserID:          request.UserID.Int64(),
			ClaimMessageID:  request.ClaimMessageID.Int64(),
			MarkerMessageID: markerID,
			ChannelID:       request.ChannelID.Int64(),
			GuildID:         request.GuildID.Int64(),
			ClaimedAtMillis: now.UnixMilli(),
		}
		created := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnMarkerMessageID}},
			DoNothing: true,
		}).Create(&claim)
		if created.Error != nil {
			l.logError(opTryCommit, reasonClaimInsert, created.Error, zap.Int64("marker_message_id", markerID))
			return newServiceError(opTryCommit, reasonClaimInsert, created.Error)
		}
		if created.RowsAffected == 1 {
			result = CommitResult{Status: StatusAccepted, Claim: claim}
			return nil
		}

		// Another writer inserted between the lookup and the insert.
		winner, found, err := takeClaim(tx, markerID)
		if err != nil || !found {
			if err == nil {
				err = gorm.ErrRecordNotFound
			}
			l.logError(opTryCommit, reasonClaimLookup, err, zap.Int64("marker_message_id", markerID))
			return newServiceError(opTryCommit, reasonClaimLookup, err)
		}
		result = resolveExisting(winner, request)
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return CommitResult{}, txErr
		}
		l.logError(opTryCommit, reasonClaimInsert, txErr, zap.Int64("marker_message_id", markerID))
		return CommitResult{}, newServiceError(opTryCommit, reasonClaimInsert, txErr)
	}

	l.logger.Debug("claim commit resolved",
		zap.Int64("marker_message_id", markerID),
		zap.Int64("user_id", request.UserID.Int64()),
		zap.String("status", string(result.Status)),
		zap.String("reason", string(result.Reason)),
		zap.Bool("duplicate", result.Duplicate))
	return result, nil
}

// ClaimByMarker returns the winning claim for a marker, if any.
func (l *Ledger) ClaimByMarker(ctx context.Context, markerID snowflake.ID) (Claim, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	claim, found, err := takeClaim(l.db.WithContext(ctx), markerID.Int64())
	if err != nil {
		l.logError(opClaimByMarker, reasonQueryFailed, err, zap.Int64("marker_message_id", markerID.Int64()))
		return Claim{}, false, newServiceError(opClaimByMarker, reasonQueryFailed, err)
	}
	return claim, found, nil
}

// ListUserClaims returns the most recent claims of a user, newest first.
func (l *Ledger) ListUserClaims(ctx context.Context, userID snowflake.ID, limit int) ([]Claim, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := l.db.WithContext(ctx).Where(queryUser, userID.Int64()).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var claims []Claim
	if err := query.Find(&claims).Error; err != nil {
		l.logError(opListUserClaims, reasonQueryFailed, err, zap.Int64("user_id", userID.Int64()))
		return nil, newServiceError(opListUserClaims, reasonQueryFailed, err)
	}
	return claims, nil
}

// TallyUser counts the claims owned by one user.
func (l *Ledger) TallyUser(ctx context.Context, userID snowflake.ID) (Tally, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	tally := Tally{UserID: userID.Int64()}
	err := l.db.WithContext(ctx).
		Model(&Claim{}).
		Select("user_id, COUNT(*) AS claims, COALESCE(MAX(claimed_at_ms), 0) AS last_claim_ms").
		Where(queryUser, userID.Int64()).
		Group("user_id").
		Scan(&tally).Error
	if err != nil {
		l.logError(opTallyUser, reasonQueryFailed, err, zap.Int64("user_id", userID.Int64()))
		return Tally{}, newServiceError(opTallyUser, reasonQueryFailed, err)
	}
	tally.UserID = userID.Int64()
	return tally, nil
}

// TallyAll counts claims for every claimant.
func (l *Ledger) TallyAll(ctx context.Context) ([]Tally, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var tallies []Tally
	err := l.db.WithContext(ctx).
		Model(&Claim{}).
		Select("user_id, COUNT(*) AS claims, COALESCE(MAX(claimed_at_ms), 0) AS last_claim_ms").
		Group("user_id").
		Order("user_id ASC").
		Scan(&tallies).Error
	if err != nil {
		l.logError(opTallyAll, reasonQueryFailed, err)
		return nil, newServiceError(opTallyAll, reasonQueryFailed, err)
	}
	return tallies, nil
}

// CountClaims returns the number of persisted claims.
func (l *Ledger) CountClaims(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var count int64
	if err := l.db.WithContext(ctx).Model(&Claim{}).Count(&count).Error; err != nil {
		l.logError(opCountClaims, reasonQueryFailed, err)
		return 0, newServiceError(opCountClaims, reasonQueryFailed, err)
	}
	return count, nil
}

func (l *Ledger) markerClaimable(tx *gorm.DB, markerID int64, now time.Time) (bool, error) {
	var marker Marker
	err := tx.Where("marker_message_id = ?", markerID).Take(&marker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return !l.requireOpenMarker, nil
	}
	if err != nil {
		return false, err
	}
	return marker.claimableAt(now), nil
}

func takeClaim(db *gorm.DB, markerID int64) (Claim, bool, error) {
	var claim Claim
	err := db.Where(queryMarker, markerID).Take(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Claim{}, false, nil
	}
	if err != nil {
		return Claim{}, false, err
	}
	return claim, true, nil
}

func resolveExisting(existing Claim, request CommitRequest) CommitResult {
	if existing.UserID == request.UserID.Int64() && existing.ClaimMessageID == request.ClaimMessageID.Int64() {
		return CommitResult{Status: StatusAccepted, Claim: existing, Duplicate: true}
	}
	return CommitResult{Status: StatusRejected, Reason: ReasonAlreadyClaimed, Claim: existing}
}

func validateCommitRequest(request CommitRequest) error {
	fields := map[string]snowflake.ID{
		"marker_message_id": request.MarkerMessageID,
		"user_id":           request.UserID,
		"claim_message_id":  request.ClaimMessageID,
		"channel_id":        request.ChannelID,
		"guild_id":          request.GuildID,
	}
	for name, value := range fields {
		if value <= 0 {
			return fmt.Errorf("%w: %s", snowflake.ErrInvalidID, name)
		}
	}
	return nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("ledger error", attrs...)
}
