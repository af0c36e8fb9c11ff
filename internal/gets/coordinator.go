package gets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/voyager/internal/ledger"
	"github.com/MarcoPoloResearchLab/voyager/internal/preferences"
	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	"go.uber.org/zap"
)

const (
	defaultProfileClaims = 5
	maxVisibleScan       = 1000
)

var (
	errMissingDependency = errors.New("gets: ledger, graph, board and preferences are required")
	// ErrNotVisible indicates that the viewer and the subject block each other.
	ErrNotVisible = errors.New("gets: subject not visible to viewer")

	noOpLogger = zap.NewNop()
)

// ClaimLedger is the slice of the claim ledger the coordinator relies on.
type ClaimLedger interface {
	TryCommit(ctx context.Context, request ledger.CommitRequest) (ledger.CommitResult, error)
	OpenMarkers(ctx context.Context, guildID snowflake.ID) ([]ledger.Marker, error)
	ListUserClaims(ctx context.Context, userID snowflake.ID, limit int) ([]ledger.Claim, error)
}

// VisibilityGraph answers block-based visibility questions.
type VisibilityGraph interface {
	IsVisible(ctx context.Context, viewer, subject snowflake.ID) (bool, error)
	HiddenFrom(ctx context.Context, viewer snowflake.ID) (map[snowflake.ID]struct{}, error)
}

// Standings is the leaderboard as seen by the coordinator. RecordGet must be
// idempotent per committed claim, as a tally-backed leaderboard.Board is:
// retries of a committed claim call it again.
type Standings interface {
	RecordGet(ctx context.Context, userID snowflake.ID, at time.Time) (leaderboard.Entry, error)
	Entry(userID snowflake.ID) (leaderboard.Entry, bool)
	All() []leaderboard.Entry
}

// PreferenceReader loads a user's preference document.
type PreferenceReader interface {
	Get(ctx context.Context, userID snowflake.ID) (preferences.Document, error)
}

// Flagger requests an out-of-band reconciliation.
type Flagger interface {
	Flag()
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	Ledger      ClaimLedger
	Graph       VisibilityGraph
	Board       Standings
	Preferences PreferenceReader
	// Reconciler is flagged whenever the leaderboard may have drifted from the ledger.
	Reconciler Flagger
	Announcer  *Announcer
	Metrics    *Metrics
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Attempt is one user's reply to a marker message.
type Attempt struct {
	MarkerMessageID snowflake.ID
	UserID          snowflake.ID
	ClaimMessageID  snowflake.ID
	ChannelID       snowflake.ID
	GuildID         snowflake.ID
	// Audience is the viewer the outcome is rendered for; zero means no visibility check.
	Audience snowflake.ID
}

// PendingClaim is one reply that takes every open marker of a guild.
type PendingClaim struct {
	GuildID        snowflake.ID
	UserID         snowflake.ID
	ClaimMessageID snowflake.ID
	Audience       snowflake.ID
}

// StackedOutcome reports a pending claim: one outcome per open marker plus the number earned.
type StackedOutcome struct {
	Outcomes []Outcome
	Earned   int
	Rank     int
	Total    int64
}

// Profile is a user's standing as shown to a viewer.
type Profile struct {
	UserID       snowflake.ID
	Ranked       bool
	Entry        leaderboard.Entry
	RecentClaims []ledger.Claim
}

// Coordinator runs claim attempts end to end.
type Coordinator struct {
	ledger      ClaimLedger
	graph       VisibilityGraph
	board       Standings
	preferences PreferenceReader
	reconciler  Flagger
	announcer   *Announcer
	metrics     *Metrics
	logger      *zap.Logger
	clock       func() time.Time
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Ledger == nil || cfg.Graph == nil || cfg.Board == nil || cfg.Preferences == nil {
		return nil, errMissingDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		ledger:      cfg.Ledger,
		graph:       cfg.Graph,
		board:       cfg.Board,
		preferences: cfg.Preferences,
		reconciler:  cfg.Reconciler,
		announcer:   cfg.Announcer,
		metrics:     cfg.Metrics,
		logger:      logger,
		clock:       clock,
	}, nil
}

// AttemptClaim commits the attempt, ranks the winner and classifies the outcome.
// Once the ledger accepts, caller cancellation no longer affects the leaderboard update.
func (c *Coordinator) AttemptClaim(ctx context.Context, attempt Attempt) Outcome {
	started := c.clock()
	outcome := c.attempt(ctx, attempt)
	c.metrics.observeAttempt(outcome.Kind, c.clock().Sub(started))
	if outcome.Won() && !outcome.Duplicate {
		c.announce(attempt.GuildID, attempt.ChannelID, outcome, 1)
	}
	return outcome
}

// ClaimPending claims every open marker of the guild with a single reply.
func (c *Coordinator) ClaimPending(ctx context.Context, pending PendingClaim) (StackedOutcome, error) {
	if !pending.GuildID.Valid() || !pending.UserID.Valid() || !pending.ClaimMessageID.Valid() {
		return StackedOutcome{}, fmt.Errorf("gets: pending claim: %w", snowflake.ErrInvalidID)
	}
	markers, err := c.ledger.OpenMarkers(ctx, pending.GuildID)
	if err != nil {
		return StackedOutcome{}, err
	}

	stacked := StackedOutcome{Outcomes: make([]Outcome, 0, len(markers))}
	var last Outcome
	var lastChannel snowflake.ID
	for _, marker := range markers {
		attempt := Attempt{
			MarkerMessageID: snowflake.ID(marker.MarkerMessageID),
			UserID:          pending.UserID,
			ClaimMessageID:  pending.ClaimMessageID,
			ChannelID:       snowflake.ID(marker.ChannelID),
			GuildID:         pending.GuildID,
			Audience:        pending.Audience,
		}
		started := c.clock()
		outcome := c.attempt(ctx, attempt)
		c.metrics.observeAttempt(outcome.Kind, c.clock().Sub(started))
		stacked.Outcomes = append(stacked.Outcomes, outcome)
		if outcome.Won() && !outcome.Duplicate {
			stacked.Earned++
			last = outcome
			lastChannel = attempt.ChannelID
		}
	}
	if stacked.Earned > 0 {
		stacked.Rank = last.Rank
		stacked.Total = last.TotalGets
		c.announce(pending.GuildID, lastChannel, last, stacked.Earned)
	}
	return stacked, nil
}

// VisibleTop returns up to limit entries in rank order, leaving out users hidden
// from the viewer by a block in either direction or by their own leaderboard_hidden
// preference. Ranks are not renumbered.
func (c *Coordinator) VisibleTop(ctx context.Context, viewer snowflake.ID, limit int) ([]leaderboard.Entry, error) {
	if limit <= 0 {
		return []leaderboard.Entry{}, nil
	}
	hidden := map[snowflake.ID]struct{}{}
	if viewer.Valid() {
		var err error
		if hidden, err = c.graph.HiddenFrom(ctx, viewer); err != nil {
			return nil, err
		}
	}

	visible := make([]leaderboard.Entry, 0, limit)
	for scanned, entry := range c.board.All() {
		if len(visible) == limit || scanned >= maxVisibleScan {
			break
		}
		userID := entry.User()
		if _, blocked := hidden[userID]; blocked {
			continue
		}
		if userID != viewer {
			document, err := c.preferences.Get(ctx, userID)
			if err != nil {
				return nil, err
			}
			if document.Settings().LeaderboardHidden {
				continue
			}
		}
		visible = append(visible, entry)
	}
	return visible, nil
}

// Profile returns the subject's standing and latest claims as seen by viewer.
// A zero viewer skips the visibility check.
func (c *Coordinator) Profile(ctx context.Context, viewer, subject snowflake.ID) (Profile, error) {
	if !subject.Valid() {
		return Profile{}, fmt.Errorf("gets: profile: %w", snowflake.ErrInvalidID)
	}
	if viewer.Valid() {
		visible, err := c.graph.IsVisible(ctx, viewer, subject)
		if err != nil {
			return Profile{}, err
		}
		if !visible {
			return Profile{}, ErrNotVisible
		}
	}
	claims, err := c.ledger.ListUserClaims(ctx, subject, defaultProfileClaims)
	if err != nil {
		return Profile{}, err
	}
	entry, ranked := c.board.Entry(subject)
	return Profile{UserID: subject, Ranked: ranked, Entry: entry, RecentClaims: claims}, nil
}

func (c *Coordinator) attempt(ctx context.Context, attempt Attempt) Outcome {
	result, err := c.ledger.TryCommit(ctx, ledger.CommitRequest{
		MarkerMessageID: attempt.MarkerMessageID,
		UserID:          attempt.UserID,
		ClaimMessageID:  attempt.ClaimMessageID,
		ChannelID:       attempt.ChannelID,
		GuildID:         attempt.GuildID,
	})
	if err != nil {
		return Outcome{Kind: Classify(err), Err: err}
	}
	if !result.Accepted() {
		if result.Reason == ledger.ReasonAlreadyClaimed {
			return Outcome{Kind: OutcomeTooLate}
		}
		return Outcome{Kind: OutcomeInvalidMarker}
	}

	claim := result.Claim
	outcome := Outcome{Kind: OutcomeWon, Claim: &claim, Duplicate: result.Duplicate, Announce: true}

	boardCtx := context.WithoutCancel(ctx)
	entry, err := c.board.RecordGet(boardCtx, attempt.UserID, claim.ClaimedAt())
	if err != nil {
		c.logger.Error("leaderboard update failed after commit",
			zap.String("operation", "gets.attempt_claim"),
			zap.String("reason", "leaderboard_update_failed"),
			zap.Int64("marker_message_id", claim.MarkerMessageID),
			zap.Int64("user_id", claim.UserID),
			zap.Error(err))
		if c.reconciler != nil {
			c.reconciler.Flag()
		}
		outcome.Kind = OutcomeStorageError
		outcome.Err = err
		outcome.Announce = false
		return outcome
	}
	outcome.Rank = entry.Rank
	outcome.TotalGets = entry.TotalGets

	if document, err := c.preferences.Get(boardCtx, attempt.UserID); err != nil {
		c.logger.Warn("preferences unavailable, announcing by default",
			zap.Int64("user_id", attempt.UserID.Int64()),
			zap.Error(err))
	} else {
		outcome.Announce = document.Settings().AnnounceGets
	}

	if attempt.Audience.Valid() {
		visible, err := c.graph.IsVisible(ctx, attempt.Audience, attempt.UserID)
		if err != nil {
			outcome.Kind = OutcomeStorageError
			outcome.Err = err
			return outcome
		}
		if !visible {
			outcome.Kind = OutcomeNotVisible
		}
	}
	return outcome
}

func (c *Coordinator) announce(guildID, channelID snowflake.ID, outcome Outcome, earned int) {
	if c.announcer == nil || outcome.Claim == nil {
		return
	}
	c.announcer.Publish(Announcement{
		GuildID:         guildID,
		ChannelID:       channelID,
		MarkerMessageID: snowflake.ID(outcome.Claim.MarkerMessageID),
		UserID:          snowflake.ID(outcome.Claim.UserID),
		Rank:            outcome.Rank,
		TotalGets:       outcome.TotalGets,
		Earned:          earned,
		Anonymous:       !outcome.Announce,
		ClaimedAt:       outcome.Claim.ClaimedAt(),
	})
}
