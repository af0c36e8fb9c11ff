package gets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/voyager/internal/ledger"
	"github.com/MarcoPoloResearchLab/voyager/internal/preferences"
	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	"github.com/MarcoPoloResearchLab/voyager/internal/social"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

const (
	testGuild   snowflake.ID = 900
	testChannel snowflake.ID = 800

	userOne   snowflake.ID = 1
	userTwo   snowflake.ID = 2
	userThree snowflake.ID = 3
	userFour  snowflake.ID = 4
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type countingFlagger struct {
	flags atomic.Int32
}

func (f *countingFlagger) Flag() {
	f.flags.Add(1)
}

// hookedTallies runs afterTallyAll once, right after the full tally is read.
type hookedTallies struct {
	LedgerTallies
	mu            sync.Mutex
	afterTallyAll func()
}

func (h *hookedTallies) TallyAll(ctx context.Context) ([]leaderboard.ClaimTally, error) {
	tallies, err := h.LedgerTallies.TallyAll(ctx)
	h.mu.Lock()
	hook := h.afterTallyAll
	h.afterTallyAll = nil
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	return tallies, err
}

type testStack struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	tallies     *hookedTallies
	graph       *social.Graph
	board       *leaderboard.Board
	preferences *preferences.Store
	announcer   *Announcer
	metrics     *Metrics
	flagger     *countingFlagger
	coordinator *Coordinator
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:gets_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&ledger.Claim{}, &ledger.Marker{}, &social.Block{}, &leaderboard.Entry{}, &preferences.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStack(t *testing.T, mutate func(*Config)) *testStack {
	t.Helper()

	db := newTestDatabase(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	claimLedger, err := ledger.New(ledger.Config{Database: db, Clock: clock.Now, RequireOpenMarker: true})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	graph, err := social.NewGraph(social.Config{Database: db})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	tallies := &hookedTallies{LedgerTallies: LedgerTallies{Ledger: claimLedger}}
	board, err := leaderboard.New(leaderboard.Config{Database: db, Tallies: tallies, Clock: clock.Now})
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	store, err := preferences.NewStore(preferences.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("preferences: %v", err)
	}

	stack := &testStack{
		db:          db,
		ledger:      claimLedger,
		tallies:     tallies,
		graph:       graph,
		board:       board,
		preferences: store,
		announcer:   NewAnnouncer(),
		metrics:     NewMetrics(prometheus.NewRegistry(), board.Len),
		flagger:     &countingFlagger{},
	}
	cfg := Config{
		Ledger:      claimLedger,
		Graph:       graph,
		Board:       board,
		Preferences: store,
		Reconciler:  stack.flagger,
		Announcer:   stack.announcer,
		Metrics:     stack.metrics,
		Clock:       clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	stack.coordinator, err = NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return stack
}

func (s *testStack) openMarker(t *testing.T, marker snowflake.ID, content string) {
	t.Helper()
	_, err := s.ledger.OpenMarker(context.Background(), ledger.MarkerSpec{
		MarkerMessageID: marker,
		ChannelID:       testChannel,
		GuildID:         testGuild,
		Content:         content,
	})
	if err != nil {
		t.Fatalf("open marker %d: %v", marker, err)
	}
}

func attemptFor(marker, user, reply snowflake.ID) Attempt {
	return Attempt{
		MarkerMessageID: marker,
		UserID:          user,
		ClaimMessageID:  reply,
		ChannelID:       testChannel,
		GuildID:         testGuild,
	}
}

func TestFirstReplyWinsAndSecondIsTooLate(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx := context.Background()
	stack.openMarker(t, 100, "GET!")

	won := stack.coordinator.AttemptClaim(ctx, attemptFor(100, userOne, 1001))
	if won.Kind != OutcomeWon || won.Claim == nil || won.Rank != 1 || won.TotalGets != 1 {
		t.Fatalf("unexpected winning outcome: %+v", won)
	}

	late := stack.coordinator.AttemptClaim(ctx, attemptFor(100, userTwo, 1002))
	if late.Kind != OutcomeTooLate || late.Won() || late.Claim != nil {
		t.Fatalf("expected too late, got %+v", late)
	}
	if _, ranked := stack.board.RankOf(userTwo); ranked {
		t.Fatalf("expected loser to stay unranked")
	}
	if count, err := stack.ledger.CountClaims(ctx); err != nil || count != 1 {
		t.Fatalf("expected exactly one claim, got %d (%v)", count, err)
	}

	if got := testutil.ToFloat64(stack.metrics.claimAttempts.WithLabelValues(string(OutcomeWon))); got != 1 {
		t.Fatalf("expected one won attempt metric, got %v", got)
	}
	if got := testutil.ToFloat64(stack.metrics.claimAttempts.WithLabelValues(string(OutcomeTooLate))); got != 1 {
		t.Fatalf("expected one too-late attempt metric, got %v", got)
	}
	if got := testutil.ToFloat64(stack.metrics.leaderboardEntries); got != 1 {
		t.Fatalf("expected one ranked user, got %v", got)
	}
}

func TestBlockedAudienceStillRecordsWin(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx := context.Background()
	if err := stack.graph.Block(ctx, userTwo, userOne); err != nil {
		t.Fatalf("block: %v", err)
	}
	stack.openMarker(t, 200, "GET!")

	attempt := attemptFor(200, userOne, 2001)
	attempt.Audience = userTwo
	outcome := stack.coordinator.AttemptClaim(ctx, attempt)
	if outcome.Kind != OutcomeNotVisible || !outcome.Won() {
		t.Fatalf("expected not-visible win, got %+v", outcome)
	}
	if outcome.Claim == nil || outcome.Claim.UserID != userOne.Int64() || outcome.Rank != 1 {
		t.Fatalf("expected recorded claim and rank, got %+v", outcome)
	}
	entry, ok := stack.board.Entry(userOne)
	if !ok || entry.TotalGets != 1 {
		t.Fatalf("expected blocked claimant to be credited, got %+v", entry)
	}

	if _, err := stack.coordinator.Profile(ctx, userTwo, userOne); !errors.Is(err, ErrNotVisible) {
		t.Fatalf("expected profile to be hidden from blocker, got %v", err)
	}
	profile, err := stack.coordinator.Profile(ctx, userThree, userOne)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if !profile.Ranked || profile.Entry.TotalGets != 1 || len(profile.RecentClaims) != 1 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestRetriedReplyIsNotCountedTwice(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	announcements, _ := stack.announcer.Subscribe(ctx, testGuild)
	stack.openMarker(t, 300, "GET!")

	first := stack.coordinator.AttemptClaim(ctx, attemptFor(300, userOne, 3001))
	retry := stack.coordinator.AttemptClaim(ctx, attemptFor(300, userOne, 3001))
	if !first.Won() || first.Duplicate {
		t.Fatalf("unexpected first outcome: %+v", first)
	}
	if retry.Kind != OutcomeWon || !retry.Duplicate || retry.TotalGets != 1 {
		t.Fatalf("expected idempotent retry, got %+v", retry)
	}
	if retry.Claim.ID != first.Claim.ID {
		t.Fatalf("expected the original claim on retry")
	}

	select {
	case announcement := <-announcements:
		if announcement.UserID != userOne || announcement.Earned != 1 || announcement.Anonymous {
			t.Fatalf("unexpected announcement: %+v", announcement)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an announcement")
	}
	select {
	case extra := <-announcements:
		t.Fatalf("retry must not announce again: %+v", extra)
	default:
	}
}

func TestRetryRepairsMissedLeaderboardUpdate(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx := context.Background()
	stack.openMarker(t, 310, "GET!")

	if _, err := stack.ledger.TryCommit(ctx, ledger.CommitRequest{
		MarkerMessageID: 310, UserID: userOne, ClaimMessageID: 3101, ChannelID: testChannel, GuildID: testGuild,
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ranked := stack.board.RankOf(userOne); ranked {
		t.Fatalf("expected board to miss the direct commit")
	}

	retry := stack.coordinator.AttemptClaim(ctx, attemptFor(310, userOne, 3101))
	if !retry.Duplicate || retry.TotalGets != 1 || retry.Rank != 1 {
		t.Fatalf("expected retry to sync the board, got %+v", retry)
	}
}

func TestRetryDuringOriginalBoardUpdateCountsOnce(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx := context.Background()
	stack.openMarker(t, 320, "GET!")

	original, err := stack.ledger.TryCommit(ctx, ledger.CommitRequest{
		MarkerMessageID: 320, UserID: userOne, ClaimMessageID: 3201, ChannelID: testChannel, GuildID: testGuild,
	})
	if err != nil || !original.Accepted() {
		t.Fatalf("commit: %+v %v", original, err)
	}

	// The retry lands between the original commit and its leaderboard update.
	retry := stack.coordinator.AttemptClaim(ctx, attemptFor(320, userOne, 3201))
	if !retry.Duplicate || retry.TotalGets != 1 {
		t.Fatalf("expected retry to rank the committed claim, got %+v", retry)
	}
	entry, err := stack.board.RecordGet(ctx, userOne, original.Claim.ClaimedAt())
	if err != nil {
		t.Fatalf("original board update: %v", err)
	}
	if entry.TotalGets != 1 {
		t.Fatalf("expected one get for one claim, got %+v", entry)
	}
}

func TestInvalidMarkersAndAttempts(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx := context.Background()
	stack.openMarker(t, 400, "no GETs here "+ledger.ProhibitPhrase)

	if outcome := stack.coordinator.AttemptClaim(ctx, attemptFor(401, userOne, 4001)); outcome.Kind != OutcomeInvalidMarker {
		t.Fatalf("expected unknown marker to be invalid, got %+v", outcome)
	}
	if outcome := stack.coordinator.AttemptClaim(ctx, attemptFor(400, userOne, 4002)); outcome.Kind != OutcomeInvalidMarker {
		t.Fatalf("expected prohibited marker to be invalid, got %+v", outcome)
	}
	outcome := stack.coordinator.AttemptClaim(ctx, attemptFor(400, 0, 4003))
	if outcome.Kind != OutcomeInvalidAttempt || !errors.Is(outcome.Err, snowflake.ErrInvalidID) {
		t.Fatalf("expected invalid attempt, got %+v", outcome)
	}
	if stack.board.Len() != 0 {
		t.Fatalf("expected no ranked users")
	}
}

type failingStandings struct {
	Standings
	err error
}

func (f failingStandings) RecordGet(context.Context, snowflake.ID, time.Time) (leaderboard.Entry, error) {
	return leaderboard.Entry{}, f.err
}

func TestLeaderboardFailureKeepsClaimAndFlagsReconciler(t *testing.T) {
	boardErr := errors.New("board unavailable")
	stack := newTestStack(t, func(cfg *Config) {
		cfg.Board = failingStandings{Standings: cfg.Board, err: boardErr}
	})
	ctx := context.Background()
	stack.openMarker(t, 500, "GET!")

	outcome := stack.coordinator.AttemptClaim(ctx, attemptFor(500, userOne, 5001))
	if outcome.Kind != OutcomeStorageError || !errors.Is(outcome.Err, boardErr) {
		t.Fatalf("expected storage error, got %+v", outcome)
	}
	if outcome.Claim == nil || outcome.Claim.MarkerMessageID != 500 {
		t.Fatalf("expected the committed claim to be attached, got %+v", outcome)
	}
	if got := stack.flagger.flags.Load(); got != 1 {
		t.Fatalf("expected reconciler to be flagged once, got %d", got)
	}
	if claim, found, err := stack.ledger.ClaimByMarker(ctx, 500); err != nil || !found || claim.UserID != userOne.Int64() {
		t.Fatalf("expected claim to stay committed, got %+v found=%v err=%v", claim, found, err)
	}
}

type cancelAfterCommit struct {
	ClaimLedger
	cancel context.CancelFunc
}

func (c cancelAfterCommit) TryCommit(ctx context.Context, request ledger.CommitRequest) (ledger.CommitResult, error) {
	result, err := c.ClaimLedger.TryCommit(ctx, request)
	c.cancel()
	return result, err
}

func TestCancellationAfterCommitStillRanks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, func(cfg *Config) {
		cfg.Ledger = cancelAfterCommit{ClaimLedger: cfg.Ledger, cancel: cancel}
	})
	stack.openMarker(t, 600, "GET!")

	outcome := stack.coordinator.AttemptClaim(ctx, attemptFor(600, userOne, 6001))
	if outcome.Kind != OutcomeWon || outcome.Rank != 1 {
		t.Fatalf("expected the win to be ranked despite cancellation, got %+v", outcome)
	}
	if ctx.Err() == nil {
		t.Fatalf("expected caller context to be cancelled")
	}
}

func TestClaimPendingTakesEveryOpenMarker(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	announcements, _ := stack.announcer.Subscribe(ctx, testGuild)

	stack.openMarker(t, 701, "GET!")
	stack.openMarker(t, 702, "GET!")
	stack.openMarker(t, 703, ledger.ProhibitPhrase)

	stacked, err := stack.coordinator.ClaimPending(ctx, PendingClaim{GuildID: testGuild, UserID: userOne, ClaimMessageID: 7001})
	if err != nil {
		t.Fatalf("claim pending: %v", err)
	}
	if stacked.Earned != 2 || len(stacked.Outcomes) != 2 || stacked.Total != 2 || stacked.Rank != 1 {
		t.Fatalf("unexpected stacked outcome: %+v", stacked)
	}

	select {
	case announcement := <-announcements:
		if announcement.Earned != 2 || announcement.TotalGets != 2 {
			t.Fatalf("unexpected stacked announcement: %+v", announcement)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a stacked announcement")
	}

	again, err := stack.coordinator.ClaimPending(ctx, PendingClaim{GuildID: testGuild, UserID: userTwo, ClaimMessageID: 7002})
	if err != nil {
		t.Fatalf("second claim pending: %v", err)
	}
	if again.Earned != 0 || len(again.Outcomes) != 0 {
		t.Fatalf("expected nothing left to claim, got %+v", again)
	}
	if _, err := stack.coordinator.ClaimPending(ctx, PendingClaim{GuildID: testGuild}); !errors.Is(err, snowflake.ErrInvalidID) {
		t.Fatalf("expected invalid pending claim, got %v", err)
	}
}

func TestAnnounceOptOutPublishesAnonymously(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	announcements, _ := stack.announcer.Subscribe(ctx, testGuild)
	if _, err := stack.preferences.Merge(ctx, userOne, preferences.Document{preferences.KeyAnnounceGets: false}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	stack.openMarker(t, 800, "GET!")

	outcome := stack.coordinator.AttemptClaim(ctx, attemptFor(800, userOne, 8001))
	if outcome.Kind != OutcomeWon || outcome.Announce {
		t.Fatalf("expected silent win, got %+v", outcome)
	}
	select {
	case announcement := <-announcements:
		if !announcement.Anonymous {
			t.Fatalf("expected anonymous announcement, got %+v", announcement)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an announcement")
	}
}

func TestVisibleTopHonoursBlocksAndHiddenPreference(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx := context.Background()
	for index, user := range []snowflake.ID{userOne, userTwo, userThree} {
		marker := snowflake.ID(1000 + index)
		stack.openMarker(t, marker, "GET!")
		if outcome := stack.coordinator.AttemptClaim(ctx, attemptFor(marker, user, marker+5000)); !outcome.Won() {
			t.Fatalf("setup claim for %d failed: %+v", user, outcome)
		}
	}
	if _, err := stack.preferences.Merge(ctx, userThree, preferences.Document{preferences.KeyLeaderboardHidden: true}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := stack.graph.Block(ctx, userOne, userFour); err != nil {
		t.Fatalf("block: %v", err)
	}

	seenByFour, err := stack.coordinator.VisibleTop(ctx, userFour, 10)
	if err != nil {
		t.Fatalf("visible top: %v", err)
	}
	if len(seenByFour) != 1 || seenByFour[0].User() != userTwo || seenByFour[0].Rank != 2 {
		t.Fatalf("unexpected listing for user four: %+v", seenByFour)
	}

	seenByThree, err := stack.coordinator.VisibleTop(ctx, userThree, 10)
	if err != nil {
		t.Fatalf("visible top: %v", err)
	}
	if len(seenByThree) != 3 {
		t.Fatalf("expected hidden user to see themselves, got %+v", seenByThree)
	}

	limited, err := stack.coordinator.VisibleTop(ctx, 0, 1)
	if err != nil {
		t.Fatalf("visible top: %v", err)
	}
	if len(limited) != 1 || limited[0].User() != userOne {
		t.Fatalf("unexpected anonymous listing: %+v", limited)
	}
}

func TestConcurrentAttemptsProduceOneWinner(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx := context.Background()
	stack.openMarker(t, 1100, "GET!")

	const contenders = 16
	outcomes := make([]Outcome, contenders)
	var group sync.WaitGroup
	for index := 0; index < contenders; index++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			user := snowflake.ID(index + 10)
			outcomes[index] = stack.coordinator.AttemptClaim(ctx, attemptFor(1100, user, user+20000))
		}(index)
	}
	group.Wait()

	winners := 0
	for _, outcome := range outcomes {
		switch {
		case outcome.Won():
			winners++
		case outcome.Kind != OutcomeTooLate:
			t.Fatalf("unexpected outcome: %+v", outcome)
		}
	}
	if winners != 1 || stack.board.Len() != 1 {
		t.Fatalf("expected exactly one winner, got %d winners and %d ranked", winners, stack.board.Len())
	}
}

func TestClassify(t *testing.T) {
	cases := map[OutcomeKind]error{
		OutcomeWon:            nil,
		OutcomeInvalidAttempt: fmt.Errorf("wrap: %w", snowflake.ErrInvalidID),
		OutcomeInvalidMarker:  ledger.ErrUnknownMarker,
		OutcomeStorageError:   context.DeadlineExceeded,
	}
	for expected, err := range cases {
		if got := Classify(err); got != expected {
			t.Fatalf("classify(%v): expected %s, got %s", err, expected, got)
		}
	}
}
