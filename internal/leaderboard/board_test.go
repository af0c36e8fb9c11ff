package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTallies struct {
	mu         sync.Mutex
	byUser     map[int64]ClaimTally
	onTallyAll func()
}

func newFakeTallies() *fakeTallies {
	return &fakeTallies{byUser: map[int64]ClaimTally{}}
}

func (f *fakeTallies) set(user, claims int64, last time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[user] = ClaimTally{UserID: snowflake.ID(user), Claims: claims, LastClaimMillis: last.UnixMilli()}
}

func (f *fakeTallies) TallyUser(_ context.Context, userID snowflake.ID) (ClaimTally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tally, ok := f.byUser[userID.Int64()]
	if !ok {
		return ClaimTally{UserID: userID}, nil
	}
	return tally, nil
}

func (f *fakeTallies) TallyAll(context.Context) ([]ClaimTally, error) {
	f.mu.Lock()
	tallies := make([]ClaimTally, 0, len(f.byUser))
	for _, tally := range f.byUser {
		tallies = append(tallies, tally)
	}
	hook := f.onTallyAll
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return tallies, nil
}

func newTestBoard(t *testing.T) (*Board, *gorm.DB) {
	t.Helper()
	return newBoardWith(t, Config{})
}

func newBoardWith(t *testing.T, cfg Config) (*Board, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:leaderboard_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	cfg.Database = db
	board, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to construct board: %v", err)
	}
	if err := board.Load(context.Background()); err != nil {
		t.Fatalf("failed to load board: %v", err)
	}
	return board, db
}

func recordGet(t *testing.T, board *Board, user int64, at time.Time) Entry {
	t.Helper()
	entry, err := board.RecordGet(context.Background(), snowflake.ID(user), at)
	if err != nil {
		t.Fatalf("record get for %d: %v", user, err)
	}
	return entry
}

func assertOrdered(t *testing.T, entries []Entry) {
	t.Helper()
	for position, entry := range entries {
		if entry.Rank != position+1 {
			t.Fatalf("entry %d at position %d has rank %d", entry.UserID, position, entry.Rank)
		}
		if position > 0 && !ranksBefore(entries[position-1], entry) {
			t.Fatalf("entries %d and %d are out of order", entries[position-1].UserID, entry.UserID)
		}
	}
}

func assertPersistedMatches(t *testing.T, board *Board, db *gorm.DB) {
	t.Helper()
	var stored []Entry
	if err := db.Order("rank ASC").Find(&stored).Error; err != nil {
		t.Fatalf("failed to read stored entries: %v", err)
	}
	inMemory := board.All()
	if len(stored) != len(inMemory) {
		t.Fatalf("stored %d entries, memory has %d", len(stored), len(inMemory))
	}
	for position := range stored {
		if stored[position] != inMemory[position] {
			t.Fatalf("stored entry %+v differs from memory %+v", stored[position], inMemory[position])
		}
	}
}

func TestRecordGetRanksByTotalThenEarliestLastGet(t *testing.T) {
	board, db := newTestBoard(t)

	recordGet(t, board, 1, baseTime)
	recordGet(t, board, 2, baseTime.Add(time.Minute))
	if rank, _ := board.RankOf(1); rank != 1 {
		t.Fatalf("expected earlier last get to rank first, got %d", rank)
	}

	entry := recordGet(t, board, 2, baseTime.Add(2*time.Minute))
	if entry.TotalGets != 2 || entry.Rank != 1 {
		t.Fatalf("unexpected entry after second get: %+v", entry)
	}
	if rank, _ := board.RankOf(1); rank != 2 {
		t.Fatalf("expected user 1 to drop to rank 2, got %d", rank)
	}
	if !entry.LastGet().Equal(baseTime.Add(2 * time.Minute)) {
		t.Fatalf("unexpected last get %v", entry.LastGet())
	}

	assertOrdered(t, board.All())
	assertPersistedMatches(t, board, db)
}

func TestIdenticalTimestampsBreakTiesByUserID(t *testing.T) {
	board, _ := newTestBoard(t)

	recordGet(t, board, 9, baseTime)
	recordGet(t, board, 3, baseTime)
	recordGet(t, board, 5, baseTime)

	top := board.Top(3)
	expected := []int64{3, 5, 9}
	for position, user := range expected {
		if top[position].UserID != user {
			t.Fatalf("position %d: expected user %d, got %d", position, user, top[position].UserID)
		}
	}
}

func TestLastGetNeverMovesBackwards(t *testing.T) {
	board, _ := newTestBoard(t)

	recordGet(t, board, 1, baseTime.Add(time.Hour))
	entry := recordGet(t, board, 1, baseTime)
	if entry.LastGetMillis != baseTime.Add(time.Hour).UnixMilli() {
		t.Fatalf("expected last get to stay at the later time, got %v", entry.LastGet())
	}
}

func TestTopBounds(t *testing.T) {
	board, _ := newTestBoard(t)
	for user := int64(1); user <= 4; user++ {
		recordGet(t, board, user, baseTime.Add(time.Duration(user)*time.Second))
	}

	if got := len(board.Top(0)); got != 0 {
		t.Fatalf("expected empty top for zero limit, got %d", got)
	}
	if got := len(board.Top(2)); got != 2 {
		t.Fatalf("expected two entries, got %d", got)
	}
	if got := len(board.Top(50)); got != 4 {
		t.Fatalf("expected every entry, got %d", got)
	}
	if board.Len() != 4 {
		t.Fatalf("expected four ranked users, got %d", board.Len())
	}
	if _, ok := board.RankOf(snowflake.ID(99)); ok {
		t.Fatalf("expected unknown user to have no rank")
	}
}

func TestRecordGetRejectsInvalidUser(t *testing.T) {
	board, _ := newTestBoard(t)
	_, err := board.RecordGet(context.Background(), 0, baseTime)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || !errors.Is(err, snowflake.ErrInvalidID) {
		t.Fatalf("expected invalid id service error, got %v", err)
	}
}

func TestFailedPersistLeavesSnapshotUntouched(t *testing.T) {
	board, db := newTestBoard(t)
	recordGet(t, board, 1, baseTime)

	if err := db.Migrator().DropTable(&Entry{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}
	if _, err := board.RecordGet(context.Background(), snowflake.ID(2), baseTime); err == nil {
		t.Fatalf("expected persistence failure")
	}
	if board.Len() != 1 {
		t.Fatalf("expected failed write to stay unpublished, got %d entries", board.Len())
	}
	if _, ok := board.Entry(snowflake.ID(2)); ok {
		t.Fatalf("expected user 2 to be absent")
	}
}

func TestLoadRepairsStoredRanks(t *testing.T) {
	board, db := newTestBoard(t)
	rows := []Entry{
		{UserID: 1, TotalGets: 1, Rank: 1, LastGetMillis: baseTime.UnixMilli()},
		{UserID: 2, TotalGets: 5, Rank: 7, LastGetMillis: baseTime.UnixMilli()},
		{UserID: 3, TotalGets: 3, Rank: 0, LastGetMillis: baseTime.UnixMilli()},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to seed rows: %v", err)
	}

	if err := board.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	expected := map[int64]int{2: 1, 3: 2, 1: 3}
	for user, rank := range expected {
		if got, _ := board.RankOf(snowflake.ID(user)); got != rank {
			t.Fatalf("user %d: expected rank %d, got %d", user, rank, got)
		}
	}
	assertPersistedMatches(t, board, db)
}

func TestOverrideKeepsClaimsSeparateFromAdjustment(t *testing.T) {
	tallies := newFakeTallies()
	board, db := newBoardWith(t, Config{Tallies: tallies})
	ctx := context.Background()
	tallies.set(1, 2, baseTime.Add(time.Second))
	tallies.set(2, 1, baseTime)
	recordGet(t, board, 1, baseTime.Add(time.Second))
	recordGet(t, board, 2, baseTime)

	entry, err := board.Override(ctx, snowflake.ID(2), 10)
	if err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if entry.TotalGets != 10 || entry.Adjustment != 9 || entry.Claims() != 1 || entry.Rank != 1 {
		t.Fatalf("unexpected overridden entry: %+v", entry)
	}

	tallies.set(2, 2, baseTime.Add(time.Minute))
	if synced := recordGet(t, board, 2, baseTime.Add(time.Minute)); synced.TotalGets != 11 {
		t.Fatalf("expected a new get to keep the adjustment, got %+v", synced)
	}

	if _, err := board.Override(ctx, snowflake.ID(2), -1); err == nil {
		t.Fatalf("expected negative override to fail")
	}
	assertPersistedMatches(t, board, db)
}

func TestReconcileCorrectsDrift(t *testing.T) {
	tallies := newFakeTallies()
	board, db := newBoardWith(t, Config{Tallies: tallies})
	ctx := context.Background()
	rows := []Entry{
		{UserID: 1, TotalGets: 3, Rank: 1, LastGetMillis: baseTime.Add(2 * time.Second).UnixMilli()},
		{UserID: 2, TotalGets: 1, Rank: 2, LastGetMillis: baseTime.UnixMilli()},
		{UserID: 4, TotalGets: 1, Rank: 3, LastGetMillis: baseTime.UnixMilli()},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to seed rows: %v", err)
	}
	if err := board.Load(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	tallies.set(1, 2, baseTime.Add(time.Second))
	tallies.set(2, 1, baseTime)
	tallies.set(3, 4, baseTime.Add(time.Hour))
	report, err := board.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if report.Checked != 4 || len(report.Corrected) != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	expectedTotals := map[int64]int64{3: 4, 1: 2, 2: 1, 4: 0}
	for user, total := range expectedTotals {
		entry, ok := board.Entry(snowflake.ID(user))
		if !ok || entry.TotalGets != total {
			t.Fatalf("user %d: expected total %d, got %+v", user, total, entry)
		}
	}
	if rank, _ := board.RankOf(3); rank != 1 {
		t.Fatalf("expected user 3 to lead after reconcile, got %d", rank)
	}
	assertOrdered(t, board.All())
	assertPersistedMatches(t, board, db)

	again, err := board.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if len(again.Corrected) != 0 {
		t.Fatalf("expected consistent board to need no corrections, got %+v", again)
	}
}

func TestConcurrentWritersPublishConsistentSnapshots(t *testing.T) {
	board, db := newTestBoard(t)
	const (
		writers      = 8
		getsPerWrite = 25
	)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readerErrs := make(chan string, writers+4)
	for reader := 0; reader < 4; reader++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				entries := board.All()
				for position, entry := range entries {
					if entry.Rank != position+1 || (position > 0 && !ranksBefore(entries[position-1], entry)) {
						readerErrs <- fmt.Sprintf("inconsistent snapshot at position %d", position)
						return
					}
				}
			}
		}()
	}

	var writersGroup sync.WaitGroup
	for writer := 0; writer < writers; writer++ {
		writersGroup.Add(1)
		go func(user int64) {
			defer writersGroup.Done()
			for get := 0; get < getsPerWrite; get++ {
				at := baseTime.Add(time.Duration(get*writers+int(user)) * time.Millisecond)
				if _, err := board.RecordGet(context.Background(), snowflake.ID(user), at); err != nil {
					readerErrs <- err.Error()
					return
				}
			}
		}(int64(writer + 1))
	}
	writersGroup.Wait()
	close(stop)
	readers.Wait()
	close(readerErrs)
	for message := range readerErrs {
		t.Fatal(message)
	}

	all := board.All()
	if len(all) != writers {
		t.Fatalf("expected %d users, got %d", writers, len(all))
	}
	for _, entry := range all {
		if entry.TotalGets != getsPerWrite {
			t.Fatalf("user %d: expected %d gets, got %d", entry.UserID, getsPerWrite, entry.TotalGets)
		}
	}
	assertOrdered(t, all)
	assertPersistedMatches(t, board, db)
}

func TestRecordGetWithTalliesCountsEachClaimOnce(t *testing.T) {
	tallies := newFakeTallies()
	board, db := newBoardWith(t, Config{Tallies: tallies})

	tallies.set(1, 1, baseTime)
	first := recordGet(t, board, 1, baseTime)
	again := recordGet(t, board, 1, baseTime)
	if first.TotalGets != 1 || again.TotalGets != 1 {
		t.Fatalf("expected the same claim to count once, got %+v then %+v", first, again)
	}

	tallies.set(1, 2, baseTime.Add(time.Minute))
	entry := recordGet(t, board, 1, baseTime.Add(time.Minute))
	if entry.TotalGets != 2 || entry.LastGetMillis != baseTime.Add(time.Minute).UnixMilli() {
		t.Fatalf("expected second claim to count, got %+v", entry)
	}
	assertPersistedMatches(t, board, db)
}

func TestRecordGetDuringReconcileIsNotUndone(t *testing.T) {
	tallies := newFakeTallies()
	board, _ := newBoardWith(t, Config{Tallies: tallies})
	ctx := context.Background()
	tallies.set(1, 1, baseTime)
	recordGet(t, board, 1, baseTime)

	recorded := make(chan error, 1)
	tallies.onTallyAll = func() {
		// A claim commits after the tallies were read; its board update must wait.
		tallies.set(1, 2, baseTime.Add(time.Minute))
		go func() {
			_, err := board.RecordGet(ctx, snowflake.ID(1), baseTime.Add(time.Minute))
			recorded <- err
		}()
		select {
		case err := <-recorded:
			t.Errorf("record get finished while reconcile held the board")
			recorded <- err
		case <-time.After(20 * time.Millisecond):
		}
	}

	if _, err := board.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if err := <-recorded; err != nil {
		t.Fatalf("record get failed: %v", err)
	}
	entry, _ := board.Entry(snowflake.ID(1))
	if entry.TotalGets != 2 {
		t.Fatalf("expected the concurrent claim to survive reconciliation, got %+v", entry)
	}
}

func TestReconcileRequiresTallies(t *testing.T) {
	board, _ := newTestBoard(t)
	if _, err := board.Reconcile(context.Background()); !errors.Is(err, errMissingTallies) {
		t.Fatalf("expected missing tallies error, got %v", err)
	}
}

func TestOverrideWithoutGetsRanksBehindEarlierAchievers(t *testing.T) {
	overrideTime := baseTime.Add(time.Hour)
	board, _ := newBoardWith(t, Config{Clock: func() time.Time { return overrideTime }})
	recordGet(t, board, 5, baseTime)
	recordGet(t, board, 5, baseTime.Add(time.Second))

	entry, err := board.Override(context.Background(), snowflake.ID(1), 2)
	if err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if entry.LastGetMillis != overrideTime.UnixMilli() || entry.Rank != 2 {
		t.Fatalf("expected overridden entry to rank behind the earlier achiever, got %+v", entry)
	}
}
