package social

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestGraph(t *testing.T) (*Graph, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:social_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(&Block{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	graph, err := NewGraph(Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct graph: %v", err)
	}
	return graph, db
}

func mustVisible(t *testing.T, graph *Graph, viewer, subject snowflake.ID) bool {
	t.Helper()
	visible, err := graph.IsVisible(context.Background(), viewer, subject)
	if err != nil {
		t.Fatalf("visibility lookup failed: %v", err)
	}
	return visible
}

func TestVisibilityIsSymmetricClosureOfBlocks(t *testing.T) {
	graph, _ := newTestGraph(t)
	users := []snowflake.ID{1, 2, 3}
	if err := graph.Block(context.Background(), 2, 1); err != nil {
		t.Fatalf("block failed: %v", err)
	}

	blocked := map[[2]snowflake.ID]bool{{2, 1}: true}
	for _, a := range users {
		for _, b := range users {
			forward := mustVisible(t, graph, a, b)
			backward := mustVisible(t, graph, b, a)
			if forward != backward {
				t.Fatalf("visibility asymmetric for %d/%d", a, b)
			}
			expectHidden := a != b && (blocked[[2]snowflake.ID{a, b}] || blocked[[2]snowflake.ID{b, a}])
			if forward == expectHidden {
				t.Fatalf("unexpected visibility %t for %d/%d", forward, a, b)
			}
		}
	}
}

func TestBlockAndUnblockAreIdempotent(t *testing.T) {
	graph, db := newTestGraph(t)
	for attempt := 0; attempt < 2; attempt++ {
		if err := graph.Block(context.Background(), 5, 6); err != nil {
			t.Fatalf("block attempt %d failed: %v", attempt, err)
		}
	}
	var count int64
	if err := db.Model(&Block{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single edge, got %d", count)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := graph.Unblock(context.Background(), 5, 6); err != nil {
			t.Fatalf("unblock attempt %d failed: %v", attempt, err)
		}
	}
	if !mustVisible(t, graph, 5, 6) {
		t.Fatalf("expected pair to be visible after unblock")
	}
	if err := graph.Unblock(context.Background(), 7, 8); err != nil {
		t.Fatalf("unblocking a missing edge should succeed: %v", err)
	}
}

func TestSelfBlockHasNoEffect(t *testing.T) {
	graph, _ := newTestGraph(t)
	if err := graph.Block(context.Background(), 9, 9); err != nil {
		t.Fatalf("self block failed: %v", err)
	}
	if !mustVisible(t, graph, 9, 9) {
		t.Fatalf("self block must not hide a user from themselves")
	}
	if !mustVisible(t, graph, 9, 10) {
		t.Fatalf("self block must not hide other users")
	}
	blocked, err := graph.Blocked(context.Background(), 9)
	if err != nil {
		t.Fatalf("blocked listing failed: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("expected self block to be omitted from listing, got %v", blocked)
	}
	if err := graph.Unblock(context.Background(), 9, 9); err != nil {
		t.Fatalf("self unblock failed: %v", err)
	}
}

func TestHiddenFromCoversBothDirections(t *testing.T) {
	graph, _ := newTestGraph(t)
	if err := graph.Block(context.Background(), 1, 2); err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if err := graph.Block(context.Background(), 3, 1); err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if err := graph.Block(context.Background(), 1, 1); err != nil {
		t.Fatalf("block failed: %v", err)
	}

	hidden, err := graph.HiddenFrom(context.Background(), 1)
	if err != nil {
		t.Fatalf("hidden lookup failed: %v", err)
	}
	if len(hidden) != 2 {
		t.Fatalf("expected two hidden users, got %v", hidden)
	}
	for _, id := range []snowflake.ID{2, 3} {
		if _, ok := hidden[id]; !ok {
			t.Fatalf("expected %d to be hidden", id)
		}
	}
}
