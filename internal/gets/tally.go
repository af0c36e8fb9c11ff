package gets

import (
	"context"

	"github.com/MarcoPoloResearchLab/voyager/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/voyager/internal/ledger"
	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
)

// LedgerTallies adapts a ledger to leaderboard.TallyReader.
type LedgerTallies struct {
	Ledger interface {
		TallyUser(ctx context.Context, userID snowflake.ID) (ledger.Tally, error)
		TallyAll(ctx context.Context) ([]ledger.Tally, error)
	}
}

var _ leaderboard.TallyReader = LedgerTallies{}

// TallyUser implements leaderboard.TallyReader.
func (s LedgerTallies) TallyUser(ctx context.Context, userID snowflake.ID) (leaderboard.ClaimTally, error) {
	tally, err := s.Ledger.TallyUser(ctx, userID)
	if err != nil {
		return leaderboard.ClaimTally{}, err
	}
	return claimTally(tally), nil
}

// TallyAll implements leaderboard.TallyReader.
func (s LedgerTallies) TallyAll(ctx context.Context) ([]leaderboard.ClaimTally, error) {
	tallies, err := s.Ledger.TallyAll(ctx)
	if err != nil {
		return nil, err
	}
	converted := make([]leaderboard.ClaimTally, 0, len(tallies))
	for _, tally := range tallies {
		converted = append(converted, claimTally(tally))
	}
	return converted, nil
}

func claimTally(tally ledger.Tally) leaderboard.ClaimTally {
	return leaderboard.ClaimTally{
		UserID:          snowflake.ID(tally.UserID),
		Claims:          tally.Claims,
		LastClaimMillis: tally.LastClaimMillis,
	}
}
