// Package gets coordinates GET claims across the ledger, the social graph,
// the leaderboard and user preferences.
package gets

import (
	"errors"

	"github.com/MarcoPoloResearchLab/voyager/internal/ledger"
	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
)

// OutcomeKind classifies the result of a claim attempt.
type OutcomeKind string

const (
	OutcomeWon            OutcomeKind = "won"
	OutcomeTooLate        OutcomeKind = "too_late"
	OutcomeNotVisible     OutcomeKind = "not_visible"
	OutcomeInvalidMarker  OutcomeKind = "invalid_marker"
	OutcomeInvalidAttempt OutcomeKind = "invalid_attempt"
	OutcomeStorageError   OutcomeKind = "storage_error"
)

// Outcome is what the transport renders for a claim attempt.
// Claim and Rank are set whenever the claim was recorded, including NotVisible
// and a StorageError raised after the commit.
type Outcome struct {
	Kind      OutcomeKind
	Claim     *ledger.Claim
	Rank      int
	TotalGets int64
	// Announce is false when the winner opted out of named announcements.
	Announce  bool
	Duplicate bool
	Err       error
}

// Won reports whether the attempt recorded a win, whether or not the audience may see it.
func (o Outcome) Won() bool {
	return o.Kind == OutcomeWon || o.Kind == OutcomeNotVisible
}

// Classify maps an error returned by the voyager services to an outcome kind.
func Classify(err error) OutcomeKind {
	switch {
	case err == nil:
		return OutcomeWon
	case errors.Is(err, snowflake.ErrInvalidID):
		return OutcomeInvalidAttempt
	case errors.Is(err, ledger.ErrUnknownMarker):
		return OutcomeInvalidMarker
	default:
		return OutcomeStorageError
	}
}
