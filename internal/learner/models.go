package learner

import (
	"errors"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

var ErrNotFound = errors.New("not found")

// Failure reasons reported back to clients.
const (
	ReasonInvalid   = "invalid item"
	ReasonDuplicate = "duplicate item in batch"
)

// EventProgressSynced is appended to the event log for every accepted item.
const EventProgressSynced = "ProgressSynced"

type SectionStats struct {
	progress.SectionSummary
	LastAttempt int64 `json:"last_attempt"` // unix seconds, 0 = never
}

type Stats struct {
	UserID   string         `json:"user_id"`
	Items    int            `json:"items"`
	Correct  int            `json:"correct"`
	Attempts int            `json:"attempts"`
	Accuracy float64        `json:"accuracy"`
	Mastered int            `json:"mastered"`
	Sections []SectionStats `json:"sections"`
}
