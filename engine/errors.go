package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/halcyar/librecur/storage"
)

// NoSuchOccurrenceError reports a mutation that targeted an originalDate
// which does not currently materialize: the date is neither generated by the
// rule nor carried by a live deviation, or it was already cancelled. The
// command is reported to the caller, never retried, and no orphan deviation
// is written.
type NoSuchOccurrenceError struct {
	SeriesID     string
	OriginalDate time.Time
}

func (e *NoSuchOccurrenceError) Error() string {
	return fmt.Sprintf("no occurrence of series %s at %s", e.SeriesID, e.OriginalDate.Format(time.RFC3339))
}

// IsNoSuchOccurrence reports whether err is a NoSuchOccurrenceError.
// Uses errors.As to handle wrapped errors.
func IsNoSuchOccurrence(err error) bool {
	var e *NoSuchOccurrenceError
	return errors.As(err, &e)
}

// OverlapError reports a rejected move: the target slot is already occupied
// by another materialized occurrence and the engine runs with RejectOverlap.
type OverlapError struct {
	SeriesID string
	Start    time.Time
	End      time.Time

	// Blocking identifies the occurrence already holding the slot.
	BlockingSeriesID     string
	BlockingOriginalDate time.Time
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("move of series %s to %s overlaps an occurrence of series %s",
		e.SeriesID, e.Start.Format(time.RFC3339), e.BlockingSeriesID)
}

// IsOverlap reports whether err is an OverlapError.
func IsOverlap(err error) bool {
	var e *OverlapError
	return errors.As(err, &e)
}

// IsConcurrentModification reports whether err is an optimistic-lock failure
// from the storage layer. Callers should retry the whole command.
func IsConcurrentModification(err error) bool {
	return storage.IsConflict(err)
}
