package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies storage errors.
type ErrorType string

const (
	ErrNotFound      ErrorType = "not_found"
	ErrAlreadyExists ErrorType = "already_exists"
	ErrInvalidInput  ErrorType = "invalid_input"
	// ErrConflict signals an optimistic-lock failure: another mutation
	// committed against the same series first. Callers retry the whole
	// command.
	ErrConflict ErrorType = "conflict"
)

// Error represents a storage-related error.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a storage not-found error.
func IsNotFound(err error) bool { return hasType(err, ErrNotFound) }

// IsConflict reports whether err is an optimistic-lock conflict.
func IsConflict(err error) bool { return hasType(err, ErrConflict) }

func hasType(err error, t ErrorType) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Type == t
	}
	return false
}

// Storage is the interface recurrence-engine backends implement. Please use
// the error types provided.
//
// Deviations form a pure keyed override table: no expansion logic belongs
// here. Removing every deviation of a series happens only through
// DeleteSeries.
type Storage interface {
	// CreateSeries stores a new series. ErrAlreadyExists on duplicate id.
	CreateSeries(ctx context.Context, s *Series) error
	// GetSeries retrieves a series by id. ErrNotFound if absent.
	GetSeries(ctx context.Context, id string) (*Series, error)
	// ListSeries retrieves every stored series.
	ListSeries(ctx context.Context) ([]*Series, error)
	// UpdateSeries replaces a series' template and rule. The update carries
	// the version the caller read; ErrConflict if it is stale.
	UpdateSeries(ctx context.Context, s *Series) error
	// DeleteSeries removes a series and cascades deletion of every
	// deviation keyed to it.
	DeleteSeries(ctx context.Context, id string) error

	// GetDeviation retrieves the deviation at (seriesID, originalDate).
	GetDeviation(ctx context.Context, seriesID string, originalDate time.Time) (*Deviation, error)
	// ListDeviations retrieves all deviations of a series, ordered by
	// original date.
	ListDeviations(ctx context.Context, seriesID string) ([]*Deviation, error)
	// PutDeviation inserts or replaces the deviation at its key.
	PutDeviation(ctx context.Context, d *Deviation) error
	// RemoveDeviation deletes the deviation at (seriesID, originalDate).
	// Removing an absent key is a no-op.
	RemoveDeviation(ctx context.Context, seriesID string, originalDate time.Time) error

	// InTx runs fn inside one atomic unit. Every write fn performs becomes
	// visible together or not at all; readers never observe a half-applied
	// mutation.
	InTx(ctx context.Context, fn func(tx Storage) error) error
}
