// Package engine materializes recurring series into concrete occurrences and
// applies scoped mutation commands. It is the only package callers need:
// expansion lives in recurrence, persistence behind storage.Storage.
package engine

import (
	"io"
	"log/slog"
	"time"

	"github.com/halcyar/librecur/storage"
)

// Instance is one concrete, caller-visible occurrence of a series. It is a
// projection created fresh on every query, never persisted.
//
// OriginalDate is always set, even when the occurrence was moved, so callers
// can re-target mutation commands at the correct deviation key.
type Instance struct {
	SeriesID     string
	Start        time.Time
	End          time.Time
	Title        string
	Description  string
	Location     string
	Timezone     string
	Extra        map[string]string
	IsException  bool
	OriginalDate time.Time
}

// Scope selects how far a mutation command reaches.
type Scope int

const (
	// ScopeInstance touches exactly one occurrence via a deviation.
	ScopeInstance Scope = iota
	// ScopeFollowing splits the series at the target occurrence.
	ScopeFollowing
	// ScopeAll rewrites the series' template and rule in place.
	ScopeAll
)

// String provides a human-readable representation of the Scope.
func (s Scope) String() string {
	switch s {
	case ScopeInstance:
		return "instance"
	case ScopeFollowing:
		return "following"
	case ScopeAll:
		return "all"
	default:
		return "unknown"
	}
}

// MovePolicy decides what happens when a single-instance move targets a slot
// that another materialized occurrence already occupies.
type MovePolicy int

const (
	// AllowOverlap accepts the move regardless of other occurrences.
	AllowOverlap MovePolicy = iota
	// RejectOverlap fails the move with an OverlapError.
	RejectOverlap
)

// Config holds engine configuration options.
type Config struct {
	MovePolicy MovePolicy

	// Logger receives structured engine logs; discard when nil.
	Logger *slog.Logger

	CacheEnabled bool
	CacheConfig  CacheConfig
}

// DefaultConfig provides sensible defaults for production use.
var DefaultConfig = Config{
	MovePolicy:   AllowOverlap,
	CacheEnabled: true,
	CacheConfig:  DefaultCacheConfig,
}

// Engine materializes occurrences and applies mutation commands against a
// storage backend. Reads are pure; every mutation runs in one storage
// transaction. One writer per series is assumed.
type Engine struct {
	store  storage.Storage
	cache  *materializeCache
	config Config
	logger *slog.Logger
}

// New creates a new engine with default configuration.
func New(store storage.Storage) *Engine {
	return NewWithConfig(store, DefaultConfig)
}

// NewWithConfig creates a new engine with custom configuration.
func NewWithConfig(store storage.Storage, config Config) *Engine {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var cache *materializeCache
	if config.CacheEnabled {
		cache = newMaterializeCache(config.CacheConfig)
	}

	return &Engine{
		store:  store,
		cache:  cache,
		config: config,
		logger: logger,
	}
}

// Close releases engine resources. The storage backend is not closed; the
// caller owns it.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

func (e *Engine) invalidate(seriesIDs ...string) {
	if e.cache == nil {
		return
	}
	for _, id := range seriesIDs {
		e.cache.InvalidateSeries(id)
	}
}
