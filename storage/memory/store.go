// memory based implementation for testing purposes
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/halcyar/librecur/storage"
)

// Store implements storage.Storage using in-memory maps. A single lock
// guards the whole store, which also gives transactions their atomicity:
// InTx snapshots the state and restores it when the callback fails.
type Store struct {
	mu   sync.RWMutex
	data *state
}

type state struct {
	series     map[string]*storage.Series
	deviations map[string]map[int64]*storage.Deviation // seriesID -> unix key
}

// New creates a new in-memory storage.
func New() *Store {
	return &Store{data: newState()}
}

func newState() *state {
	return &state{
		series:     make(map[string]*storage.Series),
		deviations: make(map[string]map[int64]*storage.Deviation),
	}
}

func (st *state) clone() *state {
	c := newState()
	for id, s := range st.series {
		c.series[id] = s.Clone()
	}
	for id, devs := range st.deviations {
		m := make(map[int64]*storage.Deviation, len(devs))
		for k, d := range devs {
			m[k] = d.Clone()
		}
		c.deviations[id] = m
	}
	return c
}

func devKey(t time.Time) int64 {
	return storage.KeyTime(t).Unix()
}

// Series operations

func (s *Store) CreateSeries(_ context.Context, series *storage.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createSeries(series)
}

func (s *Store) GetSeries(_ context.Context, id string) (*storage.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getSeries(id)
}

func (s *Store) ListSeries(_ context.Context) ([]*storage.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listSeries()
}

func (s *Store) UpdateSeries(_ context.Context, series *storage.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateSeries(series)
}

func (s *Store) DeleteSeries(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deleteSeries(id)
}

// Deviation operations

func (s *Store) GetDeviation(_ context.Context, seriesID string, originalDate time.Time) (*storage.Deviation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getDeviation(seriesID, originalDate)
}

func (s *Store) ListDeviations(_ context.Context, seriesID string) ([]*storage.Deviation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listDeviations(seriesID)
}

func (s *Store) PutDeviation(_ context.Context, d *storage.Deviation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.putDeviation(d)
}

func (s *Store) RemoveDeviation(_ context.Context, seriesID string, originalDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.removeDeviation(seriesID, originalDate)
}

// InTx runs fn under the store's write lock against a transactional view.
// If fn returns an error the pre-transaction state is restored, so partial
// application is never observable.
func (s *Store) InTx(_ context.Context, fn func(tx storage.Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&txStore{data: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// txStore is the view handed to InTx callbacks. It operates on the live
// state without re-locking; the outer InTx already holds the write lock.
type txStore struct {
	data *state
}

func (t *txStore) CreateSeries(_ context.Context, s *storage.Series) error {
	return t.data.createSeries(s)
}

func (t *txStore) GetSeries(_ context.Context, id string) (*storage.Series, error) {
	return t.data.getSeries(id)
}

func (t *txStore) ListSeries(_ context.Context) ([]*storage.Series, error) {
	return t.data.listSeries()
}

func (t *txStore) UpdateSeries(_ context.Context, s *storage.Series) error {
	return t.data.updateSeries(s)
}

func (t *txStore) DeleteSeries(_ context.Context, id string) error {
	return t.data.deleteSeries(id)
}

func (t *txStore) GetDeviation(_ context.Context, seriesID string, originalDate time.Time) (*storage.Deviation, error) {
	return t.data.getDeviation(seriesID, originalDate)
}

func (t *txStore) ListDeviations(_ context.Context, seriesID string) ([]*storage.Deviation, error) {
	return t.data.listDeviations(seriesID)
}

func (t *txStore) PutDeviation(_ context.Context, d *storage.Deviation) error {
	return t.data.putDeviation(d)
}

func (t *txStore) RemoveDeviation(_ context.Context, seriesID string, originalDate time.Time) error {
	return t.data.removeDeviation(seriesID, originalDate)
}

// InTx on a transactional view joins the enclosing transaction.
func (t *txStore) InTx(_ context.Context, fn func(tx storage.Storage) error) error {
	return fn(t)
}

// state operations; callers hold the appropriate lock.

func (st *state) createSeries(s *storage.Series) error {
	if s.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "series requires an id"}
	}
	if _, exists := st.series[s.ID]; exists {
		return &storage.Error{Type: storage.ErrAlreadyExists, Message: "series already exists"}
	}
	now := time.Now()
	c := s.Clone()
	c.Created = now
	c.Modified = now
	c.Version = 1
	st.series[s.ID] = c
	*s = *c.Clone()
	return nil
}

func (st *state) getSeries(id string) (*storage.Series, error) {
	s, ok := st.series[id]
	if !ok {
		return nil, &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	return s.Clone(), nil
}

func (st *state) listSeries() ([]*storage.Series, error) {
	out := make([]*storage.Series, 0, len(st.series))
	for _, s := range st.series {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) updateSeries(s *storage.Series) error {
	stored, ok := st.series[s.ID]
	if !ok {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	if stored.Version != s.Version {
		return &storage.Error{Type: storage.ErrConflict, Message: "series was modified concurrently"}
	}
	c := s.Clone()
	c.Version = stored.Version + 1
	c.Created = stored.Created
	c.Modified = time.Now()
	st.series[s.ID] = c
	*s = *c.Clone()
	return nil
}

func (st *state) deleteSeries(id string) error {
	if _, ok := st.series[id]; !ok {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	delete(st.series, id)
	delete(st.deviations, id)
	return nil
}

func (st *state) getDeviation(seriesID string, originalDate time.Time) (*storage.Deviation, error) {
	d, ok := st.deviations[seriesID][devKey(originalDate)]
	if !ok {
		return nil, &storage.Error{Type: storage.ErrNotFound, Message: "deviation not found"}
	}
	return d.Clone(), nil
}

func (st *state) listDeviations(seriesID string) ([]*storage.Deviation, error) {
	devs := st.deviations[seriesID]
	out := make([]*storage.Deviation, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalDate.Before(out[j].OriginalDate) })
	return out, nil
}

func (st *state) putDeviation(d *storage.Deviation) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, ok := st.series[d.SeriesID]; !ok {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	if st.deviations[d.SeriesID] == nil {
		st.deviations[d.SeriesID] = make(map[int64]*storage.Deviation)
	}
	c := d.Clone()
	c.OriginalDate = storage.KeyTime(d.OriginalDate)
	st.deviations[d.SeriesID][devKey(d.OriginalDate)] = c
	return nil
}

func (st *state) removeDeviation(seriesID string, originalDate time.Time) error {
	delete(st.deviations[seriesID], devKey(originalDate))
	return nil
}
