package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyar/librecur/recurrence"
	"github.com/halcyar/librecur/storage"
)

func testSeries(t *testing.T, id string) *storage.Series {
	t.Helper()
	rule, err := recurrence.NewWeekly(1, time.Monday, time.Wednesday)
	require.NoError(t, err)
	return &storage.Series{
		ID: id,
		Template: storage.Template{
			Title:    "standup",
			Start:    time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
			Duration: 30 * time.Minute,
		},
		Rule: rule,
	}
}

func TestStore_SeriesCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	series := testSeries(t, "s1")
	require.NoError(t, s.CreateSeries(ctx, series))
	assert.Equal(t, int64(1), series.Version)
	assert.False(t, series.Created.IsZero())

	err := s.CreateSeries(ctx, testSeries(t, "s1"))
	var se *storage.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, storage.ErrAlreadyExists, se.Type)

	got, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "standup", got.Template.Title)
	assert.True(t, got.Rule.Equal(series.Rule))

	_, err = s.GetSeries(ctx, "missing")
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, s.CreateSeries(ctx, testSeries(t, "s2")))
	all, err := s.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s1", all[0].ID)
	assert.Equal(t, "s2", all[1].ID)

	got.Template.Title = "renamed"
	require.NoError(t, s.UpdateSeries(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	require.NoError(t, s.DeleteSeries(ctx, "s1"))
	_, err = s.GetSeries(ctx, "s1")
	assert.True(t, storage.IsNotFound(err))
	assert.True(t, storage.IsNotFound(s.DeleteSeries(ctx, "s1")))
}

func TestStore_UpdateConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSeries(ctx, testSeries(t, "s1")))

	first, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	second, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)

	first.Template.Title = "winner"
	require.NoError(t, s.UpdateSeries(ctx, first))

	second.Template.Title = "loser"
	err = s.UpdateSeries(ctx, second)
	assert.True(t, storage.IsConflict(err))

	got, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "winner", got.Template.Title)
}

func TestStore_Deviations(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSeries(ctx, testSeries(t, "s1")))

	jan13 := time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC)
	jan8 := time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC)

	err := s.PutDeviation(ctx, &storage.Deviation{
		SeriesID:     "missing",
		OriginalDate: jan13,
		Kind:         storage.KindCancelled,
	})
	assert.True(t, storage.IsNotFound(err), "deviation must reference an existing series")

	require.NoError(t, s.PutDeviation(ctx, &storage.Deviation{
		SeriesID:     "s1",
		OriginalDate: jan13,
		Kind:         storage.KindMoved,
		NewStart:     jan13.AddDate(0, 0, 3),
		NewEnd:       jan13.AddDate(0, 0, 3).Add(30 * time.Minute),
	}))
	require.NoError(t, s.PutDeviation(ctx, &storage.Deviation{
		SeriesID:     "s1",
		OriginalDate: jan8,
		Kind:         storage.KindCancelled,
	}))

	got, err := s.GetDeviation(ctx, "s1", jan13)
	require.NoError(t, err)
	assert.Equal(t, storage.KindMoved, got.Kind)

	// Same key in a different wall-clock location resolves identically.
	got, err = s.GetDeviation(ctx, "s1", jan13.In(time.FixedZone("CET", 3600)))
	require.NoError(t, err)
	assert.Equal(t, storage.KindMoved, got.Kind)

	list, err := s.ListDeviations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].OriginalDate.Before(list[1].OriginalDate), "list is ordered by original date")

	// Upsert replaces the payload at the key.
	require.NoError(t, s.PutDeviation(ctx, &storage.Deviation{
		SeriesID:     "s1",
		OriginalDate: jan13,
		Kind:         storage.KindCancelled,
	}))
	got, err = s.GetDeviation(ctx, "s1", jan13)
	require.NoError(t, err)
	assert.Equal(t, storage.KindCancelled, got.Kind)

	require.NoError(t, s.RemoveDeviation(ctx, "s1", jan13))
	_, err = s.GetDeviation(ctx, "s1", jan13)
	assert.True(t, storage.IsNotFound(err))
	assert.NoError(t, s.RemoveDeviation(ctx, "s1", jan13), "removing an absent key is a no-op")
}

func TestStore_DeleteSeriesCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSeries(ctx, testSeries(t, "s1")))

	jan8 := time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutDeviation(ctx, &storage.Deviation{
		SeriesID:     "s1",
		OriginalDate: jan8,
		Kind:         storage.KindCancelled,
	}))

	require.NoError(t, s.DeleteSeries(ctx, "s1"))
	list, err := s.ListDeviations(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_PutDeviationValidates(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSeries(ctx, testSeries(t, "s1")))

	err := s.PutDeviation(ctx, &storage.Deviation{
		SeriesID:     "s1",
		OriginalDate: time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC),
		Kind:         storage.KindCancelled | storage.KindMoved,
	})
	var se *storage.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, storage.ErrInvalidInput, se.Type)
}

func TestStore_InTxRollback(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSeries(ctx, testSeries(t, "s1")))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx storage.Storage) error {
		if err := tx.DeleteSeries(ctx, "s1"); err != nil {
			return err
		}
		if err := tx.CreateSeries(ctx, testSeries(t, "s2")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetSeries(ctx, "s1")
	assert.NoError(t, err, "rolled-back delete must not stick")
	_, err = s.GetSeries(ctx, "s2")
	assert.True(t, storage.IsNotFound(err), "rolled-back create must not stick")
}

func TestStore_InTxCommit(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InTx(ctx, func(tx storage.Storage) error {
		if err := tx.CreateSeries(ctx, testSeries(t, "s1")); err != nil {
			return err
		}
		// Nested transactions join the enclosing one.
		return tx.InTx(ctx, func(inner storage.Storage) error {
			return inner.PutDeviation(ctx, &storage.Deviation{
				SeriesID:     "s1",
				OriginalDate: time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC),
				Kind:         storage.KindCancelled,
			})
		})
	})
	require.NoError(t, err)

	list, err := s.ListDeviations(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_ReadsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSeries(ctx, testSeries(t, "s1")))

	got, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	got.Template.Title = "mutated copy"
	got.Rule.Weekdays[0] = time.Friday

	fresh, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "standup", fresh.Template.Title)
	assert.Equal(t, time.Monday, fresh.Rule.Weekdays[0])
}
