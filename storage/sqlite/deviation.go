package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"

	"github.com/halcyar/librecur/storage"
)

const deviationColumns = `series_id, original_ts, kind, new_start_ts, new_end_ts, overrides`

func (s *Store) GetDeviation(ctx context.Context, seriesID string, originalDate time.Time) (*storage.Deviation, error) {
	row := s.run.QueryRowContext(ctx,
		`SELECT `+deviationColumns+` FROM deviation WHERE series_id = ? AND original_ts = ?`,
		seriesID, storage.KeyTime(originalDate).Unix())
	d, err := scanDeviation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &storage.Error{Type: storage.ErrNotFound, Message: "deviation not found"}
		}
		return nil, fmt.Errorf("failed to get deviation: %w", err)
	}
	return d, nil
}

func (s *Store) ListDeviations(ctx context.Context, seriesID string) ([]*storage.Deviation, error) {
	rows, err := s.run.QueryContext(ctx,
		`SELECT `+deviationColumns+` FROM deviation WHERE series_id = ? ORDER BY original_ts`,
		seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deviations: %w", err)
	}
	defer rows.Close()

	var list []*storage.Deviation
	for rows.Next() {
		d, err := scanDeviation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deviation: %w", err)
		}
		list = append(list, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deviations: %w", err)
	}
	return list, nil
}

func (s *Store) PutDeviation(ctx context.Context, d *storage.Deviation) error {
	if err := d.Validate(); err != nil {
		return err
	}

	overrides, err := encodeOverrides(d.Overrides)
	if err != nil {
		return err
	}
	var newStart, newEnd sql.NullInt64
	if d.Kind&storage.KindMoved != 0 {
		newStart = sql.NullInt64{Int64: d.NewStart.Unix(), Valid: true}
		newEnd = sql.NullInt64{Int64: d.NewEnd.Unix(), Valid: true}
	}

	stmt := `INSERT INTO deviation (` + deviationColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (series_id, original_ts) DO UPDATE SET
			kind = excluded.kind,
			new_start_ts = excluded.new_start_ts,
			new_end_ts = excluded.new_end_ts,
			overrides = excluded.overrides`
	if _, err := s.run.ExecContext(ctx, stmt,
		d.SeriesID,
		storage.KeyTime(d.OriginalDate).Unix(),
		int(d.Kind),
		newStart, newEnd,
		overrides,
	); err != nil {
		if isForeignKeyViolation(err) {
			return &storage.Error{Type: storage.ErrNotFound, Message: "series not found", Err: err}
		}
		return fmt.Errorf("failed to put deviation: %w", err)
	}
	return nil
}

func (s *Store) RemoveDeviation(ctx context.Context, seriesID string, originalDate time.Time) error {
	if _, err := s.run.ExecContext(ctx,
		`DELETE FROM deviation WHERE series_id = ? AND original_ts = ?`,
		seriesID, storage.KeyTime(originalDate).Unix()); err != nil {
		return fmt.Errorf("failed to remove deviation: %w", err)
	}
	return nil
}

func scanDeviation(row rowScanner) (*storage.Deviation, error) {
	var (
		d                storage.Deviation
		originalTs       int64
		kind             int
		newStart, newEnd sql.NullInt64
		overrides        string
	)
	if err := row.Scan(&d.SeriesID, &originalTs, &kind, &newStart, &newEnd, &overrides); err != nil {
		return nil, err
	}
	d.OriginalDate = time.Unix(originalTs, 0).UTC()
	d.Kind = storage.DeviationKind(kind)
	if newStart.Valid {
		d.NewStart = time.Unix(newStart.Int64, 0).UTC()
	}
	if newEnd.Valid {
		d.NewEnd = time.Unix(newEnd.Int64, 0).UTC()
	}
	o, err := decodeOverrides(overrides)
	if err != nil {
		return nil, err
	}
	d.Overrides = o
	return &d, nil
}

// overridesJSON is the persisted shape of storage.FieldOverrides; pointers
// model field absence.
type overridesJSON struct {
	Title       *string           `json:"title,omitempty"`
	Description *string           `json:"description,omitempty"`
	Location    *string           `json:"location,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

func encodeOverrides(o storage.FieldOverrides) (string, error) {
	if o.IsZero() {
		return "{}", nil
	}
	j := overridesJSON{Extra: o.Extra}
	if v, ok := o.Title.Get(); ok {
		j.Title = &v
	}
	if v, ok := o.Description.Get(); ok {
		j.Description = &v
	}
	if v, ok := o.Location.Get(); ok {
		j.Location = &v
	}
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("failed to encode overrides: %w", err)
	}
	return string(b), nil
}

func decodeOverrides(raw string) (storage.FieldOverrides, error) {
	var o storage.FieldOverrides
	if raw == "" || raw == "{}" {
		return o, nil
	}
	var j overridesJSON
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return o, fmt.Errorf("failed to decode overrides: %w", err)
	}
	if j.Title != nil {
		o.Title = mo.Some(*j.Title)
	}
	if j.Description != nil {
		o.Description = mo.Some(*j.Description)
	}
	if j.Location != nil {
		o.Location = mo.Some(*j.Location)
	}
	o.Extra = j.Extra
	return o, nil
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
