package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/mo"

	"github.com/halcyar/librecur/recurrence"
	"github.com/halcyar/librecur/storage"
)

const seriesColumns = `id, version, title, description, location, start_ts, duration_secs, timezone, extra,
	recur_freq, recur_interval, recur_weekdays, recur_until_ts, recur_count, created_ts, updated_ts`

func (s *Store) CreateSeries(ctx context.Context, series *storage.Series) error {
	if series.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "series requires an id"}
	}

	extra, err := encodeExtra(series.Template.Extra)
	if err != nil {
		return err
	}
	freq, interval, weekdays, untilTs, count := encodeRule(series.Rule)

	now := time.Now()
	stmt := `INSERT INTO series (` + seriesColumns + `)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.run.ExecContext(ctx, stmt,
		series.ID,
		series.Template.Title,
		series.Template.Description,
		series.Template.Location,
		series.Template.Start.Unix(),
		int64(series.Template.Duration/time.Second),
		series.Template.Timezone,
		extra,
		freq, interval, weekdays, untilTs, count,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &storage.Error{Type: storage.ErrAlreadyExists, Message: "series already exists", Err: err}
		}
		return fmt.Errorf("failed to create series: %w", err)
	}

	series.Version = 1
	series.Created = now
	series.Modified = now
	return nil
}

func (s *Store) GetSeries(ctx context.Context, id string) (*storage.Series, error) {
	row := s.run.QueryRowContext(ctx,
		`SELECT `+seriesColumns+` FROM series WHERE id = ?`, id)
	series, err := scanSeries(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
		}
		return nil, fmt.Errorf("failed to get series: %w", err)
	}
	return series, nil
}

func (s *Store) ListSeries(ctx context.Context) ([]*storage.Series, error) {
	rows, err := s.run.QueryContext(ctx,
		`SELECT `+seriesColumns+` FROM series ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	var list []*storage.Series
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan series: %w", err)
		}
		list = append(list, series)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate series: %w", err)
	}
	return list, nil
}

func (s *Store) UpdateSeries(ctx context.Context, series *storage.Series) error {
	extra, err := encodeExtra(series.Template.Extra)
	if err != nil {
		return err
	}
	freq, interval, weekdays, untilTs, count := encodeRule(series.Rule)

	now := time.Now()
	stmt := `UPDATE series SET
		version = version + 1,
		title = ?, description = ?, location = ?,
		start_ts = ?, duration_secs = ?, timezone = ?, extra = ?,
		recur_freq = ?, recur_interval = ?, recur_weekdays = ?, recur_until_ts = ?, recur_count = ?,
		updated_ts = ?
		WHERE id = ? AND version = ?`
	res, err := s.run.ExecContext(ctx, stmt,
		series.Template.Title,
		series.Template.Description,
		series.Template.Location,
		series.Template.Start.Unix(),
		int64(series.Template.Duration/time.Second),
		series.Template.Timezone,
		extra,
		freq, interval, weekdays, untilTs, count,
		now.Unix(),
		series.ID, series.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update series: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		// Either the series is gone or the caller read a stale version.
		var exists int
		if err := s.run.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM series WHERE id = ?`, series.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check series existence: %w", err)
		}
		if exists == 0 {
			return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
		}
		return &storage.Error{Type: storage.ErrConflict, Message: "series was modified concurrently"}
	}

	series.Version++
	series.Modified = now
	return nil
}

func (s *Store) DeleteSeries(ctx context.Context, id string) error {
	res, err := s.run.ExecContext(ctx, `DELETE FROM series WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete series: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeries(row rowScanner) (*storage.Series, error) {
	var (
		series            storage.Series
		startTs           int64
		durationSecs      int64
		extra             string
		freq              sql.NullString
		interval          sql.NullInt64
		weekdays          sql.NullString
		untilTs, count    sql.NullInt64
		created, modified int64
	)
	if err := row.Scan(
		&series.ID,
		&series.Version,
		&series.Template.Title,
		&series.Template.Description,
		&series.Template.Location,
		&startTs,
		&durationSecs,
		&series.Template.Timezone,
		&extra,
		&freq, &interval, &weekdays, &untilTs, &count,
		&created, &modified,
	); err != nil {
		return nil, err
	}

	series.Template.Start = time.Unix(startTs, 0).UTC()
	series.Template.Duration = time.Duration(durationSecs) * time.Second
	series.Created = time.Unix(created, 0).UTC()
	series.Modified = time.Unix(modified, 0).UTC()

	m, err := decodeExtra(extra)
	if err != nil {
		return nil, err
	}
	series.Template.Extra = m

	rule, err := decodeRule(freq, interval, weekdays, untilTs, count)
	if err != nil {
		return nil, err
	}
	series.Rule = rule

	return &series, nil
}

func encodeRule(rule *recurrence.Rule) (freq sql.NullString, interval sql.NullInt64, weekdays sql.NullString, untilTs sql.NullInt64, count sql.NullInt64) {
	if rule == nil {
		return
	}
	freq = sql.NullString{String: rule.Frequency.String(), Valid: true}
	interval = sql.NullInt64{Int64: int64(rule.Interval), Valid: true}
	if len(rule.Weekdays) > 0 {
		parts := make([]string, len(rule.Weekdays))
		for i, wd := range rule.Weekdays {
			parts[i] = strconv.Itoa(int(wd))
		}
		weekdays = sql.NullString{String: strings.Join(parts, ","), Valid: true}
	}
	if u, ok := rule.Until.Get(); ok {
		untilTs = sql.NullInt64{Int64: u.Unix(), Valid: true}
	}
	if c, ok := rule.Count.Get(); ok {
		count = sql.NullInt64{Int64: int64(c), Valid: true}
	}
	return
}

func decodeRule(freq sql.NullString, interval sql.NullInt64, weekdays sql.NullString, untilTs, count sql.NullInt64) (*recurrence.Rule, error) {
	if !freq.Valid {
		return nil, nil
	}
	rule := &recurrence.Rule{Interval: int(interval.Int64)}
	switch freq.String {
	case "daily":
		rule.Frequency = recurrence.Daily
	case "weekly":
		rule.Frequency = recurrence.Weekly
	default:
		return nil, fmt.Errorf("unknown stored frequency %q", freq.String)
	}
	if weekdays.Valid && weekdays.String != "" {
		for _, part := range strings.Split(weekdays.String, ",") {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid stored weekday %q: %w", part, err)
			}
			rule.Weekdays = append(rule.Weekdays, time.Weekday(n))
		}
	}
	if untilTs.Valid {
		rule.Until = mo.Some(time.Unix(untilTs.Int64, 0).UTC())
	}
	if count.Valid {
		rule.Count = mo.Some(int(count.Int64))
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("stored rule is invalid: %w", err)
	}
	return rule, nil
}

func encodeExtra(extra map[string]string) (string, error) {
	if len(extra) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("failed to encode extra fields: %w", err)
	}
	return string(b), nil
}

func decodeExtra(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode extra fields: %w", err)
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	// modernc's sqlite driver reports constraint failures in the message;
	// there is no exported error code type to match on.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
