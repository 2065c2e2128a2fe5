package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/halcyar/librecur/recurrence"
	"github.com/halcyar/librecur/storage"
)

// Changes describes what a mutation command wants to alter. NewStart/NewEnd
// relocate the occurrence (ScopeInstance) or rebase the template
// (ScopeFollowing/ScopeAll); Overrides edit content fields; Rule replaces the
// repetition rule for ScopeFollowing/ScopeAll.
//
// Rule carries a nested pointer so Some(nil) can clear the rule and turn the
// remainder into a single event.
type Changes struct {
	NewStart  mo.Option[time.Time]
	NewEnd    mo.Option[time.Time]
	Overrides storage.FieldOverrides
	Rule      mo.Option[*recurrence.Rule]
}

func (c Changes) isZero() bool {
	return c.NewStart.IsAbsent() && c.NewEnd.IsAbsent() && c.Overrides.IsZero() && c.Rule.IsAbsent()
}

// CreateSeries stores a new series from a template and an optional rule and
// returns its id. A nil rule creates a single, non-repeating event.
func (e *Engine) CreateSeries(ctx context.Context, tmpl storage.Template, rule *recurrence.Rule) (string, error) {
	if tmpl.Start.IsZero() {
		return "", &storage.Error{Type: storage.ErrInvalidInput, Message: "template requires a start instant"}
	}
	if rule != nil {
		if err := rule.Validate(); err != nil {
			return "", err
		}
	}

	series := &storage.Series{
		ID:       uuid.NewString(),
		Template: tmpl.Clone(),
		Rule:     rule.Clone(),
	}
	// Occurrence identity works at second precision; anchor the series there
	// so candidate dates and deviation keys always line up.
	series.Template.Start = storage.KeyTime(tmpl.Start)

	if err := e.store.CreateSeries(ctx, series); err != nil {
		return "", err
	}
	e.logger.Info("created series", "series", series.ID, "recurring", rule != nil)
	return series.ID, nil
}

// EditInstance applies an edit command at the given scope. The whole command
// runs inside one storage transaction; partial application is never
// observable.
func (e *Engine) EditInstance(ctx context.Context, seriesID string, originalDate time.Time, scope Scope, changes Changes) error {
	if changes.isZero() {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "edit carries no changes"}
	}
	key := storage.KeyTime(originalDate)

	var splitID string
	err := e.store.InTx(ctx, func(tx storage.Storage) error {
		series, err := tx.GetSeries(ctx, seriesID)
		if err != nil {
			return err
		}
		switch scope {
		case ScopeInstance:
			return e.editOne(ctx, tx, series, key, changes)
		case ScopeFollowing:
			splitID, err = e.editFollowing(ctx, tx, series, key, changes)
			return err
		case ScopeAll:
			return editAll(ctx, tx, series, changes)
		default:
			return &storage.Error{Type: storage.ErrInvalidInput, Message: "unknown mutation scope"}
		}
	})
	if err != nil {
		return err
	}

	e.invalidate(seriesID)
	if splitID != "" {
		e.invalidate(splitID)
	}
	e.logger.Info("edited series", "series", seriesID, "scope", scope.String(), "original_date", key, "split_series", splitID)
	return nil
}

// DeleteInstance removes occurrences at the given scope: one cancellation
// deviation for ScopeInstance, a truncation for ScopeFollowing, or full
// series deletion (cascading every deviation) for ScopeAll.
func (e *Engine) DeleteInstance(ctx context.Context, seriesID string, originalDate time.Time, scope Scope) error {
	key := storage.KeyTime(originalDate)

	err := e.store.InTx(ctx, func(tx storage.Storage) error {
		switch scope {
		case ScopeInstance:
			series, err := tx.GetSeries(ctx, seriesID)
			if err != nil {
				return err
			}
			return cancelOne(ctx, tx, series, key)
		case ScopeFollowing:
			series, err := tx.GetSeries(ctx, seriesID)
			if err != nil {
				return err
			}
			return deleteFollowing(ctx, tx, series, key)
		case ScopeAll:
			return tx.DeleteSeries(ctx, seriesID)
		default:
			return &storage.Error{Type: storage.ErrInvalidInput, Message: "unknown mutation scope"}
		}
	})
	if err != nil {
		return err
	}

	e.invalidate(seriesID)
	e.logger.Info("deleted from series", "series", seriesID, "scope", scope.String(), "original_date", key)
	return nil
}

// UpdateRule replaces the series' repetition rule, scope implicitly "all".
// Existing deviations stay attached under their original dates and are
// re-evaluated against the new rule on the next materialize call; that is
// how a cancellation or move survives a pattern change, and why reverting
// the pattern re-exposes the same deviations.
func (e *Engine) UpdateRule(ctx context.Context, seriesID string, newRule *recurrence.Rule) error {
	if newRule != nil {
		if err := newRule.Validate(); err != nil {
			return err
		}
	}

	err := e.store.InTx(ctx, func(tx storage.Storage) error {
		series, err := tx.GetSeries(ctx, seriesID)
		if err != nil {
			return err
		}
		series.Rule = newRule.Clone()
		return tx.UpdateSeries(ctx, series)
	})
	if err != nil {
		return err
	}

	e.invalidate(seriesID)
	e.logger.Info("updated rule", "series", seriesID, "recurring", newRule != nil)
	return nil
}

// occurrenceState classifies whether an originalDate currently materializes.
type occurrenceState int

const (
	occurrenceNone occurrenceState = iota
	occurrenceCandidate
	occurrenceDeviated
	occurrenceCancelled
)

func occurrenceStatus(ctx context.Context, tx storage.Storage, series *storage.Series, key time.Time) (occurrenceState, *storage.Deviation, error) {
	d, err := tx.GetDeviation(ctx, series.ID, key)
	if err == nil {
		if d.Kind&storage.KindCancelled != 0 {
			return occurrenceCancelled, d, nil
		}
		return occurrenceDeviated, d, nil
	}
	if !storage.IsNotFound(err) {
		return occurrenceNone, nil, err
	}

	ok, err := recurrence.GeneratesAt(series.Rule, series.Template.Start, key)
	if err != nil {
		return occurrenceNone, nil, err
	}
	if ok {
		return occurrenceCandidate, nil, nil
	}
	return occurrenceNone, nil, nil
}

// editOne writes a single-occurrence deviation. The series template and rule
// are never touched here.
func (e *Engine) editOne(ctx context.Context, tx storage.Storage, series *storage.Series, key time.Time, changes Changes) error {
	if changes.Rule.IsPresent() {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "a single occurrence cannot carry its own rule"}
	}

	state, existing, err := occurrenceStatus(ctx, tx, series, key)
	if err != nil {
		return err
	}
	if state == occurrenceNone || state == occurrenceCancelled {
		return &NoSuchOccurrenceError{SeriesID: series.ID, OriginalDate: key}
	}

	d := &storage.Deviation{SeriesID: series.ID, OriginalDate: key}
	if existing != nil {
		d = existing.Clone()
	}

	if changes.NewStart.IsPresent() || changes.NewEnd.IsPresent() {
		base := key
		if d.Kind&storage.KindMoved != 0 {
			base = d.NewStart
		}
		newStart := storage.KeyTime(changes.NewStart.OrElse(base))
		defaultEnd := newStart.Add(series.Template.Duration)
		newEnd := storage.KeyTime(changes.NewEnd.OrElse(defaultEnd))
		d.Kind |= storage.KindMoved
		d.NewStart = newStart
		d.NewEnd = newEnd

		if e.config.MovePolicy == RejectOverlap {
			if err := e.checkOverlap(ctx, tx, series.ID, key, newStart, newEnd); err != nil {
				return err
			}
		}
	}
	if !changes.Overrides.IsZero() {
		d.Kind |= storage.KindModified
		d.Overrides = mergeOverrides(d.Overrides, changes.Overrides)
	}

	return tx.PutDeviation(ctx, d)
}

// cancelOne suppresses one occurrence. Cancelling an already-cancelled
// occurrence is a no-op, not an error.
func cancelOne(ctx context.Context, tx storage.Storage, series *storage.Series, key time.Time) error {
	state, _, err := occurrenceStatus(ctx, tx, series, key)
	if err != nil {
		return err
	}
	switch state {
	case occurrenceCancelled:
		return nil
	case occurrenceNone:
		return &NoSuchOccurrenceError{SeriesID: series.ID, OriginalDate: key}
	}

	// Replaces any moved/modified deviation: cancellation wins the slot.
	return tx.PutDeviation(ctx, &storage.Deviation{
		SeriesID:     series.ID,
		OriginalDate: key,
		Kind:         storage.KindCancelled,
	})
}

// editFollowing splits the series at key: the original keeps everything
// strictly before the split, a new series takes the rest, and deviations at
// or after the split are re-keyed onto the new series.
func (e *Engine) editFollowing(ctx context.Context, tx storage.Storage, series *storage.Series, key time.Time, changes Changes) (string, error) {
	ok, err := recurrence.GeneratesAt(series.Rule, series.Template.Start, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &NoSuchOccurrenceError{SeriesID: series.ID, OriginalDate: key}
	}

	consumed, err := recurrence.OccurrencesBefore(series.Rule, series.Template.Start, key)
	if err != nil {
		return "", err
	}
	if consumed == 0 {
		// Splitting at the first occurrence leaves nothing behind; the
		// command degenerates to an edit of the whole series.
		return "", editAll(ctx, tx, series, changes)
	}

	newTemplate := series.Template.Clone()
	newTemplate.Start = key
	if ns, present := changes.NewStart.Get(); present {
		newTemplate.Start = storage.KeyTime(ns)
	}
	if ne, present := changes.NewEnd.Get(); present {
		newTemplate.Duration = ne.Sub(newTemplate.Start)
	}
	newTemplate = changes.Overrides.Apply(newTemplate)

	var newRule *recurrence.Rule
	if r, present := changes.Rule.Get(); present {
		if r != nil {
			if err := r.Validate(); err != nil {
				return "", err
			}
		}
		newRule = r.Clone()
	} else if series.Rule != nil {
		newRule = series.Rule.Clone()
		if count, has := newRule.Count.Get(); has {
			// The new series continues the same bounded sequence.
			newRule.Count = mo.Some(count - consumed)
		}
	}

	newSeries := &storage.Series{
		ID:       uuid.NewString(),
		Template: newTemplate,
		Rule:     newRule,
	}
	if err := tx.CreateSeries(ctx, newSeries); err != nil {
		return "", err
	}

	deviations, err := tx.ListDeviations(ctx, series.ID)
	if err != nil {
		return "", err
	}
	for _, d := range deviations {
		if d.OriginalDate.Before(key) {
			continue
		}
		if err := tx.RemoveDeviation(ctx, series.ID, d.OriginalDate); err != nil {
			return "", err
		}
		moved := d.Clone()
		moved.SeriesID = newSeries.ID
		if err := tx.PutDeviation(ctx, moved); err != nil {
			return "", err
		}
	}

	series.Rule = truncateRule(series.Rule, key, consumed)
	if err := tx.UpdateSeries(ctx, series); err != nil {
		return "", err
	}
	return newSeries.ID, nil
}

// deleteFollowing truncates the series just before key and drops the
// deviations of the removed tail.
func deleteFollowing(ctx context.Context, tx storage.Storage, series *storage.Series, key time.Time) error {
	consumed, err := recurrence.OccurrencesBefore(series.Rule, series.Template.Start, key)
	if err != nil {
		return err
	}
	if consumed == 0 {
		// Nothing survives before the cut; the whole series goes.
		return tx.DeleteSeries(ctx, series.ID)
	}

	deviations, err := tx.ListDeviations(ctx, series.ID)
	if err != nil {
		return err
	}
	for _, d := range deviations {
		if d.OriginalDate.Before(key) {
			continue
		}
		if err := tx.RemoveDeviation(ctx, series.ID, d.OriginalDate); err != nil {
			return err
		}
	}

	series.Rule = truncateRule(series.Rule, key, consumed)
	return tx.UpdateSeries(ctx, series)
}

// editAll rewrites the series template and rule in place. Deviations are
// left attached unchanged; the materializer re-evaluates them against the
// new rule on the next query.
func editAll(ctx context.Context, tx storage.Storage, series *storage.Series, changes Changes) error {
	tmpl := series.Template.Clone()
	if ns, present := changes.NewStart.Get(); present {
		tmpl.Start = storage.KeyTime(ns)
	}
	if ne, present := changes.NewEnd.Get(); present {
		tmpl.Duration = ne.Sub(tmpl.Start)
	}
	tmpl = changes.Overrides.Apply(tmpl)
	series.Template = tmpl

	if r, present := changes.Rule.Get(); present {
		if r != nil {
			if err := r.Validate(); err != nil {
				return err
			}
		}
		series.Rule = r.Clone()
	}
	return tx.UpdateSeries(ctx, series)
}

// truncateRule bounds a rule to its first consumed occurrences. A rule that
// counted occurrences keeps counting; anything else gets an inclusive until
// just before the cut.
func truncateRule(rule *recurrence.Rule, cut time.Time, consumed int) *recurrence.Rule {
	if rule == nil {
		return nil
	}
	out := rule.Clone()
	if rule.Count.IsPresent() {
		out.Count = mo.Some(consumed)
		out.Until = mo.None[time.Time]()
		return out
	}
	out.Until = mo.Some(cut.Add(-time.Second))
	out.Count = mo.None[int]()
	return out
}

// checkOverlap enforces RejectOverlap: the target slot must not collide with
// any other materialized occurrence, in this or any other series. The moved
// occurrence itself is exempt.
func (e *Engine) checkOverlap(ctx context.Context, tx storage.Storage, seriesID string, key, newStart, newEnd time.Time) error {
	// Long-running occurrences can overlap the slot while starting well
	// before it; pad the probe window rather than scanning history.
	probeStart := newStart.Add(-24 * time.Hour)
	probeEnd := newEnd
	if !probeEnd.After(newStart) {
		probeEnd = newStart.Add(time.Second)
	}

	all, err := tx.ListSeries(ctx)
	if err != nil {
		return err
	}
	for _, other := range all {
		deviations, err := tx.ListDeviations(ctx, other.ID)
		if err != nil {
			return err
		}
		instances, err := materialize(other, deviations, probeStart, probeEnd)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			if inst.SeriesID == seriesID && inst.OriginalDate.Equal(key) {
				continue
			}
			instEnd := inst.End
			if !instEnd.After(inst.Start) {
				instEnd = inst.Start.Add(time.Second)
			}
			if inst.Start.Before(probeEnd) && newStart.Before(instEnd) {
				return &OverlapError{
					SeriesID:             seriesID,
					Start:                newStart,
					End:                  newEnd,
					BlockingSeriesID:     inst.SeriesID,
					BlockingOriginalDate: inst.OriginalDate,
				}
			}
		}
	}
	return nil
}

func mergeOverrides(base, add storage.FieldOverrides) storage.FieldOverrides {
	out := base.Clone()
	if v, ok := add.Title.Get(); ok {
		out.Title = mo.Some(v)
	}
	if v, ok := add.Description.Get(); ok {
		out.Description = mo.Some(v)
	}
	if v, ok := add.Location.Get(); ok {
		out.Location = mo.Some(v)
	}
	if len(add.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]string, len(add.Extra))
		}
		for k, v := range add.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
