package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/halcyar/librecur/recurrence"
	"github.com/halcyar/librecur/storage"
)

// Materialize returns every occurrence of the series inside
// [windowStart, windowEnd), ordered by effective start time. It is a pure
// read: rule candidates are merged with the series' stored deviations and
// nothing is written back.
//
// The merge holds two guarantees across arbitrary rule changes:
//   - no originalDate ever yields more than one instance, and
//   - no target slot is fed by two different originalDates.
func (e *Engine) Materialize(ctx context.Context, seriesID string, windowStart, windowEnd time.Time) ([]Instance, error) {
	if e.cache != nil {
		if cached, ok := e.cache.Get(seriesID, windowStart, windowEnd); ok {
			return cached, nil
		}
	}

	series, err := e.store.GetSeries(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	deviations, err := e.store.ListDeviations(ctx, seriesID)
	if err != nil {
		return nil, err
	}

	instances, err := materialize(series, deviations, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("materialized series",
		"series", seriesID,
		"window_start", windowStart,
		"window_end", windowEnd,
		"instances", len(instances))

	if e.cache != nil {
		e.cache.Set(seriesID, windowStart, windowEnd, instances)
	}
	return instances, nil
}

// materialize merges rule candidates with deviations. The ordering of steps
// is what makes pattern changes safe: deviations key on fixed historical
// dates, so re-expansion under a new rule can neither resurrect a cancelled
// date nor duplicate a moved one.
func materialize(series *storage.Series, deviations []*storage.Deviation, windowStart, windowEnd time.Time) ([]Instance, error) {
	candidates, err := recurrence.Expand(series.Rule, series.Template.Start, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to expand series %s: %w", series.ID, err)
	}

	deviationAt := make(map[int64]*storage.Deviation, len(deviations))
	movedTargets := make(map[int64]bool)
	for _, d := range deviations {
		deviationAt[unixKey(d.OriginalDate)] = d
		if d.Kind&storage.KindMoved != 0 {
			movedTargets[unixKey(d.NewStart)] = true
		}
	}

	instances := make([]Instance, 0, len(candidates))
	for _, candidate := range candidates {
		key := unixKey(candidate)
		if movedTargets[key] {
			// The slot belongs to a moved occurrence; emitting the candidate
			// here would duplicate it. This filter runs before the candidate's
			// own deviation is considered, so even a modified candidate yields
			// the slot to the move.
			continue
		}
		if d, ok := deviationAt[key]; ok {
			switch {
			case d.Kind&storage.KindCancelled != 0:
				// suppressed; deliberate filtering, not an error
			case d.Kind&storage.KindMoved != 0:
				// emitted below from the deviation, original slot vacated
			default:
				instances = append(instances, newInstance(series, candidate, d.Overrides, true, candidate))
			}
			continue
		}
		instances = append(instances, newInstance(series, candidate, storage.FieldOverrides{}, false, candidate))
	}

	// Moved deviations emit unconditionally, whether or not the current rule
	// would also generate their target date.
	for _, d := range deviations {
		if d.Kind&storage.KindMoved == 0 {
			continue
		}
		if d.NewStart.Before(windowStart) || !d.NewStart.Before(windowEnd) {
			continue
		}
		inst := newInstance(series, d.NewStart, d.Overrides, true, d.OriginalDate)
		inst.End = d.NewEnd
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].Start.Equal(instances[j].Start) {
			return instances[i].Start.Before(instances[j].Start)
		}
		return instances[i].OriginalDate.Before(instances[j].OriginalDate)
	})
	return instances, nil
}

func newInstance(series *storage.Series, start time.Time, overrides storage.FieldOverrides, isException bool, originalDate time.Time) Instance {
	effective := overrides.Apply(series.Template)
	return Instance{
		SeriesID:     series.ID,
		Start:        start,
		End:          start.Add(series.Template.Duration),
		Title:        effective.Title,
		Description:  effective.Description,
		Location:     effective.Location,
		Timezone:     effective.Timezone,
		Extra:        effective.Extra,
		IsException:  isException,
		OriginalDate: storage.KeyTime(originalDate),
	}
}

func unixKey(t time.Time) int64 {
	return storage.KeyTime(t).Unix()
}
