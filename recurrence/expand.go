package recurrence

import (
	"fmt"
	"time"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
)

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// Expand returns every occurrence start the rule generates inside
// [windowStart, windowEnd), anchored at anchor. The anchor itself is the
// first occurrence of the sequence; Count is consumed from the anchor
// onwards regardless of the window position.
//
// A nil rule denotes a non-repeating series: the sequence is just the anchor.
//
// Expansion is deterministic: the same (rule, anchor, window) input always
// yields the same output, which is what makes stored deviations re-checkable
// after a rule change.
func Expand(rule *Rule, anchor time.Time, windowStart, windowEnd time.Time) ([]time.Time, error) {
	if !windowStart.Before(windowEnd) {
		return nil, nil
	}
	if rule == nil {
		if inWindow(anchor, windowStart, windowEnd) {
			return []time.Time{anchor}, nil
		}
		return nil, nil
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	r, err := rrule.NewRRule(rule.ROption(anchor))
	if err != nil {
		return nil, fmt.Errorf("failed to build rrule: %w", err)
	}

	// rrule's Between is inclusive on both ends with inc=true; the window is
	// half-open, so occurrences landing exactly on windowEnd are dropped.
	var out []time.Time
	for _, t := range r.Between(windowStart, windowEnd, true) {
		if t.Before(windowEnd) {
			out = append(out, t)
		}
	}
	return out, nil
}

// GeneratesAt reports whether the rule produces an occurrence exactly at t.
func GeneratesAt(rule *Rule, anchor time.Time, t time.Time) (bool, error) {
	occs, err := Expand(rule, anchor, t, t.Add(time.Second))
	if err != nil {
		return false, err
	}
	for _, occ := range occs {
		if occ.Equal(t) {
			return true, nil
		}
	}
	return false, nil
}

// OccurrencesBefore counts how many occurrences the rule generates strictly
// before t, walking from the anchor. Used when a series is split so the
// remainder of a Count bound can follow the new series.
func OccurrencesBefore(rule *Rule, anchor time.Time, t time.Time) (int, error) {
	if rule == nil {
		if anchor.Before(t) {
			return 1, nil
		}
		return 0, nil
	}
	occs, err := Expand(rule, anchor, anchor, t)
	if err != nil {
		return 0, err
	}
	return len(occs), nil
}

// ROption converts the rule into a teambition/rrule-go option anchored at
// anchor, for expansion or RRULE text rendering.
func (r *Rule) ROption(anchor time.Time) rrule.ROption {
	opt := rrule.ROption{
		Interval: r.Interval,
		Dtstart:  anchor,
	}
	switch r.Frequency {
	case Weekly:
		opt.Freq = rrule.WEEKLY
		for _, wd := range sortedWeekdays(r.Weekdays) {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[wd])
		}
	default:
		opt.Freq = rrule.DAILY
	}
	if until, ok := r.Until.Get(); ok {
		opt.Until = until
	}
	if count, ok := r.Count.Get(); ok {
		opt.Count = count
	}
	return opt
}

// FromROption maps a parsed RRULE option back onto a Rule. Options using
// features beyond daily/weekly repetition are rejected.
func FromROption(opt *rrule.ROption) (*Rule, error) {
	rule := &Rule{Interval: opt.Interval}
	if rule.Interval == 0 {
		rule.Interval = 1
	}
	switch opt.Freq {
	case rrule.DAILY:
		rule.Frequency = Daily
	case rrule.WEEKLY:
		rule.Frequency = Weekly
		for _, wd := range opt.Byweekday {
			for timeWd, rruleWd := range rruleWeekdays {
				if rruleWd == wd {
					rule.Weekdays = append(rule.Weekdays, timeWd)
				}
			}
		}
		rule.Weekdays = sortedWeekdays(rule.Weekdays)
	default:
		return nil, &InvalidRuleError{Reason: fmt.Sprintf("unsupported RRULE frequency %v", opt.Freq)}
	}
	if !opt.Until.IsZero() {
		rule.Until = mo.Some(opt.Until)
	}
	if opt.Count > 0 {
		rule.Count = mo.Some(opt.Count)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}
