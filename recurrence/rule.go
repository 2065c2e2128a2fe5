// Package recurrence defines repetition rules and expands them into concrete
// occurrence times. Expansion is windowed: a rule with no end bound is never
// enumerated beyond the caller-supplied range.
package recurrence

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/mo"
)

// Frequency is the base repetition unit of a rule.
type Frequency int

const (
	Daily Frequency = iota
	Weekly
)

// String provides a human-readable representation of the Frequency.
func (f Frequency) String() string {
	switch f {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	default:
		return "unknown"
	}
}

// Rule describes a repeating pattern. A Rule is immutable after construction;
// mutation commands replace the whole rule rather than editing it in place.
//
// At most one of Until and Count may be set. Until is inclusive. Count is the
// absolute number of occurrences from the anchor, not from any query window.
type Rule struct {
	Frequency Frequency
	Interval  int
	// Weekdays selects the active days for Weekly rules. Ignored for Daily.
	Weekdays []time.Weekday
	Until    mo.Option[time.Time]
	Count    mo.Option[int]
}

// InvalidRuleError reports a rule that violates construction invariants.
// Such rules are rejected before they are ever stored.
type InvalidRuleError struct {
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid recurrence rule: %s", e.Reason)
}

// NewDaily builds a daily rule repeating every interval days.
func NewDaily(interval int) (*Rule, error) {
	r := &Rule{Frequency: Daily, Interval: interval}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewWeekly builds a weekly rule repeating every interval weeks on the given
// weekdays. At least one weekday is required.
func NewWeekly(interval int, weekdays ...time.Weekday) (*Rule, error) {
	r := &Rule{Frequency: Weekly, Interval: interval, Weekdays: weekdays}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithUntil returns a copy of the rule bounded by an inclusive end date.
func (r *Rule) WithUntil(until time.Time) (*Rule, error) {
	c := r.Clone()
	c.Until = mo.Some(until)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithCount returns a copy of the rule bounded by a total occurrence count.
func (r *Rule) WithCount(count int) (*Rule, error) {
	c := r.Clone()
	c.Count = mo.Some(count)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the rule's construction invariants.
func (r *Rule) Validate() error {
	if r.Interval < 1 {
		return &InvalidRuleError{Reason: fmt.Sprintf("interval must be >= 1, got %d", r.Interval)}
	}
	if r.Frequency != Daily && r.Frequency != Weekly {
		return &InvalidRuleError{Reason: fmt.Sprintf("unsupported frequency %d", r.Frequency)}
	}
	if r.Frequency == Weekly && len(r.Weekdays) == 0 {
		return &InvalidRuleError{Reason: "weekly rule requires at least one weekday"}
	}
	for _, wd := range r.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return &InvalidRuleError{Reason: fmt.Sprintf("invalid weekday %d", wd)}
		}
	}
	if r.Until.IsPresent() && r.Count.IsPresent() {
		return &InvalidRuleError{Reason: "until and count are mutually exclusive"}
	}
	if c, ok := r.Count.Get(); ok && c < 1 {
		return &InvalidRuleError{Reason: fmt.Sprintf("count must be >= 1, got %d", c)}
	}
	return nil
}

// Equal reports whether two rules describe the same pattern.
func (r *Rule) Equal(other *Rule) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Frequency != other.Frequency || r.Interval != other.Interval {
		return false
	}
	if len(r.Weekdays) != len(other.Weekdays) {
		return false
	}
	a, b := sortedWeekdays(r.Weekdays), sortedWeekdays(other.Weekdays)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	ru, rok := r.Until.Get()
	ou, ook := other.Until.Get()
	if rok != ook || (rok && !ru.Equal(ou)) {
		return false
	}
	return r.Count == other.Count
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.Weekdays = append([]time.Weekday(nil), r.Weekdays...)
	return &c
}

func sortedWeekdays(wds []time.Weekday) []time.Weekday {
	out := append([]time.Weekday(nil), wds...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
