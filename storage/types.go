// Package storage defines the persisted data model of the recurrence engine
// and the interface its backends implement.
package storage

import (
	"fmt"
	"time"

	"github.com/samber/mo"

	"github.com/halcyar/librecur/recurrence"
)

// Series is one recurring-or-singular event definition: a template plus an
// optional repetition rule. A Series with a nil Rule is a single event.
type Series struct {
	ID string
	// Version implements optimistic locking. Every successful update bumps
	// it; an update carrying a stale version fails with ErrConflict.
	Version  int64
	Template Template
	Rule     *recurrence.Rule
	Created  time.Time
	Modified time.Time
}

// Template carries the event content every occurrence inherits. Start is the
// anchor instant of the first occurrence; the engine stores a single
// authoritative instant and leaves display conversion to callers.
type Template struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	Duration    time.Duration
	// Timezone is an IANA reference kept for callers; the engine itself does
	// no timezone arithmetic.
	Timezone string
	// Extra holds free-form fields the engine passes through untouched.
	Extra map[string]string
}

// Clone returns a deep copy of the series.
func (s *Series) Clone() *Series {
	c := *s
	c.Template = s.Template.Clone()
	c.Rule = s.Rule.Clone()
	return &c
}

// Clone returns a deep copy of the template.
func (t Template) Clone() Template {
	c := t
	if t.Extra != nil {
		c.Extra = make(map[string]string, len(t.Extra))
		for k, v := range t.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// DeviationKind tags a deviation payload. Moved and Modified may be combined;
// Cancelled is exclusive of both.
type DeviationKind uint8

const (
	KindCancelled DeviationKind = 1 << iota
	KindMoved
	KindModified
)

// String provides a human-readable representation of the DeviationKind.
func (k DeviationKind) String() string {
	switch {
	case k == KindCancelled:
		return "cancelled"
	case k == KindMoved|KindModified:
		return "moved+modified"
	case k == KindMoved:
		return "moved"
	case k == KindModified:
		return "modified"
	default:
		return fmt.Sprintf("invalid(%d)", k)
	}
}

// Deviation is a stored override attached to one occurrence's permanent
// identity. OriginalDate is the instant the occurrence would have had under
// the rule in effect when the deviation was created; it never changes, no
// matter how the series' rule is edited afterwards.
type Deviation struct {
	SeriesID     string
	OriginalDate time.Time
	Kind         DeviationKind
	// NewStart and NewEnd relocate the occurrence when Kind has KindMoved.
	NewStart time.Time
	NewEnd   time.Time
	// Overrides layer over the template when Kind has KindModified.
	Overrides FieldOverrides
}

// Validate checks the deviation payload invariants.
func (d *Deviation) Validate() error {
	switch {
	case d.SeriesID == "":
		return &Error{Type: ErrInvalidInput, Message: "deviation requires a series id"}
	case d.OriginalDate.IsZero():
		return &Error{Type: ErrInvalidInput, Message: "deviation requires an original date"}
	case d.Kind == 0:
		return &Error{Type: ErrInvalidInput, Message: "deviation requires a payload kind"}
	case d.Kind&KindCancelled != 0 && d.Kind != KindCancelled:
		return &Error{Type: ErrInvalidInput, Message: "cancelled deviation cannot carry move or modify payloads"}
	case d.Kind&KindMoved != 0 && (d.NewStart.IsZero() || d.NewEnd.IsZero()):
		return &Error{Type: ErrInvalidInput, Message: "moved deviation requires new start and end"}
	case d.Kind&KindMoved != 0 && d.NewEnd.Before(d.NewStart):
		return &Error{Type: ErrInvalidInput, Message: "moved deviation end precedes start"}
	case d.Kind == KindModified && d.Overrides.IsZero():
		return &Error{Type: ErrInvalidInput, Message: "modified deviation carries no overrides"}
	}
	return nil
}

// Clone returns a deep copy of the deviation.
func (d *Deviation) Clone() *Deviation {
	c := *d
	c.Overrides = d.Overrides.Clone()
	return &c
}

// FieldOverrides carries per-occurrence content edits. Absent fields fall
// through to the series template.
type FieldOverrides struct {
	Title       mo.Option[string]
	Description mo.Option[string]
	Location    mo.Option[string]
	Extra       map[string]string
}

// IsZero reports whether no override is set.
func (o FieldOverrides) IsZero() bool {
	return o.Title.IsAbsent() && o.Description.IsAbsent() && o.Location.IsAbsent() && len(o.Extra) == 0
}

// Clone returns a deep copy of the overrides.
func (o FieldOverrides) Clone() FieldOverrides {
	c := o
	if o.Extra != nil {
		c.Extra = make(map[string]string, len(o.Extra))
		for k, v := range o.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// Apply layers the overrides onto a template and returns the merged result.
func (o FieldOverrides) Apply(tmpl Template) Template {
	out := tmpl.Clone()
	if v, ok := o.Title.Get(); ok {
		out.Title = v
	}
	if v, ok := o.Description.Get(); ok {
		out.Description = v
	}
	if v, ok := o.Location.Get(); ok {
		out.Location = v
	}
	if len(o.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]string, len(o.Extra))
		}
		for k, v := range o.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// KeyTime normalizes an instant for use as a deviation key. Keys compare by
// absolute time at second precision, independent of wall-clock location.
func KeyTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
