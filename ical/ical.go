// Package ical converts series and their deviations to and from iCalendar
// text. The mapping follows RFC 5545 conventions: the series template is the
// master VEVENT, cancellations become EXDATE entries, and moved or modified
// occurrences become override VEVENTs carrying RECURRENCE-ID.
package ical

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
	"github.com/teambition/rrule-go"

	"github.com/halcyar/librecur/recurrence"
	"github.com/halcyar/librecur/storage"
)

const (
	productID      = "-//librecur//Recurrence Engine//EN"
	propRecurrence = "RECURRENCE-ID"
	timeLayout     = "20060102T150405Z"
)

// Export renders a series and its deviations as a VCALENDAR.
func Export(series *storage.Series, deviations []*storage.Deviation) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	master := ical.NewEvent()
	master.Props.SetText(ical.PropUID, series.ID)
	master.Props.SetDateTime(ical.PropDateTimeStamp, time.Now())
	master.Props.SetDateTime(ical.PropDateTimeStart, series.Template.Start.UTC())
	master.Props.SetDateTime(ical.PropDateTimeEnd, series.Template.Start.Add(series.Template.Duration).UTC())
	setTemplateProps(master, series.Template)

	if series.Rule != nil {
		r, err := rrule.NewRRule(series.Rule.ROption(series.Template.Start))
		if err != nil {
			return nil, fmt.Errorf("failed to render rule: %w", err)
		}
		// Raw value: SetText would escape the semicolons of the RRULE.
		rruleProp := ical.NewProp(ical.PropRecurrenceRule)
		rruleProp.Value = r.OrigOptions.RRuleString()
		master.Props.Set(rruleProp)
	}

	var exdates []string
	var overrides []*ical.Event
	for _, d := range deviations {
		if d.Kind&storage.KindCancelled != 0 {
			exdates = append(exdates, d.OriginalDate.UTC().Format(timeLayout))
			continue
		}
		ev, err := exportOverride(series, d)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, ev)
	}
	if len(exdates) > 0 {
		exdateProp := ical.NewProp(ical.PropExceptionDates)
		exdateProp.Value = strings.Join(exdates, ",")
		master.Props.Set(exdateProp)
	}

	cal.Children = append(cal.Children, master.Component)
	for _, ev := range overrides {
		cal.Children = append(cal.Children, ev.Component)
	}
	return cal, nil
}

// ExportICS renders a series and its deviations as iCalendar text.
func ExportICS(series *storage.Series, deviations []*storage.Deviation) (string, error) {
	cal, err := Export(series, deviations)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.String(), nil
}

func exportOverride(series *storage.Series, d *storage.Deviation) (*ical.Event, error) {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, series.ID)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now())
	recurrenceID := ical.NewProp(propRecurrence)
	recurrenceID.Value = d.OriginalDate.UTC().Format(timeLayout)
	ev.Props.Set(recurrenceID)

	start := d.OriginalDate
	end := d.OriginalDate.Add(series.Template.Duration)
	if d.Kind&storage.KindMoved != 0 {
		start = d.NewStart
		end = d.NewEnd
	}
	ev.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	ev.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())

	effective := d.Overrides.Apply(series.Template)
	setTemplateProps(ev, effective)
	return ev, nil
}

func setTemplateProps(ev *ical.Event, tmpl storage.Template) {
	ev.Props.SetText(ical.PropSummary, tmpl.Title)
	if tmpl.Description != "" {
		ev.Props.SetText(ical.PropDescription, tmpl.Description)
	}
	if tmpl.Location != "" {
		ev.Props.SetText(ical.PropLocation, tmpl.Location)
	}
}

// Import reconstructs a series and its deviations from a VCALENDAR produced
// by Export or by any calendar client using the same RFC 5545 conventions.
func Import(cal *ical.Calendar) (*storage.Series, []*storage.Deviation, error) {
	var master *ical.Component
	var overrides []*ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if child.Props.Get(propRecurrence) != nil {
			overrides = append(overrides, child)
			continue
		}
		if master != nil {
			return nil, nil, fmt.Errorf("multiple master events in calendar")
		}
		master = child
	}
	if master == nil {
		return nil, nil, fmt.Errorf("no master event in calendar")
	}

	series, err := importMaster(master)
	if err != nil {
		return nil, nil, err
	}

	var deviations []*storage.Deviation
	if exdateProp := master.Props.Get(ical.PropExceptionDates); exdateProp != nil && exdateProp.Value != "" {
		for _, raw := range strings.Split(exdateProp.Value, ",") {
			t, err := time.Parse(timeLayout, strings.TrimSpace(raw))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid EXDATE %q: %w", raw, err)
			}
			deviations = append(deviations, &storage.Deviation{
				SeriesID:     series.ID,
				OriginalDate: storage.KeyTime(t),
				Kind:         storage.KindCancelled,
			})
		}
	}
	for _, comp := range overrides {
		d, err := importOverride(series, comp)
		if err != nil {
			return nil, nil, err
		}
		if d != nil {
			deviations = append(deviations, d)
		}
	}
	return series, deviations, nil
}

// ImportICS reconstructs a series and its deviations from iCalendar text.
func ImportICS(ics string) (*storage.Series, []*storage.Deviation, error) {
	cal, err := ical.NewDecoder(strings.NewReader(ics)).Decode()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode calendar: %w", err)
	}
	return Import(cal)
}

func importMaster(comp *ical.Component) (*storage.Series, error) {
	uid := textProp(comp, ical.PropUID)
	if uid == "" {
		return nil, fmt.Errorf("master event has no UID")
	}

	start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART on master event: %w", err)
	}
	if start.IsZero() {
		return nil, fmt.Errorf("master event has no DTSTART")
	}
	series := &storage.Series{
		ID: uid,
		Template: storage.Template{
			Title:       textProp(comp, ical.PropSummary),
			Description: textProp(comp, ical.PropDescription),
			Location:    textProp(comp, ical.PropLocation),
			Start:       storage.KeyTime(start),
		},
	}
	if end, err := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC); err == nil && !end.IsZero() {
		series.Template.Duration = end.Sub(start)
	}

	if rruleProp := comp.Props.Get(ical.PropRecurrenceRule); rruleProp != nil && rruleProp.Value != "" {
		opt, err := rrule.StrToROption(rruleProp.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid RRULE %q: %w", rruleProp.Value, err)
		}
		rule, err := recurrence.FromROption(opt)
		if err != nil {
			return nil, err
		}
		series.Rule = rule
	}
	return series, nil
}

func importOverride(series *storage.Series, comp *ical.Component) (*storage.Deviation, error) {
	recurrenceID := comp.Props.Get(propRecurrence)
	original, err := time.Parse(timeLayout, recurrenceID.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid RECURRENCE-ID %q: %w", recurrenceID.Value, err)
	}

	d := &storage.Deviation{
		SeriesID:     series.ID,
		OriginalDate: storage.KeyTime(original),
	}

	start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART on override event: %w", err)
	}
	if start.IsZero() {
		return nil, fmt.Errorf("override event has no DTSTART")
	}
	if !storage.KeyTime(start).Equal(d.OriginalDate) {
		d.Kind |= storage.KindMoved
		d.NewStart = storage.KeyTime(start)
		if end, err := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC); err == nil && !end.IsZero() {
			d.NewEnd = storage.KeyTime(end)
		} else {
			d.NewEnd = d.NewStart.Add(series.Template.Duration)
		}
	}

	overrides := diffOverrides(series.Template, comp)
	if !overrides.IsZero() {
		d.Kind |= storage.KindModified
		d.Overrides = overrides
	}

	if d.Kind == 0 {
		// An override event identical to the template at its own slot carries
		// no information; storing one would freeze template fields that later
		// series-wide edits should reach.
		return nil, nil
	}
	return d, nil
}

// diffOverrides keeps only the fields that differ from the template, so a
// round trip does not turn inherited content into explicit overrides.
func diffOverrides(tmpl storage.Template, comp *ical.Component) storage.FieldOverrides {
	var o storage.FieldOverrides
	if v := textProp(comp, ical.PropSummary); v != "" && v != tmpl.Title {
		o.Title = mo.Some(v)
	}
	if v := textProp(comp, ical.PropDescription); v != "" && v != tmpl.Description {
		o.Description = mo.Some(v)
	}
	if v := textProp(comp, ical.PropLocation); v != "" && v != tmpl.Location {
		o.Location = mo.Some(v)
	}
	return o
}

func textProp(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	v, err := p.Text()
	if err != nil {
		return p.Value
	}
	return v
}
