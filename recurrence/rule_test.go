package recurrence

import (
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{
			name: "valid daily",
			rule: Rule{Frequency: Daily, Interval: 1},
		},
		{
			name: "valid daily with interval",
			rule: Rule{Frequency: Daily, Interval: 3},
		},
		{
			name: "valid weekly",
			rule: Rule{Frequency: Weekly, Interval: 1, Weekdays: []time.Weekday{time.Monday, time.Wednesday}},
		},
		{
			name:    "zero interval",
			rule:    Rule{Frequency: Daily, Interval: 0},
			wantErr: true,
		},
		{
			name:    "negative interval",
			rule:    Rule{Frequency: Daily, Interval: -2},
			wantErr: true,
		},
		{
			name:    "weekly without weekdays",
			rule:    Rule{Frequency: Weekly, Interval: 1},
			wantErr: true,
		},
		{
			name:    "unknown frequency",
			rule:    Rule{Frequency: Frequency(42), Interval: 1},
			wantErr: true,
		},
		{
			name:    "invalid weekday",
			rule:    Rule{Frequency: Weekly, Interval: 1, Weekdays: []time.Weekday{time.Weekday(9)}},
			wantErr: true,
		},
		{
			name: "until bound",
			rule: Rule{Frequency: Daily, Interval: 1, Until: mo.Some(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))},
		},
		{
			name: "count bound",
			rule: Rule{Frequency: Daily, Interval: 1, Count: mo.Some(10)},
		},
		{
			name: "until and count together",
			rule: Rule{
				Frequency: Daily,
				Interval:  1,
				Until:     mo.Some(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
				Count:     mo.Some(10),
			},
			wantErr: true,
		},
		{
			name:    "zero count",
			rule:    Rule{Frequency: Daily, Interval: 1, Count: mo.Some(0)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				var invalid *InvalidRuleError
				require.Error(t, err)
				assert.ErrorAs(t, err, &invalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRule_Constructors(t *testing.T) {
	daily, err := NewDaily(2)
	require.NoError(t, err)
	assert.Equal(t, Daily, daily.Frequency)
	assert.Equal(t, 2, daily.Interval)

	_, err = NewDaily(0)
	assert.Error(t, err)

	weekly, err := NewWeekly(1, time.Monday, time.Wednesday)
	require.NoError(t, err)
	assert.Equal(t, Weekly, weekly.Frequency)
	assert.Len(t, weekly.Weekdays, 2)

	_, err = NewWeekly(1)
	assert.Error(t, err)

	bounded, err := daily.WithCount(5)
	require.NoError(t, err)
	assert.Equal(t, mo.Some(5), bounded.Count)
	assert.True(t, daily.Count.IsAbsent(), "WithCount must not mutate the receiver")

	until := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = bounded.WithUntil(until)
	assert.Error(t, err, "count-bounded rule cannot also take until")

	ended, err := daily.WithUntil(until)
	require.NoError(t, err)
	u, ok := ended.Until.Get()
	require.True(t, ok)
	assert.True(t, u.Equal(until))
}

func TestRule_Equal(t *testing.T) {
	monWed, err := NewWeekly(1, time.Monday, time.Wednesday)
	require.NoError(t, err)
	wedMon, err := NewWeekly(1, time.Wednesday, time.Monday)
	require.NoError(t, err)
	tueThu, err := NewWeekly(1, time.Tuesday, time.Thursday)
	require.NoError(t, err)

	assert.True(t, monWed.Equal(wedMon), "weekday order must not matter")
	assert.False(t, monWed.Equal(tueThu))

	var nilRule *Rule
	assert.True(t, nilRule.Equal(nil))
	assert.False(t, monWed.Equal(nil))
}

func TestRule_Clone(t *testing.T) {
	var nilRule *Rule
	assert.Nil(t, nilRule.Clone())

	orig, err := NewWeekly(2, time.Friday)
	require.NoError(t, err)
	c := orig.Clone()
	c.Weekdays[0] = time.Monday
	assert.Equal(t, time.Friday, orig.Weekdays[0], "clone must not share the weekday slice")
}
