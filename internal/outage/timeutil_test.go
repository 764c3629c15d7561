package outage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kyiv(t *testing.T) *time.Location {
	t.Helper()
	loc, err := LoadLocation("")
	require.NoError(t, err)
	return loc
}

func TestNormalizeEndOfDay(t *testing.T) {
	t.Parallel()
	loc := kyiv(t)

	got, err := Normalize("2026-10-19", "24:00", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 19, 23, 59, 0, 0, loc), got)
	assert.Equal(t, "2026-10-19", DateOf(got, loc), "must not roll over to the next day")
}

func TestNormalizeValid(t *testing.T) {
	t.Parallel()
	loc := kyiv(t)
	tests := []struct {
		raw  string
		h, m int
	}{
		{"00:00", 0, 0},
		{"14:00", 14, 0},
		{"9:30", 9, 30},
		{" 23:59 ", 23, 59},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize("2026-03-29", tt.raw, loc)
			require.NoError(t, err)
			assert.Equal(t, tt.h, got.Hour())
			assert.Equal(t, tt.m, got.Minute())
			assert.Equal(t, loc, got.Location())
		})
	}
}

func TestNormalizeMalformed(t *testing.T) {
	t.Parallel()
	loc := kyiv(t)
	for _, raw := range []string{"", "25:00", "12:60", "1200", "12:5", "ab:cd", "+1:00", "24:01", "-1:00"} {
		raw := raw
		t.Run(raw, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize("2026-10-19", raw, loc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedTime))
			var te *TimeError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, raw, te.Value)
		})
	}
}

func TestNormalizeBadDate(t *testing.T) {
	t.Parallel()
	_, err := Normalize("19.10.2026", "10:00", kyiv(t))
	assert.ErrorIs(t, err, ErrMalformedTime)
}

func TestWindowBounds(t *testing.T) {
	t.Parallel()
	loc := kyiv(t)
	w := Window{Company: "DTEK", Queue: "3.2", Date: "2026-10-19", OffTime: "14:00", OnTime: "24:00"}
	off, on, err := w.Bounds(loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 19, 14, 0, 0, 0, loc), off)
	assert.Equal(t, time.Date(2026, 10, 19, 23, 59, 0, 0, loc), on)

	w.OnTime = "oops"
	_, _, err = w.Bounds(loc)
	assert.ErrorIs(t, err, ErrMalformedTime)
}

func TestPreferencesEnabled(t *testing.T) {
	t.Parallel()
	p := DefaultPreferences()
	for _, k := range Kinds {
		assert.True(t, p.Enabled(k), k)
	}
	assert.Equal(t, "uk", p.Lang())

	p.NotifyOff = false
	assert.False(t, p.Enabled(NotifyOff))
	assert.True(t, p.Enabled(ReminderOff))
	assert.False(t, p.Enabled(Kind("bogus")))

	assert.Equal(t, "uk", Preferences{}.Lang())
}
