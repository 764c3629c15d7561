package bot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpload(t *testing.T) {
	t.Parallel()
	text := "dtek 29.01.2026\n3.2 08:00-12:00, 16:00-20:00\n\n1.1 7:30–24:00\n"
	up, err := ParseUpload(text, UploadRules{})
	require.NoError(t, err)
	assert.Equal(t, "DTEK", up.Company)
	assert.Equal(t, "2026-01-29", up.Date)
	require.Len(t, up.Windows, 3)
	assert.Equal(t, "3.2", up.Windows[0].Queue)
	assert.Equal(t, "08:00", up.Windows[0].OffTime)
	assert.Equal(t, "12:00", up.Windows[0].OnTime)
	assert.Equal(t, "07:30", up.Windows[2].OffTime)
	assert.Equal(t, "24:00", up.Windows[2].OnTime)
	for _, w := range up.Windows {
		assert.Equal(t, "DTEK", w.Company)
		assert.Equal(t, "2026-01-29", w.Date)
	}
	assert.Equal(t, []string{"1.1", "3.2"}, up.Queues())
}

func TestParseUploadRejects(t *testing.T) {
	t.Parallel()
	rules := UploadRules{Companies: []string{"DTEK", "CEK"}, Queues: []string{"1.1", "3.2"}}
	cases := []struct {
		name string
		text string
		line int
	}{
		{"empty", "  \n ", 1},
		{"header fields", "DTEK\n3.2 08:00-12:00", 1},
		{"unknown company", "ACME 29.01.2026\n3.2 08:00-12:00", 1},
		{"bad date", "DTEK 31.02.2026\n3.2 08:00-12:00", 1},
		{"iso date", "DTEK 2026-01-29\n3.2 08:00-12:00", 1},
		{"unknown queue", "DTEK 29.01.2026\n9.9 08:00-12:00", 2},
		{"queue word", "DTEK 29.01.2026\nЧерга 08:00-12:00", 2},
		{"missing ranges", "DTEK 29.01.2026\n3.2", 2},
		{"hour out of range", "DTEK 29.01.2026\n3.2 08:00-25:00", 2},
		{"reversed", "DTEK 29.01.2026\n1.1 08:00-09:00\n3.2 12:00-08:00", 3},
		{"garbage range", "DTEK 29.01.2026\n3.2 morning", 2},
		{"no windows", "DTEK 29.01.2026\n\n", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseUpload(tc.text, rules)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUploadFormat))
			var ue *UploadError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tc.line, ue.Line)
		})
	}
}
