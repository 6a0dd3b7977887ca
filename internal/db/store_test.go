package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMissingDates(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name     string
		recorded []time.Time
		from, to time.Time
		want     []time.Time
	}{
		{
			name:     "single hole",
			recorded: []time.Time{day(1), day(2), day(4)},
			from:     day(1), to: day(4),
			want: []time.Time{day(3)},
		},
		{
			name:     "contiguous series",
			recorded: []time.Time{day(1), day(2), day(3)},
			from:     day(1), to: day(3),
			want: nil,
		},
		{
			name:     "empty series",
			recorded: nil,
			from:     day(1), to: day(3),
			want: []time.Time{day(1), day(2), day(3)},
		},
		{
			name:     "recorded outside range ignored",
			recorded: []time.Time{day(1), day(10)},
			from:     day(2), to: day(4),
			want: []time.Time{day(2), day(3), day(4)},
		},
		{
			name:     "intraday timestamps collapse to their date",
			recorded: []time.Time{day(1).Add(14 * time.Hour)},
			from:     day(1), to: day(2),
			want: []time.Time{day(2)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, missingDates(tt.recorded, tt.from, tt.to))
		})
	}
}
