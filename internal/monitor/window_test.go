package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRestartWindow(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		gaps  []time.Duration // before each exit
		want  []bool
	}{
		{
			name:  "second crash in window fails",
			limit: 2,
			gaps:  []time.Duration{0, time.Minute},
			want:  []bool{false, true},
		},
		{
			name:  "crashes spread beyond the window never fail",
			limit: 2,
			gaps:  []time.Duration{0, 6 * time.Minute, 6 * time.Minute},
			want:  []bool{false, false, false},
		},
		{
			name:  "default budget",
			limit: 3,
			gaps:  []time.Duration{0, time.Second, time.Second},
			want:  []bool{false, false, true},
		},
		{
			name:  "oldest crash slides out",
			limit: 3,
			gaps:  []time.Duration{0, 4 * time.Minute, 2 * time.Minute, time.Second},
			want:  []bool{false, false, false, true},
		},
		{
			name:  "exhausted budget starts over",
			limit: 2,
			gaps:  []time.Duration{0, time.Second, time.Second},
			want:  []bool{false, true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &clock{t: time.Unix(1_700_000_000, 0)}
			w := newRestartWindow(tt.limit, 5*time.Minute, clk.now)

			var got []bool
			for _, gap := range tt.gaps {
				clk.advance(gap)
				exhausted, _ := w.record("hassio_audio")
				got = append(got, exhausted)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRestartWindow_PerName(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	w := newRestartWindow(2, time.Minute, clk.now)

	exhausted, _ := w.record("hassio_audio")
	assert.False(t, exhausted)
	exhausted, _ = w.record("hassio_dns")
	assert.False(t, exhausted, "names have separate budgets")
	assert.Equal(t, 1, w.pending("hassio_audio"))

	exhausted, count := w.record("hassio_audio")
	assert.True(t, exhausted)
	assert.Equal(t, 2, count)
	assert.Zero(t, w.pending("hassio_audio"), "exhaustion clears the history")
	assert.Equal(t, 1, w.pending("hassio_dns"))

	exhausted, count = w.record("hassio_audio")
	assert.False(t, exhausted, "a recovered container starts with a full budget")
	assert.Equal(t, 1, count)
}
