package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-tracker/utils"
)

func TestNextDaily(t *testing.T) {
	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "later today",
			now:  time.Date(2024, 3, 1, 7, 0, 0, 0, madrid),
			want: time.Date(2024, 3, 1, 8, 15, 0, 0, madrid),
		},
		{
			name: "exactly at the slot moves to tomorrow",
			now:  time.Date(2024, 3, 1, 8, 15, 0, 0, madrid),
			want: time.Date(2024, 3, 2, 8, 15, 0, 0, madrid),
		},
		{
			name: "month rollover",
			now:  time.Date(2024, 3, 31, 23, 0, 0, 0, madrid),
			want: time.Date(2024, 4, 1, 8, 15, 0, 0, madrid),
		},
		{
			name: "now given in another zone",
			now:  time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC),
			want: time.Date(2024, 3, 1, 8, 15, 0, 0, madrid),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDaily(tt.now, 8, 15, madrid)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

type countingStarter struct{ calls chan struct{} }

func (c *countingStarter) Start(ctx context.Context) bool {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return false
}

func TestSchedulerFiresAndStops(t *testing.T) {
	starter := &countingStarter{calls: make(chan struct{}, 4)}
	s := NewScheduler(starter, 0, 0, time.UTC, utils.NewNopLogger())
	// the next slot is always in the past, so every timer fires at once
	s.now = func() time.Time {
		return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(-time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-starter.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never fired")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
