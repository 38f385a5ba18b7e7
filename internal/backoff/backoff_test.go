package backoff

import (
	"testing"
	"time"
)

func TestPublishBackoffBoundaries(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 2 * time.Hour},
		{2, 4 * time.Hour},
		{3, 8 * time.Hour},
		{4, 16 * time.Hour},
		{5, 32 * time.Hour},
		{6, 64 * time.Hour},
		{7, 128 * time.Hour},
		{8, 168 * time.Hour},
		{20, 168 * time.Hour},
	}
	for _, c := range cases {
		got := PublishBackoff.NextDelay(c.attempt)
		if got != c.want {
			t.Errorf("NextDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestNextTryTimeImmediateAtZero(t *testing.T) {
	finish := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := PublishBackoff.NextTryTime(finish, 0)
	if !got.Equal(finish) {
		t.Errorf("NextTryTime with attempt_count=0 = %v, want %v (immediate)", got, finish)
	}
}

func TestNextTryTimeMatchesScenarioS4(t *testing.T) {
	// S4: three prior attempts, most recent finish T-1h; attempt_count=3
	// implies min_wait=8h, next_try_time = (T-1h)+8h = T+7h.
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	lastFinish := t0.Add(-1 * time.Hour)
	got := PublishBackoff.NextTryTime(lastFinish, 3)
	want := t0.Add(7 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("NextTryTime = %v, want %v", got, want)
	}
}
