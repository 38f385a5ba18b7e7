package publisher

import (
	"testing"
	"time"
)

func TestPushLimiterAllowsUpToCap(t *testing.T) {
	l := NewPushLimiter(PushLimitConfig{MaxPushesPerPeriod: 3, Period: time.Hour})
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("push %d should be allowed", i)
		}
		l.RecordPush()
	}
	if l.Allow() {
		t.Fatal("4th push should be denied once the cap is reached")
	}
}

func TestPushLimiterPrunesExpiredHistory(t *testing.T) {
	l := NewPushLimiter(PushLimitConfig{MaxPushesPerPeriod: 1, Period: time.Hour})
	l.history = append(l.history, time.Now().Add(-2*time.Hour))
	if !l.Allow() {
		t.Fatal("expired push record should not count against the cap")
	}
}
