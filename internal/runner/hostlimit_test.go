package runner

import "testing"

func TestHostLimiterSkipsAfterFailureThreshold(t *testing.T) {
	l := NewHostLimiter(DefaultHostLimitConfig())

	host := "worker-a"
	if !l.Eligible(host) {
		t.Fatal("host should be eligible before any recorded results")
	}

	for i := 0; i < 3; i++ {
		l.RecordResult(host, false)
	}
	if !l.Eligible(host) {
		t.Fatal("host should remain eligible below MinSamples")
	}

	l.RecordResult(host, false)
	l.RecordResult(host, false)
	if l.Eligible(host) {
		t.Fatal("host should be skipped once failure rate exceeds threshold")
	}
}

func TestHostLimiterIndependentPerHost(t *testing.T) {
	l := NewHostLimiter(DefaultHostLimitConfig())
	for i := 0; i < 10; i++ {
		l.RecordResult("bad-host", false)
	}
	if l.Eligible("bad-host") {
		t.Fatal("bad-host should be skipped")
	}
	if !l.Eligible("good-host") {
		t.Fatal("good-host should remain unaffected by bad-host's failures")
	}
}
