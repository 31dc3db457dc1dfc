package httpapi

import (
	"testing"
	"time"
)

func TestKeyLimiter(t *testing.T) {
	l := newKeyLimiter(1, 2)
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("a") {
		t.Error("third request should be limited")
	}
	if !l.Allow("b") {
		t.Error("other callers must not share a bucket")
	}
}

func TestKeyLimiterDisabled(t *testing.T) {
	l := newKeyLimiter(0, 10)
	if l != nil {
		t.Fatal("expected nil limiter when perMinute is 0")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatal("nil limiter must allow")
		}
	}
	l.cleanup(time.Second)
}

func TestKeyLimiterCleanup(t *testing.T) {
	l := newKeyLimiter(60, 1)
	l.Allow("a")
	l.Allow("b")
	l.mu.Lock()
	l.visitors["a"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.cleanup(time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.visitors["a"]; ok {
		t.Error("idle caller not removed")
	}
	if _, ok := l.visitors["b"]; !ok {
		t.Error("recent caller removed")
	}
}
