package session

import (
	"testing"
	"time"
)

func TestAudioInputLimiter_BurstThenDeny(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	lim := newAudioInputLimiter(func() time.Time { return now }, 1, 0, 2)

	if !lim.Allow(10) || !lim.Allow(10) {
		t.Fatal("expected burst of two chunks")
	}
	if lim.Allow(10) {
		t.Fatal("expected third chunk denied")
	}
}

func TestAudioInputLimiter_Refill(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	lim := newAudioInputLimiter(func() time.Time { return now }, 10, 0, 1)
	for i := 0; i < 10; i++ {
		if !lim.Allow(1) {
			t.Fatalf("deny at i=%d", i)
		}
	}
	if lim.Allow(1) {
		t.Fatal("expected deny once exhausted")
	}
	now = now.Add(100 * time.Millisecond)
	if !lim.Allow(1) {
		t.Fatal("expected allow after refill")
	}
}

func TestAudioInputLimiter_Bytes(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	lim := newAudioInputLimiter(func() time.Time { return now }, 0, 48000, 1)
	if !lim.Allow(40000) {
		t.Fatal("expected allow")
	}
	if lim.Allow(9000) {
		t.Fatal("expected deny over byte budget")
	}
}

func TestAudioInputLimiter_DisabledIsNil(t *testing.T) {
	lim := newAudioInputLimiter(nil, 0, 0, 0)
	if lim != nil || !lim.Allow(1<<20) {
		t.Fatal("disabled limiter must allow everything")
	}
}
