package auth

import (
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
)

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(clk)

	for i := 0; i < maxLoginAttempts; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("attempt %d blocked inside the allowance", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("attempt past the allowance not blocked")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("unrelated IP blocked")
	}
}

func TestRateLimiterUnblocksAfterLockout(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(clk)

	for i := 0; i <= maxLoginAttempts; i++ {
		rl.Allow("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("expected block")
	}

	clk.Advance(lockoutDuration + time.Minute)
	if !rl.Allow("10.0.0.1") {
		t.Error("still blocked after lockout expiry")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(clk)

	for i := 0; i < maxLoginAttempts; i++ {
		rl.Allow("10.0.0.1")
	}
	clk.Advance(loginWindow + time.Minute)
	if !rl.Allow("10.0.0.1") {
		t.Error("window did not reset")
	}
}

func TestRateLimiterResetOnSuccess(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(clk)

	for i := 0; i < maxLoginAttempts; i++ {
		rl.Allow("10.0.0.1")
	}
	rl.Reset("10.0.0.1")
	if !rl.Allow("10.0.0.1") {
		t.Error("blocked after reset")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(clk)

	rl.Allow("10.0.0.1")
	clk.Advance(loginWindow + time.Minute)
	rl.Cleanup()

	rl.mu.Lock()
	n := len(rl.attempts)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("entries after cleanup = %d, want 0", n)
	}
}
