package auth

import (
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
)

const (
	maxLoginAttempts = 5 // per IP within the window
	loginWindow      = 5 * time.Minute
	lockoutDuration  = 30 * time.Minute
)

type loginAttempt struct {
	count     int
	firstAt   time.Time
	blockedAt time.Time // non-zero while blocked
}

// RateLimiter tracks per-IP login attempt rates.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*loginAttempt
	clk      clock.Clock
}

// NewRateLimiter creates a login rate limiter.
func NewRateLimiter(clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string]*loginAttempt),
		clk:      clk,
	}
}

// Allow reports whether a login attempt from the given IP may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &loginAttempt{count: 1, firstAt: now}
		return true
	}

	if !a.blockedAt.IsZero() {
		if now.Before(a.blockedAt.Add(lockoutDuration)) {
			return false
		}
		a.count = 1
		a.firstAt = now
		a.blockedAt = time.Time{}
		return true
	}

	if now.After(a.firstAt.Add(loginWindow)) {
		a.count = 1
		a.firstAt = now
		return true
	}

	a.count++
	if a.count > maxLoginAttempts {
		a.blockedAt = now
		return false
	}
	return true
}

// RecordFailure notes a failed login for an IP.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &loginAttempt{count: 1, firstAt: rl.clk.Now()}
		return
	}
	a.count++
	if a.count >= maxLoginAttempts*2 {
		a.blockedAt = rl.clk.Now()
	}
}

// Reset clears rate limit state for an IP. Called on successful login.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	delete(rl.attempts, ip)
	rl.mu.Unlock()
}

// Cleanup removes expired entries. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	for ip, a := range rl.attempts {
		if !a.blockedAt.IsZero() {
			if now.After(a.blockedAt.Add(lockoutDuration)) {
				delete(rl.attempts, ip)
			}
			continue
		}
		if now.After(a.firstAt.Add(loginWindow)) {
			delete(rl.attempts, ip)
		}
	}
}
