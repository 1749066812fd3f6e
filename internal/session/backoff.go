package session

import (
	"time"

	"joinbot/internal/runtime/supervisor"
)

// ReconnectPolicy bounds automatic reconnection after a recoverable drop.
//
// Attempt n (1-based) waits BaseDelay*2^(n-1), capped at MaxDelay, plus 20%
// jitter. Once MaxAttempts is exceeded the session waits Cooldown and the
// attempt budget starts over.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Cooldown    time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    2 * time.Minute,
		MaxAttempts: 8,
		Cooldown:    15 * time.Minute,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	return p
}

// Next returns the wait before attempt number attempt (1-based) and whether
// the wait is a cooldown (budget exhausted).
func (p ReconnectPolicy) Next(attempt int) (time.Duration, bool) {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	if attempt > p.MaxAttempts {
		return p.Cooldown, true
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return d, false
}

// Delay is Next with jitter applied to non-cooldown waits.
func (p ReconnectPolicy) Delay(attempt int) (time.Duration, bool) {
	d, cooldown := p.Next(attempt)
	if cooldown {
		return d, true
	}
	return supervisor.Jitter(d, 0.2), false
}
