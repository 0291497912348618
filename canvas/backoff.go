package canvas

import (
	"math"
	mathrand "math/rand"
	"time"
)

type BackoffSettings struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// 0 means unlimited
	MaxAttempts int
}

func DefaultBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     12,
	}
}

// exponential backoff with equal jitter:
// the delay for attempt n is uniform in [d/2, d] where d = min(max, initial * multiplier^n)
type Backoff struct {
	settings *BackoffSettings
	attempt  int
}

func NewBackoff(settings *BackoffSettings) *Backoff {
	return &Backoff{
		settings: settings,
	}
}

// the next delay, or false when the attempts are exhausted
func (self *Backoff) Next() (time.Duration, bool) {
	if 0 < self.settings.MaxAttempts && self.settings.MaxAttempts <= self.attempt {
		return 0, false
	}
	interval := self.Interval(self.attempt)
	self.attempt += 1
	half := interval / 2
	if half <= 0 {
		return interval, true
	}
	return half + time.Duration(mathrand.Int63n(int64(interval-half)+1)), true
}

// the un-jittered cap for `attempt`
func (self *Backoff) Interval(attempt int) time.Duration {
	d := float64(self.settings.InitialInterval) * math.Pow(self.settings.Multiplier, float64(attempt))
	if float64(self.settings.MaxInterval) < d || math.IsInf(d, 0) {
		return self.settings.MaxInterval
	}
	return time.Duration(d)
}

func (self *Backoff) Attempts() int {
	return self.attempt
}

func (self *Backoff) Reset() {
	self.attempt = 0
}
