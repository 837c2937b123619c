package reaper

import (
	"math/rand"
	"sync"
	"time"
)

// maxInterval caps cooldown growth under sustained lock contention.
const maxInterval = 10 * time.Minute

// Cooldown schedules reaper attempts: on success the interval resets
// to base plus jitter; on lock contention it grows by 1.5x, capped at
// maxInterval. Extracted as its own type so the scheduling rule is
// testable independent of any connection, mirroring how the teacher
// pulls its own scheduling primitives out of the manager they serve.
type Cooldown struct {
	base time.Duration
	rng  *rand.Rand

	mu       sync.Mutex
	interval time.Duration
	nextRun  time.Time
}

// NewCooldown constructs a Cooldown with the given base interval.
func NewCooldown(base time.Duration) *Cooldown {
	if base <= 0 {
		base = time.Minute
	}
	c := &Cooldown{base: base, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	c.interval = c.jitteredBase()
	return c
}

func (c *Cooldown) jitteredBase() time.Duration {
	jitter := time.Duration(c.rng.Float64() * float64(c.base) / 3)
	return c.base + jitter
}

// Due reports whether a reaper attempt may run at now.
func (c *Cooldown) Due(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !now.Before(c.nextRun)
}

// OnResult schedules the next attempt given the outcome of the last
// one: success (locked and ran to completion, regardless of how many
// it killed) resets the interval; contention (lock not acquired)
// grows it.
func (c *Cooldown) OnResult(now time.Time, locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if locked {
		c.interval = c.jitteredBase()
	} else {
		c.interval = time.Duration(float64(c.interval) * 1.5)
		if c.interval > maxInterval {
			c.interval = maxInterval
		}
	}
	extra := time.Duration(c.rng.Float64() * float64(c.interval) / 2)
	c.nextRun = now.Add(c.interval + extra)
}
