package directory

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// circuitBreaker fails fast after a run of consecutive availability failures.
// It opens for a cooldown window once the threshold is reached; any success
// closes it and clears the failure count.
type circuitBreaker struct {
	threshold int
	cooldown  time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	failures  int
	openUntil time.Time

	now func() time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration, logger *zap.Logger) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
	}
}

// allow reports whether a call may proceed.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openLocked()
}

func (b *circuitBreaker) openLocked() bool {
	return b.now().Before(b.openUntil)
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := b.openLocked()
	b.failures = 0
	b.openUntil = time.Time{}
	if wasOpen {
		b.logger.Warn("directory circuit breaker closed",
			zap.String("from_state", "open"),
			zap.String("to_state", "closed"))
	}
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.threshold || b.openLocked() {
		return
	}
	b.openUntil = b.now().Add(b.cooldown)
	b.logger.Warn("directory circuit breaker opened",
		zap.String("from_state", "closed"),
		zap.String("to_state", "open"),
		zap.Int("failure_count", b.failures),
		zap.Duration("cooldown", b.cooldown))
}
