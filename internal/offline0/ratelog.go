package offline0

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// rateLimitedLogger drops lines that arrive within interval of the last
// printed one and reports how many were suppressed on the next line.
type rateLimitedLogger struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return
	}
	l.lastAt = now
	if l.suppressed > 0 {
		log.WithField("suppressed", l.suppressed).Warnf(format, args...)
		l.suppressed = 0
		return
	}
	log.Warnf(format, args...)
}
