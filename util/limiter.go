package util

import (
	"sync"
	"time"
)

// Token bucket. A token is added every interval, up to burst.
type Limiter struct {
	tokens chan struct{}
	ticker *time.Ticker
	once   sync.Once
	done   chan struct{}
}

// If full, the bucket starts with burst tokens available.
func NewLimiter(interval time.Duration, burst int, full bool) *Limiter {
	ret := &Limiter{
		tokens: make(chan struct{}, burst),
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}

	if full {
		for i := 0; i < burst; i++ {
			ret.tokens <- struct{}{}
		}
	}

	go ret.fill()

	return ret
}

func (l *Limiter) fill() {
	for {
		select {
		case <-l.ticker.C:
			select {
			case l.tokens <- struct{}{}:
			default:
			}
		case <-l.done:
			return
		}
	}
}

// Blocks until a token is available. Returns false if the limiter was stopped.
func (l *Limiter) Wait() bool {
	select {
	case <-l.tokens:
		return true
	case <-l.done:
		return false
	}
}

func (l *Limiter) Stop() {
	l.once.Do(func() {
		l.ticker.Stop()
		close(l.done)
	})
}
