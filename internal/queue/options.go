package queue

import "time"

type options struct {
	delay       time.Duration
	priority    int
	maxAttempts int
	backoff     time.Duration
}

// Option customizes a single Enqueue call.
type Option func(*options)

// WithDelay postpones the first attempt.
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithPriority orders runnable jobs; higher runs first.
func WithPriority(p int) Option {
	return func(o *options) { o.priority = p }
}

func WithAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay of the exponential retry schedule.
func WithBackoff(base time.Duration) Option {
	return func(o *options) {
		if base > 0 {
			o.backoff = base
		}
	}
}
