package presence

import (
	"sync"
	"time"
)

// DefaultMinInterval caps local cursor publishes at roughly 60Hz.
const DefaultMinInterval = 16 * time.Millisecond

// Publisher debounces local presence publishes. A publish arriving inside
// the interval replaces any pending unsent record; it is never queued
// behind it.
type Publisher struct {
	mu       sync.Mutex
	send     func(Record)
	interval time.Duration
	last     time.Time
	pending  *Record
	timer    *time.Timer
	closed   bool
	now      func() time.Time
}

// NewPublisher wraps send with a rate limit of one record per interval.
func NewPublisher(interval time.Duration, send func(Record)) *Publisher {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return &Publisher{send: send, interval: interval, now: time.Now}
}

// Publish sends rec now if the interval has passed, otherwise stages it to
// replace whatever was pending.
func (p *Publisher) Publish(rec Record) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	now := p.now()
	if elapsed := now.Sub(p.last); elapsed >= p.interval {
		p.last = now
		p.pending = nil
		send := p.send
		p.mu.Unlock()
		send(rec)
		return
	}
	p.pending = &rec
	if p.timer == nil {
		p.timer = time.AfterFunc(p.interval-now.Sub(p.last), p.flush)
	}
	p.mu.Unlock()
}

func (p *Publisher) flush() {
	p.mu.Lock()
	p.timer = nil
	if p.closed || p.pending == nil {
		p.mu.Unlock()
		return
	}
	rec := *p.pending
	p.pending = nil
	p.last = p.now()
	send := p.send
	p.mu.Unlock()
	send(rec)
}

// Close cancels any pending publish.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
}
