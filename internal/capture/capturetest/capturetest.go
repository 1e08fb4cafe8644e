// Package capturetest provides hand-driven tickers for recordings, so tests
// decide exactly when a second of capture has elapsed.
package capturetest

import (
	"sync"
	"time"

	"github.com/audiolibrelab/speakcheck/internal/capture"
)

// ManualTicker only fires when Tick is called.
type ManualTicker struct {
	ch       chan time.Time
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (m *ManualTicker) C() <-chan time.Time { return m.ch }

func (m *ManualTicker) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

// Stopped is closed once the governor has stopped the ticker.
func (m *ManualTicker) Stopped() <-chan struct{} { return m.stopped }

// Tick delivers one tick and blocks until the governor receives it. It
// returns false once the governor has stopped listening.
func (m *ManualTicker) Tick() bool {
	select {
	case <-m.stopped:
		return false
	default:
	}
	select {
	case m.ch <- time.Now():
		return true
	case <-m.stopped:
		return false
	}
}

// ManualClock hands out ManualTickers and advances the newest one.
type ManualClock struct {
	mu      sync.Mutex
	tickers []*ManualTicker
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// NewTicker satisfies capture.TickerFactory.
func (c *ManualClock) NewTicker(time.Duration) capture.Ticker {
	t := NewManualTicker()
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

func (c *ManualClock) Current() *ManualTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		return nil
	}
	return c.tickers[len(c.tickers)-1]
}

// Advance ticks the newest ticker up to n times and returns how many ticks
// were delivered.
func (c *ManualClock) Advance(n int) int {
	t := c.Current()
	if t == nil {
		return 0
	}
	delivered := 0
	for i := 0; i < n; i++ {
		if !t.Tick() {
			break
		}
		delivered++
	}
	return delivered
}
