package capture

import (
	"sync"
	"time"
)

// Ticker is the clock source driving a Governor.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the TickerFactory backed by time.Ticker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Governor advances elapsed seconds once per tick and force-stops capture at
// the configured ceiling. It is bound to exactly one recording.
type Governor struct {
	max     int
	ticker  Ticker
	onTick  func(elapsed int) bool
	onLimit func()

	elapsed  int
	halt     chan struct{}
	haltOnce sync.Once
	done     chan struct{}
}

// newGovernor builds a governor. onTick reports the clamped elapsed value and
// returns false when the recording already left the Recording state.
// onLimit runs at most once, when elapsed reaches max.
func newGovernor(max int, ticker Ticker, onTick func(int) bool, onLimit func()) *Governor {
	return &Governor{
		max:     max,
		ticker:  ticker,
		onTick:  onTick,
		onLimit: onLimit,
		halt:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (g *Governor) start() {
	go g.run()
}

func (g *Governor) run() {
	defer close(g.done)
	defer g.ticker.Stop()

	for {
		select {
		case <-g.halt:
			return
		case <-g.ticker.C():
			// A tick racing with Halt must not be applied.
			select {
			case <-g.halt:
				return
			default:
			}

			if g.elapsed < g.max {
				g.elapsed++
			}
			if !g.onTick(g.elapsed) {
				g.Halt()
				return
			}
			if g.elapsed >= g.max {
				g.Halt()
				g.onLimit()
				return
			}
		}
	}
}

// Halt stops ticking. It never blocks, so it is safe to call from onLimit.
func (g *Governor) Halt() {
	if g == nil {
		return
	}
	g.haltOnce.Do(func() { close(g.halt) })
}

// Done is closed when the ticking goroutine has exited.
func (g *Governor) Done() <-chan struct{} {
	return g.done
}
