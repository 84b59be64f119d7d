// Package metrics is a minimal meter/counter registry modeled on
// go-ethereum's probe/downloader/metrics.go idiom
// (metrics.NewRegisteredMeter/Counter keyed by a slash-separated path), and
// backed by the same library go-ethereum's own metrics package wraps:
// rcrowley/go-metrics. That gets every meter a real decaying Rate1()
// alongside the running Count(), which downloadSpeed/uploadSpeed tracking
// needs and a bare atomic counter cannot give.
package metrics

import (
	"sync"

	gometrics "github.com/rcrowley/go-metrics"
)

var (
	mu    sync.Mutex
	all   = map[string]*Meter{}
	count = map[string]*Counter{}
)

// Meter tracks a running count of events (e.g. blocks or bytes) plus a
// one-minute exponentially-weighted moving average rate.
type Meter struct {
	m gometrics.Meter
}

// NewMeter returns an unregistered meter, for short-lived per-session
// tracking (e.g. one per active prefetch monitor) that shouldn't grow the
// global registry forever.
func NewMeter() *Meter { return &Meter{m: gometrics.NewMeter()} }

// NewRegisteredMeter returns the named meter, creating it on first use.
func NewRegisteredMeter(name string) *Meter {
	mu.Lock()
	defer mu.Unlock()
	if m, ok := all[name]; ok {
		return m
	}
	m := &Meter{m: gometrics.NewMeter()}
	all[name] = m
	return m
}

// Mark adds delta to the meter's running total and feeds its rate EWMA.
func (m *Meter) Mark(delta int64) { m.m.Mark(delta) }

// Count returns the meter's current total.
func (m *Meter) Count() int64 { return m.m.Count() }

// Rate1 returns the meter's one-minute moving average rate, in units/sec.
func (m *Meter) Rate1() float64 { return m.m.Rate1() }

// Counter tracks a value that can go up or down, e.g. open connections.
type Counter struct {
	c gometrics.Counter
}

// NewRegisteredCounter returns the named counter, creating it on first use.
func NewRegisteredCounter(name string) *Counter {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := count[name]; ok {
		return c
	}
	c := &Counter{c: gometrics.NewCounter()}
	count[name] = c
	return c
}

func (c *Counter) Inc(delta int64) { c.c.Inc(delta) }
func (c *Counter) Dec(delta int64) { c.c.Dec(delta) }
func (c *Counter) Count() int64    { return c.c.Count() }

// Snapshot is a point-in-time dump of every registered meter's and
// counter's count.
type Snapshot struct {
	Meters   map[string]int64
	Counters map[string]int64
}

// Snap returns a copy of the current registry state.
func Snap() Snapshot {
	mu.Lock()
	defer mu.Unlock()
	s := Snapshot{Meters: make(map[string]int64, len(all)), Counters: make(map[string]int64, len(count))}
	for name, m := range all {
		s.Meters[name] = m.Count()
	}
	for name, c := range count {
		s.Counters[name] = c.Count()
	}
	return s
}
