// Package stream tracks live per-contract option data for a small working
// set of instruments and flags entries whose feed has gone quiet.
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradeterm/marketdata/internal/bus"
	"github.com/tradeterm/marketdata/internal/feed"
	"github.com/tradeterm/marketdata/internal/observ"
)

// StreamController re-requests the push universe when the tracked set
// changes, satisfied by transport.Conn.
type StreamController interface {
	Stream(req feed.StreamRequest)
}

// Entry is the live state of one tracked contract.
type Entry struct {
	Key          feed.InstrumentKey
	Bid          float64
	Ask          float64
	Delta        float64
	Gamma        float64
	Theta        float64
	Vega         float64
	IV           float64
	OpenInterest int64
	LastUpdate   time.Time
	IsStale      bool
}

// Config holds tracker tuning. Zero values fall back to defaults.
type Config struct {
	TickInterval   time.Duration
	StaleThreshold time.Duration
	MaxEntries     int
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 10 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 64
	}
}

// Tracker holds the tracked set. Entries outside the set are discarded on
// arrival; staleness is evaluated on a fixed tick, not per update.
type Tracker struct {
	cfg     Config
	streams StreamController

	mu      sync.Mutex
	entries map[feed.InstrumentKey]*Entry
	stopped bool

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config, streams StreamController) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:     cfg,
		streams: streams,
		entries: make(map[feed.InstrumentKey]*Entry),
	}
}

// Start subscribes to instrument updates and begins the staleness tick.
func (t *Tracker) Start(ctx context.Context, b *bus.Bus) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.unsubscribe = b.Subscribe(feed.KindInstrument, func(ev feed.Event) {
		t.onInstrument(*ev.Instrument)
	})
	t.wg.Add(1)
	go t.tickLoop(ctx)
}

// Stop tears the tracker down. Safe to call more than once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// SetTracked replaces the tracked set. State for removed contracts is
// discarded immediately; new contracts start empty and unstale until their
// first tick. The push universe is re-requested to match.
func (t *Tracker) SetTracked(keys []feed.InstrumentKey) {
	if len(keys) > t.cfg.MaxEntries {
		keys = keys[:t.cfg.MaxEntries]
	}

	t.mu.Lock()
	next := make(map[feed.InstrumentKey]*Entry, len(keys))
	for _, k := range keys {
		if prev, ok := t.entries[k]; ok {
			next[k] = prev
		} else {
			next[k] = &Entry{Key: k}
		}
	}
	t.entries = next
	t.mu.Unlock()

	observ.SetGauge("stream_tracked_entries", float64(len(keys)), nil)
	observ.Log("stream_tracked_set", map[string]any{"count": len(keys)})

	if t.streams != nil {
		t.streams.Stream(feed.NewStreamRequest(feed.StreamStart, nil, keys))
	}
}

// Live returns a copy of all tracked entries sorted by strike then right.
func (t *Tracker) Live() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Strike != out[j].Key.Strike {
			return out[i].Key.Strike < out[j].Key.Strike
		}
		return out[i].Key.Right < out[j].Key.Right
	})
	return out
}

// onInstrument merges one update into its entry. Greeks and quotes are
// never legitimately zero, so zero fields mean absent. Any update clears
// staleness immediately rather than waiting for the next tick.
func (t *Tracker) onInstrument(iu feed.InstrumentUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[iu.Key]
	if !ok {
		observ.IncCounter("stream_untracked_dropped_total", nil)
		return
	}
	if iu.Bid != 0 {
		e.Bid = iu.Bid
	}
	if iu.Ask != 0 {
		e.Ask = iu.Ask
	}
	if iu.Delta != 0 {
		e.Delta = iu.Delta
	}
	if iu.Gamma != 0 {
		e.Gamma = iu.Gamma
	}
	if iu.Theta != 0 {
		e.Theta = iu.Theta
	}
	if iu.Vega != 0 {
		e.Vega = iu.Vega
	}
	if iu.IV != 0 {
		e.IV = iu.IV
	}
	if iu.OpenInterest != 0 {
		e.OpenInterest = iu.OpenInterest
	}
	e.LastUpdate = iu.At
	if e.IsStale {
		e.IsStale = false
		observ.Log("stream_entry_recovered", map[string]any{"key": e.Key.String()})
	}
	observ.IncCounter("stream_updates_total", nil)
}

func (t *Tracker) tickLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tickOnce(time.Now())
		}
	}
}

// tickOnce marks entries stale whose last update is older than the
// threshold. Entries that have never received data stay unstale; there is
// nothing quiet about a contract the feed has not started yet.
func (t *Tracker) tickOnce(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stale := 0
	for _, e := range t.entries {
		if e.LastUpdate.IsZero() {
			continue
		}
		if now.Sub(e.LastUpdate) > t.cfg.StaleThreshold {
			if !e.IsStale {
				e.IsStale = true
				observ.Log("stream_entry_stale", map[string]any{
					"key":      e.Key.String(),
					"quiet_ms": now.Sub(e.LastUpdate).Milliseconds(),
				})
			}
			stale++
		}
	}
	observ.SetGauge("stream_stale_entries", float64(stale), nil)
}
