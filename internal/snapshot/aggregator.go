// Package snapshot consolidates streaming and polled market data into a
// single current-state view per symbol. Push data is preferred; polling is
// the fallback when push is late, broken, or explicitly rejected by the
// provider.
package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradeterm/marketdata/internal/bus"
	"github.com/tradeterm/marketdata/internal/feed"
	"github.com/tradeterm/marketdata/internal/observ"
)

// Status describes where the aggregator's data is coming from.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusPush       Status = "connected-push"
	StatusPoll       Status = "connected-poll"
	StatusError      Status = "error"
)

const (
	sourcePush = "push"
	sourcePoll = "poll"
)

// Snapshot is the consolidated view handed to consumers. It is a value
// copy; consumers may retain it freely.
type Snapshot struct {
	feed.PriceUpdate
	Source string
	Status Status
	AsOf   time.Time
}

// Fetcher is the polling path, satisfied by adapters.SnapshotClient.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (*feed.PriceUpdate, error)
}

// StreamController requests or re-requests the push stream, satisfied by
// transport.Conn. Optional; without one, push retry after an error frame
// waits for the provider to resume on its own.
type StreamController interface {
	Stream(req feed.StreamRequest)
}

// Config holds aggregator tuning. Zero values fall back to defaults.
type Config struct {
	Symbol            string
	PushDeadline      time.Duration // wait this long for first push before polling
	PollInterval      time.Duration
	PushRetryCooldown time.Duration // wait after a provider error before re-requesting push
	PollFailureLimit  int           // consecutive poll failures before status error
}

func (c *Config) applyDefaults() {
	if c.PushDeadline <= 0 {
		c.PushDeadline = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PushRetryCooldown <= 0 {
		c.PushRetryCooldown = 30 * time.Second
	}
	if c.PollFailureLimit <= 0 {
		c.PollFailureLimit = 3
	}
}

// Aggregator merges push and poll updates for one symbol. All state is
// guarded by mu; callbacks run without the lock held.
type Aggregator struct {
	cfg     Config
	fetcher Fetcher
	streams StreamController

	mu            sync.Mutex
	snap          Snapshot
	haveSnap      bool
	status        Status
	source        string
	pushSuspended bool
	pollFailures  int
	stopped       bool

	subs   map[uint64]func(Snapshot)
	nextID uint64

	deadlineTimer *time.Timer
	retryTimer    *time.Timer
	pollCancel    context.CancelFunc
	unsubscribes  []func()
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func New(cfg Config, fetcher Fetcher, streams StreamController) *Aggregator {
	cfg.applyDefaults()
	return &Aggregator{
		cfg:     cfg,
		fetcher: fetcher,
		streams: streams,
		status:  StatusConnecting,
		subs:    make(map[uint64]func(Snapshot)),
	}
}

// Start subscribes to the feed and arms the push deadline. If no push
// update arrives within the deadline, polling begins; push remains
// preferred and takes over the moment it appears.
func (a *Aggregator) Start(ctx context.Context, b *bus.Bus) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.mu.Lock()
	a.status = StatusConnecting
	a.deadlineTimer = time.AfterFunc(a.cfg.PushDeadline, func() {
		observ.Log("snapshot_push_deadline", map[string]any{"symbol": a.cfg.Symbol})
		a.mu.Lock()
		a.startPollingLocked(ctx)
		a.mu.Unlock()
	})
	a.mu.Unlock()

	a.unsubscribes = append(a.unsubscribes,
		b.Subscribe(feed.KindPrice, func(ev feed.Event) { a.onPrice(*ev.Price) }),
		b.Subscribe(feed.KindControl, func(ev feed.Event) { a.onControl(ctx, *ev.Control) }),
	)

	if a.streams != nil {
		a.streams.Stream(feed.NewStreamRequest(feed.StreamStart, []string{a.cfg.Symbol}, nil))
	}
}

// Stop tears the aggregator down. Safe to call more than once.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	if a.deadlineTimer != nil {
		a.deadlineTimer.Stop()
	}
	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.stopPollingLocked()
	a.mu.Unlock()

	for _, unsub := range a.unsubscribes {
		unsub()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Current returns a copy of the consolidated snapshot and whether any data
// has arrived yet.
func (a *Aggregator) Current() (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.snap
	s.Status = a.status
	return s, a.haveSnap
}

// Status reports the data-source state without the snapshot.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// OnSnapshot registers a callback invoked on every consolidated update.
// The returned disposer is idempotent.
func (a *Aggregator) OnSnapshot(fn func(Snapshot)) (unsubscribe func()) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

func (a *Aggregator) onPrice(pu feed.PriceUpdate) {
	if pu.Symbol != a.cfg.Symbol {
		return
	}
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	if a.deadlineTimer != nil {
		a.deadlineTimer.Stop()
	}
	// Push data arriving during an error cooldown means the provider
	// recovered; take it.
	if a.pushSuspended {
		a.pushSuspended = false
		if a.retryTimer != nil {
			a.retryTimer.Stop()
		}
	}
	a.applyLocked(pu, sourcePush)
	a.stopPollingLocked()
	a.status = StatusPush
	snap, fns := a.snapshotForNotifyLocked()
	a.mu.Unlock()
	notify(fns, snap)
}

func (a *Aggregator) onControl(ctx context.Context, c feed.Control) {
	if c.Op != "error" {
		return
	}
	observ.Log("snapshot_push_error", map[string]any{
		"symbol":  a.cfg.Symbol,
		"message": c.Message,
	})
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.pushSuspended = true
	a.startPollingLocked(ctx)
	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.retryTimer = time.AfterFunc(a.cfg.PushRetryCooldown, func() { a.retryPush() })
	a.mu.Unlock()
}

// retryPush lifts the suspension after the cooldown and re-requests the
// stream. Polling stays active until push data actually arrives.
func (a *Aggregator) retryPush() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.pushSuspended = false
	a.mu.Unlock()

	observ.Log("snapshot_push_retry", map[string]any{"symbol": a.cfg.Symbol})
	if a.streams != nil {
		a.streams.Stream(feed.NewStreamRequest(feed.StreamStart, []string{a.cfg.Symbol}, nil))
	}
}

func (a *Aggregator) startPollingLocked(ctx context.Context) {
	if a.pollCancel != nil || a.stopped || a.fetcher == nil {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollFailures = 0
	observ.SetGauge("snapshot_poll_active", 1, nil)
	a.wg.Add(1)
	go a.pollLoop(pollCtx)
}

func (a *Aggregator) stopPollingLocked() {
	if a.pollCancel == nil {
		return
	}
	a.pollCancel()
	a.pollCancel = nil
	observ.SetGauge("snapshot_poll_active", 0, nil)
}

func (a *Aggregator) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	a.pollOnce(ctx)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Aggregator) pollOnce(ctx context.Context) {
	pu, err := a.fetcher.Fetch(ctx, a.cfg.Symbol)

	a.mu.Lock()
	if a.stopped || ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	if err != nil {
		a.pollFailures++
		if a.pollFailures >= a.cfg.PollFailureLimit && a.status != StatusPush {
			a.status = StatusError
		}
		a.mu.Unlock()
		observ.IncCounter("snapshot_poll_errors_total", nil)
		observ.Log("snapshot_poll_failed", map[string]any{
			"symbol":   a.cfg.Symbol,
			"error":    err.Error(),
			"failures": a.pollFailures,
		})
		return
	}
	a.pollFailures = 0
	a.applyLocked(*pu, sourcePoll)
	a.status = StatusPoll
	snap, fns := a.snapshotForNotifyLocked()
	a.mu.Unlock()
	notify(fns, snap)
}

// applyLocked folds one update into the snapshot. Push updates from the
// same source merge field-wise; a poll response is a complete quote and
// replaces the snapshot, as does any source switch, so stale fields from
// the old source cannot linger. The asOf watermark is monotonic per
// source: an older update from the current source is dropped.
func (a *Aggregator) applyLocked(pu feed.PriceUpdate, source string) {
	if a.haveSnap && a.source == source && !pu.At.After(a.snap.AsOf) {
		observ.IncCounter("snapshot_stale_dropped_total", map[string]string{"source": source})
		return
	}

	switched := a.haveSnap && a.source != source
	if switched {
		observ.IncCounter("snapshot_source_switches_total", map[string]string{"to": source})
	}

	if !a.haveSnap || switched || source == sourcePoll {
		a.snap.PriceUpdate = pu
	} else {
		mergePrice(&a.snap.PriceUpdate, pu)
	}
	if a.snap.PrevClose > 0 && a.snap.Last > 0 {
		a.snap.ChangePct = (a.snap.Last - a.snap.PrevClose) / a.snap.PrevClose * 100
	}
	a.snap.Source = source
	a.snap.AsOf = pu.At
	a.source = source
	a.haveSnap = true
	observ.IncCounter("snapshot_updates_total", map[string]string{"source": source})
}

// mergePrice copies the fields the incoming update actually carries.
// Prices are never legitimately zero, so zero means absent.
func mergePrice(dst *feed.PriceUpdate, src feed.PriceUpdate) {
	if src.Last != 0 {
		dst.Last = src.Last
	}
	if src.Bid != 0 {
		dst.Bid = src.Bid
	}
	if src.Ask != 0 {
		dst.Ask = src.Ask
	}
	if src.PrevClose != 0 {
		dst.PrevClose = src.PrevClose
	}
	if src.VWAP != 0 {
		dst.VWAP = src.VWAP
	}
	if src.MarketState != "" {
		dst.MarketState = src.MarketState
	}
	dst.At = src.At
}

func (a *Aggregator) snapshotForNotifyLocked() (Snapshot, []func(Snapshot)) {
	s := a.snap
	s.Status = a.status
	ids := make([]uint64, 0, len(a.subs))
	for id := range a.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, a.subs[id])
	}
	return s, fns
}

func notify(fns []func(Snapshot), s Snapshot) {
	for _, fn := range fns {
		fn(s)
	}
}
