// Package stubs provides a simulated market-data provider for local
// development and end-to-end tests: a WebSocket push feed plus the REST
// surface the adapters poll.
package stubs

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeterm/marketdata/internal/feed"
	"github.com/tradeterm/marketdata/internal/observ"
)

// MarketServer simulates the upstream provider. Prices random-walk around
// their base so consumers see realistic field-by-field churn.
type MarketServer struct {
	mu       sync.Mutex
	prices   map[string]*simPrice
	interval time.Duration
	upgrader websocket.Upgrader
}

type simPrice struct {
	base float64
	last float64
	prev float64
}

// Config tunes the simulation.
type Config struct {
	PushInterval time.Duration
	Symbols      map[string]float64 // symbol -> base price
}

func NewMarketServer(cfg Config) *MarketServer {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 250 * time.Millisecond
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = map[string]float64{"SPY": 510.0, "QQQ": 430.0}
	}
	prices := make(map[string]*simPrice, len(cfg.Symbols))
	for sym, base := range cfg.Symbols {
		prices[strings.ToUpper(sym)] = &simPrice{base: base, last: base, prev: base * 0.995}
	}
	return &MarketServer{
		prices:   prices,
		interval: cfg.PushInterval,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Handler returns the full provider surface on one mux.
func (ms *MarketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", ms.handleStream)
	mux.HandleFunc("/snapshot", ms.handleSnapshot)
	mux.HandleFunc("/analysis/stage/", ms.handleStage)
	mux.HandleFunc("/account", ms.handleAccount)
	mux.HandleFunc("/positions", ms.handlePositions)
	mux.Handle("/health", observ.Health())
	return mux
}

type wsSession struct {
	mu          sync.Mutex
	ws          *websocket.Conn
	symbols     []string
	instruments []feed.InstrumentKey
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(v)
}

func (ms *MarketServer) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := ms.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	sess := &wsSession{ws: ws}
	_ = sess.send(map[string]any{"type": "connected"})

	done := make(chan struct{})
	go ms.pushLoop(sess, done)
	defer close(done)

	for {
		var req feed.StreamRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		switch req.Type {
		case "ping":
			_ = sess.send(map[string]any{"type": "pong"})
		case "stream":
			sess.mu.Lock()
			if req.Action == feed.StreamStop {
				sess.symbols = nil
				sess.instruments = nil
			} else {
				if len(req.Symbols) > 0 {
					sess.symbols = req.Symbols
				}
				if len(req.Instruments) > 0 {
					sess.instruments = req.Instruments
				}
			}
			sess.mu.Unlock()
		}
	}
}

func (ms *MarketServer) pushLoop(sess *wsSession, done <-chan struct{}) {
	ticker := time.NewTicker(ms.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sess.mu.Lock()
			symbols := append([]string(nil), sess.symbols...)
			instruments := append([]feed.InstrumentKey(nil), sess.instruments...)
			sess.mu.Unlock()

			for _, sym := range symbols {
				if frame, ok := ms.priceFrame(sym); ok {
					if err := sess.send(frame); err != nil {
						return
					}
				}
			}
			for _, key := range instruments {
				if err := sess.send(ms.optionFrame(key)); err != nil {
					return
				}
			}
		}
	}
}

func (ms *MarketServer) priceFrame(symbol string) (map[string]any, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	sp, ok := ms.prices[strings.ToUpper(symbol)]
	if !ok {
		return nil, false
	}
	ms.step(sp)
	return map[string]any{
		"type":        "price",
		"symbol":      strings.ToUpper(symbol),
		"last":        round2(sp.last),
		"bid":         round2(sp.last - 0.01),
		"ask":         round2(sp.last + 0.01),
		"prevClose":   round2(sp.prev),
		"vwap":        round2(sp.base),
		"marketState": "REGULAR",
		"timestamp":   time.Now().UnixMilli(),
	}, true
}

func (ms *MarketServer) optionFrame(key feed.InstrumentKey) map[string]any {
	mid := 2.0 + rand.Float64()
	delta := 0.5
	if key.Right == "P" {
		delta = -0.5
	}
	return map[string]any{
		"type":         "option_update",
		"strike":       key.Strike,
		"optionType":   key.Right,
		"bid":          round2(mid - 0.05),
		"ask":          round2(mid + 0.05),
		"delta":        delta + (rand.Float64()-0.5)*0.1,
		"gamma":        0.02,
		"theta":        -0.08,
		"vega":         0.11,
		"iv":           0.18 + rand.Float64()*0.04,
		"openInterest": 1000 + rand.Intn(500),
		"timestamp":    time.Now().UnixMilli(),
	}
}

// step moves the price by a small mean-reverting random walk.
func (ms *MarketServer) step(sp *simPrice) {
	drift := (sp.base - sp.last) * 0.05
	sp.last += drift + (rand.Float64()-0.5)*sp.base*0.001
}

func (ms *MarketServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	ms.mu.Lock()
	sp, ok := ms.prices[symbol]
	if !ok {
		ms.mu.Unlock()
		http.Error(w, "unknown symbol", http.StatusNotFound)
		return
	}
	ms.step(sp)
	resp := map[string]any{
		"symbol":      symbol,
		"last":        round2(sp.last),
		"bid":         round2(sp.last - 0.01),
		"ask":         round2(sp.last + 0.01),
		"prevClose":   round2(sp.prev),
		"vwap":        round2(sp.base),
		"marketState": "REGULAR",
		"timestamp":   time.Now().UnixMilli(),
	}
	ms.mu.Unlock()
	writeJSON(w, resp)
}

func (ms *MarketServer) handleStage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	step, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/analysis/stage/"))
	if err != nil || step < 1 || step > 4 {
		http.Error(w, "unknown stage", http.StatusNotFound)
		return
	}

	var result any
	switch step {
	case 1:
		result = map[string]any{"regime": "trending", "vix": 14.2}
	case 2:
		result = map[string]any{"direction": "bullish", "confidence": 0.62}
	case 3:
		result = map[string]any{"strikes": []map[string]any{
			{"strike": 512.0, "right": "C"},
			{"strike": 508.0, "right": "P"},
		}}
	case 4:
		result = map[string]any{"contracts": 2, "maxRisk": 440.0}
	}
	writeJSON(w, map[string]any{
		"result":      result,
		"duration_ms": 5 + rand.Intn(20),
	})
}

func (ms *MarketServer) handleAccount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"id":             "SIM-001",
		"buyingPower":    25000.0,
		"netLiquidation": 31250.0,
	})
}

func (ms *MarketServer) handlePositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, []map[string]any{
		{"symbol": "SPY", "quantity": 10, "avgCost": 502.15},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Println("stub encode error:", err)
	}
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
