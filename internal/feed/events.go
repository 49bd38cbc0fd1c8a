package feed

import (
	"fmt"
	"time"
)

// EventKind discriminates the canonical event union.
type EventKind int

const (
	KindPrice EventKind = iota
	KindInstrument
	KindControl
)

func (k EventKind) String() string {
	switch k {
	case KindPrice:
		return "price"
	case KindInstrument:
		return "instrument"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// PriceUpdate is the canonical index/underlying quote event. Field names are
// wire-format independent; the transport translates server frames into this
// shape before publishing.
type PriceUpdate struct {
	Symbol      string
	Last        float64
	Bid         float64
	Ask         float64
	PrevClose   float64
	ChangePct   float64
	VWAP        float64
	MarketState string
	At          time.Time
}

// InstrumentKey identifies one option contract within the watched universe.
type InstrumentKey struct {
	Strike float64 `json:"strike"`
	Right  string  `json:"right"` // "C" or "P"
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%g%s", k.Strike, k.Right)
}

// InstrumentUpdate carries live option fields for a single contract.
type InstrumentUpdate struct {
	Key          InstrumentKey
	Bid          float64
	Ask          float64
	Delta        float64
	Gamma        float64
	Theta        float64
	Vega         float64
	IV           float64
	OpenInterest int64
	At           time.Time
}

// Control carries server-side control signals (currently only "error").
type Control struct {
	Op      string
	Message string
}

// Event is the tagged union published on the bus. Exactly one payload pointer
// is non-nil, matching Kind. Events are immutable after publish.
type Event struct {
	Kind       EventKind
	Price      *PriceUpdate
	Instrument *InstrumentUpdate
	Control    *Control
}

// StreamRequest is the outbound control frame naming the instrument universe
// the server should push.
type StreamRequest struct {
	Type        string          `json:"type"` // always "stream"
	Action      string          `json:"action"`
	Symbols     []string        `json:"symbols,omitempty"`
	Instruments []InstrumentKey `json:"instruments,omitempty"`
}

const (
	StreamStart = "start"
	StreamStop  = "stop"
)

func NewStreamRequest(action string, symbols []string, instruments []InstrumentKey) StreamRequest {
	return StreamRequest{Type: "stream", Action: action, Symbols: symbols, Instruments: instruments}
}

// Ping is the outbound liveness probe.
type Ping struct {
	Type string `json:"type"` // always "ping"
}

func NewPing() Ping { return Ping{Type: "ping"} }
