package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradeterm/marketdata/internal/feed"
)

// ErrUnknownFrame marks frames whose type discriminator is not recognized.
// The read loop drops these and continues; nothing untyped crosses the
// transport boundary.
var ErrUnknownFrame = errors.New("unknown frame type")

type priceFrame struct {
	Symbol      string  `json:"symbol"`
	Last        float64 `json:"last"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	PrevClose   float64 `json:"prevClose"`
	ChangePct   float64 `json:"changePct"`
	VWAP        float64 `json:"vwap"`
	MarketState string  `json:"marketState"`
	Timestamp   int64   `json:"timestamp"` // epoch millis, 0 when absent
}

type optionFrame struct {
	Strike       float64 `json:"strike"`
	OptionType   string  `json:"optionType"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Delta        float64 `json:"delta"`
	Gamma        float64 `json:"gamma"`
	Theta        float64 `json:"theta"`
	Vega         float64 `json:"vega"`
	IV           float64 `json:"iv"`
	OpenInterest int64   `json:"openInterest"`
	Timestamp    int64   `json:"timestamp"`
}

type errorFrame struct {
	Message string `json:"message"`
}

// ParseFrame translates one inbound wire frame into a canonical event.
// A nil event with nil error means the frame is liveness or informational
// only (connected/heartbeat/pong) and there is nothing to publish.
// Downstream consumers never see wire-format field names.
func ParseFrame(data []byte, now func() time.Time) (*feed.Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	switch head.Type {
	case "connected", "heartbeat", "pong":
		return nil, nil

	case "price":
		var f priceFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse price frame: %w", err)
		}
		if f.Symbol == "" {
			return nil, fmt.Errorf("price frame missing symbol")
		}
		return &feed.Event{Kind: feed.KindPrice, Price: &feed.PriceUpdate{
			Symbol:      strings.ToUpper(f.Symbol),
			Last:        f.Last,
			Bid:         f.Bid,
			Ask:         f.Ask,
			PrevClose:   f.PrevClose,
			ChangePct:   f.ChangePct,
			VWAP:        f.VWAP,
			MarketState: f.MarketState,
			At:          frameTime(f.Timestamp, now),
		}}, nil

	case "option_update":
		var f optionFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse option frame: %w", err)
		}
		right, err := normalizeRight(f.OptionType)
		if err != nil {
			return nil, err
		}
		if f.Strike <= 0 {
			return nil, fmt.Errorf("option frame invalid strike: %g", f.Strike)
		}
		return &feed.Event{Kind: feed.KindInstrument, Instrument: &feed.InstrumentUpdate{
			Key:          feed.InstrumentKey{Strike: f.Strike, Right: right},
			Bid:          f.Bid,
			Ask:          f.Ask,
			Delta:        f.Delta,
			Gamma:        f.Gamma,
			Theta:        f.Theta,
			Vega:         f.Vega,
			IV:           f.IV,
			OpenInterest: f.OpenInterest,
			At:           frameTime(f.Timestamp, now),
		}}, nil

	case "error":
		var f errorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse error frame: %w", err)
		}
		return &feed.Event{Kind: feed.KindControl, Control: &feed.Control{
			Op:      "error",
			Message: f.Message,
		}}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}
}

func frameTime(millis int64, now func() time.Time) time.Time {
	if millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	return now().UTC()
}

func normalizeRight(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return "C", nil
	case "P", "PUT":
		return "P", nil
	default:
		return "", fmt.Errorf("option frame invalid optionType: %q", s)
	}
}
