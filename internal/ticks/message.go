package ticks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"fxcore/internal/feed"
	"fxcore/internal/store/model"
)

// TickMessage is the wire format on the shared tick channel. Prices travel
// as decimal strings so no precision is lost in transit.
type TickMessage struct {
	Instrument string `json:"instrument"`
	Timestamp  string `json:"timestamp"` // RFC3339 UTC with "Z" suffix
	Bid        string `json:"bid"`
	Ask        string `json:"ask"`
	Mid        string `json:"mid"`
}

// EncodePrice normalizes a feed price into the channel payload.
func EncodePrice(p feed.Price) (string, error) {
	msg := TickMessage{
		Instrument: p.Instrument,
		Timestamp:  p.Time.UTC().Format(time.RFC3339Nano),
		Bid:        p.Bid.String(),
		Ask:        p.Ask.String(),
		Mid:        p.Mid().String(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParsePayload decodes one channel payload into a tick row. It is tolerant
// of extra fields but strict about the ones it needs; any defect is an error
// the caller drops with a warning.
func ParsePayload(payload string) (model.TickModel, error) {
	if !gjson.Valid(payload) {
		return model.TickModel{}, fmt.Errorf("invalid json")
	}
	parsed := gjson.Parse(payload)
	instrument := parsed.Get("instrument").String()
	if instrument == "" {
		return model.TickModel{}, fmt.Errorf("missing instrument")
	}
	tsRaw := parsed.Get("timestamp").String()
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return model.TickModel{}, fmt.Errorf("bad timestamp %q: %w", tsRaw, err)
	}
	bid, err := decimal.NewFromString(parsed.Get("bid").String())
	if err != nil {
		return model.TickModel{}, fmt.Errorf("bad bid: %w", err)
	}
	ask, err := decimal.NewFromString(parsed.Get("ask").String())
	if err != nil {
		return model.TickModel{}, fmt.Errorf("bad ask: %w", err)
	}
	midRaw := parsed.Get("mid").String()
	mid, err := decimal.NewFromString(midRaw)
	if err != nil {
		// Derivable; tolerate its absence.
		mid = bid.Add(ask).Div(decimal.NewFromInt(2))
	}
	return model.TickModel{
		Instrument: instrument,
		Timestamp:  ts.UTC(),
		Bid:        bid,
		Ask:        ask,
		Mid:        mid,
	}, nil
}

// NaturalKey is the dedup key for a tick row.
func NaturalKey(t model.TickModel) string {
	return t.Instrument + "|" + t.Timestamp.UTC().Format(time.RFC3339Nano)
}
