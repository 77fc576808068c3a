package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates strategy event variants.
type Kind string

const (
	KindInitialEntry     Kind = "initial_entry"
	KindRetracement      Kind = "retracement"
	KindTakeProfit       Kind = "take_profit"
	KindVolatilityLock   Kind = "volatility_lock"
	KindMarginProtection Kind = "margin_protection"
	KindAddLayer         Kind = "add_layer"
	KindRemoveLayer      Kind = "remove_layer"
)

func (k Kind) valid() bool {
	switch k {
	case KindInitialEntry, KindRetracement, KindTakeProfit,
		KindVolatilityLock, KindMarginProtection, KindAddLayer, KindRemoveLayer:
		return true
	}
	return false
}

// Event is a strategy-generated trading event. One struct carries the union;
// the optional fields belong to the variants noted on them.
type Event struct {
	Kind      Kind            `json:"kind"`
	Layer     int             `json:"layer"`
	Direction string          `json:"direction"`
	Units     decimal.Decimal `json:"units"`
	Timestamp time.Time       `json:"timestamp"`

	// TakeProfit: when set, overrides the latest market price so the close
	// happens at the deterministic event-driven price.
	ExitPrice *decimal.Decimal `json:"exit_price,omitempty"`

	// MarginProtection caps. Nil means uncapped.
	UnitsToClose *decimal.Decimal `json:"units_to_close,omitempty"`
	MaxPositions *int             `json:"max_positions,omitempty"`

	// VolatilityLock. Hedge is the structured directive; legacy events that
	// only tag the reason text are still honored (see IsHedge).
	Reason string `json:"reason,omitempty"`
	Hedge  bool   `json:"hedge,omitempty"`
}

// IsHedge reports whether a volatility lock should offset exposure with
// opposite positions instead of closing. The structured flag wins; the
// substring match keeps older events working.
func (e Event) IsHedge() bool {
	if e.Hedge {
		return true
	}
	return strings.Contains(strings.ToLower(e.Reason), "hedge")
}

// ParseEvent decodes a JSON strategy event.
func ParseEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("engine: parsing event: %w", err)
	}
	if !e.Kind.valid() {
		return Event{}, fmt.Errorf("engine: %w: %q", ErrUnknownEvent, e.Kind)
	}
	return e, nil
}
