package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Price is one top-of-book quote from the broker feed.
type Price struct {
	Instrument string
	Time       time.Time
	Bid        decimal.Decimal
	Ask        decimal.Decimal
}

// Mid returns the bid/ask midpoint.
func (p Price) Mid() decimal.Decimal {
	return p.Bid.Add(p.Ask).Div(decimal.NewFromInt(2))
}

// Stream is a live sequence of prices. Recv blocks until the next price, a
// stream error, or ctx cancellation.
type Stream interface {
	Recv(ctx context.Context) (Price, error)
	Close() error
}

// Opener creates streams. The publisher reopens through it after every
// stream error.
type Opener interface {
	Open(ctx context.Context) (Stream, error)
}
