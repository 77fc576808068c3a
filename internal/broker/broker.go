package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest asks the broker for a market fill. Direction is the position
// direction ("long"/"short"); for CloseTrade it names the position being
// unwound, not the closing side.
type OrderRequest struct {
	Instrument string
	Direction  string
	Units      decimal.Decimal
	Price      decimal.Decimal // reference price (event-driven or latest quote)
	Timestamp  time.Time
}

// Fill is the broker's execution report.
type Fill struct {
	Price decimal.Decimal
	Time  time.Time
}

// OrderClient is the boundary to the external order service. The broker's
// wire protocol lives behind it and is out of scope here.
type OrderClient interface {
	MarketOrder(ctx context.Context, req OrderRequest) (Fill, error)
	CloseTrade(ctx context.Context, req OrderRequest) (Fill, error)
}

// Paper fills every order at the requested reference price. It keeps the
// engine runnable end to end without any broker connectivity.
type Paper struct{}

var _ OrderClient = (*Paper)(nil)

func (Paper) MarketOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	return fill(req), nil
}

func (Paper) CloseTrade(ctx context.Context, req OrderRequest) (Fill, error) {
	return fill(req), nil
}

func fill(req OrderRequest) Fill {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Fill{Price: req.Price, Time: ts}
}
