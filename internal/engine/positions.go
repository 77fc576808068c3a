package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fxcore/internal/broker"
	"fxcore/internal/logger"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

// referencePrice picks the fill price: an explicit event override beats the
// latest (possibly stale) market quote.
func (e *Engine) referencePrice(override *decimal.Decimal) (decimal.Decimal, error) {
	if override != nil {
		return *override, nil
	}
	if !e.hasPrice {
		return decimal.Decimal{}, ErrNoPrice
	}
	return e.lastPrice, nil
}

func (e *Engine) openPosition(ctx context.Context, layer int, direction string, units, price decimal.Decimal, ts time.Time, method string) (*model.PositionModel, error) {
	fill, err := e.orders.MarketOrder(ctx, broker.OrderRequest{
		Instrument: e.instrument,
		Direction:  direction,
		Units:      units,
		Price:      price,
		Timestamp:  ts,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: placing order: %w", err)
	}
	pos := &model.PositionModel{
		ID:         uuid.NewString(),
		TaskType:   e.taskType,
		TaskID:     e.taskID,
		Layer:      layer,
		Instrument: e.instrument,
		Direction:  direction,
		Units:      units,
		EntryPrice: fill.Price,
		EntryTime:  fill.Time,
		IsOpen:     true,
	}
	if err := e.positions.Create(ctx, pos); err != nil {
		return nil, fmt.Errorf("engine: persisting position: %w", err)
	}
	e.layers[layer] = append(e.layers[layer], pos.ID)
	e.cache[pos.ID] = pos

	layerCopy := layer
	trade := &model.TradeModel{
		TaskType:   e.taskType,
		TaskID:     e.taskID,
		Instrument: e.instrument,
		Direction:  direction,
		Units:      units,
		Price:      fill.Price,
		Method:     method,
		Timestamp:  fill.Time,
		Layer:      &layerCopy,
		OpenPrice:  decimal.NewNullDecimal(fill.Price),
		OpenTime:   timePtr(fill.Time),
	}
	if err := e.trades.Create(ctx, trade); err != nil {
		logger.Warnf("engine %s/%s: trade record failed for position %s: %v", e.taskType, e.taskID, pos.ID, err)
	}
	return pos, nil
}

// closePosition closes units of pos at price (full close when units equals
// the position size), records the trade and returns realized PnL.
func (e *Engine) closePosition(ctx context.Context, pos *model.PositionModel, units, price decimal.Decimal, ts time.Time, method string) (decimal.Decimal, bool, error) {
	if _, err := e.orders.CloseTrade(ctx, broker.OrderRequest{
		Instrument: pos.Instrument,
		Direction:  pos.Direction,
		Units:      units,
		Price:      price,
		Timestamp:  ts,
	}); err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("engine: broker close: %w", err)
	}

	exitTime := ts
	if exitTime.IsZero() {
		exitTime = time.Now().UTC()
	}
	realized := realizedPnL(pos.Direction, pos.EntryPrice, price, units)
	closedFully := units.GreaterThanOrEqual(pos.Units)
	if closedFully {
		if err := e.positions.ClosePosition(ctx, pos.ID, price, exitTime, realized); err != nil {
			return decimal.Decimal{}, false, err
		}
		delete(e.cache, pos.ID)
	} else {
		remaining := pos.Units.Sub(units)
		if err := e.positions.ReduceUnits(ctx, pos.ID, remaining, realized); err != nil {
			return decimal.Decimal{}, false, err
		}
		if cached, ok := e.cache[pos.ID]; ok {
			cached.Units = remaining
		}
	}

	layerCopy := pos.Layer
	trade := &model.TradeModel{
		TaskType:    e.taskType,
		TaskID:      e.taskID,
		Instrument:  pos.Instrument,
		Direction:   pos.Direction,
		Units:       units,
		Price:       price,
		Method:      method,
		Timestamp:   exitTime,
		Layer:       &layerCopy,
		RealizedPnL: decimal.NewNullDecimal(realized),
		OpenPrice:   decimal.NewNullDecimal(pos.EntryPrice),
		OpenTime:    timePtr(pos.EntryTime),
		ClosePrice:  decimal.NewNullDecimal(price),
		CloseTime:   timePtr(exitTime),
	}
	if err := e.trades.Create(ctx, trade); err != nil {
		logger.Warnf("engine %s/%s: trade record failed for position %s: %v", e.taskType, e.taskID, pos.ID, err)
	}
	return realized, closedFully, nil
}

// resolveLIFO finds the take-profit target: walk the layer's stack from the
// tail, dropping entries no longer open in the persisted store and skipping
// over positions on the other side (hedge offsets share the stack); fall
// back to the most recently opened open position on (layer, direction).
func (e *Engine) resolveLIFO(ctx context.Context, layer int, direction string) (*model.PositionModel, error) {
	stack := e.layers[layer]
	for i := len(stack) - 1; i >= 0; i-- {
		id := stack[i]
		pos, err := e.positions.Find(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("engine: reading position %s: %w", id, err)
			}
			stack = append(stack[:i], stack[i+1:]...)
			delete(e.cache, id)
			continue
		}
		if !pos.IsOpen {
			// Stale entry: already closed.
			stack = append(stack[:i], stack[i+1:]...)
			delete(e.cache, id)
			continue
		}
		if direction != "" && pos.Direction != direction {
			// Other side of a hedge; stays on the stack, not a target.
			continue
		}
		e.layers[layer] = stack
		e.cache[pos.ID] = pos
		return pos, nil
	}
	if len(stack) == 0 {
		delete(e.layers, layer)
	} else {
		e.layers[layer] = stack
	}

	layerCopy := layer
	pos, err := e.positions.LatestOpen(ctx, store.OpenPositionQuery{
		TaskType:  e.taskType,
		TaskID:    e.taskID,
		Layer:     &layerCopy,
		Direction: direction,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("engine: %w: layer %d", ErrNoOpenPosition, layer)
	}
	if err != nil {
		return nil, err
	}
	e.layers[layer] = append(e.layers[layer], pos.ID)
	e.cache[pos.ID] = pos
	return pos, nil
}

// dropFromLayer removes a fully closed position id; the new tail becomes the
// layer's current position, and a drained layer is cleared entirely.
func (e *Engine) dropFromLayer(layer int, id string) {
	stack := e.layers[layer]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == id {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(e.layers, layer)
	} else {
		e.layers[layer] = stack
	}
	delete(e.cache, id)
}

// pruneClosedLayers drops tracking for ids that are no longer open.
func (e *Engine) pruneClosedLayers(ctx context.Context) {
	for layer, stack := range e.layers {
		kept := stack[:0]
		for _, id := range stack {
			pos, err := e.positions.Find(ctx, id)
			if err == nil && pos.IsOpen {
				kept = append(kept, id)
				continue
			}
			delete(e.cache, id)
		}
		if len(kept) == 0 {
			delete(e.layers, layer)
		} else {
			e.layers[layer] = kept
		}
	}
}

func realizedPnL(direction string, entry, exit, units decimal.Decimal) decimal.Decimal {
	if direction == model.DirectionShort {
		return entry.Sub(exit).Mul(units)
	}
	return exit.Sub(entry).Mul(units)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
