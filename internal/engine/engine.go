package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"fxcore/internal/broker"
	"fxcore/internal/logger"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

var (
	// ErrUnknownEvent marks an event kind the engine cannot dispatch.
	ErrUnknownEvent = errors.New("unknown event kind")
	// ErrNoOpenPosition is returned when a take-profit finds nothing to close.
	ErrNoOpenPosition = errors.New("no open position for layer")
	// ErrNoPrice is returned when a fill would need a market price and none
	// has been observed yet.
	ErrNoPrice = errors.New("no market price available")
)

// Result aggregates what one event did, reported even when individual
// positions failed (partial-failure tolerance).
type Result struct {
	Opened      int
	Closed      int
	UnitsClosed decimal.Decimal
	RealizedPnL decimal.Decimal
	Failed      int
}

// Engine converts strategy events into position mutations, broker orders and
// trade rows. One Engine instance belongs to one running task and is driven
// from that task's single event loop; its layer stacks and position cache are
// rehydratable from the store on cold start and never global.
type Engine struct {
	positions store.PositionRepository
	trades    store.TradeRepository
	orders    broker.OrderClient

	taskType   string
	taskID     string
	instrument string

	layers    map[int][]string // open position ids per layer, entry order
	cache     map[string]*model.PositionModel
	lastPrice decimal.Decimal
	hasPrice  bool
}

func New(positions store.PositionRepository, trades store.TradeRepository, orders broker.OrderClient, taskType, taskID, instrument string) *Engine {
	return &Engine{
		positions:  positions,
		trades:     trades,
		orders:     orders,
		taskType:   taskType,
		taskID:     taskID,
		instrument: instrument,
		layers:     make(map[int][]string),
		cache:      make(map[string]*model.PositionModel),
	}
}

// Rehydrate rebuilds the layer stacks and position cache from the store,
// used when a task restarts on a fresh process.
func (e *Engine) Rehydrate(ctx context.Context) error {
	rows, err := e.positions.OpenPositions(ctx, store.OpenPositionQuery{
		TaskType: e.taskType,
		TaskID:   e.taskID,
	})
	if err != nil {
		return fmt.Errorf("engine: rehydrating positions: %w", err)
	}
	e.layers = make(map[int][]string)
	e.cache = make(map[string]*model.PositionModel)
	for i := range rows {
		pos := rows[i]
		e.layers[pos.Layer] = append(e.layers[pos.Layer], pos.ID)
		e.cache[pos.ID] = &pos
	}
	return nil
}

// SetPrice records the latest observed market price for the instrument.
func (e *Engine) SetPrice(price decimal.Decimal) {
	e.lastPrice = price
	e.hasPrice = true
}

// Layers exposes a copy of the per-layer open-position tracking (tests,
// snapshots).
func (e *Engine) Layers() map[int][]string {
	out := make(map[int][]string, len(e.layers))
	for layer, ids := range e.layers {
		out[layer] = append([]string(nil), ids...)
	}
	return out
}

// Handle dispatches one strategy event.
func (e *Engine) Handle(ctx context.Context, evt Event) (Result, error) {
	switch evt.Kind {
	case KindInitialEntry, KindRetracement:
		return e.handleOpen(ctx, evt)
	case KindTakeProfit:
		return e.handleTakeProfit(ctx, evt)
	case KindVolatilityLock:
		return e.handleVolatilityLock(ctx, evt)
	case KindMarginProtection:
		return e.handleMarginProtection(ctx, evt)
	case KindAddLayer, KindRemoveLayer:
		// Informational only: no position or PnL effect.
		logger.Infof("engine %s/%s: %s layer=%d", e.taskType, e.taskID, evt.Kind, evt.Layer)
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("engine: %w: %q", ErrUnknownEvent, evt.Kind)
	}
}

// handleOpen covers InitialEntry and Retracement: always a new position,
// never merged into an existing one.
func (e *Engine) handleOpen(ctx context.Context, evt Event) (Result, error) {
	price, err := e.referencePrice(nil)
	if err != nil {
		return Result{}, err
	}
	pos, err := e.openPosition(ctx, evt.Layer, evt.Direction, evt.Units, price, evt.Timestamp, string(evt.Kind))
	if err != nil {
		return Result{}, err
	}
	logger.Infof("engine %s/%s: opened %s layer=%d units=%s at %s (%s)",
		e.taskType, e.taskID, pos.Direction, pos.Layer, pos.Units, pos.EntryPrice, evt.Kind)
	return Result{Opened: 1}, nil
}

func (e *Engine) handleTakeProfit(ctx context.Context, evt Event) (Result, error) {
	pos, err := e.resolveLIFO(ctx, evt.Layer, evt.Direction)
	if err != nil {
		return Result{}, err
	}
	price, err := e.referencePrice(evt.ExitPrice)
	if err != nil {
		return Result{}, err
	}
	units := evt.Units
	if units.IsZero() || units.GreaterThan(pos.Units) {
		units = pos.Units
	}
	realized, closedFully, err := e.closePosition(ctx, pos, units, price, evt.Timestamp, string(KindTakeProfit))
	if err != nil {
		return Result{}, err
	}
	if closedFully {
		e.dropFromLayer(pos.Layer, pos.ID)
	}
	return Result{Closed: 1, UnitsClosed: units, RealizedPnL: realized}, nil
}

// handleVolatilityLock closes (or, in hedge mode, offsets) every open
// position across all layers, ordered by (layer, entry time). Individual
// failures are logged and skipped so one broker-side failure cannot block
// unwinding the rest of the book.
func (e *Engine) handleVolatilityLock(ctx context.Context, evt Event) (Result, error) {
	open, err := e.positions.OpenPositions(ctx, store.OpenPositionQuery{
		TaskType: e.taskType,
		TaskID:   e.taskID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("engine: listing open positions: %w", err)
	}

	var res Result
	if evt.IsHedge() {
		price, err := e.referencePrice(nil)
		if err != nil {
			return Result{}, err
		}
		// Offset each position with an equal-and-opposite one; exposure is
		// neutralized without realizing PnL and the originals stay open.
		for i := range open {
			pos := open[i]
			if _, err := e.openPosition(ctx, pos.Layer, model.Opposite(pos.Direction), pos.Units, price, evt.Timestamp, string(KindVolatilityLock)); err != nil {
				logger.Errorf("engine %s/%s: hedge open against position %s failed: %v", e.taskType, e.taskID, pos.ID, err)
				res.Failed++
				continue
			}
			res.Opened++
		}
		logger.Infof("engine %s/%s: volatility lock hedged %d positions (reason=%q)", e.taskType, e.taskID, res.Opened, evt.Reason)
		return res, nil
	}

	for i := range open {
		pos := open[i]
		price, err := e.referencePrice(nil)
		if err != nil {
			return res, err
		}
		realized, _, err := e.closePosition(ctx, &pos, pos.Units, price, evt.Timestamp, string(KindVolatilityLock))
		if err != nil {
			logger.Errorf("engine %s/%s: volatility close of position %s failed: %v", e.taskType, e.taskID, pos.ID, err)
			res.Failed++
			continue
		}
		res.Closed++
		res.UnitsClosed = res.UnitsClosed.Add(pos.Units)
		res.RealizedPnL = res.RealizedPnL.Add(realized)
	}
	// Non-hedge path: all per-layer tracking is cleared afterward.
	e.layers = make(map[int][]string)
	e.cache = make(map[string]*model.PositionModel)
	logger.Infof("engine %s/%s: volatility lock closed %d positions pnl=%s (reason=%q)",
		e.taskType, e.taskID, res.Closed, res.RealizedPnL, evt.Reason)
	return res, nil
}

// handleMarginProtection closes positions in (layer, entry time) order under
// two independent caps: total units to close and count of positions touched.
func (e *Engine) handleMarginProtection(ctx context.Context, evt Event) (Result, error) {
	open, err := e.positions.OpenPositions(ctx, store.OpenPositionQuery{
		TaskType: e.taskType,
		TaskID:   e.taskID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("engine: listing open positions: %w", err)
	}

	var res Result
	unitsBudget := decimal.Decimal{}
	capped := evt.UnitsToClose != nil
	if capped {
		unitsBudget = *evt.UnitsToClose
	}
	for i := range open {
		if evt.MaxPositions != nil && res.Closed+res.Failed >= *evt.MaxPositions {
			break
		}
		if capped && !unitsBudget.IsPositive() {
			break
		}
		pos := open[i]
		units := pos.Units
		if capped && unitsBudget.LessThan(units) {
			units = unitsBudget
		}
		price, err := e.referencePrice(nil)
		if err != nil {
			return res, err
		}
		realized, closedFully, err := e.closePosition(ctx, &pos, units, price, evt.Timestamp, string(KindMarginProtection))
		if err != nil {
			logger.Errorf("engine %s/%s: margin close of position %s failed: %v", e.taskType, e.taskID, pos.ID, err)
			res.Failed++
			continue
		}
		res.Closed++
		res.UnitsClosed = res.UnitsClosed.Add(units)
		res.RealizedPnL = res.RealizedPnL.Add(realized)
		if capped {
			unitsBudget = unitsBudget.Sub(units)
		}
		if closedFully {
			e.dropFromLayer(pos.Layer, pos.ID)
		}
	}
	e.pruneClosedLayers(ctx)
	logger.Infof("engine %s/%s: margin protection closed %d positions units=%s pnl=%s",
		e.taskType, e.taskID, res.Closed, res.UnitsClosed, res.RealizedPnL)
	return res, nil
}
