package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fxcore/internal/store/model"
)

// ErrNotFound is returned by lookups for missing rows.
var ErrNotFound = errors.New("store: not found")

// AccountRepository reads trading accounts. Accounts are written by the
// excluded API layer; this core only selects them.
type AccountRepository interface {
	Find(ctx context.Context, id string) (*model.AccountModel, error)
	// OldestLive returns the earliest-created live account, ErrNotFound if none.
	OldestLive(ctx context.Context) (*model.AccountModel, error)
}

// TickRepository persists and reads price ticks.
type TickRepository interface {
	// UpsertTicks inserts rows, updating only bid/ask/mid on conflict with
	// the (instrument, timestamp) natural key. Idempotent under redelivery.
	UpsertTicks(ctx context.Context, rows []model.TickModel) error
	// ListTicks returns up to limit ticks for instrument in (after, end],
	// bounded below by start, ordered by timestamp. Used for keyset-paginated
	// replay; callers advance `after` to the last timestamp seen.
	ListTicks(ctx context.Context, instrument string, start, end, after time.Time, limit int) ([]model.TickModel, error)
}

// OpenPositionQuery filters open positions. Zero values mean "any".
type OpenPositionQuery struct {
	TaskType   string
	TaskID     string
	Instrument string
	Layer      *int
	Direction  string
}

// PositionRepository owns position rows. Mutation happens only through the
// execution engine.
type PositionRepository interface {
	Create(ctx context.Context, pos *model.PositionModel) error
	Find(ctx context.Context, id string) (*model.PositionModel, error)
	// OpenPositions returns matching open positions ordered by
	// (layer, entry_time).
	OpenPositions(ctx context.Context, q OpenPositionQuery) ([]model.PositionModel, error)
	// LatestOpen returns the most recently opened open position matching q,
	// ErrNotFound if none.
	LatestOpen(ctx context.Context, q OpenPositionQuery) (*model.PositionModel, error)
	// ClosePosition fully closes the position at exitPrice.
	ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, exitTime time.Time, realizedPnL decimal.Decimal) error
	// ReduceUnits shrinks an open position after a partial close, adding the
	// realized slice to its running PnL.
	ReduceUnits(ctx context.Context, id string, remaining decimal.Decimal, realizedPnL decimal.Decimal) error
}

// TradeRepository appends to the fill log.
type TradeRepository interface {
	Create(ctx context.Context, trade *model.TradeModel) error
	ListByTask(ctx context.Context, taskType, taskID string, limit int) ([]model.TradeModel, error)
}

// TaskRepository reads and writes task records.
type TaskRepository interface {
	Create(ctx context.Context, task *model.TaskModel) error
	Find(ctx context.Context, id string) (*model.TaskModel, error)
	Update(ctx context.Context, task *model.TaskModel) error
	// SetExternalJobID writes only the job id column. The runtime may have
	// advanced the status concurrently; a full-row save would clobber it.
	SetExternalJobID(ctx context.Context, id, jobID string) error
	// RunningForAccount returns the RUNNING task of the given type on the
	// account, ErrNotFound if none.
	RunningForAccount(ctx context.Context, accountID, taskType string) (*model.TaskModel, error)
}

// TaskStatusRepository upserts worker heartbeat records keyed by
// (task_name, instance_key).
type TaskStatusRepository interface {
	Upsert(ctx context.Context, rec *model.TaskStatusModel) error
	Find(ctx context.Context, taskName, instanceKey string) (*model.TaskStatusModel, error)
}

// Store bundles every repository over one database handle.
type Store interface {
	Accounts() AccountRepository
	Ticks() TickRepository
	Positions() PositionRepository
	Trades() TradeRepository
	Tasks() TaskRepository
	TaskStatuses() TaskStatusRepository
	Close() error
}
