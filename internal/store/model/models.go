package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TaskStatus is the lifecycle state persisted on a TaskModel.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "CREATED"
	TaskStarting  TaskStatus = "STARTING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskStopping  TaskStatus = "STOPPING"
	TaskStopped   TaskStatus = "STOPPED"
	TaskPaused    TaskStatus = "PAUSED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether no further run can happen without a restart.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStopped, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// RunStatus is the coarse worker-side status written by the heartbeat service.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunStopped   RunStatus = "STOPPED"
	RunFailed    RunStatus = "FAILED"
	RunCompleted RunStatus = "COMPLETED"
)

// Task types.
const (
	TaskTypeTrading  = "trading"
	TaskTypeBacktest = "backtest"
)

// Position directions.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Opposite flips long<->short.
func Opposite(direction string) string {
	if direction == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

type AccountModel struct {
	ID            string `gorm:"column:id;primaryKey"`
	Alias         string `gorm:"column:alias"`
	IsLive        bool   `gorm:"column:is_live"`
	CreatedAtUnix int64  `gorm:"column:created_at;autoCreateTime"`
}

func (AccountModel) TableName() string { return "accounts" }

// TickModel is one persisted price tick. (instrument, timestamp) is the
// natural key; redeliveries upsert onto it.
type TickModel struct {
	ID         int64           `gorm:"column:id;primaryKey"`
	Instrument string          `gorm:"column:instrument;uniqueIndex:idx_tick_natural,priority:1"`
	Timestamp  time.Time       `gorm:"column:timestamp;uniqueIndex:idx_tick_natural,priority:2"`
	Bid        decimal.Decimal `gorm:"column:bid;type:decimal(20,8)"`
	Ask        decimal.Decimal `gorm:"column:ask;type:decimal(20,8)"`
	Mid        decimal.Decimal `gorm:"column:mid;type:decimal(20,8)"`
}

func (TickModel) TableName() string { return "ticks" }

// PositionModel is owned by its task and mutated only by the execution
// engine; once closed (is_open=false) it is immutable.
type PositionModel struct {
	ID          string              `gorm:"column:id;primaryKey"`
	TaskType    string              `gorm:"column:task_type;index:idx_position_task,priority:1"`
	TaskID      string              `gorm:"column:task_id;index:idx_position_task,priority:2"`
	Layer       int                 `gorm:"column:layer"`
	Instrument  string              `gorm:"column:instrument"`
	Direction   string              `gorm:"column:direction"`
	Units       decimal.Decimal     `gorm:"column:units;type:decimal(20,8)"`
	EntryPrice  decimal.Decimal     `gorm:"column:entry_price;type:decimal(20,8)"`
	EntryTime   time.Time           `gorm:"column:entry_time"`
	IsOpen      bool                `gorm:"column:is_open;index"`
	ExitPrice   decimal.NullDecimal `gorm:"column:exit_price;type:decimal(20,8)"`
	ExitTime    *time.Time          `gorm:"column:exit_time"`
	RealizedPnL decimal.Decimal     `gorm:"column:realized_pnl;type:decimal(20,8)"`
}

func (PositionModel) TableName() string { return "positions" }

// TradeModel is the append-only fill log: one row per fill, never mutated.
type TradeModel struct {
	ID          int64               `gorm:"column:id;primaryKey"`
	TaskType    string              `gorm:"column:task_type;index:idx_trade_task,priority:1"`
	TaskID      string              `gorm:"column:task_id;index:idx_trade_task,priority:2"`
	Instrument  string              `gorm:"column:instrument"`
	Direction   string              `gorm:"column:direction"`
	Units       decimal.Decimal     `gorm:"column:units;type:decimal(20,8)"`
	Price       decimal.Decimal     `gorm:"column:price;type:decimal(20,8)"`
	Method      string              `gorm:"column:method"` // event kind that caused the fill
	Timestamp   time.Time           `gorm:"column:timestamp"`
	Layer       *int                `gorm:"column:layer"`
	RealizedPnL decimal.NullDecimal `gorm:"column:realized_pnl;type:decimal(20,8)"`
	OpenPrice   decimal.NullDecimal `gorm:"column:open_price;type:decimal(20,8)"`
	OpenTime    *time.Time          `gorm:"column:open_time"`
	ClosePrice  decimal.NullDecimal `gorm:"column:close_price;type:decimal(20,8)"`
	CloseTime   *time.Time          `gorm:"column:close_time"`
}

func (TradeModel) TableName() string { return "trades" }

// TaskModel is a backtest or trading task record.
type TaskModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Type          string         `gorm:"column:type"`
	AccountID     string         `gorm:"column:account_id;index"`
	Owner         string         `gorm:"column:owner"`
	ConfigRef     string         `gorm:"column:config_ref"`
	Status        TaskStatus     `gorm:"column:status"`
	StrategyState datatypes.JSON `gorm:"column:strategy_state;type:TEXT"`
	ExternalJobID string         `gorm:"column:external_job_id"`
	SellOnStop    bool           `gorm:"column:sell_on_stop"`
	CreatedAtUnix int64          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAtUnix int64          `gorm:"column:updated_at;autoUpdateTime"`
}

func (TaskModel) TableName() string { return "tasks" }

// TaskStatusModel is the worker-side heartbeat record, keyed by
// (task_name, instance_key). Only the latest state matters; writes upsert.
type TaskStatusModel struct {
	ID                int64          `gorm:"column:id;primaryKey"`
	TaskName          string         `gorm:"column:task_name;uniqueIndex:idx_task_status,priority:1"`
	InstanceKey       string         `gorm:"column:instance_key;uniqueIndex:idx_task_status,priority:2"`
	ExternalJobID     string         `gorm:"column:external_job_id"`
	Worker            string         `gorm:"column:worker"`
	Status            RunStatus      `gorm:"column:status"`
	StatusMessage     string         `gorm:"column:status_message"`
	Metadata          datatypes.JSON `gorm:"column:metadata;type:TEXT"`
	LastHeartbeatUnix int64          `gorm:"column:last_heartbeat"`
}

func (TaskStatusModel) TableName() string { return "task_statuses" }
