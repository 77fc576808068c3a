package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

// --------------------- accounts ---------------------

type accountRepo struct {
	db *gorm.DB
}

func (r *accountRepo) Find(ctx context.Context, id string) (*model.AccountModel, error) {
	var acc model.AccountModel
	if err := r.db.WithContext(ctx).First(&acc, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &acc, nil
}

func (r *accountRepo) OldestLive(ctx context.Context) (*model.AccountModel, error) {
	var acc model.AccountModel
	err := r.db.WithContext(ctx).
		Where("is_live = ?", true).
		Order("created_at ASC").
		First(&acc).Error
	if err != nil {
		return nil, translate(err)
	}
	return &acc, nil
}

// --------------------- ticks ---------------------

type tickRepo struct {
	db *gorm.DB
}

func (r *tickRepo) UpsertTicks(ctx context.Context, rows []model.TickModel) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "instrument"}, {Name: "timestamp"}},
			DoUpdates: clause.AssignmentColumns([]string{"bid", "ask", "mid"}),
		}).
		Create(&rows).Error
}

func (r *tickRepo) ListTicks(ctx context.Context, instrument string, start, end, after time.Time, limit int) ([]model.TickModel, error) {
	q := r.db.WithContext(ctx).
		Where("instrument = ?", instrument).
		Where("timestamp >= ?", start).
		Order("timestamp ASC").
		Limit(limit)
	if !after.IsZero() {
		q = q.Where("timestamp > ?", after)
	}
	if !end.IsZero() {
		q = q.Where("timestamp <= ?", end)
	}
	var rows []model.TickModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --------------------- positions ---------------------

type positionRepo struct {
	db *gorm.DB
}

func (r *positionRepo) Create(ctx context.Context, pos *model.PositionModel) error {
	return r.db.WithContext(ctx).Create(pos).Error
}

func (r *positionRepo) Find(ctx context.Context, id string) (*model.PositionModel, error) {
	var pos model.PositionModel
	if err := r.db.WithContext(ctx).First(&pos, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &pos, nil
}

func applyPositionQuery(db *gorm.DB, q store.OpenPositionQuery) *gorm.DB {
	db = db.Where("is_open = ?", true)
	if q.TaskType != "" {
		db = db.Where("task_type = ?", q.TaskType)
	}
	if q.TaskID != "" {
		db = db.Where("task_id = ?", q.TaskID)
	}
	if q.Instrument != "" {
		db = db.Where("instrument = ?", q.Instrument)
	}
	if q.Layer != nil {
		db = db.Where("layer = ?", *q.Layer)
	}
	if q.Direction != "" {
		db = db.Where("direction = ?", q.Direction)
	}
	return db
}

func (r *positionRepo) OpenPositions(ctx context.Context, q store.OpenPositionQuery) ([]model.PositionModel, error) {
	var rows []model.PositionModel
	err := applyPositionQuery(r.db.WithContext(ctx), q).
		Order("layer ASC, entry_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *positionRepo) LatestOpen(ctx context.Context, q store.OpenPositionQuery) (*model.PositionModel, error) {
	var pos model.PositionModel
	err := applyPositionQuery(r.db.WithContext(ctx), q).
		Order("entry_time DESC").
		First(&pos).Error
	if err != nil {
		return nil, translate(err)
	}
	return &pos, nil
}

func (r *positionRepo) ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, exitTime time.Time, realizedPnL decimal.Decimal) error {
	pos, err := r.Find(ctx, id)
	if err != nil {
		return err
	}
	if !pos.IsOpen {
		return store.ErrNotFound
	}
	updates := map[string]interface{}{
		"is_open":      false,
		"exit_price":   decimal.NewNullDecimal(exitPrice),
		"exit_time":    exitTime,
		"realized_pnl": pos.RealizedPnL.Add(realizedPnL),
	}
	res := r.db.WithContext(ctx).
		Model(&model.PositionModel{}).
		Where("id = ? AND is_open = ?", id, true).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *positionRepo) ReduceUnits(ctx context.Context, id string, remaining decimal.Decimal, realizedPnL decimal.Decimal) error {
	pos, err := r.Find(ctx, id)
	if err != nil {
		return err
	}
	if !pos.IsOpen {
		return store.ErrNotFound
	}
	res := r.db.WithContext(ctx).
		Model(&model.PositionModel{}).
		Where("id = ? AND is_open = ?", id, true).
		Updates(map[string]interface{}{
			"units":        remaining,
			"realized_pnl": pos.RealizedPnL.Add(realizedPnL),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --------------------- trades ---------------------

type tradeRepo struct {
	db *gorm.DB
}

func (r *tradeRepo) Create(ctx context.Context, trade *model.TradeModel) error {
	return r.db.WithContext(ctx).Create(trade).Error
}

func (r *tradeRepo) ListByTask(ctx context.Context, taskType, taskID string, limit int) ([]model.TradeModel, error) {
	q := r.db.WithContext(ctx).
		Where("task_type = ? AND task_id = ?", taskType, taskID).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.TradeModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --------------------- tasks ---------------------

type taskRepo struct {
	db *gorm.DB
}

func (r *taskRepo) Create(ctx context.Context, task *model.TaskModel) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepo) Find(ctx context.Context, id string) (*model.TaskModel, error) {
	var task model.TaskModel
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (r *taskRepo) Update(ctx context.Context, task *model.TaskModel) error {
	return r.db.WithContext(ctx).Save(task).Error
}

func (r *taskRepo) SetExternalJobID(ctx context.Context, id, jobID string) error {
	res := r.db.WithContext(ctx).Model(&model.TaskModel{}).
		Where("id = ?", id).
		Update("external_job_id", jobID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *taskRepo) RunningForAccount(ctx context.Context, accountID, taskType string) (*model.TaskModel, error) {
	var task model.TaskModel
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND type = ? AND status = ?", accountID, taskType, model.TaskRunning).
		First(&task).Error
	if err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

// --------------------- task statuses ---------------------

type taskStatusRepo struct {
	db *gorm.DB
}

func (r *taskStatusRepo) Upsert(ctx context.Context, rec *model.TaskStatusModel) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "task_name"}, {Name: "instance_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"external_job_id", "worker", "status", "status_message", "metadata", "last_heartbeat",
			}),
		}).
		Create(rec).Error
}

func (r *taskStatusRepo) Find(ctx context.Context, taskName, instanceKey string) (*model.TaskStatusModel, error) {
	var rec model.TaskStatusModel
	err := r.db.WithContext(ctx).
		Where("task_name = ? AND instance_key = ?", taskName, instanceKey).
		First(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}
