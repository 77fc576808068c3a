package gormstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

// GormStore implements store.Store using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

// New opens (and migrates) the sqlite database at path. ":memory:" is
// accepted for tests.
func New(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&model.AccountModel{},
		&model.TickModel{},
		&model.PositionModel{},
		&model.TradeModel{},
		&model.TaskModel{},
		&model.TaskStatusModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for concurrent readers while
	// keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func ensureDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

var _ store.Store = (*GormStore)(nil)

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Accounts() store.AccountRepository {
	return &accountRepo{db: s.db}
}

func (s *GormStore) Ticks() store.TickRepository {
	return &tickRepo{db: s.db}
}

func (s *GormStore) Positions() store.PositionRepository {
	return &positionRepo{db: s.db}
}

func (s *GormStore) Trades() store.TradeRepository {
	return &tradeRepo{db: s.db}
}

func (s *GormStore) Tasks() store.TaskRepository {
	return &taskRepo{db: s.db}
}

func (s *GormStore) TaskStatuses() store.TaskStatusRepository {
	return &taskStatusRepo{db: s.db}
}
