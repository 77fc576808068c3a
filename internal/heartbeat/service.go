package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fxcore/internal/coord"
	"fxcore/internal/logger"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

// StopSignalKey is where the lifecycle manager (or an operator) requests a
// task to stop. Presence of the key is the signal; the value is free text.
func StopSignalKey(taskName, instanceKey string) string {
	return "stop:" + taskName + ":" + instanceKey
}

// Service maintains the TaskStatusRecord of one running task instance and
// polls for stop requests. Stop checks and progress beats are throttled
// independently so a tight loop can call both every iteration without
// hammering the backing stores. Write failures never crash the caller.
type Service struct {
	coordStore coord.Store
	statuses   store.TaskStatusRepository

	taskName    string
	instanceKey string

	stopCheckInterval time.Duration
	beatInterval      time.Duration

	mu         sync.Mutex
	jobID      string
	worker     string
	meta       map[string]string
	stopCached bool
	stopAt     time.Time
	beatAt     time.Time
	terminal   bool
}

func NewService(coordStore coord.Store, statuses store.TaskStatusRepository, taskName, instanceKey string, stopCheck, beat time.Duration) *Service {
	if stopCheck <= 0 {
		stopCheck = 5 * time.Second
	}
	if beat <= 0 {
		beat = 30 * time.Second
	}
	return &Service{
		coordStore:        coordStore,
		statuses:          statuses,
		taskName:          taskName,
		instanceKey:       instanceKey,
		stopCheckInterval: stopCheck,
		beatInterval:      beat,
	}
}

// Start creates (or overwrites) the status record as RUNNING.
func (s *Service) Start(ctx context.Context, jobID, worker string, meta map[string]string) {
	s.mu.Lock()
	s.jobID = jobID
	s.worker = worker
	s.meta = cloneMeta(meta)
	s.terminal = false
	s.mu.Unlock()
	s.write(ctx, model.RunRunning, "started")
}

// ShouldStop reports whether a stop has been requested. The check against the
// coordination store is throttled; inside the interval the last cached answer
// is returned. force bypasses the throttle.
func (s *Service) ShouldStop(ctx context.Context, force bool) bool {
	s.mu.Lock()
	if !force && time.Since(s.stopAt) < s.stopCheckInterval {
		cached := s.stopCached
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	requested, err := s.coordStore.Exists(ctx, StopSignalKey(s.taskName, s.instanceKey))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAt = time.Now()
	if err != nil {
		logger.Warnf("heartbeat %s/%s: stop check failed: %v", s.taskName, s.instanceKey, err)
		return s.stopCached
	}
	s.stopCached = requested
	return requested
}

// Beat records progress. Throttled by the beat interval unless forced.
func (s *Service) Beat(ctx context.Context, message string, metaUpdate map[string]string, force bool) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	if !force && time.Since(s.beatAt) < s.beatInterval {
		for k, v := range metaUpdate {
			if s.meta == nil {
				s.meta = make(map[string]string)
			}
			s.meta[k] = v
		}
		s.mu.Unlock()
		return
	}
	s.beatAt = time.Now()
	for k, v := range metaUpdate {
		if s.meta == nil {
			s.meta = make(map[string]string)
		}
		s.meta[k] = v
	}
	s.mu.Unlock()
	s.write(ctx, model.RunRunning, message)
}

// MarkStopped is terminal and idempotent: the first call wins, later calls
// are ignored.
func (s *Service) MarkStopped(ctx context.Context, status model.RunStatus, message string) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.mu.Unlock()
	s.write(ctx, status, message)
}

func (s *Service) write(ctx context.Context, status model.RunStatus, message string) {
	s.mu.Lock()
	rec := &model.TaskStatusModel{
		TaskName:          s.taskName,
		InstanceKey:       s.instanceKey,
		ExternalJobID:     s.jobID,
		Worker:            s.worker,
		Status:            status,
		StatusMessage:     message,
		LastHeartbeatUnix: time.Now().Unix(),
	}
	if len(s.meta) > 0 {
		if raw, err := json.Marshal(s.meta); err == nil {
			rec.Metadata = raw
		}
	}
	s.mu.Unlock()
	if err := s.statuses.Upsert(ctx, rec); err != nil {
		logger.Warnf("heartbeat %s/%s: status write failed: %v", s.taskName, s.instanceKey, err)
	}
}

func cloneMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
