package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fxcore/internal/coord"
	"fxcore/internal/heartbeat"
	"fxcore/internal/logger"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

// StopMode selects how hard a stop should try.
type StopMode string

const (
	StopGraceful StopMode = "graceful"
	StopForce    StopMode = "force"
)

// Runtime submits and revokes the underlying runtime jobs. Revocation is
// best-effort; failures are logged, never blocking the record transition.
type Runtime interface {
	Submit(ctx context.Context, task *model.TaskModel) (jobID string, err error)
	Revoke(ctx context.Context, jobID string, force bool) error
}

// StopHandler runs job-type-specific teardown when a task is stopped
// (e.g. sell-on-stop for trading tasks, stop flag for backtest replays).
type StopHandler func(ctx context.Context, task *model.TaskModel) error

// snapshotKey is where a task's execution snapshot lives in the coordination
// store; restart clears it.
func snapshotKey(taskID string) string {
	return "snapshot:task:" + taskID
}

// Manager is the task control surface: a state machine over persisted task
// records. Every operation either succeeds or returns a typed error; no
// invalid transition silently no-ops.
type Manager struct {
	tasks        store.TaskRepository
	coordStore   coord.Store
	runtime      Runtime
	stopHandlers map[string]StopHandler
	grace        time.Duration
}

func NewManager(tasks store.TaskRepository, coordStore coord.Store, runtime Runtime, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Manager{
		tasks:        tasks,
		coordStore:   coordStore,
		runtime:      runtime,
		stopHandlers: make(map[string]StopHandler),
		grace:        grace,
	}
}

// RegisterStopHandler installs the teardown hook for one task type.
func (m *Manager) RegisterStopHandler(taskType string, h StopHandler) {
	m.stopHandlers[taskType] = h
}

func (m *Manager) load(ctx context.Context, id string) (*model.TaskModel, error) {
	task, err := m.tasks.Find(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// guardSingleActive rejects starting a trading task while another one is
// RUNNING on the same account. Both records are left unchanged.
func (m *Manager) guardSingleActive(ctx context.Context, task *model.TaskModel) error {
	if task.Type != model.TaskTypeTrading {
		return nil
	}
	running, err := m.tasks.RunningForAccount(ctx, task.AccountID, model.TaskTypeTrading)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if running.ID != task.ID {
		return fmt.Errorf("%w: account %s task %s", ErrActiveTaskExists, task.AccountID, running.ID)
	}
	return nil
}

// Start moves CREATED -> STARTING and submits the runtime job. The runtime
// worker acknowledges with MarkRunning.
func (m *Manager) Start(ctx context.Context, id string) error {
	task, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != model.TaskCreated {
		return &TransitionError{Op: "start", From: task.Status}
	}
	if err := m.guardSingleActive(ctx, task); err != nil {
		return err
	}
	// A fresh run must not inherit a stale stop request.
	if err := m.coordStore.Del(ctx, heartbeat.StopSignalKey(task.Type, task.ID)); err != nil {
		logger.Warnf("lifecycle: clearing stop signal for %s failed: %v", task.ID, err)
	}
	task.Status = model.TaskStarting
	if err := m.tasks.Update(ctx, task); err != nil {
		return err
	}
	jobID, err := m.runtime.Submit(ctx, task)
	if err != nil {
		task.Status = model.TaskFailed
		if uerr := m.tasks.Update(ctx, task); uerr != nil {
			logger.Errorf("lifecycle: recording submit failure for %s failed: %v", task.ID, uerr)
		}
		return fmt.Errorf("lifecycle: submitting task %s: %w", task.ID, err)
	}
	// The runtime may already have acknowledged (or even finished) by now;
	// write only the job id column so those transitions are not clobbered.
	return m.tasks.SetExternalJobID(ctx, task.ID, jobID)
}

// MarkRunning is the runtime acknowledgement STARTING -> RUNNING.
func (m *Manager) MarkRunning(ctx context.Context, id string) error {
	return m.ack(ctx, id, "acknowledge running", model.TaskStarting, model.TaskRunning)
}

// MarkStopped is the runtime acknowledgement STOPPING -> STOPPED.
func (m *Manager) MarkStopped(ctx context.Context, id string) error {
	return m.ack(ctx, id, "acknowledge stopped", model.TaskStopping, model.TaskStopped)
}

// MarkCompleted finishes a RUNNING task.
func (m *Manager) MarkCompleted(ctx context.Context, id string) error {
	return m.ack(ctx, id, "complete", model.TaskRunning, model.TaskCompleted)
}

// MarkFailed records a runtime failure from any non-terminal state.
func (m *Manager) MarkFailed(ctx context.Context, id string) error {
	task, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return &TransitionError{Op: "fail", From: task.Status}
	}
	task.Status = model.TaskFailed
	return m.tasks.Update(ctx, task)
}

func (m *Manager) ack(ctx context.Context, id, op string, from, to model.TaskStatus) error {
	task, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != from {
		return &TransitionError{Op: op, From: task.Status}
	}
	task.Status = to
	return m.tasks.Update(ctx, task)
}

// Stop is accepted from any non-terminal state: user control takes priority
// over a strict state machine. Signalling and revocation are best-effort;
// only the record transition is mandatory.
func (m *Manager) Stop(ctx context.Context, id string, mode StopMode) error {
	task, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return &TransitionError{Op: "stop", From: task.Status}
	}
	task.Status = model.TaskStopping
	if err := m.tasks.Update(ctx, task); err != nil {
		return err
	}
	m.signalStop(ctx, task, mode == StopForce)
	return nil
}

func (m *Manager) signalStop(ctx context.Context, task *model.TaskModel, force bool) {
	if err := m.coordStore.Set(ctx, heartbeat.StopSignalKey(task.Type, task.ID), "stopping", 0); err != nil {
		logger.Warnf("lifecycle: writing stop signal for %s failed: %v", task.ID, err)
	}
	if task.ExternalJobID != "" {
		if err := m.runtime.Revoke(ctx, task.ExternalJobID, force); err != nil {
			logger.Warnf("lifecycle: revoking job %s for task %s failed: %v", task.ExternalJobID, task.ID, err)
		}
	}
	if h, ok := m.stopHandlers[task.Type]; ok {
		if err := h(ctx, task); err != nil {
			logger.Warnf("lifecycle: stop handler for %s failed: %v", task.ID, err)
		}
	}
}

// Cancel is the immediate, forceful variant; valid only from STARTING,
// RUNNING or PAUSED. The record goes straight to STOPPED.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	task, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case model.TaskStarting, model.TaskRunning, model.TaskPaused:
	default:
		return &TransitionError{Op: "cancel", From: task.Status}
	}
	m.signalStop(ctx, task, true)
	task.Status = model.TaskStopped
	return m.tasks.Update(ctx, task)
}

// Pause suspends a RUNNING task.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.ack(ctx, id, "pause", model.TaskRunning, model.TaskPaused)
}

// Resume brings a paused or finished task back to CREATED, preserving any
// saved strategy state, then starts it.
func (m *Manager) Resume(ctx context.Context, id string) error {
	task, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != model.TaskPaused && !task.Status.Terminal() {
		return &TransitionError{Op: "resume", From: task.Status}
	}
	if err := m.guardSingleActive(ctx, task); err != nil {
		return err
	}
	task.Status = model.TaskCreated
	task.ExternalJobID = ""
	if err := m.tasks.Update(ctx, task); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// Restart stops whatever is running (graceful first, then force), clears the
// persisted strategy state and execution snapshots, resets to CREATED and
// resubmits.
func (m *Manager) Restart(ctx context.Context, id string) error {
	task, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		if err := m.Stop(ctx, id, StopGraceful); err != nil && !IsTransitionError(err) {
			logger.Warnf("lifecycle: graceful stop during restart of %s failed: %v", id, err)
		}
		m.waitStopped(ctx, id)
		// Lingering runtime job gets force-terminated.
		if task.ExternalJobID != "" {
			if err := m.runtime.Revoke(ctx, task.ExternalJobID, true); err != nil {
				logger.Warnf("lifecycle: force revoke of job %s failed: %v", task.ExternalJobID, err)
			}
		}
		task, err = m.load(ctx, id)
		if err != nil {
			return err
		}
	}
	task.Status = model.TaskCreated
	task.StrategyState = nil
	task.ExternalJobID = ""
	if err := m.coordStore.Del(ctx, snapshotKey(task.ID)); err != nil {
		logger.Warnf("lifecycle: clearing snapshot for %s failed: %v", task.ID, err)
	}
	if err := m.tasks.Update(ctx, task); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// waitStopped polls for the runtime's stop acknowledgement until the grace
// period expires.
func (m *Manager) waitStopped(ctx context.Context, id string) {
	deadline := time.Now().Add(m.grace)
	for time.Now().Before(deadline) {
		task, err := m.load(ctx, id)
		if err != nil {
			return
		}
		if task.Status.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}
