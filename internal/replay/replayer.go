package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fxcore/internal/config"
	"fxcore/internal/coord"
	"fxcore/internal/heartbeat"
	"fxcore/internal/logger"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

// TaskName under which replay jobs report status and receive stop signals.
const TaskName = "backtest_replay"

// Frame types on the per-request replay channel.
const (
	FrameTick    = "tick"
	FrameEOF     = "eof"
	FrameStopped = "stopped"
	FrameError   = "error"
)

// Frame is one framed message on the replay channel. The type field lets a
// simulation consumer distinguish "more data coming" from "done" from
// "aborted" from "broken".
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`

	Instrument string `json:"instrument,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Bid        string `json:"bid,omitempty"`
	Ask        string `json:"ask,omitempty"`
	Mid        string `json:"mid,omitempty"`

	Count int    `json:"count,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`

	Message string `json:"message,omitempty"`
}

// Request identifies one replay job.
type Request struct {
	Instrument string
	Start      time.Time
	End        time.Time
	RequestID  string
}

// Replayer streams stored ticks to a per-request channel in bounded chunks;
// the full result set is never materialized.
type Replayer struct {
	coordStore coord.Store
	ticks      store.TickRepository
	statuses   store.TaskStatusRepository
	cfg        config.ReplayConfig
	hbCfg      config.HeartbeatConfig
}

func NewReplayer(coordStore coord.Store, ticks store.TickRepository, statuses store.TaskStatusRepository, cfg config.ReplayConfig, hbCfg config.HeartbeatConfig) *Replayer {
	return &Replayer{
		coordStore: coordStore,
		ticks:      ticks,
		statuses:   statuses,
		cfg:        cfg,
		hbCfg:      hbCfg,
	}
}

// ChannelFor returns the channel a request streams on.
func (r *Replayer) ChannelFor(requestID string) string {
	return r.cfg.ChannelPrefix + requestID
}

// Run streams the requested range. Cancellation is cooperative: the stop flag
// is checked before every published tick. An uncaught failure is framed as an
// error message and returned (fatal to this job only).
func (r *Replayer) Run(ctx context.Context, req Request) (err error) {
	channel := r.ChannelFor(req.RequestID)
	hb := heartbeat.NewService(r.coordStore, r.statuses, TaskName, req.RequestID, r.hbCfg.StopCheckInterval(), r.hbCfg.BeatInterval())
	hb.Start(ctx, req.RequestID, coord.WorkerIdentity(), map[string]string{"instrument": req.Instrument})

	count := 0
	defer func() {
		if err != nil {
			r.publish(ctx, channel, Frame{Type: FrameError, RequestID: req.RequestID, Message: err.Error()})
			hb.MarkStopped(context.Background(), model.RunFailed, err.Error())
		}
	}()

	var after time.Time
	for {
		rows, listErr := r.ticks.ListTicks(ctx, req.Instrument, req.Start, req.End, after, r.cfg.ChunkSize)
		if listErr != nil {
			return fmt.Errorf("replay %s: reading ticks: %w", req.RequestID, listErr)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if hb.ShouldStop(ctx, false) || ctx.Err() != nil {
				r.publish(ctx, channel, Frame{Type: FrameStopped, RequestID: req.RequestID, Count: count})
				hb.MarkStopped(ctx, model.RunStopped, fmt.Sprintf("stopped after %d ticks", count))
				return nil
			}
			frame := Frame{
				Type:       FrameTick,
				RequestID:  req.RequestID,
				Instrument: row.Instrument,
				Timestamp:  row.Timestamp.UTC().Format(time.RFC3339Nano),
				Bid:        row.Bid.String(),
				Ask:        row.Ask.String(),
				Mid:        row.Mid.String(),
			}
			if pubErr := r.publish(ctx, channel, frame); pubErr != nil {
				return fmt.Errorf("replay %s: publishing tick: %w", req.RequestID, pubErr)
			}
			count++
		}
		after = rows[len(rows)-1].Timestamp
		hb.Beat(ctx, fmt.Sprintf("replayed %d ticks", count), nil, false)
	}

	eof := Frame{
		Type:      FrameEOF,
		RequestID: req.RequestID,
		Count:     count,
		Start:     req.Start.UTC().Format(time.RFC3339Nano),
		End:       req.End.UTC().Format(time.RFC3339Nano),
	}
	if pubErr := r.publish(ctx, channel, eof); pubErr != nil {
		return fmt.Errorf("replay %s: publishing eof: %w", req.RequestID, pubErr)
	}
	hb.MarkStopped(ctx, model.RunCompleted, fmt.Sprintf("replayed %d ticks", count))
	return nil
}

func (r *Replayer) publish(ctx context.Context, channel string, frame Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := r.coordStore.Publish(ctx, channel, string(raw)); err != nil {
		logger.Warnf("replay: publish on %s failed: %v", channel, err)
		return err
	}
	return nil
}
