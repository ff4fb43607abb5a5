package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"collections/internal/aging"
	"collections/internal/collections"
	"collections/internal/store"
)

const runLockKey = "collections-run"

type Locker interface {
	Acquire(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

type RunRecorder interface {
	SaveRun(ctx context.Context, rec store.RunRecord) error
}

type BatchRunner interface {
	Run(ctx context.Context, opts collections.RunOptions) (collections.RunSummary, error)
}

// RunHandler executes TaskCollectionsRun under the run lock.
type RunHandler struct {
	Runner   BatchRunner
	Lock     Locker
	Location *time.Location
	Logger   *slog.Logger

	// Runs receives a skipped record when the lock is held, so a queued run id
	// always resolves to a summary.
	Runs RunRecorder

	taskID func(context.Context) (string, bool)
}

type runResult struct {
	RunID     string `json:"runId"`
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

func (h *RunHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *RunHandler) Handle(ctx context.Context, t *asynq.Task) error {
	if h == nil || h.Runner == nil {
		return errors.New("collections run: handler not configured")
	}
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	asOf, err := payload.asOfTime(h.Location)
	if err != nil {
		return fmt.Errorf("parse asOf %q: %v: %w", payload.AsOf, err, asynq.SkipRetry)
	}
	if payload.Trigger == "" {
		payload.Trigger = "schedule"
	}
	getID := h.taskID
	if getID == nil {
		getID = asynq.GetTaskID
	}
	runID, _ := getID(ctx)
	logger := h.logger().With("task_id", runID, "trigger", payload.Trigger)

	if h.Lock != nil {
		token, ok, err := h.Lock.Acquire(ctx, runLockKey)
		if err != nil {
			return fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			// Another run is in progress; its claims already cover today's work.
			logger.Info("collections run skipped, lock held")
			h.recordSkipped(ctx, logger, runID, payload.Trigger, asOf)
			return nil
		}
		defer func() {
			if _, err := h.Lock.Release(context.WithoutCancel(ctx), runLockKey, token); err != nil {
				logger.Warn("release run lock", "err", err)
			}
		}()
	}

	sum, err := h.Runner.Run(ctx, collections.RunOptions{RunID: runID, Trigger: payload.Trigger, AsOf: asOf})
	if err != nil {
		return err
	}
	if w := t.ResultWriter(); w != nil {
		res, _ := json.Marshal(runResult{RunID: sum.RunID, Processed: sum.Processed, Sent: sum.Sent, Skipped: sum.Skipped, Failed: sum.Failed})
		if _, err := w.Write(res); err != nil {
			logger.Warn("write task result", "err", err)
		}
	}
	return nil
}

func (h *RunHandler) recordSkipped(ctx context.Context, logger *slog.Logger, runID, trigger string, asOf time.Time) {
	if h.Runs == nil || runID == "" {
		return
	}
	now := time.Now().UTC()
	if asOf.IsZero() {
		asOf = aging.DateOf(now, h.Location)
	}
	rec := store.RunRecord{
		ID:         runID,
		Status:     store.RunSkipped,
		Trigger:    trigger,
		AsOf:       asOf,
		StartedAt:  now,
		FinishedAt: now,
		Outcomes:   map[string]int{},
	}
	if err := h.Runs.SaveRun(ctx, rec); err != nil {
		logger.Warn("save skipped run", "err", err)
	}
}
