package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue collections tasks run on.
	QueueDefault = "collections"
	// TaskCollectionsRun runs the collections batch for one business day.
	TaskCollectionsRun = "collections:run"
)

// RunPayload describes one batch run. An empty AsOf means the day the task runs.
type RunPayload struct {
	AsOf    string `json:"asOf,omitempty"`
	Trigger string `json:"trigger"`
}

func (p RunPayload) asOfTime(loc *time.Location) (time.Time, error) {
	if p.AsOf == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation("2006-01-02", p.AsOf, loc)
}

// NewRunTask constructs the asynq task for a batch run.
func NewRunTask(payload RunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCollectionsRun, data), nil
}
