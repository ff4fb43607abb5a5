package collections

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"collections/internal/aging"
	"collections/internal/workflow"
)

// stepCache memoizes workflow lookups for the duration of one run. Concurrent
// misses for the same owner and bucket share a single store query.
type stepCache struct {
	store Store
	group singleflight.Group

	mu    sync.RWMutex
	steps map[string][]workflow.Step
}

func newStepCache(s Store) *stepCache {
	return &stepCache{store: s, steps: map[string][]workflow.Step{}}
}

func (c *stepCache) get(ctx context.Context, ownerID string, bucket aging.Bucket) ([]workflow.Step, error) {
	key := ownerID + "|" + string(bucket)
	c.mu.RLock()
	steps, ok := c.steps[key]
	c.mu.RUnlock()
	if ok {
		return steps, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		steps, err := c.store.ListWorkflowSteps(ctx, ownerID, bucket)
		if err != nil {
			return nil, err
		}
		if err := workflow.Validate(steps); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
		}
		c.mu.Lock()
		c.steps[key] = steps
		c.mu.Unlock()
		return steps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]workflow.Step), nil
}
