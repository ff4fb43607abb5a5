// Package memstore is an in-memory implementation of the collections stores,
// used by tests and local dry runs. All methods are safe for concurrent use and
// honour the same conditional-write rules as the Postgres store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"collections/internal/aging"
	"collections/internal/domain"
	"collections/internal/outreach"
	"collections/internal/store"
	"collections/internal/workflow"
)

type workflowKey struct {
	owner  string
	bucket aging.Bucket
}

type capKey struct {
	owner     string
	recipient string
	day       string
}

type Store struct {
	mu          sync.Mutex
	invoices    map[string]domain.Invoice
	states      map[string]outreach.State
	workflows   map[workflowKey][]workflow.Step
	activities  []store.Activity
	runs        map[string]store.RunRecord
	events      []store.DeliveryEvent
	suppressed  map[string]bool
	caps        map[capKey]int
	failNextGet error
}

func New() *Store {
	return &Store{
		invoices:   map[string]domain.Invoice{},
		states:     map[string]outreach.State{},
		workflows:  map[workflowKey][]workflow.Step{},
		runs:       map[string]store.RunRecord{},
		suppressed: map[string]bool{},
		caps:       map[capKey]int{},
	}
}

// --- seeding helpers ---

func (s *Store) PutInvoice(inv domain.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
}

// PutWorkflow sets the steps for owner and bucket; an empty owner is the default workflow.
func (s *Store) PutWorkflow(owner string, bucket aging.Bucket, steps []workflow.Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workflow.Step, len(steps))
	for i, st := range steps {
		st.Bucket = bucket
		out[i] = st
	}
	s.workflows[workflowKey{owner, bucket}] = out
}

func (s *Store) PutState(st outreach.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.InvoiceID] = st.Clone()
}

func (s *Store) Suppress(owner, recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed[owner+"|"+recipient] = true
}

// FailNextGetState makes the next GetState call return err.
func (s *Store) FailNextGetState(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextGet = err
}

func (s *Store) Activities() []store.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Activity, len(s.activities))
	copy(out, s.activities)
	return out
}

func (s *Store) Events() []store.DeliveryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.DeliveryEvent, len(s.events))
	copy(out, s.events)
	return out
}

// --- outreach.Store ---

func (s *Store) GetState(ctx context.Context, invoiceID string) (outreach.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNextGet; err != nil {
		s.failNextGet = nil
		return outreach.State{}, false, err
	}
	st, ok := s.states[invoiceID]
	if !ok {
		return outreach.State{}, false, nil
	}
	return st.Clone(), true, nil
}

func (s *Store) InsertStateIfAbsent(ctx context.Context, st outreach.State) (outreach.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.states[st.InvoiceID]; ok {
		return existing.Clone(), nil
	}
	st.Version = 1
	s.states[st.InvoiceID] = st.Clone()
	return st.Clone(), nil
}

func (s *Store) SaveTransition(ctx context.Context, st outreach.State, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[st.InvoiceID]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	cur.CurrentBucket = st.CurrentBucket
	cur.BucketEnteredAt = st.BucketEnteredAt
	cur.StepSentAt = map[int]time.Time{}
	cur.StepClaimedAt = map[int]time.Time{}
	cur.UpdatedAt = st.UpdatedAt
	cur.Version++
	s.states[st.InvoiceID] = cur
	return true, nil
}

func (s *Store) occupancy(key outreach.StepKey) (outreach.State, bool) {
	cur, ok := s.states[key.InvoiceID]
	if !ok || cur.CurrentBucket != key.Bucket || !cur.BucketEnteredAt.Equal(key.BucketEnteredAt) {
		return outreach.State{}, false
	}
	return cur, true
}

func (s *Store) ClaimStep(ctx context.Context, key outreach.StepKey, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.occupancy(key)
	if !ok || !cur.IsActive {
		return false, nil
	}
	if _, sent := cur.StepSentAt[key.StepOrder]; sent {
		return false, nil
	}
	if at, claimed := cur.StepClaimedAt[key.StepOrder]; claimed && !at.Before(staleBefore) {
		return false, nil
	}
	if cur.StepClaimedAt == nil {
		cur.StepClaimedAt = map[int]time.Time{}
	}
	cur.StepClaimedAt[key.StepOrder] = now
	s.states[key.InvoiceID] = cur
	return true, nil
}

func (s *Store) ReleaseStep(ctx context.Context, key outreach.StepKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.occupancy(key)
	if !ok {
		return nil
	}
	delete(cur.StepClaimedAt, key.StepOrder)
	s.states[key.InvoiceID] = cur
	return nil
}

func (s *Store) MarkStepSent(ctx context.Context, key outreach.StepKey, sentAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.occupancy(key)
	if !ok {
		return false, nil
	}
	if _, sent := cur.StepSentAt[key.StepOrder]; sent {
		return false, nil
	}
	if cur.StepSentAt == nil {
		cur.StepSentAt = map[int]time.Time{}
	}
	cur.StepSentAt[key.StepOrder] = sentAt
	delete(cur.StepClaimedAt, key.StepOrder)
	cur.UpdatedAt = sentAt
	cur.Version++
	s.states[key.InvoiceID] = cur
	return true, nil
}

func (s *Store) SetActive(ctx context.Context, invoiceID string, active bool, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[invoiceID]
	if !ok {
		return false, nil
	}
	if active {
		cur.Resume(now)
	} else {
		cur.Pause(reason, now)
	}
	s.states[invoiceID] = cur
	return true, nil
}

// --- collections.Store ---

func (s *Store) ListCandidateInvoices(ctx context.Context, asOf time.Time) ([]domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		st, hasState := s.states[inv.ID]
		switch {
		case inv.Status.Open() && (inv.DueDate == nil || inv.DueDate.Before(asOf) || hasState):
			out = append(out, inv)
		case hasState && st.IsActive:
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	return inv, ok, nil
}

func (s *Store) ListWorkflowSteps(ctx context.Context, ownerID string, bucket aging.Bucket) ([]workflow.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.workflows[workflowKey{ownerID, bucket}]
	if !ok {
		steps = s.workflows[workflowKey{"", bucket}]
	}
	out := make([]workflow.Step, len(steps))
	copy(out, steps)
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (s *Store) InsertActivity(ctx context.Context, a store.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.activities {
		if a.ID != "" && existing.ID == a.ID {
			return nil
		}
	}
	s.activities = append(s.activities, a)
	return nil
}

func (s *Store) FindStepActivity(ctx context.Context, invoiceID string, bucket aging.Bucket, step int, since time.Time) (store.Activity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  store.Activity
		found bool
	)
	for _, a := range s.activities {
		if a.InvoiceID != invoiceID || a.Bucket != bucket || a.StepOrder != step || a.SentAt.Before(since) {
			continue
		}
		if !found || a.SentAt.After(best.SentAt) {
			best, found = a, true
		}
	}
	return best, found, nil
}

func (s *Store) IsSuppressed(ctx context.Context, ownerID, recipient string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed[ownerID+"|"+recipient], nil
}

func (s *Store) IncrementDailyCap(ctx context.Context, ownerID, recipient string, day time.Time, maxPerDay int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := capKey{ownerID, recipient, day.UTC().Format("2006-01-02")}
	if s.caps[k] >= maxPerDay {
		return false, s.caps[k], nil
	}
	s.caps[k]++
	return true, s.caps[k], nil
}

func (s *Store) SaveRun(ctx context.Context, rec store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status == "" {
		rec.Status = store.RunCompleted
	}
	s.runs[rec.ID] = rec
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (store.RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	return rec, ok, nil
}

// --- delivery status ---

func (s *Store) UpdateActivityDeliveryStatus(ctx context.Context, in store.DeliveryStatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := false
	for i := range s.activities {
		a := &s.activities[i]
		if a.Provider == in.Provider && a.ProviderMsgID == in.ProviderMsgID {
			a.DeliveryStatus = in.Status
			updated = true
		}
	}
	return updated, nil
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, ev store.DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
