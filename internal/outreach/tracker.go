package outreach

import (
	"context"
	"fmt"
	"time"

	"collections/internal/aging"
	"collections/internal/domain"
)

// Store persists outreach state. Every mutating call is conditional so that two
// concurrent batch runs cannot both win the same write.
type Store interface {
	GetState(ctx context.Context, invoiceID string) (State, bool, error)
	// InsertStateIfAbsent stores st unless a row exists, then returns the stored row.
	InsertStateIfAbsent(ctx context.Context, st State) (State, error)
	// SaveTransition writes bucket, entry date and cleared steps if the stored
	// version still equals expectedVersion.
	SaveTransition(ctx context.Context, st State, expectedVersion int64) (bool, error)
	// ClaimStep reserves an unsent step; an existing claim older than staleBefore is taken over.
	ClaimStep(ctx context.Context, key StepKey, now, staleBefore time.Time) (bool, error)
	ReleaseStep(ctx context.Context, key StepKey) error
	// MarkStepSent sets the step's sent timestamp only if it is still unset.
	MarkStepSent(ctx context.Context, key StepKey, sentAt time.Time) (bool, error)
	SetActive(ctx context.Context, invoiceID string, active bool, reason string, now time.Time) (bool, error)
}

type Tracker struct {
	Store      Store
	StaleAfter time.Duration
}

func NewTracker(store Store, staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Tracker{Store: store, StaleAfter: staleAfter}
}

// GetOrCreate loads the invoice's state, creating it in the invoice's current
// bucket with today as entry date when absent.
func (t *Tracker) GetOrCreate(ctx context.Context, inv domain.Invoice, today time.Time) (State, error) {
	st, found, err := t.Store.GetState(ctx, inv.ID)
	if err != nil {
		return State{}, err
	}
	if found {
		return st, nil
	}
	if inv.DueDate == nil {
		return State{}, domain.ErrMissingDueDate
	}
	fresh := New(inv.ID, inv.OwnerID, aging.Classify(*inv.DueDate, today), today)
	return t.Store.InsertStateIfAbsent(ctx, fresh)
}

// Transition applies a bucket change and persists it. On a version conflict the
// state is re-read and the transition re-applied once.
func (t *Tracker) Transition(ctx context.Context, st State, bucket aging.Bucket, today time.Time) (State, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		next := st.Clone()
		if !next.ApplyBucketTransition(bucket, today) {
			return st, false, nil
		}
		ok, err := t.Store.SaveTransition(ctx, next, st.Version)
		if err != nil {
			return st, false, err
		}
		if ok {
			next.Version = st.Version + 1
			return next, true, nil
		}

		fresh, found, err := t.Store.GetState(ctx, st.InvoiceID)
		if err != nil {
			return st, false, err
		}
		if !found {
			return st, false, fmt.Errorf("outreach: state for %s vanished: %w", st.InvoiceID, domain.ErrNotFound)
		}
		st = fresh
	}
	return st, false, domain.ErrStateConflict
}

// Claim reserves step for dispatch. false means another run holds it or it was sent.
func (t *Tracker) Claim(ctx context.Context, st State, step int, now time.Time) (bool, error) {
	return t.Store.ClaimStep(ctx, st.Key(step), now, now.Add(-t.StaleAfter))
}

// Release drops a claim after a failed dispatch so the next run retries the step.
func (t *Tracker) Release(ctx context.Context, st State, step int) error {
	return t.Store.ReleaseStep(ctx, st.Key(step))
}

// RecordStepSent persists the sent timestamp. When the conditional write loses,
// the state is re-read: an already sent step yields ErrStepAlreadySent, anything
// else ErrStateConflict.
func (t *Tracker) RecordStepSent(ctx context.Context, st *State, step int, sentAt time.Time) error {
	ok, err := t.Store.MarkStepSent(ctx, st.Key(step), sentAt)
	if err != nil {
		return err
	}
	if ok {
		st.Version++
		return st.RecordStepSent(step, sentAt)
	}

	fresh, found, err := t.Store.GetState(ctx, st.InvoiceID)
	if err != nil {
		return err
	}
	if found && fresh.CurrentBucket == st.CurrentBucket && fresh.BucketEnteredAt.Equal(st.BucketEnteredAt) {
		if _, sent := fresh.StepSentAt[step]; sent {
			*st = fresh
			return domain.ErrStepAlreadySent
		}
	}
	return domain.ErrStateConflict
}

// Pause stops further outreach for the invoice without clearing its progress.
func (t *Tracker) Pause(ctx context.Context, invoiceID, reason string, now time.Time) error {
	return t.setActive(ctx, invoiceID, false, reason, now)
}

func (t *Tracker) Resume(ctx context.Context, invoiceID string, now time.Time) error {
	return t.setActive(ctx, invoiceID, true, "", now)
}

// Deactivate is Pause for invoices that were closed.
func (t *Tracker) Deactivate(ctx context.Context, invoiceID string, status domain.InvoiceStatus, now time.Time) error {
	return t.setActive(ctx, invoiceID, false, "invoice "+string(status), now)
}

func (t *Tracker) setActive(ctx context.Context, invoiceID string, active bool, reason string, now time.Time) error {
	found, err := t.Store.SetActive(ctx, invoiceID, active, reason, now)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}
	return nil
}
