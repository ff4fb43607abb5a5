package outreach

import (
	"time"

	"collections/internal/aging"
	"collections/internal/domain"
)

// State is the per-invoice outreach record. StepSentAt holds only steps that were
// dispatched successfully during the current bucket occupancy; StepClaimedAt holds
// steps whose dispatch is in flight.
type State struct {
	InvoiceID       string
	OwnerID         string
	CurrentBucket   aging.Bucket
	BucketEnteredAt time.Time
	StepSentAt      map[int]time.Time
	StepClaimedAt   map[int]time.Time
	IsActive        bool
	PausedReason    string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New builds the initial state for an invoice first observed on today.
func New(invoiceID, ownerID string, bucket aging.Bucket, today time.Time) State {
	day := aging.DateOf(today, time.UTC)
	return State{
		InvoiceID:       invoiceID,
		OwnerID:         ownerID,
		CurrentBucket:   bucket,
		BucketEnteredAt: day,
		StepSentAt:      map[int]time.Time{},
		StepClaimedAt:   map[int]time.Time{},
		IsActive:        true,
		CreatedAt:       today,
		UpdatedAt:       today,
	}
}

// Clone deep copies the step maps.
func (s State) Clone() State {
	out := s
	out.StepSentAt = make(map[int]time.Time, len(s.StepSentAt))
	for k, v := range s.StepSentAt {
		out.StepSentAt[k] = v
	}
	out.StepClaimedAt = make(map[int]time.Time, len(s.StepClaimedAt))
	for k, v := range s.StepClaimedAt {
		out.StepClaimedAt[k] = v
	}
	return out
}

// ApplyBucketTransition moves the state into newBucket. It is a no-op when the
// bucket is unchanged. On change the step timestamps are cleared and
// BucketEnteredAt becomes today, never earlier than the previous entry date.
func (s *State) ApplyBucketTransition(newBucket aging.Bucket, today time.Time) bool {
	if newBucket == s.CurrentBucket {
		return false
	}
	day := aging.DateOf(today, time.UTC)
	if day.Before(s.BucketEnteredAt) {
		day = s.BucketEnteredAt
	}
	s.CurrentBucket = newBucket
	s.BucketEnteredAt = day
	s.StepSentAt = map[int]time.Time{}
	s.StepClaimedAt = map[int]time.Time{}
	s.UpdatedAt = today
	return true
}

// RecordStepSent marks step as dispatched. Only call after a successful send.
func (s *State) RecordStepSent(step int, sentAt time.Time) error {
	if s.StepSentAt == nil {
		s.StepSentAt = map[int]time.Time{}
	}
	if _, ok := s.StepSentAt[step]; ok {
		return domain.ErrStepAlreadySent
	}
	s.StepSentAt[step] = sentAt
	delete(s.StepClaimedAt, step)
	s.UpdatedAt = sentAt
	return nil
}

func (s *State) Pause(reason string, now time.Time) {
	s.IsActive = false
	s.PausedReason = reason
	s.UpdatedAt = now
}

func (s *State) Resume(now time.Time) {
	s.IsActive = true
	s.PausedReason = ""
	s.UpdatedAt = now
}

// SentSteps is the set of step numbers already sent in the current bucket.
func (s State) SentSteps() map[int]bool {
	out := make(map[int]bool, len(s.StepSentAt))
	for k := range s.StepSentAt {
		out[k] = true
	}
	return out
}

// DaysInBucket counts whole days since the bucket was entered.
func (s State) DaysInBucket(today time.Time) int {
	d := aging.DaysBetween(s.BucketEnteredAt, today)
	if d < 0 {
		return 0
	}
	return d
}

// StepKey identifies one step within one bucket occupancy. Conditional writes
// match on all fields so a write from a stale occupancy never lands.
type StepKey struct {
	InvoiceID       string
	Bucket          aging.Bucket
	BucketEnteredAt time.Time
	StepOrder       int
}

func (s State) Key(step int) StepKey {
	return StepKey{
		InvoiceID:       s.InvoiceID,
		Bucket:          s.CurrentBucket,
		BucketEnteredAt: s.BucketEnteredAt,
		StepOrder:       step,
	}
}
