package service

import (
	"time"

	"collections/internal/outreach"
	"collections/internal/store"
)

type StepTimestamp struct {
	StepOrder int       `json:"step"`
	At        time.Time `json:"at"`
}

type StateView struct {
	InvoiceID       string          `json:"invoiceId"`
	CurrentBucket   string          `json:"currentBucket"`
	BucketEnteredAt string          `json:"bucketEnteredAt"`
	DaysInBucket    int             `json:"daysInBucket"`
	StepsSent       []StepTimestamp `json:"stepsSent"`
	StepsInFlight   []StepTimestamp `json:"stepsInFlight,omitempty"`
	IsActive        bool            `json:"isActive"`
	PausedReason    string          `json:"pausedReason,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func newStateView(st outreach.State, today time.Time) StateView {
	return StateView{
		InvoiceID:       st.InvoiceID,
		CurrentBucket:   string(st.CurrentBucket),
		BucketEnteredAt: st.BucketEnteredAt.Format(dateLayout),
		DaysInBucket:    st.DaysInBucket(today),
		StepsSent:       sortedSteps(st.StepSentAt),
		StepsInFlight:   sortedSteps(st.StepClaimedAt),
		IsActive:        st.IsActive,
		PausedReason:    st.PausedReason,
		UpdatedAt:       st.UpdatedAt,
	}
}

type PersonaView struct {
	Name string `json:"name"`
	Tone string `json:"tone"`
}

type StepView struct {
	StepOrder int    `json:"step"`
	DayOffset int    `json:"dayOffset"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	UseAI     bool   `json:"useAi"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
}

type PreviewView struct {
	InvoiceID       string       `json:"invoiceId"`
	AsOf            string       `json:"asOf"`
	Status          string       `json:"status"`
	DaysPastDue     int          `json:"daysPastDue"`
	Bucket          string       `json:"bucket"`
	BucketEnteredAt string       `json:"bucketEnteredAt,omitempty"`
	DaysInBucket    int          `json:"daysInBucket"`
	Persona         *PersonaView `json:"persona,omitempty"`
	NextStep        *StepView    `json:"nextStep,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}

type RunView struct {
	ID         string           `json:"id"`
	Status     string           `json:"status"`
	Trigger    string           `json:"trigger"`
	AsOf       string           `json:"asOf"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	Processed  int              `json:"processed"`
	Sent       int              `json:"sent"`
	Skipped    int              `json:"skipped"`
	Failed     int              `json:"failed"`
	Outcomes   map[string]int   `json:"outcomes"`
	Errors     []store.RunError `json:"errors"`
}

func newRunView(rec store.RunRecord) RunView {
	errs := rec.Errors
	if errs == nil {
		errs = []store.RunError{}
	}
	return RunView{
		ID:         rec.ID,
		Status:     rec.Status,
		Trigger:    rec.Trigger,
		AsOf:       rec.AsOf.Format(dateLayout),
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Processed:  rec.Processed,
		Sent:       rec.Sent,
		Skipped:    rec.Skipped,
		Failed:     rec.Failed,
		Outcomes:   rec.Outcomes,
		Errors:     errs,
	}
}
