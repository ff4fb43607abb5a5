package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"collections/internal/aging"
	"collections/internal/collections"
	"collections/internal/content"
	"collections/internal/domain"
	"collections/internal/jobs"
	"collections/internal/observability"
	"collections/internal/outreach"
	"collections/internal/persona"
	"collections/internal/store"
	"collections/internal/util"
	"collections/internal/workflow"
)

type Store interface {
	GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, bool, error)
	GetState(ctx context.Context, invoiceID string) (outreach.State, bool, error)
	ListWorkflowSteps(ctx context.Context, ownerID string, bucket aging.Bucket) ([]workflow.Step, error)
	GetRun(ctx context.Context, id string) (store.RunRecord, bool, error)
}

type RunQueue interface {
	EnqueueRun(ctx context.Context, payload jobs.RunPayload) (string, error)
}

// OutreachService backs the HTTP API: state inspection, manual pause and resume,
// dry-run previews and ad-hoc batch runs.
type OutreachService struct {
	Store              Store
	Tracker            *outreach.Tracker
	Queue              RunQueue
	Location           *time.Location
	UseDefaultWorkflow bool
	Now                func() time.Time
}

func (s *OutreachService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *OutreachService) GetState(ctx context.Context, invoiceID string) (StateView, error) {
	st, found, err := s.Store.GetState(ctx, invoiceID)
	if err != nil {
		return StateView{}, err
	}
	if !found {
		return StateView{}, domain.ErrNotFound
	}
	return newStateView(st, aging.DateOf(s.now(), s.Location)), nil
}

// Pause stops outreach for an invoice. An invoice that has not been contacted yet
// gets its state created first so the pause sticks.
func (s *OutreachService) Pause(ctx context.Context, invoiceID, reason string) (StateView, error) {
	now := s.now()
	if err := s.ensureState(ctx, invoiceID, now); err != nil {
		return StateView{}, err
	}
	if reason == "" {
		reason = "paused manually"
	}
	if err := s.Tracker.Pause(ctx, invoiceID, reason, now); err != nil {
		return StateView{}, err
	}
	return s.GetState(ctx, invoiceID)
}

func (s *OutreachService) Resume(ctx context.Context, invoiceID string) (StateView, error) {
	inv, found, err := s.Store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return StateView{}, err
	}
	if !found {
		return StateView{}, domain.ErrNotFound
	}
	if inv.Status.Closed() {
		return StateView{}, fmt.Errorf("%w: invoice is %s", ErrInvoiceClosed, inv.Status)
	}
	if err := s.Tracker.Resume(ctx, invoiceID, s.now()); err != nil {
		return StateView{}, err
	}
	return s.GetState(ctx, invoiceID)
}

func (s *OutreachService) ensureState(ctx context.Context, invoiceID string, now time.Time) error {
	inv, found, err := s.Store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}
	_, err = s.Tracker.GetOrCreate(ctx, inv, aging.DateOf(now, s.Location))
	return err
}

// Preview computes what a run on asOf would do for one invoice without writing
// anything or contacting providers.
func (s *OutreachService) Preview(ctx context.Context, invoiceID string, asOf time.Time) (PreviewView, error) {
	inv, found, err := s.Store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return PreviewView{}, err
	}
	if !found {
		return PreviewView{}, domain.ErrNotFound
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	today := aging.DateOf(asOf, s.Location)
	out := PreviewView{InvoiceID: inv.ID, AsOf: today.Format(dateLayout), Status: string(inv.Status)}
	if inv.DueDate == nil {
		return PreviewView{}, domain.ErrMissingDueDate
	}
	due := aging.DateOf(*inv.DueDate, time.UTC)
	bucket := aging.Classify(due, today)
	out.DaysPastDue = aging.DaysPastDue(due, today)
	out.Bucket = string(bucket)
	if p := persona.Select(bucket); p != nil {
		out.Persona = &PersonaView{Name: p.Name, Tone: p.Tone}
	}
	if !inv.Status.Open() {
		out.Reason = "invoice not open"
		return out, nil
	}
	if bucket == aging.Current {
		out.Reason = "not past due"
		return out, nil
	}

	st, found, err := s.Store.GetState(ctx, inv.ID)
	if err != nil {
		return PreviewView{}, err
	}
	if !found {
		st = outreach.New(inv.ID, inv.OwnerID, bucket, today)
	}
	st.ApplyBucketTransition(bucket, today)
	out.DaysInBucket = st.DaysInBucket(today)
	out.BucketEnteredAt = st.BucketEnteredAt.Format(dateLayout)
	if !st.IsActive {
		out.Reason = "outreach paused"
		return out, nil
	}

	steps, err := s.Store.ListWorkflowSteps(ctx, inv.OwnerID, bucket)
	if err != nil {
		return PreviewView{}, err
	}
	if len(steps) == 0 && s.UseDefaultWorkflow {
		steps = workflow.DefaultSteps(bucket)
	}
	if len(steps) == 0 {
		out.Reason = "no workflow configured"
		return out, nil
	}
	step := workflow.ResolveStep(bucket, out.DaysInBucket, steps, st.SentSteps())
	if step == nil {
		out.Reason = "nothing due"
		return out, nil
	}

	msg, err := content.TemplateGenerator{}.Generate(ctx, content.Request{
		SubjectTemplate: step.SubjectTemplate,
		BodyTemplate:    step.BodyTemplate,
		Channel:         step.Channel,
		Context:         collections.BuildContext(inv, persona.Select(bucket), today),
	})
	if err != nil && !errors.Is(err, content.ErrEmptyContent) {
		return PreviewView{}, err
	}
	out.NextStep = &StepView{
		StepOrder: step.StepOrder,
		DayOffset: step.DayOffset,
		Channel:   string(step.Channel),
		Recipient: inv.Recipient(step.Channel),
		UseAI:     step.UseAI,
		Subject:   msg.Subject,
		Body:      msg.Body,
	}
	return out, nil
}

// TriggerRun enqueues an ad-hoc batch run. asOf is YYYY-MM-DD or empty for today.
func (s *OutreachService) TriggerRun(ctx context.Context, asOf string) (domain.RunAccepted, error) {
	taskID, err := s.Queue.EnqueueRun(ctx, jobs.RunPayload{AsOf: asOf, Trigger: "api"})
	if err != nil {
		observability.RunEnqueues.WithLabelValues("error").Inc()
		return domain.RunAccepted{}, err
	}
	observability.RunEnqueues.WithLabelValues("ok").Inc()
	return domain.RunAccepted{TaskID: taskID, Queue: jobs.QueueDefault}, nil
}

func (s *OutreachService) GetRun(ctx context.Context, id string) (RunView, error) {
	rec, found, err := s.Store.GetRun(ctx, id)
	if err != nil {
		return RunView{}, err
	}
	if !found {
		return RunView{}, domain.ErrNotFound
	}
	return newRunView(rec), nil
}

var ErrInvoiceClosed = errors.New("invoice is closed")

const dateLayout = "2006-01-02"

func sortedSteps(m map[int]time.Time) []StepTimestamp {
	out := make([]StepTimestamp, 0, len(m))
	for k, v := range m {
		out = append(out, StepTimestamp{StepOrder: k, At: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}
