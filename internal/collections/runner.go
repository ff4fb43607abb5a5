// Package collections runs the daily collections batch: every eligible invoice is
// classified, its outreach state advanced and at most one due step dispatched.
package collections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"collections/internal/aging"
	"collections/internal/content"
	"collections/internal/dispatch"
	"collections/internal/domain"
	"collections/internal/observability"
	"collections/internal/outreach"
	"collections/internal/persona"
	"collections/internal/store"
	"collections/internal/util"
	"collections/internal/workflow"
)

type Store interface {
	outreach.Store
	ListCandidateInvoices(ctx context.Context, asOf time.Time) ([]domain.Invoice, error)
	ListWorkflowSteps(ctx context.Context, ownerID string, bucket aging.Bucket) ([]workflow.Step, error)
	InsertActivity(ctx context.Context, a store.Activity) error
	FindStepActivity(ctx context.Context, invoiceID string, bucket aging.Bucket, step int, since time.Time) (store.Activity, bool, error)
	IsSuppressed(ctx context.Context, ownerID, recipient string) (bool, error)
	IncrementDailyCap(ctx context.Context, ownerID, recipient string, day time.Time, maxPerDay int) (bool, int, error)
	SaveRun(ctx context.Context, rec store.RunRecord) error
}

type Sender interface {
	Send(ctx context.Context, ch domain.Channel, recipient, subject, body string) (dispatch.Result, error)
}

type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeNoop        Outcome = "noop"
	OutcomeNotDue      Outcome = "not_due"
	OutcomePaused      Outcome = "paused"
	OutcomeDeactivated Outcome = "deactivated"
	OutcomeIneligible  Outcome = "ineligible"
	OutcomeInFlight    Outcome = "in_flight"
	OutcomeSuppressed  Outcome = "suppressed"
	OutcomeCapped      Outcome = "capped"
	OutcomeFailed      Outcome = "failed"
)

type RunOptions struct {
	RunID   string
	Trigger string
	// AsOf is the business day to evaluate. Zero means now.
	AsOf time.Time
}

type RunSummary struct {
	RunID      string
	Trigger    string
	AsOf       time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Sent       int
	Skipped    int
	Failed     int
	Outcomes   map[Outcome]int
	Errors     []*InvoiceError
}

// Record converts the summary into its persisted form.
func (s RunSummary) Record() store.RunRecord {
	rec := store.RunRecord{
		ID:         s.RunID,
		Status:     store.RunCompleted,
		Trigger:    s.Trigger,
		AsOf:       s.AsOf,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Processed:  s.Processed,
		Sent:       s.Sent,
		Skipped:    s.Skipped,
		Failed:     s.Failed,
		Outcomes:   make(map[string]int, len(s.Outcomes)),
	}
	for k, v := range s.Outcomes {
		rec.Outcomes[string(k)] = v
	}
	for _, e := range s.Errors {
		rec.Errors = append(rec.Errors, store.RunError{InvoiceID: e.InvoiceID, Kind: string(e.Kind), Message: e.Err.Error()})
	}
	return rec
}

type Runner struct {
	Store   Store
	Tracker *outreach.Tracker
	Content content.Generator
	Sender  Sender

	Concurrency     int
	GenerateTimeout time.Duration
	DispatchTimeout time.Duration
	// MaxPerDay caps sends per owner and recipient per day; 0 disables the cap.
	MaxPerDay int
	// UseDefaultWorkflow falls back to workflow.DefaultSteps for buckets with
	// nothing configured instead of reporting a configuration error.
	UseDefaultWorkflow bool
	Location           *time.Location
	// RecordRetryDelays are the waits between attempts to persist a dispatched
	// step. Nil means defaultRecordRetryDelays.
	RecordRetryDelays []time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

var defaultRecordRetryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return util.NowUTC()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run processes every candidate invoice. Per-invoice failures are collected in the
// summary; the returned error is only set when candidates could not be listed.
// A step that fails to send stays due and is picked up by the next run.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (RunSummary, error) {
	started := r.now()
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = started
	}
	today := aging.DateOf(asOf, r.Location)
	sum := RunSummary{
		RunID:     opts.RunID,
		Trigger:   opts.Trigger,
		AsOf:      today,
		StartedAt: started,
		Outcomes:  map[Outcome]int{},
	}
	if sum.RunID == "" {
		sum.RunID = util.NewRunID()
	}
	if sum.Trigger == "" {
		sum.Trigger = "manual"
	}
	log := r.logger().With("run_id", sum.RunID, "as_of", today.Format("2006-01-02"))
	observability.Runs.WithLabelValues(sum.Trigger).Inc()

	invoices, err := r.Store.ListCandidateInvoices(ctx, today)
	if err != nil {
		return sum, fmt.Errorf("list candidate invoices: %w", err)
	}
	log.Info("collections run start", "candidates", len(invoices))

	limit := r.Concurrency
	if limit <= 0 {
		limit = 1
	}
	steps := newStepCache(r.Store)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(limit)
	for _, inv := range invoices {
		if ctx.Err() != nil {
			log.Warn("collections run interrupted", "err", ctx.Err())
			break
		}
		g.Go(func() error {
			outcome, bucket, err := r.processInvoice(ctx, inv, today, steps)
			mu.Lock()
			defer mu.Unlock()
			sum.Processed++
			sum.Outcomes[outcome]++
			observability.InvoiceOutcomes.WithLabelValues(string(outcome), string(bucket)).Inc()
			switch {
			case err != nil:
				ie := &InvoiceError{InvoiceID: inv.ID, Kind: classify(err), Err: err}
				sum.Errors = append(sum.Errors, ie)
				sum.Failed++
				observability.InvoiceErrors.WithLabelValues(string(ie.Kind)).Inc()
				log.Warn("invoice failed", "invoice_id", inv.ID, "kind", ie.Kind, "err", err)
			case outcome == OutcomeSent:
				sum.Sent++
			default:
				sum.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(sum.Errors, func(i, j int) bool { return sum.Errors[i].InvoiceID < sum.Errors[j].InvoiceID })
	sum.FinishedAt = r.now()
	observability.RunDuration.Observe(sum.FinishedAt.Sub(started).Seconds())

	if err := r.Store.SaveRun(context.WithoutCancel(ctx), sum.Record()); err != nil {
		log.Error("save run summary failed", "err", err)
	}
	log.Info("collections run finish",
		"processed", sum.Processed,
		"sent", sum.Sent,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"duration", sum.FinishedAt.Sub(started),
	)
	return sum, nil
}

func (r *Runner) processInvoice(ctx context.Context, inv domain.Invoice, today time.Time, steps *stepCache) (Outcome, aging.Bucket, error) {
	if !inv.Status.Open() {
		if !inv.Status.Closed() {
			return OutcomeIneligible, "", nil
		}
		st, found, err := r.Store.GetState(ctx, inv.ID)
		if err != nil {
			return OutcomeFailed, "", err
		}
		if !found || !st.IsActive {
			return OutcomeIneligible, "", nil
		}
		if err := r.Tracker.Deactivate(ctx, inv.ID, inv.Status, r.now()); err != nil {
			return OutcomeFailed, st.CurrentBucket, err
		}
		return OutcomeDeactivated, st.CurrentBucket, nil
	}
	if inv.DueDate == nil {
		return OutcomeFailed, "", domain.ErrMissingDueDate
	}

	bucket := aging.Classify(aging.DateOf(*inv.DueDate, time.UTC), today)
	if bucket == aging.Current {
		// A due date pushed out after outreach started puts the state back to current.
		st, found, err := r.Store.GetState(ctx, inv.ID)
		if err != nil {
			return OutcomeFailed, bucket, err
		}
		if found {
			if _, _, err := r.Tracker.Transition(ctx, st, bucket, today); err != nil {
				return OutcomeFailed, bucket, err
			}
		}
		return OutcomeNotDue, bucket, nil
	}

	st, err := r.Tracker.GetOrCreate(ctx, inv, today)
	if err != nil {
		return OutcomeFailed, bucket, err
	}
	st, _, err = r.Tracker.Transition(ctx, st, bucket, today)
	if err != nil {
		return OutcomeFailed, bucket, err
	}
	if !st.IsActive {
		return OutcomePaused, bucket, nil
	}

	configured, err := steps.get(ctx, inv.OwnerID, bucket)
	if err != nil {
		return OutcomeFailed, bucket, err
	}
	if len(configured) == 0 {
		if !r.UseDefaultWorkflow {
			return OutcomeFailed, bucket, fmt.Errorf("%w: %s", domain.ErrNoWorkflow, bucket)
		}
		configured = workflow.DefaultSteps(bucket)
	}

	step := workflow.ResolveStep(st.CurrentBucket, st.DaysInBucket(today), configured, st.SentSteps())
	if step == nil {
		return OutcomeNoop, bucket, nil
	}
	log := r.logger().With("invoice_id", inv.ID, "bucket", bucket, "step", step.StepOrder)

	// A claim with a matching activity is a dispatch whose sent mark never landed.
	if _, held := st.StepClaimedAt[step.StepOrder]; held {
		act, found, err := r.Store.FindStepActivity(ctx, inv.ID, st.CurrentBucket, step.StepOrder, st.BucketEnteredAt)
		if err != nil {
			return OutcomeFailed, bucket, err
		}
		if found {
			log.Warn("repairing sent mark of an earlier dispatch", "provider_msg_id", act.ProviderMsgID)
			if err := r.Tracker.RecordStepSent(ctx, &st, step.StepOrder, act.SentAt); err != nil && !errors.Is(err, domain.ErrStepAlreadySent) {
				return OutcomeFailed, bucket, fmt.Errorf("repair step sent: %w", err)
			}
			return OutcomeNoop, bucket, nil
		}
	}

	recipient := inv.Recipient(step.Channel)
	suppressed, err := r.Store.IsSuppressed(ctx, inv.OwnerID, recipient)
	if err != nil {
		return OutcomeFailed, bucket, err
	}
	if suppressed {
		observability.Suppressed.WithLabelValues("suppression_list").Inc()
		return OutcomeSuppressed, bucket, nil
	}

	now := r.now()
	claimed, err := r.Tracker.Claim(ctx, st, step.StepOrder, now)
	if err != nil {
		return OutcomeFailed, bucket, err
	}
	if !claimed {
		log.Debug("step held by another run")
		return OutcomeInFlight, bucket, nil
	}
	// From here on the claim must be released on every path that does not send.
	release := func() {
		if err := r.Tracker.Release(context.WithoutCancel(ctx), st, step.StepOrder); err != nil {
			log.Warn("release step claim failed", "err", err)
		}
	}

	if r.MaxPerDay > 0 {
		ok, count, err := r.Store.IncrementDailyCap(ctx, inv.OwnerID, recipient, today, r.MaxPerDay)
		if err != nil {
			release()
			return OutcomeFailed, bucket, err
		}
		if !ok {
			release()
			observability.Suppressed.WithLabelValues("daily_cap").Inc()
			log.Info("daily cap reached", "count", count)
			return OutcomeCapped, bucket, nil
		}
	}

	p := persona.Select(bucket)
	if p == nil {
		release()
		return OutcomeFailed, bucket, fmt.Errorf("no persona for bucket %s", bucket)
	}

	msg, err := r.generate(ctx, inv, *step, p, today)
	if err != nil {
		release()
		return OutcomeFailed, bucket, fmt.Errorf("generate content: %w", err)
	}

	res, err := r.send(ctx, step.Channel, recipient, msg)
	if err != nil {
		release()
		return OutcomeFailed, bucket, fmt.Errorf("dispatch: %w", err)
	}

	// The message is out; bookkeeping must not be lost to a cancelled run. A claim
	// whose mark never lands stays in place and is repaired from the activity.
	bg := context.WithoutCancel(ctx)
	sentAt := r.now()
	recordErr := r.recordSent(bg, &st, step.StepOrder, sentAt)

	act := store.Activity{
		ID:             util.NewActivityID(),
		InvoiceID:      inv.ID,
		OwnerID:        inv.OwnerID,
		DebtorID:       inv.DebtorID,
		Bucket:         bucket,
		StepOrder:      step.StepOrder,
		Channel:        step.Channel,
		Recipient:      recipient,
		Subject:        msg.Subject,
		Body:           msg.Body,
		Persona:        p.Name,
		Provider:       res.Provider,
		ProviderMsgID:  res.ProviderMessageID,
		DeliveryStatus: "sent",
		SentAt:         sentAt,
	}
	if err := r.retryStore(bg, func() error { return r.Store.InsertActivity(bg, act) }); err != nil {
		log.Error("insert activity failed", "provider_msg_id", res.ProviderMessageID, "err", err)
	}
	switch {
	case errors.Is(recordErr, domain.ErrStepAlreadySent):
		log.Warn("step was recorded by another run after dispatch", "provider_msg_id", res.ProviderMessageID)
		return OutcomeNoop, bucket, nil
	case recordErr != nil:
		log.Error("record step sent failed", "provider_msg_id", res.ProviderMessageID, "err", recordErr)
		return OutcomeFailed, bucket, fmt.Errorf("record step sent: %w", recordErr)
	}
	log.Info("step sent", "channel", step.Channel, "provider", res.Provider, "provider_msg_id", res.ProviderMessageID)
	return OutcomeSent, bucket, nil
}

// recordSent marks step sent, retrying storage errors. Conflicts are returned as is.
func (r *Runner) recordSent(ctx context.Context, st *outreach.State, step int, sentAt time.Time) error {
	failed := false
	return r.retryStore(ctx, func() error {
		err := r.Tracker.RecordStepSent(ctx, st, step, sentAt)
		if errors.Is(err, domain.ErrStepAlreadySent) && failed {
			// an earlier attempt may have committed before its error surfaced
			return nil
		}
		if err != nil {
			failed = true
		}
		return err
	})
}

func (r *Runner) retryStore(ctx context.Context, op func() error) error {
	delays := r.RecordRetryDelays
	if delays == nil {
		delays = defaultRecordRetryDelays
	}
	err := op()
	for _, d := range delays {
		if err == nil || errors.Is(err, domain.ErrStepAlreadySent) || errors.Is(err, domain.ErrStateConflict) {
			return err
		}
		if sleepErr := sleepCtx(ctx, d); sleepErr != nil {
			return err
		}
		err = op()
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) generate(ctx context.Context, inv domain.Invoice, step workflow.Step, p *persona.Persona, today time.Time) (content.Content, error) {
	if r.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.GenerateTimeout)
		defer cancel()
	}
	return r.Content.Generate(ctx, content.Request{
		SubjectTemplate: step.SubjectTemplate,
		BodyTemplate:    step.BodyTemplate,
		Prompt:          step.AIPrompt,
		UseAI:           step.UseAI,
		Channel:         step.Channel,
		Context:         BuildContext(inv, p, today),
	})
}

func (r *Runner) send(ctx context.Context, ch domain.Channel, recipient string, msg content.Content) (dispatch.Result, error) {
	if r.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.DispatchTimeout)
		defer cancel()
	}
	return r.Sender.Send(ctx, ch, recipient, msg.Subject, msg.Body)
}

// BuildContext assembles what a message may mention about the invoice.
func BuildContext(inv domain.Invoice, p *persona.Persona, today time.Time) content.Context {
	c := content.Context{
		CustomerName:  inv.CustomerName,
		InvoiceNumber: inv.InvoiceNumber,
		Amount:        inv.Balance(),
		Currency:      inv.Currency,
	}
	if inv.DueDate != nil {
		c.DueDate = *inv.DueDate
		c.DaysPastDue = aging.DaysPastDue(aging.DateOf(*inv.DueDate, time.UTC), today)
	}
	if p != nil {
		c.PersonaName = p.Name
		c.PersonaTone = p.Tone
	}
	return c
}
