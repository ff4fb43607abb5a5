package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"collections/internal/aging"
	"collections/internal/domain"
	"collections/internal/outreach"
	"collections/internal/store"
	"collections/internal/workflow"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const invoiceColumns = `
	i.id, i.owner_id, COALESCE(i.debtor_id,''), i.invoice_number,
	COALESCE(d.name,''), COALESCE(d.email,''), COALESCE(d.phone,''),
	i.currency, i.amount::text, COALESCE(i.amount_outstanding::text,''), i.due_date, i.status`

func scanInvoice(row pgx.Row) (domain.Invoice, error) {
	var (
		inv                 domain.Invoice
		amount, outstanding string
		due                 *time.Time
		status              string
	)
	err := row.Scan(&inv.ID, &inv.OwnerID, &inv.DebtorID, &inv.InvoiceNumber,
		&inv.CustomerName, &inv.CustomerEmail, &inv.CustomerPhone,
		&inv.Currency, &amount, &outstanding, &due, &status)
	if err != nil {
		return domain.Invoice{}, err
	}
	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Invoice{}, fmt.Errorf("invoice %s amount: %w", inv.ID, err)
	}
	if outstanding != "" {
		if inv.AmountOutstanding, err = decimal.NewFromString(outstanding); err != nil {
			return domain.Invoice{}, fmt.Errorf("invoice %s outstanding: %w", inv.ID, err)
		}
	}
	inv.DueDate = due
	inv.Status = domain.InvoiceStatus(status)
	return inv, nil
}

// ListCandidateInvoices returns open invoices that are past due, lack a due date,
// or already have outreach state, plus any invoice whose state is still active
// so closed invoices get deactivated.
func (s *Store) ListCandidateInvoices(ctx context.Context, asOf time.Time) ([]domain.Invoice, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices i
		LEFT JOIN debtors d ON d.id = i.debtor_id
		LEFT JOIN outreach_states s ON s.invoice_id = i.id
		WHERE (i.status IN ('Open','PartiallyPaid')
		       AND (i.due_date IS NULL OR i.due_date < $1::date OR s.invoice_id IS NOT NULL))
		   OR s.is_active
		ORDER BY i.id
	`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, bool, error) {
	inv, err := scanInvoice(s.DB.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices i
		LEFT JOIN debtors d ON d.id = i.debtor_id
		WHERE i.id = $1
	`, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Invoice{}, false, nil
		}
		return domain.Invoice{}, false, err
	}
	return inv, true, nil
}

// ListWorkflowSteps returns the owner's active workflow for bucket, falling back
// to the default workflow (owner_id NULL). No rows means nothing is configured.
func (s *Store) ListWorkflowSteps(ctx context.Context, ownerID string, bucket aging.Bucket) ([]workflow.Step, error) {
	rows, err := s.DB.Query(ctx, `
		WITH wf AS (
			SELECT id FROM collection_workflows
			WHERE is_active AND bucket = $2 AND (owner_id = $1 OR owner_id IS NULL)
			ORDER BY owner_id NULLS LAST
			LIMIT 1
		)
		SELECT step_order, day_offset, channel, subject_template, body_template, ai_prompt, use_ai
		FROM collection_workflow_steps
		WHERE workflow_id = (SELECT id FROM wf)
		ORDER BY step_order
	`, ownerID, string(bucket))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.Step
	for rows.Next() {
		st := workflow.Step{Bucket: bucket}
		var ch string
		if err := rows.Scan(&st.StepOrder, &st.DayOffset, &ch, &st.SubjectTemplate, &st.BodyTemplate, &st.AIPrompt, &st.UseAI); err != nil {
			return nil, err
		}
		st.Channel = domain.Channel(ch)
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- outreach state ---

func (s *Store) GetState(ctx context.Context, invoiceID string) (outreach.State, bool, error) {
	var (
		st            outreach.State
		bucket        string
		sent, claimed []byte
		reason        *string
	)
	err := s.DB.QueryRow(ctx, `
		SELECT invoice_id, owner_id, current_bucket, bucket_entered_at, step_sent_at, step_claimed_at,
		       is_active, paused_reason, version, created_at, updated_at
		FROM outreach_states WHERE invoice_id = $1
	`, invoiceID).Scan(&st.InvoiceID, &st.OwnerID, &bucket, &st.BucketEnteredAt, &sent, &claimed,
		&st.IsActive, &reason, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outreach.State{}, false, nil
		}
		return outreach.State{}, false, err
	}
	st.CurrentBucket = aging.Bucket(bucket)
	if reason != nil {
		st.PausedReason = *reason
	}
	if st.StepSentAt, err = decodeSteps(sent); err != nil {
		return outreach.State{}, false, fmt.Errorf("state %s step_sent_at: %w", invoiceID, err)
	}
	if st.StepClaimedAt, err = decodeSteps(claimed); err != nil {
		return outreach.State{}, false, fmt.Errorf("state %s step_claimed_at: %w", invoiceID, err)
	}
	return st, true, nil
}

func (s *Store) InsertStateIfAbsent(ctx context.Context, st outreach.State) (outreach.State, error) {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO outreach_states (invoice_id, owner_id, current_bucket, bucket_entered_at, is_active, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,1,$6,$6)
		ON CONFLICT (invoice_id) DO NOTHING
	`, st.InvoiceID, st.OwnerID, string(st.CurrentBucket), st.BucketEnteredAt, st.IsActive, st.CreatedAt)
	if err != nil {
		return outreach.State{}, err
	}
	stored, found, err := s.GetState(ctx, st.InvoiceID)
	if err != nil {
		return outreach.State{}, err
	}
	if !found {
		return outreach.State{}, fmt.Errorf("state %s: %w", st.InvoiceID, domain.ErrNotFound)
	}
	return stored, nil
}

func (s *Store) SaveTransition(ctx context.Context, st outreach.State, expectedVersion int64) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outreach_states
		SET current_bucket=$2, bucket_entered_at=$3, step_sent_at='{}'::jsonb, step_claimed_at='{}'::jsonb,
		    updated_at=$4, version=version+1
		WHERE invoice_id=$1 AND version=$5
	`, st.InvoiceID, string(st.CurrentBucket), st.BucketEnteredAt, st.UpdatedAt, expectedVersion)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ClaimStep reserves the step within the occupancy named by key. A claim older
// than staleBefore belongs to a run that died mid-dispatch and is taken over.
func (s *Store) ClaimStep(ctx context.Context, key outreach.StepKey, now, staleBefore time.Time) (bool, error) {
	k := strconv.Itoa(key.StepOrder)
	patch, err := encodeStep(k, now)
	if err != nil {
		return false, err
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE outreach_states
		SET step_claimed_at = step_claimed_at || $5::jsonb, updated_at=$6
		WHERE invoice_id=$1 AND current_bucket=$2 AND bucket_entered_at=$3 AND is_active
		  AND NOT (step_sent_at ? $4)
		  AND (NOT (step_claimed_at ? $4) OR (step_claimed_at->>$4)::timestamptz < $7)
	`, key.InvoiceID, string(key.Bucket), key.BucketEnteredAt, k, patch, now, staleBefore)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ReleaseStep(ctx context.Context, key outreach.StepKey) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE outreach_states
		SET step_claimed_at = step_claimed_at - $4::text
		WHERE invoice_id=$1 AND current_bucket=$2 AND bucket_entered_at=$3
	`, key.InvoiceID, string(key.Bucket), key.BucketEnteredAt, strconv.Itoa(key.StepOrder))
	return err
}

func (s *Store) MarkStepSent(ctx context.Context, key outreach.StepKey, sentAt time.Time) (bool, error) {
	k := strconv.Itoa(key.StepOrder)
	patch, err := encodeStep(k, sentAt)
	if err != nil {
		return false, err
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE outreach_states
		SET step_sent_at = step_sent_at || $5::jsonb,
		    step_claimed_at = step_claimed_at - $4::text,
		    updated_at=$6, version=version+1
		WHERE invoice_id=$1 AND current_bucket=$2 AND bucket_entered_at=$3
		  AND NOT (step_sent_at ? $4)
	`, key.InvoiceID, string(key.Bucket), key.BucketEnteredAt, k, patch, sentAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SetActive(ctx context.Context, invoiceID string, active bool, reason string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outreach_states SET is_active=$2, paused_reason=$3, updated_at=$4 WHERE invoice_id=$1
	`, invoiceID, active, nullIfEmpty(reason), now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func decodeSteps(b []byte) (map[int]time.Time, error) {
	raw := map[string]time.Time{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
	}
	out := make(map[int]time.Time, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("bad step key %q", k)
		}
		out[n] = v.UTC()
	}
	return out, nil
}

func encodeStep(key string, at time.Time) (string, error) {
	b, err := json.Marshal(map[string]time.Time{key: at.UTC()})
	return string(b), err
}

// --- activities, suppression, caps ---

func (s *Store) InsertActivity(ctx context.Context, a store.Activity) error {
	status := a.DeliveryStatus
	if status == "" {
		status = "sent"
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO collection_activities (id, invoice_id, owner_id, debtor_id, bucket, step_order, channel, recipient,
			subject, body, persona, provider, provider_msg_id, delivery_status, sent_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.InvoiceID, a.OwnerID, nullIfEmpty(a.DebtorID), string(a.Bucket), a.StepOrder, string(a.Channel), a.Recipient,
		nullIfEmpty(a.Subject), a.Body, a.Persona, a.Provider, nullIfEmpty(a.ProviderMsgID), status, a.SentAt)
	return err
}

// FindStepActivity returns the latest activity for step sent in bucket at or after since.
func (s *Store) FindStepActivity(ctx context.Context, invoiceID string, bucket aging.Bucket, step int, since time.Time) (store.Activity, bool, error) {
	var (
		a                      store.Activity
		debtor, subject, msgID *string
		bucketStr, channel     string
	)
	err := s.DB.QueryRow(ctx, `
		SELECT id, invoice_id, owner_id, debtor_id, bucket, step_order, channel, recipient,
			subject, body, persona, provider, provider_msg_id, delivery_status, sent_at
		FROM collection_activities
		WHERE invoice_id=$1 AND bucket=$2 AND step_order=$3 AND sent_at >= $4
		ORDER BY sent_at DESC
		LIMIT 1
	`, invoiceID, string(bucket), step, since).Scan(&a.ID, &a.InvoiceID, &a.OwnerID, &debtor, &bucketStr, &a.StepOrder,
		&channel, &a.Recipient, &subject, &a.Body, &a.Persona, &a.Provider, &msgID, &a.DeliveryStatus, &a.SentAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Activity{}, false, nil
		}
		return store.Activity{}, false, err
	}
	a.Bucket = aging.Bucket(bucketStr)
	a.Channel = domain.Channel(channel)
	a.DebtorID = deref(debtor)
	a.Subject = deref(subject)
	a.ProviderMsgID = deref(msgID)
	return a, true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *Store) IsSuppressed(ctx context.Context, ownerID, recipient string) (bool, error) {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM suppression_list WHERE owner_id=$1 AND recipient=$2`, ownerID, recipient).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) IncrementDailyCap(ctx context.Context, ownerID, recipient string, day time.Time, maxPerDay int) (allowed bool, newCount int, err error) {
	d := day.UTC().Truncate(24 * time.Hour)
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		INSERT INTO send_caps_daily (owner_id, recipient, day, count, updated_at)
		VALUES ($1,$2,$3,1,now())
		ON CONFLICT (owner_id, recipient, day)
		DO UPDATE SET count = send_caps_daily.count + 1, updated_at=now()
		RETURNING count
	`, ownerID, recipient, d)
	if err := row.Scan(&newCount); err != nil {
		return false, 0, err
	}

	if newCount > maxPerDay {
		if _, err := tx.Exec(ctx, `
			UPDATE send_caps_daily SET count = count - 1, updated_at=now()
			WHERE owner_id=$1 AND recipient=$2 AND day=$3
		`, ownerID, recipient, d); err != nil {
			return false, 0, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, 0, err
		}
		return false, newCount - 1, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, err
	}
	return true, newCount, nil
}

// --- runs ---

func (s *Store) SaveRun(ctx context.Context, rec store.RunRecord) error {
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return err
	}
	runErrs := rec.Errors
	if runErrs == nil {
		runErrs = []store.RunError{}
	}
	errs, err := json.Marshal(runErrs)
	if err != nil {
		return err
	}
	status := rec.Status
	if status == "" {
		status = store.RunCompleted
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO collection_runs (id, trigger, as_of, started_at, finished_at, processed, sent, skipped, failed, outcomes, errors, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status, trigger=EXCLUDED.trigger, as_of=EXCLUDED.as_of, started_at=EXCLUDED.started_at,
			finished_at=EXCLUDED.finished_at, processed=EXCLUDED.processed, sent=EXCLUDED.sent,
			skipped=EXCLUDED.skipped, failed=EXCLUDED.failed, outcomes=EXCLUDED.outcomes, errors=EXCLUDED.errors
	`, rec.ID, rec.Trigger, rec.AsOf, rec.StartedAt, rec.FinishedAt, rec.Processed, rec.Sent, rec.Skipped, rec.Failed, outcomes, errs, status)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (store.RunRecord, bool, error) {
	var (
		rec            store.RunRecord
		outcomes, errs []byte
	)
	err := s.DB.QueryRow(ctx, `
		SELECT id, status, trigger, as_of, started_at, finished_at, processed, sent, skipped, failed, outcomes, errors
		FROM collection_runs WHERE id=$1
	`, id).Scan(&rec.ID, &rec.Status, &rec.Trigger, &rec.AsOf, &rec.StartedAt, &rec.FinishedAt,
		&rec.Processed, &rec.Sent, &rec.Skipped, &rec.Failed, &outcomes, &errs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunRecord{}, false, nil
		}
		return store.RunRecord{}, false, err
	}
	if err := json.Unmarshal(outcomes, &rec.Outcomes); err != nil {
		return store.RunRecord{}, false, fmt.Errorf("run %s outcomes: %w", id, err)
	}
	if err := json.Unmarshal(errs, &rec.Errors); err != nil {
		return store.RunRecord{}, false, fmt.Errorf("run %s errors: %w", id, err)
	}
	return rec, true, nil
}

// --- delivery callbacks ---

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	b, err := json.Marshal(in.Payload)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO delivery_events (provider, provider_msg_id, vendor_status, error_code, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.Provider, in.ProviderMsgID, in.VendorStatus, nullIfEmpty(in.ErrorCode), b, in.OccurredAt)
	return err
}

func (s *Store) UpdateActivityDeliveryStatus(ctx context.Context, in store.DeliveryStatusUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE collection_activities
		SET delivery_status=$3, last_error=$4, updated_at=$5
		WHERE provider=$1 AND provider_msg_id=$2
	`, in.Provider, in.ProviderMsgID, in.Status, nullIfEmpty(in.LastError), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
