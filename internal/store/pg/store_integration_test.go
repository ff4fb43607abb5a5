//go:build integration

package pg_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"collections/internal/aging"
	"collections/internal/collections"
	"collections/internal/content"
	"collections/internal/dispatch"
	"collections/internal/domain"
	"collections/internal/outreach"
	"collections/internal/store"
	"collections/internal/store/pg"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestStateLifecycle(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	seedInvoice(t, db, "inv-1", "owner-1", "2024-01-01", "Open")
	tr := outreach.NewTracker(s, 10*time.Minute)

	inv, found, err := s.GetInvoice(ctx, "inv-1")
	if err != nil || !found {
		t.Fatalf("get invoice: found=%v err=%v", found, err)
	}
	if inv.CustomerEmail != "ap@acme.test" || !inv.Amount.Equal(decimal.RequireFromString("1250.50")) {
		t.Fatalf("unexpected invoice: %+v", inv)
	}

	st, err := tr.GetOrCreate(ctx, inv, day(2024, 1, 15))
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if st.CurrentBucket != aging.DPD1To30 || st.Version != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}

	t0 := day(2024, 1, 15).Add(9 * time.Hour)
	ok, err := tr.Claim(ctx, st, 1, t0)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, _ = tr.Claim(ctx, st, 1, t0.Add(time.Minute))
	if ok {
		t.Fatalf("second claim must lose while the first is fresh")
	}
	ok, _ = tr.Claim(ctx, st, 1, t0.Add(11*time.Minute))
	if !ok {
		t.Fatalf("stale claim must be taken over")
	}

	if err := tr.RecordStepSent(ctx, &st, 1, t0); err != nil {
		t.Fatalf("record sent: %v", err)
	}
	dup := st.Clone()
	delete(dup.StepSentAt, 1)
	if err := tr.RecordStepSent(ctx, &dup, 1, t0); err != domain.ErrStepAlreadySent {
		t.Fatalf("expected ErrStepAlreadySent, got %v", err)
	}

	stored, _, err := s.GetState(ctx, "inv-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if _, sent := stored.StepSentAt[1]; !sent || len(stored.StepClaimedAt) != 0 {
		t.Fatalf("step maps not updated: %+v", stored)
	}

	next, changed, err := tr.Transition(ctx, stored, aging.DPD31To60, day(2024, 2, 1))
	if err != nil || !changed {
		t.Fatalf("transition: changed=%v err=%v", changed, err)
	}
	if len(next.StepSentAt) != 0 || !next.BucketEnteredAt.Equal(day(2024, 2, 1)) {
		t.Fatalf("transition did not reset: %+v", next)
	}

	if err := tr.Pause(ctx, "inv-1", "customer disputes amount", t0); err != nil {
		t.Fatalf("pause: %v", err)
	}
	ok, _ = tr.Claim(ctx, next, 1, day(2024, 2, 1))
	if ok {
		t.Fatalf("paused state must not be claimable")
	}
	if err := tr.Resume(ctx, "inv-1", t0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	stored, _, _ = s.GetState(ctx, "inv-1")
	if !stored.IsActive || stored.PausedReason != "" {
		t.Fatalf("resume did not clear pause: %+v", stored)
	}
}

func TestWorkflowOwnerOverridesDefault(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	seedWorkflow(t, db, "", aging.DPD1To30, 3)
	seedWorkflow(t, db, "owner-2", aging.DPD1To30, 1)

	steps, err := s.ListWorkflowSteps(ctx, "owner-1", aging.DPD1To30)
	if err != nil || len(steps) != 3 {
		t.Fatalf("default workflow: n=%d err=%v", len(steps), err)
	}
	steps, err = s.ListWorkflowSteps(ctx, "owner-2", aging.DPD1To30)
	if err != nil || len(steps) != 1 {
		t.Fatalf("owner workflow: n=%d err=%v", len(steps), err)
	}
	steps, err = s.ListWorkflowSteps(ctx, "owner-1", aging.DPD61To90)
	if err != nil || len(steps) != 0 {
		t.Fatalf("unconfigured bucket: n=%d err=%v", len(steps), err)
	}
}

func TestDailyCap(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	today := day(2024, 1, 15)
	for i := 1; i <= 2; i++ {
		allowed, n, err := s.IncrementDailyCap(ctx, "owner-1", "ap@acme.test", today, 2)
		if err != nil || !allowed || n != i {
			t.Fatalf("send %d: allowed=%v n=%d err=%v", i, allowed, n, err)
		}
	}
	allowed, n, err := s.IncrementDailyCap(ctx, "owner-1", "ap@acme.test", today, 2)
	if err != nil || allowed || n != 2 {
		t.Fatalf("over cap: allowed=%v n=%d err=%v", allowed, n, err)
	}
}

func TestRunRecordAndDeliveryStatus(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	rec := store.RunRecord{
		ID: "task-1", Trigger: "manual", AsOf: day(2024, 1, 15),
		StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(),
		Processed: 2, Sent: 1, Failed: 1,
		Outcomes: map[string]int{"sent": 1, "failed": 1},
		Errors:   []store.RunError{{InvoiceID: "inv-9", Kind: "data_integrity", Message: "invoice has no due date"}},
	}
	if err := s.SaveRun(ctx, rec); err != nil {
		t.Fatalf("save run: %v", err)
	}
	got, found, err := s.GetRun(ctx, "task-1")
	if err != nil || !found {
		t.Fatalf("get run: found=%v err=%v", found, err)
	}
	if got.Outcomes["sent"] != 1 || len(got.Errors) != 1 || got.Errors[0].Kind != "data_integrity" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Status != store.RunCompleted {
		t.Fatalf("expected status %q, got %q", store.RunCompleted, got.Status)
	}

	seedInvoice(t, db, "inv-1", "owner-1", "2024-01-01", "Open")
	err = s.InsertActivity(ctx, store.Activity{
		ID: "act_1", InvoiceID: "inv-1", OwnerID: "owner-1", Bucket: aging.DPD1To30, StepOrder: 1,
		Channel: domain.ChannelSMS, Recipient: "+15551234567", Body: "hi", Persona: "Sam",
		Provider: "twilio", ProviderMsgID: "SM123", SentAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert activity: %v", err)
	}
	act, found, err := s.FindStepActivity(ctx, "inv-1", aging.DPD1To30, 1, day(2024, 1, 1))
	if err != nil || !found || act.ProviderMsgID != "SM123" {
		t.Fatalf("find step activity: found=%v err=%v act=%+v", found, err, act)
	}
	if _, found, _ := s.FindStepActivity(ctx, "inv-1", aging.DPD1To30, 2, day(2024, 1, 1)); found {
		t.Fatalf("step 2 has no activity")
	}
	updated, err := s.UpdateActivityDeliveryStatus(ctx, store.DeliveryStatusUpdate{
		Provider: "twilio", ProviderMsgID: "SM123", Status: "delivered", Now: time.Now().UTC(),
	})
	if err != nil || !updated {
		t.Fatalf("update delivery: updated=%v err=%v", updated, err)
	}
	if err := s.InsertDeliveryEvent(ctx, store.DeliveryEvent{
		Provider: "twilio", ProviderMsgID: "SM123", VendorStatus: "delivered", Payload: map[string]string{"MessageStatus": "delivered"},
	}); err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

type countingSender struct{ n atomic.Int32 }

func (c *countingSender) Send(ctx context.Context, ch domain.Channel, recipient, subject, body string) (dispatch.Result, error) {
	c.n.Add(1)
	return dispatch.Result{Provider: "fake", ProviderMessageID: fmt.Sprintf("m-%d", c.n.Load())}, nil
}

func TestConcurrentRunsSendEachStepOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	for i := 0; i < 5; i++ {
		seedInvoice(t, db, fmt.Sprintf("inv-%d", i), "owner-1", "2024-01-01", "Open")
	}
	seedInvoice(t, db, "inv-paid", "owner-1", "2024-01-01", "Paid")

	sender := &countingSender{}
	today := day(2024, 1, 15)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := &collections.Runner{
				Store:              s,
				Tracker:            outreach.NewTracker(s, 15*time.Minute),
				Content:            content.NewRouter(nil),
				Sender:             sender,
				Concurrency:        4,
				UseDefaultWorkflow: true,
				Now:                func() time.Time { return today.Add(9 * time.Hour) },
			}
			if _, err := r.Run(ctx, collections.RunOptions{Trigger: "test", AsOf: today}); err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := sender.n.Load(); got != 5 {
		t.Fatalf("expected 5 sends, got %d", got)
	}
	var activities int
	if err := db.QueryRow(ctx, `SELECT count(*) FROM collection_activities`).Scan(&activities); err != nil {
		t.Fatalf("count activities: %v", err)
	}
	if activities != 5 {
		t.Fatalf("expected 5 activities, got %d", activities)
	}
}

func seedInvoice(t *testing.T, db *pgxpool.Pool, id, owner, due, status string) {
	t.Helper()
	ctx := context.Background()
	_, err := db.Exec(ctx, `
		INSERT INTO debtors (id, owner_id, name, email, phone)
		VALUES ($1, $2, 'Acme', 'ap@acme.test', '+15551234567')
		ON CONFLICT (id) DO NOTHING
	`, "debtor-"+owner, owner)
	if err != nil {
		t.Fatalf("insert debtor: %v", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO invoices (id, owner_id, debtor_id, invoice_number, currency, amount, due_date, status)
		VALUES ($1, $2, $3, $4, 'USD', 1250.50, $5::date, $6)
	`, id, owner, "debtor-"+owner, "INV-"+id, due, status)
	if err != nil {
		t.Fatalf("insert invoice: %v", err)
	}
}

func seedWorkflow(t *testing.T, db *pgxpool.Pool, owner string, bucket aging.Bucket, n int) {
	t.Helper()
	ctx := context.Background()
	var ownerArg any
	if owner != "" {
		ownerArg = owner
	}
	var id int64
	if err := db.QueryRow(ctx, `
		INSERT INTO collection_workflows (owner_id, bucket) VALUES ($1, $2) RETURNING id
	`, ownerArg, string(bucket)).Scan(&id); err != nil {
		t.Fatalf("insert workflow: %v", err)
	}
	for i := 1; i <= n; i++ {
		_, err := db.Exec(ctx, `
			INSERT INTO collection_workflow_steps (workflow_id, step_order, day_offset, channel, subject_template, body_template)
			VALUES ($1, $2, $3, 'email', 'Reminder', 'Please pay')
		`, id, i, (i-1)*7)
		if err != nil {
			t.Fatalf("insert step: %v", err)
		}
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}
	db, err := pg.NewPool(context.Background(), dbDSN, pg.PoolOptions{MaxConns: 8})
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	return db, func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
