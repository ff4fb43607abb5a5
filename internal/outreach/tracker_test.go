package outreach_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collections/internal/aging"
	"collections/internal/domain"
	"collections/internal/outreach"
	"collections/internal/store/memstore"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func invoiceDue(id string, due time.Time) domain.Invoice {
	return domain.Invoice{ID: id, OwnerID: "owner-1", DueDate: &due, Status: domain.InvoiceOpen}
}

func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	tr := outreach.NewTracker(ms, time.Minute)

	inv := invoiceDue("inv-1", day(2024, 1, 1))
	st, err := tr.GetOrCreate(ctx, inv, day(2024, 1, 15))
	require.NoError(t, err)
	require.Equal(t, aging.DPD1To30, st.CurrentBucket)
	require.Equal(t, day(2024, 1, 15), st.BucketEnteredAt)
	require.True(t, st.IsActive)

	again, err := tr.GetOrCreate(ctx, inv, day(2024, 1, 20))
	require.NoError(t, err)
	require.Equal(t, st.BucketEnteredAt, again.BucketEnteredAt)
	require.Equal(t, st.Version, again.Version)
}

func TestGetOrCreateMissingDueDate(t *testing.T) {
	tr := outreach.NewTracker(memstore.New(), time.Minute)
	_, err := tr.GetOrCreate(context.Background(), domain.Invoice{ID: "x"}, day(2024, 1, 1))
	require.ErrorIs(t, err, domain.ErrMissingDueDate)
}

func TestTransitionPersistsAndResets(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	tr := outreach.NewTracker(ms, time.Minute)

	st, err := tr.GetOrCreate(ctx, invoiceDue("inv-1", day(2024, 1, 1)), day(2024, 1, 15))
	require.NoError(t, err)
	require.NoError(t, tr.RecordStepSent(ctx, &st, 1, day(2024, 1, 15)))

	st, changed, err := tr.Transition(ctx, st, aging.DPD31To60, day(2024, 2, 1))
	require.NoError(t, err)
	require.True(t, changed)

	stored, _, err := ms.GetState(ctx, "inv-1")
	require.NoError(t, err)
	require.Equal(t, aging.DPD31To60, stored.CurrentBucket)
	require.Equal(t, day(2024, 2, 1), stored.BucketEnteredAt)
	require.Empty(t, stored.StepSentAt)
	require.Equal(t, stored.Version, st.Version)

	_, changed, err = tr.Transition(ctx, st, aging.DPD31To60, day(2024, 2, 1))
	require.NoError(t, err)
	require.False(t, changed)
}

func TestTransitionRetriesAfterConflict(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	tr := outreach.NewTracker(ms, time.Minute)

	st, err := tr.GetOrCreate(ctx, invoiceDue("inv-1", day(2024, 1, 1)), day(2024, 1, 15))
	require.NoError(t, err)

	// Another writer bumps the version behind our back.
	other := st
	require.NoError(t, tr.RecordStepSent(ctx, &other, 1, day(2024, 1, 15)))

	next, changed, err := tr.Transition(ctx, st, aging.DPD31To60, day(2024, 2, 1))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, aging.DPD31To60, next.CurrentBucket)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	tr := outreach.NewTracker(ms, time.Hour)
	st, err := tr.GetOrCreate(ctx, invoiceDue("inv-1", day(2024, 1, 1)), day(2024, 1, 15))
	require.NoError(t, err)

	now := day(2024, 1, 15).Add(9 * time.Hour)
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tr.Claim(ctx, st, 1, now)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestStaleClaimCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	tr := outreach.NewTracker(ms, 10*time.Minute)
	st, err := tr.GetOrCreate(ctx, invoiceDue("inv-1", day(2024, 1, 1)), day(2024, 1, 15))
	require.NoError(t, err)

	t0 := day(2024, 1, 15).Add(9 * time.Hour)
	ok, err := tr.Claim(ctx, st, 1, t0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.Claim(ctx, st, 1, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = tr.Claim(ctx, st, 1, t0.Add(11*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	tr := outreach.NewTracker(ms, time.Hour)
	st, err := tr.GetOrCreate(ctx, invoiceDue("inv-1", day(2024, 1, 1)), day(2024, 1, 15))
	require.NoError(t, err)

	now := day(2024, 1, 15)
	ok, _ := tr.Claim(ctx, st, 1, now)
	require.True(t, ok)
	require.NoError(t, tr.Release(ctx, st, 1))
	ok, _ = tr.Claim(ctx, st, 1, now)
	require.True(t, ok)
}

func TestRecordStepSentConflict(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	tr := outreach.NewTracker(ms, time.Hour)
	st, err := tr.GetOrCreate(ctx, invoiceDue("inv-1", day(2024, 1, 1)), day(2024, 1, 15))
	require.NoError(t, err)

	first := st.Clone()
	second := st.Clone()
	require.NoError(t, tr.RecordStepSent(ctx, &first, 1, day(2024, 1, 15)))
	require.ErrorIs(t, tr.RecordStepSent(ctx, &second, 1, day(2024, 1, 15)), domain.ErrStepAlreadySent)
	require.Contains(t, second.StepSentAt, 1)

	// A write against an old occupancy is a conflict, not a duplicate.
	stale := st.Clone()
	_, _, err = tr.Transition(ctx, first, aging.DPD31To60, day(2024, 2, 1))
	require.NoError(t, err)
	require.ErrorIs(t, tr.RecordStepSent(ctx, &stale, 2, day(2024, 2, 1)), domain.ErrStateConflict)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	tr := outreach.NewTracker(ms, time.Hour)

	require.ErrorIs(t, tr.Pause(ctx, "missing", "x", day(2024, 1, 1)), domain.ErrNotFound)

	st, err := tr.GetOrCreate(ctx, invoiceDue("inv-1", day(2024, 1, 1)), day(2024, 1, 15))
	require.NoError(t, err)
	require.NoError(t, tr.RecordStepSent(ctx, &st, 1, day(2024, 1, 15)))

	require.NoError(t, tr.Pause(ctx, "inv-1", "disputed by phone", day(2024, 1, 16)))
	stored, _, _ := ms.GetState(ctx, "inv-1")
	require.False(t, stored.IsActive)
	require.Contains(t, stored.StepSentAt, 1)

	ok, err := tr.Claim(ctx, stored, 2, day(2024, 1, 22))
	require.NoError(t, err)
	require.False(t, ok, "paused state must not be claimable")

	require.NoError(t, tr.Resume(ctx, "inv-1", day(2024, 1, 17)))
	stored, _, _ = ms.GetState(ctx, "inv-1")
	require.True(t, stored.IsActive)
}

func TestGetOrCreatePropagatesStoreError(t *testing.T) {
	ms := memstore.New()
	boom := errors.New("connection reset")
	ms.FailNextGetState(boom)
	tr := outreach.NewTracker(ms, time.Hour)
	_, err := tr.GetOrCreate(context.Background(), invoiceDue("inv-1", day(2024, 1, 1)), day(2024, 1, 15))
	require.ErrorIs(t, err, boom)
}
