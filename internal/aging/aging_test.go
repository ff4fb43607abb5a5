package aging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestForDaysBoundaries(t *testing.T) {
	cases := []struct {
		days int
		want Bucket
	}{
		{-5, Current},
		{0, Current},
		{1, DPD1To30},
		{30, DPD1To30},
		{31, DPD31To60},
		{60, DPD31To60},
		{61, DPD61To90},
		{90, DPD61To90},
		{91, DPD91To120},
		{120, DPD91To120},
		{121, DPD121To150},
		{150, DPD121To150},
		{151, DPD150Plus},
		{10000, DPD150Plus},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ForDays(tc.days), "days=%d", tc.days)
	}
}

func TestForDaysPartitionsNonNegativeDays(t *testing.T) {
	// Every day maps to exactly one bucket and buckets only ever move forward.
	prev := ForDays(0)
	require.Equal(t, Current, prev)
	seen := map[Bucket]bool{prev: true}
	for d := 1; d <= 400; d++ {
		b := ForDays(d)
		require.True(t, b.Valid())
		require.GreaterOrEqual(t, b.Severity(), prev.Severity(), "day %d went backwards", d)
		require.LessOrEqual(t, b.Severity()-prev.Severity(), 1, "day %d skipped a bucket", d)
		seen[b] = true
		prev = b
	}
	require.Len(t, seen, len(Buckets()))
}

func TestClassifyScenarios(t *testing.T) {
	due := date(2024, 1, 1)
	require.Equal(t, Current, Classify(due, date(2023, 12, 20)))
	require.Equal(t, Current, Classify(due, due))
	require.Equal(t, DPD1To30, Classify(due, date(2024, 1, 15)))
	require.Equal(t, 14, DaysPastDue(due, date(2024, 1, 15)))
	require.Equal(t, DPD31To60, Classify(due, date(2024, 2, 1)))
	require.Equal(t, 31, DaysPastDue(due, date(2024, 2, 1)))
}

func TestClassifyIgnoresTimeOfDay(t *testing.T) {
	due := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	today := time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC)
	require.Equal(t, 1, DaysPastDue(due, today))
	require.Equal(t, DPD1To30, Classify(due, today))
}

func TestDateOfUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*60*60)
	instant := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)
	require.Equal(t, date(2024, 3, 9), DateOf(instant, loc))
	require.Equal(t, date(2024, 3, 10), DateOf(instant, nil))
}

func TestParseBucket(t *testing.T) {
	b, err := ParseBucket("dpd_61_90")
	require.NoError(t, err)
	require.Equal(t, DPD61To90, b)
	require.True(t, b.PastDue())
	require.False(t, Current.PastDue())

	_, err = ParseBucket("dpd_0")
	require.Error(t, err)
}
