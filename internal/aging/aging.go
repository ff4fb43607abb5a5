package aging

import (
	"fmt"
	"time"
)

// Bucket is an aging bucket for a receivable, keyed by days past due.
type Bucket string

const (
	Current     Bucket = "current"
	DPD1To30    Bucket = "dpd_1_30"
	DPD31To60   Bucket = "dpd_31_60"
	DPD61To90   Bucket = "dpd_61_90"
	DPD91To120  Bucket = "dpd_91_120"
	DPD121To150 Bucket = "dpd_121_150"
	DPD150Plus  Bucket = "dpd_150_plus"
)

const day = 24 * time.Hour

// bounds holds the inclusive lower bound (days past due) of every bucket, in order.
var bounds = []struct {
	from   int
	bucket Bucket
}{
	{0, Current},
	{1, DPD1To30},
	{31, DPD31To60},
	{61, DPD61To90},
	{91, DPD91To120},
	{121, DPD121To150},
	{151, DPD150Plus},
}

// Buckets returns every bucket ordered from least to most severe.
func Buckets() []Bucket {
	out := make([]Bucket, 0, len(bounds))
	for _, b := range bounds {
		out = append(out, b.bucket)
	}
	return out
}

// DateOf returns the civil date of t in loc as a UTC midnight instant.
// A nil loc means UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from a to b (negative when b is before a).
func DaysBetween(a, b time.Time) int {
	a = DateOf(a, time.UTC)
	b = DateOf(b, time.UTC)
	return int(b.Sub(a) / day)
}

// DaysPastDue is max(0, calendar days from dueDate to today).
func DaysPastDue(dueDate, today time.Time) int {
	days := DaysBetween(dueDate, today)
	if days < 0 {
		return 0
	}
	return days
}

// ForDays maps a days-past-due count to its bucket. Lower bounds are inclusive:
// day 31 is dpd_31_60 and day 151 is dpd_150_plus.
func ForDays(daysPastDue int) Bucket {
	if daysPastDue < 0 {
		daysPastDue = 0
	}
	out := Current
	for _, b := range bounds {
		if daysPastDue >= b.from {
			out = b.bucket
		}
	}
	return out
}

// Classify returns the bucket an invoice due on dueDate sits in on today.
func Classify(dueDate, today time.Time) Bucket {
	return ForDays(DaysPastDue(dueDate, today))
}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	return b.Severity() >= 0
}

// Severity is the bucket's position in Buckets(), or -1 when unknown.
func (b Bucket) Severity() int {
	for i, x := range bounds {
		if x.bucket == b {
			return i
		}
	}
	return -1
}

// PastDue reports whether the bucket represents an overdue invoice.
func (b Bucket) PastDue() bool {
	return b.Valid() && b != Current
}

func (b Bucket) String() string { return string(b) }

// ParseBucket validates a stored or user supplied bucket name.
func ParseBucket(s string) (Bucket, error) {
	b := Bucket(s)
	if !b.Valid() {
		return "", fmt.Errorf("aging: unknown bucket %q", s)
	}
	return b, nil
}
