package workflow

import (
	"fmt"
	"sort"

	"collections/internal/aging"
	"collections/internal/domain"
)

// Step is one configured outreach step of a bucket's workflow.
type Step struct {
	Bucket          aging.Bucket
	StepOrder       int
	DayOffset       int
	Channel         domain.Channel
	SubjectTemplate string
	BodyTemplate    string
	AIPrompt        string
	UseAI           bool
}

// Due reports whether the step may fire after daysInBucket days in its bucket.
func (s Step) Due(daysInBucket int) bool {
	return daysInBucket >= s.DayOffset
}

// DefaultSteps is the cadence used when nothing is configured: day 0, 7 and 14 by email.
func DefaultSteps(bucket aging.Bucket) []Step {
	offsets := []int{0, 7, 14}
	out := make([]Step, 0, len(offsets))
	for i, off := range offsets {
		out = append(out, Step{
			Bucket:          bucket,
			StepOrder:       i + 1,
			DayOffset:       off,
			Channel:         domain.ChannelEmail,
			SubjectTemplate: "Invoice {{invoice_number}} is {{days_past_due}} days past due",
			BodyTemplate:    "Hi {{customer_name}},\n\nInvoice {{invoice_number}} for {{amount}} was due on {{due_date}} and is now {{days_past_due}} days past due. Please arrange payment at your earliest convenience.\n\nThank you,\n{{persona_name}}",
		})
	}
	return out
}

// Validate checks a step list for a single bucket.
func Validate(steps []Step) error {
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.StepOrder <= 0 {
			return fmt.Errorf("workflow: step order must be positive, got %d", s.StepOrder)
		}
		if s.DayOffset < 0 {
			return fmt.Errorf("workflow: step %d has negative day offset", s.StepOrder)
		}
		if !s.Channel.Valid() {
			return fmt.Errorf("workflow: step %d has unknown channel %q", s.StepOrder, s.Channel)
		}
		if seen[s.StepOrder] {
			return fmt.Errorf("workflow: duplicate step order %d", s.StepOrder)
		}
		seen[s.StepOrder] = true
	}
	return nil
}

// ResolveStep picks the step to send now: the lowest step_order among steps that are
// due and not yet sent. It never skips ahead, so after a gap only the earliest
// outstanding step is returned and the rest catch up on later runs.
// Returns nil when nothing is due, everything due was sent, or steps is empty.
func ResolveStep(bucket aging.Bucket, daysInBucket int, steps []Step, alreadySent map[int]bool) *Step {
	if len(steps) == 0 {
		return nil
	}
	ordered := make([]Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StepOrder < ordered[j].StepOrder })

	for _, s := range ordered {
		if s.Bucket != "" && s.Bucket != bucket {
			continue
		}
		if !s.Due(daysInBucket) || alreadySent[s.StepOrder] {
			continue
		}
		out := s
		return &out
	}
	return nil
}
