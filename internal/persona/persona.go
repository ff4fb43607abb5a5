package persona

import "collections/internal/aging"

// Persona is the voice outreach is written in for a given aging bucket.
type Persona struct {
	Name   string
	Bucket aging.Bucket
	Tone   string
}

var (
	sam = Persona{
		Name:   "Sam",
		Bucket: aging.DPD1To30,
		Tone:   "Friendly and warm. Assume the invoice slipped through the cracks and offer help paying it.",
	}
	james = Persona{
		Name:   "James",
		Bucket: aging.DPD31To60,
		Tone:   "Professional and direct. Note the invoice is now over a month late and ask for a payment date.",
	}
	katy = Persona{
		Name:   "Katy",
		Bucket: aging.DPD61To90,
		Tone:   "Assertive and serious. Stress that the balance is significantly overdue and needs attention this week.",
	}
	troy = Persona{
		Name:   "Troy",
		Bucket: aging.DPD91To120,
		Tone:   "Firm and businesslike. State that the account is at risk and that a payment plan or full payment is required.",
	}
	jimmy = Persona{
		Name:   "Jimmy",
		Bucket: aging.DPD121To150,
		Tone:   "Urgent and uncompromising. Explain this is one of the last notices before escalation.",
	}
	rocco = Persona{
		Name:   "Rocco",
		Bucket: aging.DPD150Plus,
		Tone:   "Final notice. Calm, formal and unambiguous that the account will be escalated to collections if unpaid.",
	}
)

var byBucket = map[aging.Bucket]Persona{
	sam.Bucket:   sam,
	james.Bucket: james,
	katy.Bucket:  katy,
	troy.Bucket:  troy,
	jimmy.Bucket: jimmy,
	rocco.Bucket: rocco,
}

// Select returns the persona for bucket. Current invoices get nil; unknown buckets
// fall back to the most severe persona.
func Select(bucket aging.Bucket) *Persona {
	if bucket == aging.Current {
		return nil
	}
	p, ok := byBucket[bucket]
	if !ok {
		p = rocco
	}
	return &p
}

// ForDaysPastDue selects by raw days past due.
func ForDaysPastDue(days int) *Persona {
	return Select(aging.ForDays(days))
}

// All returns the personas ordered by bucket severity.
func All() []Persona {
	out := make([]Persona, 0, len(byBucket))
	for _, b := range aging.Buckets() {
		if p, ok := byBucket[b]; ok {
			out = append(out, p)
		}
	}
	return out
}
