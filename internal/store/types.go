package store

import (
	"time"

	"collections/internal/aging"
	"collections/internal/domain"
)

// Activity is one dispatched outreach message.
type Activity struct {
	ID             string
	InvoiceID      string
	OwnerID        string
	DebtorID       string
	Bucket         aging.Bucket
	StepOrder      int
	Channel        domain.Channel
	Recipient      string
	Subject        string
	Body           string
	Persona        string
	Provider       string
	ProviderMsgID  string
	DeliveryStatus string
	SentAt         time.Time
}

type RunError struct {
	InvoiceID string `json:"invoiceId"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

const (
	RunCompleted = "completed"
	// RunSkipped marks a run that found another run holding the run lock.
	RunSkipped = "skipped"
)

// RunRecord is the persisted summary of one batch run.
type RunRecord struct {
	ID         string
	Status     string
	Trigger    string
	AsOf       time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Sent       int
	Skipped    int
	Failed     int
	Outcomes   map[string]int
	Errors     []RunError
}

type DeliveryEvent struct {
	Provider      string
	ProviderMsgID string
	VendorStatus  string
	ErrorCode     string
	Payload       any
	OccurredAt    *time.Time
}

type DeliveryStatusUpdate struct {
	Provider      string
	ProviderMsgID string
	Status        string
	LastError     string
	Now           time.Time
}
