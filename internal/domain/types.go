package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceOpen          InvoiceStatus = "Open"
	InvoicePartiallyPaid InvoiceStatus = "PartiallyPaid"
	InvoicePaymentPlan   InvoiceStatus = "InPaymentPlan"
	InvoiceDisputed      InvoiceStatus = "Disputed"
	InvoicePaid          InvoiceStatus = "Paid"
	InvoiceCanceled      InvoiceStatus = "Canceled"
	InvoiceVoided        InvoiceStatus = "Voided"
	InvoiceSettled       InvoiceStatus = "Settled"
	InvoiceWrittenOff    InvoiceStatus = "WrittenOff"
)

// Open invoices are eligible for outreach.
func (s InvoiceStatus) Open() bool {
	return s == InvoiceOpen || s == InvoicePartiallyPaid
}

// Closed invoices never receive outreach again; their state is deactivated.
func (s InvoiceStatus) Closed() bool {
	switch s {
	case InvoicePaid, InvoiceCanceled, InvoiceVoided, InvoiceSettled, InvoiceWrittenOff:
		return true
	}
	return false
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool { return c == ChannelEmail || c == ChannelSMS }

// Invoice is the slice of the receivable the collections engine reads.
type Invoice struct {
	ID                string
	OwnerID           string
	DebtorID          string
	InvoiceNumber     string
	CustomerName      string
	CustomerEmail     string
	CustomerPhone     string
	Currency          string
	Amount            decimal.Decimal
	AmountOutstanding decimal.Decimal
	DueDate           *time.Time
	Status            InvoiceStatus
}

// Recipient picks the contact address for a channel.
func (i Invoice) Recipient(ch Channel) string {
	if ch == ChannelSMS {
		return i.CustomerPhone
	}
	return i.CustomerEmail
}

// Balance is what outreach asks for: outstanding when known, otherwise the full amount.
func (i Invoice) Balance() decimal.Decimal {
	if i.AmountOutstanding.IsPositive() {
		return i.AmountOutstanding
	}
	return i.Amount
}

var (
	ErrNotFound        = errors.New("not found")
	ErrMissingDueDate  = errors.New("invoice has no due date")
	ErrNoWorkflow      = errors.New("no workflow configured for bucket")
	ErrStateConflict   = errors.New("outreach state changed concurrently")
	ErrStepAlreadySent = errors.New("workflow step already sent")
)

type PauseRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type RunRequest struct {
	AsOf string `json:"asOf,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type RunAccepted struct {
	TaskID string `json:"taskId"`
	Queue  string `json:"queue"`
}
