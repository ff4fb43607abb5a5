// Package content turns a workflow step plus invoice context into the subject and
// body of an outreach message.
package content

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"collections/internal/domain"
)

// Context is what a message may talk about.
type Context struct {
	CustomerName  string
	InvoiceNumber string
	Amount        decimal.Decimal
	Currency      string
	DueDate       time.Time
	DaysPastDue   int
	PersonaName   string
	PersonaTone   string
}

// Vars exposes the context as template placeholders.
func (c Context) Vars() map[string]string {
	due := ""
	if !c.DueDate.IsZero() {
		due = c.DueDate.Format("2006-01-02")
	}
	return map[string]string{
		"customer_name":  c.CustomerName,
		"invoice_number": c.InvoiceNumber,
		"amount":         FormatAmount(c.Amount, c.Currency),
		"due_date":       due,
		"days_past_due":  strconv.Itoa(c.DaysPastDue),
		"persona_name":   c.PersonaName,
		"persona_tone":   c.PersonaTone,
	}
}

// FormatAmount renders money with two decimals and an ISO currency prefix.
func FormatAmount(amount decimal.Decimal, currency string) string {
	s := amount.StringFixed(2)
	if currency == "" {
		return s
	}
	return currency + " " + s
}

type Request struct {
	SubjectTemplate string
	BodyTemplate    string
	Prompt          string
	UseAI           bool
	Channel         domain.Channel
	Context         Context
}

type Content struct {
	Subject string
	Body    string
}

// Generator produces message text. Errors are treated as transient by callers.
type Generator interface {
	Generate(ctx context.Context, req Request) (Content, error)
}

var (
	ErrEmptyContent = errors.New("content: generated body is empty")
	// ErrEmptyTemplate is an empty body from the step's own templates, which no
	// retry will fix.
	ErrEmptyTemplate = fmt.Errorf("%w: body template renders empty", ErrEmptyContent)
)
