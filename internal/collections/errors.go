package collections

import (
	"errors"
	"fmt"

	"collections/internal/content"
	"collections/internal/dispatch"
	"collections/internal/domain"
)

// ErrorKind groups per-invoice failures in the run report.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindTransient     ErrorKind = "transient"
	KindConflict      ErrorKind = "conflict"
	KindDataIntegrity ErrorKind = "data_integrity"
)

// InvoiceError is one invoice that failed during a run. The batch continues past it.
type InvoiceError struct {
	InvoiceID string
	Kind      ErrorKind
	Err       error
}

func (e *InvoiceError) Error() string {
	return fmt.Sprintf("invoice %s: %s: %v", e.InvoiceID, e.Kind, e.Err)
}

func (e *InvoiceError) Unwrap() error { return e.Err }

var ErrInvalidWorkflow = errors.New("invalid workflow configuration")

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, domain.ErrMissingDueDate),
		errors.Is(err, dispatch.ErrInvalidRecipient):
		return KindDataIntegrity
	case errors.Is(err, domain.ErrNoWorkflow),
		errors.Is(err, ErrInvalidWorkflow),
		errors.Is(err, content.ErrEmptyTemplate),
		errors.Is(err, dispatch.ErrChannelNotConfigured),
		errors.Is(err, dispatch.ErrUnknownChannel):
		return KindConfiguration
	case errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, domain.ErrStepAlreadySent):
		return KindConflict
	}
	return KindTransient
}
