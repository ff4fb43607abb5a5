// Package dispatch delivers outreach messages through the email and SMS providers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"collections/internal/domain"
	"collections/internal/observability"
	"collections/internal/providers/resend"
	"collections/internal/providers/twilio"
	"collections/internal/util"
)

var (
	ErrInvalidRecipient     = errors.New("dispatch: invalid recipient")
	ErrChannelNotConfigured = errors.New("dispatch: channel not configured")
	ErrUnknownChannel       = errors.New("dispatch: unknown channel")
)

type EmailSender interface {
	SendEmail(ctx context.Context, req resend.SendRequest) (resend.SendResponse, int, []byte, error)
}

type SMSSender interface {
	SendSMS(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, []byte, error)
}

// Guard throttles and trips calls to one provider.
type Guard struct {
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
}

// NewGuard builds the limiter and breaker for a provider. rps <= 0 disables the limiter.
func NewGuard(name string, rps float64, burst int) *Guard {
	g := &Guard{
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
	}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return g
}

type Result struct {
	Provider          string
	ProviderMessageID string
	HTTPStatus        int
}

// SendError is a provider failure after retries were exhausted or ruled out.
type SendError struct {
	Provider   string
	HTTPStatus int
	Retryable  bool
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("dispatch: %s send failed (status %d): %v", e.Provider, e.HTTPStatus, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type Dispatcher struct {
	Email EmailSender
	SMS   SMSSender

	EmailGuard *Guard
	SMSGuard   *Guard

	// MaxAttempts bounds in-call retries for transient provider answers.
	MaxAttempts int
	CallTimeout time.Duration
	// StatusCallbackURL is passed to Twilio for delivery receipts.
	StatusCallbackURL string

	sleep func(ctx context.Context, d time.Duration) error
}

// Send delivers one message. Recipient validation is channel specific: email must
// parse as an address and SMS needs a dialable number and a configured sender.
func (d *Dispatcher) Send(ctx context.Context, ch domain.Channel, recipient, subject, body string) (Result, error) {
	switch ch {
	case domain.ChannelEmail:
		if d.Email == nil {
			return Result{}, fmt.Errorf("%w: email", ErrChannelNotConfigured)
		}
		addr, err := mail.ParseAddress(strings.TrimSpace(recipient))
		if err != nil {
			return Result{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
		}
		return d.send(ctx, "resend", d.EmailGuard, func(ctx context.Context) (string, int, error) {
			resp, status, _, err := d.Email.SendEmail(ctx, resend.SendRequest{To: addr.Address, Subject: subject, Text: body})
			return resp.ID, status, err
		})

	case domain.ChannelSMS:
		if d.SMS == nil {
			return Result{}, fmt.Errorf("%w: sms", ErrChannelNotConfigured)
		}
		to := util.NormalizePhone(recipient)
		if to == "" {
			return Result{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
		}
		return d.send(ctx, "twilio", d.SMSGuard, func(ctx context.Context) (string, int, error) {
			resp, status, _, err := d.SMS.SendSMS(ctx, twilio.SendRequest{To: to, Body: body, StatusCallbackURL: d.StatusCallbackURL})
			return resp.Sid, status, err
		})
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
}

type callResult struct {
	id     string
	status int
}

type callError struct {
	err    error
	status int
}

func (e callError) Error() string { return e.err.Error() }
func (e callError) Unwrap() error { return e.err }

func (d *Dispatcher) send(ctx context.Context, provider string, g *Guard, call func(context.Context) (string, int, error)) (Result, error) {
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	timeout := d.CallTimeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	sleep := d.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt < attempts; attempt++ {
		if g != nil && g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				observability.DispatchSend.WithLabelValues(provider, "rate_limited_local", "0").Inc()
				return Result{}, &SendError{Provider: provider, Retryable: true, Err: err}
			}
		}

		start := time.Now()
		res, err := execute(ctx, g, timeout, call)
		observability.DispatchLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.DispatchSend.WithLabelValues(provider, "cb_open", "0").Inc()
			return Result{}, &SendError{Provider: provider, Retryable: true, Err: err}
		}
		if err == nil {
			observability.DispatchSend.WithLabelValues(provider, "ok", strconv.Itoa(res.status)).Inc()
			return Result{Provider: provider, ProviderMessageID: res.id, HTTPStatus: res.status}, nil
		}

		lastErr, lastStatus = err, 0
		var ce callError
		if errors.As(err, &ce) {
			lastStatus = ce.status
		}
		observability.DispatchSend.WithLabelValues(provider, "error", strconv.Itoa(lastStatus)).Inc()

		if !shouldRetry(err, lastStatus) {
			return Result{}, &SendError{Provider: provider, HTTPStatus: lastStatus, Err: err}
		}
		if attempt+1 < attempts {
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return Result{}, &SendError{Provider: provider, HTTPStatus: lastStatus, Retryable: true, Err: err}
			}
		}
	}
	return Result{}, &SendError{Provider: provider, HTTPStatus: lastStatus, Retryable: true, Err: lastErr}
}

func execute(ctx context.Context, g *Guard, timeout time.Duration, call func(context.Context) (string, int, error)) (callResult, error) {
	fn := func() (callResult, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		id, status, err := call(reqCtx)
		if err != nil {
			return callResult{}, callError{err: err, status: status}
		}
		return callResult{id: id, status: status}, nil
	}
	if g == nil || g.Breaker == nil {
		return fn()
	}
	out, err := g.Breaker.Execute(func() (any, error) { return fn() })
	if err != nil {
		return callResult{}, err
	}
	return out.(callResult), nil
}

// shouldRetry reports whether a failed call is worth repeating within this run.
func shouldRetry(err error, httpStatus int) bool {
	if httpStatus == 0 && err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	}
	return httpStatus == 429 || httpStatus == 408 || (httpStatus >= 500 && httpStatus <= 599)
}

// backoff is 200ms, 600ms, then 1400ms for every later attempt.
func backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
