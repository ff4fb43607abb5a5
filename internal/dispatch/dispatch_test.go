package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collections/internal/domain"
	"collections/internal/providers/resend"
	"collections/internal/providers/twilio"
)

type fakeEmail struct {
	calls    atomic.Int32
	statuses []int
	last     resend.SendRequest
}

func (f *fakeEmail) SendEmail(ctx context.Context, req resend.SendRequest) (resend.SendResponse, int, []byte, error) {
	n := int(f.calls.Add(1)) - 1
	f.last = req
	status := 200
	if n < len(f.statuses) {
		status = f.statuses[n]
	}
	if status >= 300 {
		return resend.SendResponse{}, status, nil, &resend.APIError{HTTPStatus: status, Message: "nope"}
	}
	return resend.SendResponse{ID: "em_1"}, status, nil, nil
}

type fakeSMS struct {
	last twilio.SendRequest
}

func (f *fakeSMS) SendSMS(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, []byte, error) {
	f.last = req
	return twilio.SendResponse{Sid: "SM1"}, 201, nil, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestSendEmail(t *testing.T) {
	fe := &fakeEmail{}
	d := &Dispatcher{Email: fe, EmailGuard: NewGuard("resend", 0, 0), sleep: noSleep}
	res, err := d.Send(context.Background(), domain.ChannelEmail, "Acme AP <ap@acme.test>", "subj", "body")
	require.NoError(t, err)
	require.Equal(t, Result{Provider: "resend", ProviderMessageID: "em_1", HTTPStatus: 200}, res)
	require.Equal(t, "ap@acme.test", fe.last.To)
}

func TestSendSMS(t *testing.T) {
	fs := &fakeSMS{}
	d := &Dispatcher{SMS: fs, StatusCallbackURL: "https://cb.test/status", sleep: noSleep}
	res, err := d.Send(context.Background(), domain.ChannelSMS, "+1 (415) 555-0100", "", "pay up")
	require.NoError(t, err)
	require.Equal(t, "SM1", res.ProviderMessageID)
	require.Equal(t, "+14155550100", fs.last.To)
	require.Equal(t, "https://cb.test/status", fs.last.StatusCallbackURL)
}

func TestSendValidation(t *testing.T) {
	d := &Dispatcher{Email: &fakeEmail{}, sleep: noSleep}
	ctx := context.Background()

	_, err := d.Send(ctx, domain.ChannelEmail, "not an address", "s", "b")
	require.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = d.Send(ctx, domain.ChannelSMS, "+14155550100", "", "b")
	require.ErrorIs(t, err, ErrChannelNotConfigured)

	_, err = d.Send(ctx, domain.Channel("fax"), "x", "", "b")
	require.ErrorIs(t, err, ErrUnknownChannel)

	d.SMS = &fakeSMS{}
	_, err = d.Send(ctx, domain.ChannelSMS, "", "", "b")
	require.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestSendRetriesTransient(t *testing.T) {
	fe := &fakeEmail{statuses: []int{503, 429}}
	d := &Dispatcher{Email: fe, sleep: noSleep}
	res, err := d.Send(context.Background(), domain.ChannelEmail, "ap@acme.test", "s", "b")
	require.NoError(t, err)
	require.Equal(t, "em_1", res.ProviderMessageID)
	require.EqualValues(t, 3, fe.calls.Load())
}

func TestSendStopsOnPermanentError(t *testing.T) {
	fe := &fakeEmail{statuses: []int{422}}
	d := &Dispatcher{Email: fe, sleep: noSleep}
	_, err := d.Send(context.Background(), domain.ChannelEmail, "ap@acme.test", "s", "b")
	var se *SendError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 422, se.HTTPStatus)
	require.False(t, se.Retryable)
	require.EqualValues(t, 1, fe.calls.Load())
}

func TestSendExhaustsRetries(t *testing.T) {
	fe := &fakeEmail{statuses: []int{500, 500, 500, 500}}
	d := &Dispatcher{Email: fe, MaxAttempts: 2, sleep: noSleep}
	_, err := d.Send(context.Background(), domain.ChannelEmail, "ap@acme.test", "s", "b")
	var se *SendError
	require.True(t, errors.As(err, &se))
	require.True(t, se.Retryable)
	require.EqualValues(t, 2, fe.calls.Load())
}

func TestShouldRetry(t *testing.T) {
	require.True(t, shouldRetry(context.DeadlineExceeded, 0))
	require.False(t, shouldRetry(errors.New("dns"), 0))
	require.True(t, shouldRetry(errors.New("x"), 502))
	require.True(t, shouldRetry(errors.New("x"), 408))
	require.False(t, shouldRetry(errors.New("x"), 400))
	require.Equal(t, 1400*time.Millisecond, backoff(7))
}
