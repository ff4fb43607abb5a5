package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"collections/internal/providers/openai"
	"collections/internal/providers/resend"
	"collections/internal/providers/twilio"
)

func newTestServer(t *testing.T, outcomes string) (*server, *httptest.Server) {
	t.Helper()
	cfg := config{
		AccountSID:       "AC1",
		AuthToken:        "tok",
		ResendAPIKey:     "re_1",
		OutcomesRaw:      outcomes,
		WebhookRetries:   2,
		WebhookRetryBase: time.Millisecond,
	}
	s := newServer(cfg)
	s.sleep = func(time.Duration) {}
	r := mux.NewRouter()
	s.register(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestTwilioSendAndSignedCallbacks(t *testing.T) {
	_, ts := newTestServer(t, "ok")

	var mu sync.Mutex
	var statuses []string
	done := make(chan struct{})
	var cbURL string
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if !twilio.VerifySignature("tok", cbURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		statuses = append(statuses, r.PostForm.Get("MessageStatus"))
		if len(statuses) == 2 {
			close(done)
		}
		mu.Unlock()
	}))
	defer cb.Close()
	cbURL = cb.URL + "/v1/webhooks/twilio/status"

	c := &twilio.Client{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000", BaseURL: ts.URL}
	resp, status, _, err := c.SendSMS(context.Background(), twilio.SendRequest{To: "+15551234567", Body: "hi", StatusCallbackURL: cbURL})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, resp.Sid)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("status callbacks not received")
	}
	require.Equal(t, []string{"sent", "delivered"}, statuses)
}

func TestTwilioOutcomesCycle(t *testing.T) {
	_, ts := newTestServer(t, "rate_limited,invalid")
	c := &twilio.Client{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000", BaseURL: ts.URL}

	_, status, _, err := c.SendSMS(context.Background(), twilio.SendRequest{To: "+15551234567", Body: "hi"})
	require.Equal(t, http.StatusTooManyRequests, status)
	var apiErr *twilio.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 20429, apiErr.Code)

	_, status, _, err = c.SendSMS(context.Background(), twilio.SendRequest{To: "+15551234567", Body: "hi"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)
}

func TestTwilioRejectsBadAuth(t *testing.T) {
	_, ts := newTestServer(t, "ok")
	c := &twilio.Client{AccountSID: "AC1", AuthToken: "wrong", FromNumber: "+15550000000", BaseURL: ts.URL}
	_, status, _, err := c.SendSMS(context.Background(), twilio.SendRequest{To: "+15551234567", Body: "hi"})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Error(t, err)
}

func TestResendSend(t *testing.T) {
	_, ts := newTestServer(t, "ok,server_error")
	c := &resend.Client{APIKey: "re_1", From: "ar@example.com", BaseURL: ts.URL}

	resp, status, _, err := c.SendEmail(context.Background(), resend.SendRequest{To: "ap@acme.test", Subject: "s", Text: "b"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.ID)

	_, status, _, err = c.SendEmail(context.Background(), resend.SendRequest{To: "ap@acme.test", Subject: "s", Text: "b"})
	require.Equal(t, http.StatusInternalServerError, status)
	var apiErr *resend.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "internal_server_error", apiErr.Name)
}

func TestChatCompletion(t *testing.T) {
	_, ts := newTestServer(t, "ok")
	c := &openai.Client{APIKey: "sk", BaseURL: ts.URL}
	out, err := c.CompleteJSON(context.Background(), []openai.Message{{Role: "user", Content: "invoice INV-1"}})
	require.NoError(t, err)
	require.Contains(t, out, "INV-1")
	require.Contains(t, out, `"subject"`)
}

func TestPostCallbackRetriesServerErrors(t *testing.T) {
	s, _ := newTestServer(t, "ok")
	var calls int
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer cb.Close()

	require.NoError(t, s.postCallback(cb.URL, url.Values{"MessageSid": {"SM1"}}))
	require.Equal(t, 3, calls)
}

func TestOutcomesDefault(t *testing.T) {
	require.Equal(t, []string{"ok"}, config{OutcomesRaw: " , "}.outcomes())
	require.Equal(t, []string{"ok", "undelivered"}, config{OutcomesRaw: "OK, undelivered"}.outcomes())
}
