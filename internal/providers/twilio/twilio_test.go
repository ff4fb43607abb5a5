package twilio

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendSMS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "AC1", user)
		require.Equal(t, "tok", pass)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "+14155550100", r.PostForm.Get("To"))
		require.Equal(t, "MG1", r.PostForm.Get("MessagingServiceSid"))
		require.Equal(t, "https://cb.example/status", r.PostForm.Get("StatusCallback"))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"sid":"SM123","status":"queued"}`)
	}))
	defer srv.Close()

	c := &Client{AccountSID: "AC1", AuthToken: "tok", MessagingServiceSID: "MG1", BaseURL: srv.URL, HTTP: srv.Client()}
	require.True(t, c.Configured())
	resp, status, _, err := c.SendSMS(context.Background(), SendRequest{
		To: "+14155550100", Body: "hello", StatusCallbackURL: "https://cb.example/status",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "SM123", resp.Sid)
}

func TestSendSMSAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":21211,"error_code":21211,"message":"Invalid 'To' Phone Number"}`)
	}))
	defer srv.Close()

	c := &Client{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111", BaseURL: srv.URL, HTTP: srv.Client()}
	_, status, _, err := c.SendSMS(context.Background(), SendRequest{To: "bad", Body: "x"})
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, status)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 21211, apiErr.Code)
}

func TestConfigured(t *testing.T) {
	var nilClient *Client
	require.False(t, nilClient.Configured())
	require.False(t, (&Client{AccountSID: "AC1", AuthToken: "tok"}).Configured())
}

func TestVerifySignature(t *testing.T) {
	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}
	u := "https://hooks.example.com/v1/webhooks/twilio/status"
	sig := Sign("secret", u, form)
	require.True(t, VerifySignature("secret", u, sig, form))
	require.False(t, VerifySignature("other", u, sig, form))
	require.False(t, VerifySignature("secret", u, "", form))

	cb := ParseStatusCallback(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"Delivered"}})
	require.Equal(t, "delivered", cb.MessageStatus)
}
