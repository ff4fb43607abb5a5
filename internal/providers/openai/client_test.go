package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompleteJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-4o-mini", req.Model)
		require.Equal(t, "json_object", req.ResponseFormat.Type)
		require.Len(t, req.Messages, 2)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"{\"subject\":\"s\",\"body\":\"b\"}"}}]}`)
	}))
	defer srv.Close()

	c := &Client{APIKey: "sk-test", BaseURL: srv.URL, HTTP: srv.Client()}
	out, err := c.CompleteJSON(context.Background(), []Message{{Role: "system", Content: "x"}, {Role: "user", Content: "y"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"subject":"s","body":"b"}`, out)
}

func TestCompleteJSONErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer limited" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := (&Client{APIKey: "limited", BaseURL: srv.URL}).CompleteJSON(context.Background(), nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatus)
	require.Equal(t, "Rate limit reached", apiErr.Message)

	_, err = (&Client{APIKey: "ok", BaseURL: srv.URL}).CompleteJSON(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyCompletion)
}
