package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultBaseURL = "https://api.resend.com"

// Client sends plain-text email through the Resend HTTP API.
type Client struct {
	APIKey  string
	From    string
	ReplyTo string
	HTTP    *http.Client
	BaseURL string
}

type SendRequest struct {
	To      string
	Subject string
	Text    string
	// Tags are echoed back on delivery webhooks.
	Tags map[string]string
}

type SendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

type APIError struct {
	HTTPStatus int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("resend: send failed with status %d", e.HTTPStatus)
	}
	return fmt.Sprintf("resend: %s (status %d, %s)", e.Message, e.HTTPStatus, e.Name)
}

func (c *Client) Configured() bool {
	return c != nil && c.APIKey != "" && c.From != ""
}

type tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type emailPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Tags    []tag    `json:"tags,omitempty"`
}

func (c *Client) SendEmail(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	payload := emailPayload{
		From:    c.From,
		To:      []string{req.To},
		Subject: req.Subject,
		Text:    req.Text,
		ReplyTo: c.ReplyTo,
	}
	for k, v := range req.Tags {
		payload.Tags = append(payload.Tags, tag{Name: k, Value: v})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, resp.StatusCode, b, &APIError{HTTPStatus: resp.StatusCode, Name: out.Name, Message: out.Message}
	}
	return out, resp.StatusCode, b, nil
}
