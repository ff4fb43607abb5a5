package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"collections/internal/providers/twilio"
	"collections/internal/util"
)

const (
	outcomeOK          = "ok"
	outcomeUndelivered = "undelivered"
	outcomeRateLimited = "rate_limited"
	outcomeServerError = "server_error"
	outcomeInvalid     = "invalid"
)

type server struct {
	cfg      config
	outcomes []string
	idx      atomic.Uint64
	client   *http.Client
	// sleep is replaced in tests.
	sleep func(time.Duration)
}

func newServer(cfg config) *server {
	return &server{
		cfg:      cfg,
		outcomes: cfg.outcomes(),
		client:   &http.Client{Timeout: 5 * time.Second},
		sleep:    time.Sleep,
	}
}

func (s *server) register(r *mux.Router) {
	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleTwilioSend).Methods(http.MethodPost)
	r.HandleFunc("/emails", s.handleResendSend).Methods(http.MethodPost)
	r.HandleFunc("/chat/completions", s.handleChat).Methods(http.MethodPost)
}

func (s *server) nextOutcome() string {
	i := s.idx.Add(1) - 1
	return s.outcomes[int(i%uint64(len(s.outcomes)))]
}

func (s *server) delay(ctx context.Context) bool {
	if s.cfg.Delay <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.Delay):
		return true
	}
}

// --- Twilio ---

func (s *server) handleTwilioSend(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.AccountSID || pass != s.cfg.AuthToken || mux.Vars(r)["AccountSid"] != s.cfg.AccountSID {
		writeTwilioError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeTwilioError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.PostForm.Get("To") == "" || r.PostForm.Get("Body") == "" {
		writeTwilioError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.PostForm.Get("MessagingServiceSid") == "" && r.PostForm.Get("From") == "" {
		writeTwilioError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}
	if !s.delay(r.Context()) {
		return
	}

	outcome := s.nextOutcome()
	switch outcome {
	case outcomeRateLimited:
		writeTwilioError(w, http.StatusTooManyRequests, 20429, "Too Many Requests")
		return
	case outcomeServerError:
		writeTwilioError(w, http.StatusServiceUnavailable, 20500, "Service Unavailable")
		return
	case outcomeInvalid:
		writeTwilioError(w, http.StatusBadRequest, 21211, "Invalid 'To' Phone Number")
		return
	}

	sid := "SM" + strings.ToLower(util.NewID(""))
	writeJSON(w, http.StatusCreated, twilio.SendResponse{Sid: sid, Status: "queued"})

	cb := r.PostForm.Get("StatusCallback")
	if cb == "" {
		cb = s.cfg.DefaultWebhookURL
	}
	if cb == "" {
		return
	}
	final, code := "delivered", ""
	if outcome == outcomeUndelivered {
		final, code = "undelivered", "30003"
	}
	go s.statusSequence(cb, sid, r.PostForm.Get("To"), final, code)
}

func (s *server) statusSequence(callbackURL, sid, to, final, errorCode string) {
	for _, status := range []string{"sent", final} {
		s.sleep(s.cfg.WebhookDelay)
		form := url.Values{}
		form.Set("MessageSid", sid)
		form.Set("MessageStatus", status)
		form.Set("To", to)
		if status == final && errorCode != "" {
			form.Set("ErrorCode", errorCode)
		}
		if err := s.postCallback(callbackURL, form); err != nil {
			slog.Error("mock status callback failed", "url", callbackURL, "sid", sid, "status", status, "err", err)
			return
		}
	}
}

// postCallback signs the form like Twilio does and retries non-2xx answers.
func (s *server) postCallback(callbackURL string, form url.Values) error {
	sig := twilio.Sign(s.cfg.AuthToken, callbackURL, form)
	wait := s.cfg.WebhookRetryBase
	var lastErr error
	for attempt := 0; attempt <= s.cfg.WebhookRetries; attempt++ {
		if attempt > 0 {
			s.sleep(wait)
			wait *= 2
		}
		req, err := http.NewRequest(http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)
		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return lastErr
}

func writeTwilioError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, twilio.SendResponse{Status: "failed", ErrorCode: &code, Message: msg})
}

// --- Resend ---

type resendEmail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

func (s *server) handleResendSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.ResendAPIKey {
		writeResendError(w, http.StatusUnauthorized, "validation_error", "API key is invalid")
		return
	}
	var in resendEmail
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.To) == 0 || in.From == "" {
		writeResendError(w, http.StatusUnprocessableEntity, "validation_error", "from and to are required")
		return
	}
	if !s.delay(r.Context()) {
		return
	}
	switch s.nextOutcome() {
	case outcomeRateLimited:
		writeResendError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests")
	case outcomeServerError:
		writeResendError(w, http.StatusInternalServerError, "internal_server_error", "Unexpected error")
	case outcomeInvalid:
		writeResendError(w, http.StatusUnprocessableEntity, "validation_error", "Invalid `to` field")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": util.NewID("email")})
	}
}

func writeResendError(w http.ResponseWriter, status int, name, msg string) {
	writeJSON(w, status, map[string]any{"statusCode": status, "name": name, "message": msg})
}

// --- OpenAI ---

type chatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// handleChat answers every completion with a fixed draft that quotes the last
// user message, enough to exercise the AI path end to end.
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var in chatRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"message": "messages required", "type": "invalid_request_error"}})
		return
	}
	last := in.Messages[len(in.Messages)-1].Content
	if len(last) > 200 {
		last = last[:200]
	}
	draft, _ := json.Marshal(map[string]string{
		"subject": "Following up on your invoice",
		"body":    "Hello,\n\nThis is a reminder regarding: " + last,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": string(draft)}}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
