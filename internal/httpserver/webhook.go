package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"collections/internal/observability"
	"collections/internal/providers/twilio"
	sqsqueue "collections/internal/queue/sqs"
	"collections/internal/util"
)

type WebhookQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.WebhookEvent) error
}

// Webhook accepts Twilio status callbacks and hands them to the queue; the
// webhook processor applies them to activities.
type Webhook struct {
	Queue           WebhookQueue
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string
	PublicURL       string
}

func (w *Webhook) Register(m *mux.Router) {
	m.HandleFunc("/v1/webhooks/twilio/status", w.handleTwilioStatus).Methods(http.MethodPost)
}

func (w *Webhook) handleTwilioStatus(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return
	}
	if w.VerifySignature == nil || !w.VerifySignature(w.AuthToken, w.PublicURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		observability.WebhookEvents.WithLabelValues("bad_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	cb := twilio.ParseStatusCallback(r.PostForm)
	if cb.MessageSid == "" {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return
	}

	if err := w.Queue.Enqueue(r.Context(), sqsqueue.WebhookEvent{
		Provider:      "twilio",
		ProviderMsgID: cb.MessageSid,
		Status:        cb.MessageStatus,
		ErrorCode:     cb.ErrorCode,
		Payload:       r.PostForm,
		ReceivedAt:    util.NowUTC(),
	}); err != nil {
		// non-2xx makes Twilio retry the callback
		slog.Error("webhook enqueue failed", "err", err, "message_sid", cb.MessageSid, "status", cb.MessageStatus)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	observability.WebhookEvents.WithLabelValues("received").Inc()
	rw.WriteHeader(http.StatusOK)
}
