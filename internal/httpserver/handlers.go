package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"collections/internal/domain"
	"collections/internal/service"
)

type API struct {
	Svc      *service.OutreachService
	Validate *validator.Validate
}

func NewAPI(svc *service.OutreachService) *API {
	return &API{Svc: svc, Validate: validator.New()}
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/invoices/{id}/outreach", a.handleGetState).Methods(http.MethodGet)
	m.HandleFunc("/v1/invoices/{id}/outreach/pause", a.handlePause).Methods(http.MethodPost)
	m.HandleFunc("/v1/invoices/{id}/outreach/resume", a.handleResume).Methods(http.MethodPost)
	m.HandleFunc("/v1/invoices/{id}/outreach/preview", a.handlePreview).Methods(http.MethodGet)
	m.HandleFunc("/v1/runs", a.handleTriggerRun).Methods(http.MethodPost)
	m.HandleFunc("/v1/runs/{id}", a.handleGetRun).Methods(http.MethodGet)
}

// invoiceID returns the canonical form of the {id} path variable.
func invoiceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, ErrInvalidID, http.StatusBadRequest)
		return "", false
	}
	return id.String(), true
}

// decode reads an optional JSON body into dst and validates it.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return false
	}
	if err := a.Validate.Struct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) handleGetState(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	view, err := a.Svc.GetState(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "get outreach state failed", "invoice_id", id)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	var req domain.PauseRequest
	if !a.decode(w, r, &req) {
		return
	}
	view, err := a.Svc.Pause(r.Context(), id, req.Reason)
	if err != nil {
		writeServiceError(w, err, "pause outreach failed", "invoice_id", id)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	view, err := a.Svc.Resume(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "resume outreach failed", "invoice_id", id)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	var asOf time.Time
	if s := r.URL.Query().Get("asOf"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			http.Error(w, ErrInvalidDate, http.StatusBadRequest)
			return
		}
		asOf = t
	}
	view, err := a.Svc.Preview(r.Context(), id, asOf)
	if err != nil {
		writeServiceError(w, err, "preview outreach failed", "invoice_id", id)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req domain.RunRequest
	if !a.decode(w, r, &req) {
		return
	}
	acc, err := a.Svc.TriggerRun(r.Context(), req.AsOf)
	if err != nil {
		writeServiceError(w, err, "enqueue collections run failed", "as_of", req.AsOf)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := a.Svc.GetRun(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "get run failed", "run_id", id)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
