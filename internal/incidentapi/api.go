// Package incidentapi exposes the triage service over HTTP.
package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aria/internal/incident"
	"github.com/linnemanlabs/aria/internal/triage"
)

// TriageService defines the business operations incidentapi needs.
type TriageService interface {
	Assess(ctx context.Context, r *incident.Report) (*incident.Assessment, error)
	Submit(ctx context.Context, r *incident.Report) (*triage.SubmitResult, error)
	Get(ctx context.Context, id string) (*triage.Record, bool, error)
	List(ctx context.Context, filter triage.ListFilter) ([]*triage.Record, error)
	Similar(ctx context.Context, id string, limit int) ([]triage.SimilarIncident, bool, error)
	Feedback(ctx context.Context, id string, fb triage.Feedback) (*triage.Record, bool, error)
	Search(ctx context.Context, q triage.SearchQuery) ([]triage.SimilarIncident, error)
	Stats(ctx context.Context) (*triage.Stats, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/assess", a.handleAssess)
		r.Post("/incidents", a.handleSubmit)
		r.Get("/incidents", a.handleList)
		r.Get("/incidents/{id}", a.handleGet)
		r.Get("/incidents/{id}/similar", a.handleSimilar)
		r.Post("/incidents/{id}/feedback", a.handleFeedback)
		r.Post("/search", a.handleSearch)
		r.Get("/stats", a.handleStats)
	})
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with a write error once headers are out
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeServiceError maps a service error to a response. Validation errors
// become 400 with per-field reasons; everything else is logged and 500.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	var invalid *incident.InvalidInputError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid input", Fields: invalid.Fields})
		return
	}
	a.logger.Error(r.Context(), err, msg, kv...)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decode reads a single JSON document from the request body.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON document")
	}
	return nil
}

func (a *API) writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid payload")
}
