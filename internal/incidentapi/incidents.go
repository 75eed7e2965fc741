package incidentapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/aria/internal/incident"
	"github.com/linnemanlabs/aria/internal/triage"
)

func (a *API) handleAssess(w http.ResponseWriter, r *http.Request) {
	var rep incident.Report
	if err := decode(r, &rep); err != nil {
		a.writeDecodeError(w, err)
		return
	}

	assessment, err := a.svc.Assess(r.Context(), &rep)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to assess report")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("aria.assessment.severity", string(assessment.Severity)),
		attribute.String("aria.assessment.action", string(assessment.Action)),
	)

	writeJSON(w, http.StatusOK, assessment)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var rep incident.Report
	if err := decode(r, &rep); err != nil {
		a.writeDecodeError(w, err)
		return
	}

	res, err := a.svc.Submit(r.Context(), &rep)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to submit report")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("aria.incident.id", res.ID),
		attribute.Bool("aria.incident.skipped", res.Skipped),
	)

	if res.Skipped {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter triage.ListFilter
	fields := make(map[string]string)

	if v := q.Get("status"); v != "" {
		st, ok := triage.ParseStatus(v)
		if !ok {
			fields["status"] = "unknown status"
		}
		filter.Status = st
	}
	if v := q.Get("severity"); v != "" {
		sev, ok := incident.ParseSeverity(v)
		if !ok {
			fields["severity"] = "unknown severity"
		}
		filter.Severity = sev
	}
	if v := q.Get("category"); v != "" {
		cat, ok := incident.ParseCategory(v)
		if !ok {
			fields["category"] = "unknown category"
		}
		filter.Category = cat
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields["limit"] = "must be a non-negative integer"
		}
		filter.Limit = n
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid query", Fields: fields})
		return
	}

	records, err := a.svc.List(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to list incidents")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("aria.incidents.count", len(records)))

	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": records,
		"count":     len(records),
	})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("aria.incident.id", id))

	rec, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to get incident", "id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("aria.incident.status", string(rec.Status)))

	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("aria.incident.id", id))

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error:  "invalid query",
				Fields: map[string]string{"limit": "must be a non-negative integer"},
			})
			return
		}
		limit = n
	}

	matches, ok, err := a.svc.Similar(r.Context(), id, limit)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to find similar incidents", "id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"similar": matches,
	})
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("aria.incident.id", id))

	var fb triage.Feedback
	if err := decode(r, &fb); err != nil {
		a.writeDecodeError(w, err)
		return
	}

	rec, ok, err := a.svc.Feedback(r.Context(), id, fb)
	switch {
	case errors.Is(err, triage.ErrNotAssessed):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		a.writeServiceError(w, r, err, "failed to record feedback", "id", id)
		return
	case !ok:
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q triage.SearchQuery
	if err := decode(r, &q); err != nil {
		a.writeDecodeError(w, err)
		return
	}

	matches, err := a.svc.Search(r.Context(), q)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to search incidents")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("aria.search.results", len(matches)))

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q.Query,
		"results": matches,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Stats(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
