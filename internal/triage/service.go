package triage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/aria/internal/classify"
	"github.com/linnemanlabs/aria/internal/incident"
	"github.com/linnemanlabs/aria/internal/similar"
)

const (
	// DefaultWorkers is the processing concurrency when Options.Workers is unset.
	DefaultWorkers = 4

	defaultSimilarLimit = 5
	maxSimilarLimit     = 50
	maxCommentLen       = 2000
)

// ErrNotAssessed is returned when feedback targets an incident without an assessment.
var ErrNotAssessed = errors.New("incident has not been assessed")

// Enricher resolves external signals for a report.
type Enricher interface {
	Enrich(ctx context.Context, r *incident.Report, signals []classify.Signal) map[string]float64
}

// Notifier delivers escalated and failed incidents to responders.
type Notifier interface {
	Send(ctx context.Context, record *Record) error
}

// Options configures optional Service collaborators.
type Options struct {
	Workers  int
	Enricher Enricher
	Notifier Notifier
	Hooks    Hooks
}

// Service is the business boundary for incident operations.
type Service struct {
	store      Store
	classifier *classify.Classifier
	enricher   Enricher
	notifier   Notifier
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	submitMu sync.Mutex // serializes dedup check and insert
	updateMu sync.Mutex // serializes feedback read-modify-write
}

// NewService creates a new triage service.
func NewService(store Store, classifier *classify.Classifier, logger log.Logger, opts Options) *Service {
	if store == nil {
		panic(xerrors.New("triage.NewService: nil store"))
	}
	if classifier == nil {
		panic(xerrors.New("triage.NewService: nil classifier"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Service{
		store:      store,
		classifier: classifier,
		enricher:   opts.Enricher,
		notifier:   opts.Notifier,
		logger:     logger,
		hooks:      opts.Hooks,
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(workers)),
	}
}

// Submit validates a report and queues it for processing, handling dedup and
// lifecycle. Invalid reports yield an *incident.InvalidInputError.
func (s *Service) Submit(ctx context.Context, r *incident.Report) (*SubmitResult, error) {
	if err := r.Validate(); err != nil {
		s.submitted("invalid")
		return nil, err
	}

	report := r.Normalized()
	fp := report.Fingerprint()

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	// dedup: skip if an identical report is still pending or in progress
	if existing, ok, err := s.store.GetByFingerprint(ctx, fp); err != nil {
		s.submitted("error")
		return nil, fmt.Errorf("dedup lookup: %w", err)
	} else if ok && existing.Status.Active() {
		s.submitted("duplicate")
		return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "duplicate"}, nil
	}

	id := ulid.Make().String()
	rec := &Record{
		ID:          id,
		Fingerprint: fp,
		Status:      StatusPending,
		Report:      report,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		s.submitted("error")
		return nil, fmt.Errorf("store incident: %w", err)
	}
	s.submitted("accepted")

	// pass only the ID so the worker reads its own copy from the store
	s.dispatch(context.WithoutCancel(ctx), id)

	return &SubmitResult{ID: id}, nil
}

// Preload submits seed reports, skipping and reporting invalid ones.
// It returns the number of reports accepted.
func (s *Service) Preload(ctx context.Context, reports []incident.Report) (int, error) {
	var errs []error
	accepted := 0
	for i := range reports {
		sr, err := s.Submit(ctx, &reports[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("seed report %d: %w", i, err))
			continue
		}
		if !sr.Skipped {
			accepted++
		}
	}
	return accepted, errors.Join(errs...)
}

// Assess classifies r synchronously without storing it.
// Invalid reports are passed through so the classifier counts the rejection.
func (s *Service) Assess(ctx context.Context, r *incident.Report) (*incident.Assessment, error) {
	var signals map[string]float64
	if r.Validate() == nil {
		report := r.Normalized()
		signals = s.enrich(ctx, &report)
	}
	return s.classifier.Classify(ctx, r, signals)
}

// Get retrieves an incident record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns records matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	return s.store.List(ctx, filter)
}

// Wait blocks until all dispatched work has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) dispatch(ctx context.Context, id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		s.busy(1)
		defer s.busy(-1)
		s.process(ctx, id)
	}()
}

func (s *Service) process(ctx context.Context, id string) {
	L := s.logger.With("incident_id", id)

	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		L.Error(ctx, err, "failed to fetch incident for processing")
		return
	}
	if !ok {
		L.Warn(ctx, "incident not found for processing")
		return
	}
	L = L.With("category", rec.Report.Category, "asset", rec.Report.Asset)

	rec.Status = StatusInProgress
	if err := s.store.Put(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
		s.fail(ctx, L, rec, fmt.Errorf("update status: %w", err))
		return
	}

	start := s.now()
	rec.Signals = s.enrich(ctx, &rec.Report)

	a, err := s.classifier.Classify(ctx, &rec.Report, rec.Signals)
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = StatusComplete
		rec.Assessment = a
	}
	rec.CompletedAt = s.now().UTC()
	rec.Duration = rec.CompletedAt.Sub(start).Seconds()

	if err := s.store.Put(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to persist assessment")
		s.fail(ctx, L, rec, fmt.Errorf("persist assessment: %w", err))
		return
	}
	s.completed(rec)

	if rec.Status == StatusFailed {
		L.Warn(ctx, "incident processing failed", "err", rec.Error)
		s.notify(ctx, L, rec)
		return
	}

	L.Info(ctx, "incident assessed",
		"severity", a.Severity,
		"action", a.Action,
		"score", a.Score,
		"findings", len(a.Findings),
		"signals", len(rec.Signals),
		"duration", rec.Duration,
	)

	if a.Action == incident.ActionEscalate {
		s.notify(ctx, L, rec)
	}
}

// fail marks rec failed after a store error so its fingerprint is no longer
// held by an active record. The store may still refuse the write.
func (s *Service) fail(ctx context.Context, L log.Logger, rec *Record, cause error) {
	rec.Status = StatusFailed
	rec.Assessment = nil
	rec.Error = cause.Error()
	rec.CompletedAt = s.now().UTC()
	if err := s.store.Put(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to mark incident failed")
		return
	}
	s.completed(rec)
	L.Warn(ctx, "incident processing failed", "err", rec.Error)
	s.notify(ctx, L, rec)
}

func (s *Service) completed(rec *Record) {
	if s.hooks.OnComplete == nil {
		return
	}
	ev := &CompleteEvent{Status: rec.Status, Category: string(rec.Report.Category), Duration: rec.Duration}
	if a := rec.Assessment; a != nil {
		ev.Severity = string(a.Severity)
		ev.Action = string(a.Action)
	}
	s.hooks.OnComplete(ev)
}

// notify sends escalated and failed records to the notifier, if any.
func (s *Service) notify(ctx context.Context, L log.Logger, rec *Record) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, rec)
	if s.hooks.OnNotify != nil {
		s.hooks.OnNotify(err)
	}
	if err != nil {
		L.Error(ctx, err, "notification failed", "status", rec.Status)
	}
}

func (s *Service) enrich(ctx context.Context, r *incident.Report) map[string]float64 {
	if s.enricher == nil {
		return nil
	}
	sigs := s.classifier.RuleSet().Signals(r.Category)
	if len(sigs) == 0 {
		return nil
	}
	return s.enricher.Enrich(ctx, r, sigs)
}

// Feedback records an analyst's rating of an assessed incident. It returns
// the updated record, false if the incident does not exist, ErrNotAssessed
// if it has no assessment, or an *incident.InvalidInputError.
func (s *Service) Feedback(ctx context.Context, id string, fb Feedback) (*Record, bool, error) {
	fb.Comment = strings.TrimSpace(fb.Comment)
	if err := validateFeedback(&fb); err != nil {
		return nil, false, err
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("get incident: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	if rec.Status != StatusComplete {
		return nil, true, ErrNotAssessed
	}

	fb.SubmittedAt = s.now().UTC()
	rec.Feedback = append(rec.Feedback, fb)
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, true, fmt.Errorf("store feedback: %w", err)
	}
	if s.hooks.OnFeedback != nil {
		s.hooks.OnFeedback(&fb)
	}
	return rec, true, nil
}

func validateFeedback(fb *Feedback) error {
	fields := make(map[string]string)
	if fb.Rating < 0 || fb.Rating > 5 {
		fields["rating"] = "must be between 1 and 5"
	}
	if len(fb.Comment) > maxCommentLen {
		fields["comment"] = fmt.Sprintf("must be at most %d bytes", maxCommentLen)
	}
	if fb.Rating == 0 && fb.Helpful == nil && fb.Comment == "" {
		fields["feedback"] = "one of rating, helpful or comment is required"
	}
	if len(fields) > 0 {
		return &incident.InvalidInputError{Fields: fields}
	}
	return nil
}

// Similar returns stored incidents most similar to the incident id.
func (s *Service) Similar(ctx context.Context, id string, limit int) ([]SimilarIncident, bool, error) {
	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("get incident: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	out, err := s.search(ctx, searchText(rec), clampLimit(limit), func(r *Record) bool { return r.ID != id })
	return out, true, err
}

// Search ranks stored incidents against a free-text query.
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]SimilarIncident, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, &incident.InvalidInputError{Fields: map[string]string{"query": "required"}}
	}
	var keep func(*Record) bool
	if len(q.Categories) > 0 {
		cats := make([]incident.Category, 0, len(q.Categories))
		for _, c := range q.Categories {
			parsed, ok := incident.ParseCategory(string(c))
			if !ok {
				return nil, &incident.InvalidInputError{Fields: map[string]string{
					"categories": fmt.Sprintf("unknown category %q", c),
				}}
			}
			cats = append(cats, parsed)
		}
		keep = func(r *Record) bool { return slices.Contains(cats, r.Report.Category) }
	}
	return s.search(ctx, q.Query, clampLimit(q.Limit), keep)
}

func (s *Service) search(ctx context.Context, text string, limit int, keep func(*Record) bool) ([]SimilarIncident, error) {
	records, err := s.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}

	byID := make(map[string]*Record, len(records))
	docs := make([]similar.Document, 0, len(records))
	for _, r := range records {
		if keep != nil && !keep(r) {
			continue
		}
		byID[r.ID] = r
		docs = append(docs, similar.Document{ID: r.ID, Text: searchText(r)})
	}

	matches := similar.Build(docs).Search(text, limit, nil)
	out := make([]SimilarIncident, 0, len(matches))
	for _, m := range matches {
		r := byID[m.ID]
		out = append(out, SimilarIncident{
			ID:         r.ID,
			Title:      r.Report.Title,
			Category:   r.Report.Category,
			Severity:   r.Severity(),
			Status:     r.Status,
			Score:      m.Score,
			Highlights: m.Highlights,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

func searchText(r *Record) string {
	return r.Report.Title + " " + r.Report.Description + " " + strings.Join(r.Report.Tags, " ")
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultSimilarLimit
	case limit > maxSimilarLimit:
		return maxSimilarLimit
	default:
		return limit
	}
}

// Stats summarizes all stored incidents.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	records, err := s.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}

	st := &Stats{
		Total:      len(records),
		ByStatus:   make(map[Status]int),
		BySeverity: make(map[incident.Severity]int),
		ByAction:   make(map[incident.Action]int),
		ByCategory: make(map[incident.Category]int),
	}

	var durations []float64
	var ratingSum, helpful, helpfulSet int
	for _, r := range records {
		st.ByStatus[r.Status]++
		st.ByCategory[r.Report.Category]++
		if r.Assessment != nil {
			st.BySeverity[r.Assessment.Severity]++
			st.ByAction[r.Assessment.Action]++
		}
		if r.Status == StatusComplete {
			durations = append(durations, r.Duration*1000)
		}
		for _, fb := range r.Feedback {
			st.Feedback.Count++
			if fb.Rating > 0 {
				st.Feedback.Rated++
				ratingSum += fb.Rating
			}
			if fb.Helpful != nil {
				helpfulSet++
				if *fb.Helpful {
					helpful++
				}
			}
		}
	}

	if st.Feedback.Rated > 0 {
		st.Feedback.AvgRating = round2(float64(ratingSum) / float64(st.Feedback.Rated))
	}
	if helpfulSet > 0 {
		st.Feedback.HelpfulRatio = round2(float64(helpful) / float64(helpfulSet))
	}

	slices.Sort(durations)
	st.Latency = Latency{
		P50: round2(percentile(durations, 50)),
		P90: round2(percentile(durations, 90)),
		P99: round2(percentile(durations, 99)),
	}
	return st, nil
}

// percentile returns the nearest-rank percentile p of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted)) / 100))
	return sorted[max(rank-1, 0)]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *Service) submitted(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}

func (s *Service) busy(delta int) {
	if s.hooks.OnBusy != nil {
		s.hooks.OnBusy(delta)
	}
}
