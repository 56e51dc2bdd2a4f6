package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/vigie/kit"
	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/notify"
	"github.com/hazyhaar/vigie/schedule"
)

const maxBodyBytes = 1 << 20

// Routes mounts the query surface under /api.
func (svc *Service) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sources", svc.handleListSources)
		r.Post("/sources", svc.handleAddSource)
		r.Get("/sources/{id}", svc.handleGetSource)
		r.Put("/sources/{id}", svc.handleUpdateSource)
		r.Delete("/sources/{id}", svc.handleRemoveSource)
		r.Post("/sources/{id}/check", svc.handleCheckNow)
		r.Get("/sources/{id}/runs", svc.handleRunHistory)
		r.Get("/sources/{id}/entities", svc.handleListEntities)

		r.Get("/entities/{id}", svc.handleGetEntity)
		r.Get("/entities/{id}/history", svc.handleHistory)

		r.Get("/watches", svc.handleListWatches)
		r.Post("/watches", svc.handleCreateWatch)
		r.Delete("/watches/{id}", svc.handleCancelWatch)

		r.Get("/jobs", svc.handleListJobs)
		r.Post("/jobs", svc.handleCreateJob)
		r.Delete("/jobs/{id}", svc.handleCancelJob)
		r.Post("/jobs/{id}/resume", svc.handleResumeJob)

		r.Get("/preferences/{recipientID}", svc.handleGetPreference)
		r.Put("/preferences/{recipientID}", svc.handlePutPreference)
	})
}

// --- Sources ---

func (svc *Service) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := svc.ListSources(r.Context(), r.URL.Query().Get("enabled") == "1")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (svc *Service) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var src store.Source
	if err := decodeBody(w, r, &src); err != nil {
		writeError(w, err)
		return
	}
	src.ID = ""
	if err := svc.AddSource(r.Context(), &src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &src)
}

func (svc *Service) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := svc.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (svc *Service) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	src, err := svc.GetSource(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	// Fields absent from the body keep their current value.
	if err := decodeBody(w, r, src); err != nil {
		writeError(w, err)
		return
	}
	src.ID = id
	if err := svc.UpdateSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (svc *Service) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	if err := svc.RemoveSource(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okStatus)
}

func (svc *Service) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	res, err := svc.CheckNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil && (res == nil || res.Run == nil) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (svc *Service) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	h, err := svc.RunHistory(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", defaultRuns))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (svc *Service) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := svc.ListEntities(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

// --- Entities ---

func (svc *Service) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	view, err := svc.GetEntity(r.Context(), chi.URLParam(r, "id"),
		queryInt(r, "n", defaultSnapshots), r.URL.Query().Get("field"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (svc *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	snaps, err := svc.History(r.Context(), chi.URLParam(r, "id"), queryInt(r, "since_days", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// --- Watches ---

func (svc *Service) handleListWatches(w http.ResponseWriter, r *http.Request) {
	watches, err := svc.ListWatches(r.Context(), r.URL.Query().Get("entity_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, watches)
}

func (svc *Service) handleCreateWatch(w http.ResponseWriter, r *http.Request) {
	var watch store.Watch
	if err := decodeBody(w, r, &watch); err != nil {
		writeError(w, err)
		return
	}
	watch.ID = ""
	if watch.RecipientID == "" {
		watch.RecipientID = kit.GetRecipientID(r.Context())
	}
	if err := svc.CreateWatch(r.Context(), &watch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &watch)
}

func (svc *Service) handleCancelWatch(w http.ResponseWriter, r *http.Request) {
	if err := svc.CancelWatch(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okStatus)
}

// --- Jobs ---

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := svc.ListJobs(r.Context(), schedule.Filter{
		TargetID:   q.Get("target_id"),
		Kind:       q.Get("kind"),
		ActiveOnly: q.Get("active") == "1",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetID        string `json:"target_id"`
		Kind            string `json:"kind"`
		IntervalMinutes int    `json:"interval_minutes"`
		Cron            string `json:"cron"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	j := &schedule.Job{
		TargetID:        body.TargetID,
		Kind:            body.Kind,
		IntervalMinutes: body.IntervalMinutes,
		CronExpr:        body.Cron,
	}
	if err := svc.CreateJob(r.Context(), j); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (svc *Service) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := svc.CancelJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okStatus)
}

func (svc *Service) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	if err := svc.ResumeJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okStatus)
}

// --- Preferences ---

func (svc *Service) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	p, err := svc.GetPreference(r.Context(), chi.URLParam(r, "recipientID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (svc *Service) handlePutPreference(w http.ResponseWriter, r *http.Request) {
	var p notify.Preference
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, err)
		return
	}
	p.RecipientID = chi.URLParam(r, "recipientID")
	if err := svc.PutPreference(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", ErrInvalidInput, err)
	}
	return nil
}

// statusCode maps service errors to HTTP statuses.
func statusCode(err error) int {
	var ferr *FetchError
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrDuplicateSource), errors.Is(err, ErrBusy), errors.Is(err, ErrJobCancelled):
		return http.StatusConflict
	case errors.As(err, &ferr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
