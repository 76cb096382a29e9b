package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-dispatch/internal/dispatch"
	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

// EnrichRequest optionally raises the priority of a re-enrichment job.
type EnrichRequest struct {
	Priority string `json:"priority,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in model.RawContactInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.UserID = UserID(r.Context())

	res, err := s.deps.Ingester.Ingest(r.Context(), in)
	if err != nil {
		if res == nil {
			writeError(w, err)
			return
		}
		// The result carries the failed stage and the collected errors.
		writeJSON(w, statusFor(err), res)
		return
	}
	status := http.StatusCreated
	if res.IsDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleReenrich(w http.ResponseWriter, r *http.Request) {
	var req EnrichRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	job, err := s.deps.Operator.Reenrich(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status:   model.JobStatus(q.Get("status")),
		Type:     model.JobType(q.Get("type")),
		TargetID: q.Get("target_id"),
		UserID:   UserID(r.Context()),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, err)
		return
	}

	jobs, err := s.deps.Operator.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.EnrichmentJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.ownedJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	job, err = s.deps.Operator.Retry(ctx, job.ID, UserID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.ownedJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	job, err = s.deps.Operator.Cancel(ctx, job.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ownedJob loads a job and hides jobs that belong to another user,
// including jobs with no owner.
func (s *Server) ownedJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	job, err := s.deps.Operator.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != UserID(ctx) {
		return nil, eris.Wrapf(store.ErrNotFound, "api: job %s", id)
	}
	return job, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Wrapf(dispatch.ErrValidation, "api: %q is not a non-negative integer", v)
	}
	return n, nil
}
