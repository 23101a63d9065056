package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/list-verifier/internal/deadletter"
	"github.com/ignite/list-verifier/internal/pipeline"
	"github.com/ignite/list-verifier/internal/pkg/httputil"
	"github.com/ignite/list-verifier/internal/verify"
)

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	pipeline    *pipeline.Pipeline
	batches     *verify.Store
	deadLetters *deadletter.Store
}

// NewHandlers creates the handler set.
func NewHandlers(p *pipeline.Pipeline, batches *verify.Store, deadLetters *deadletter.Store) *Handlers {
	return &Handlers{pipeline: p, batches: batches, deadLetters: deadLetters}
}

// GetHealth returns the live pipeline snapshot.
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.pipeline.Health(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, health)
}

type submitBody struct {
	Emails    []string `json:"emails"`
	UserID    string   `json:"user_id"`
	Priority  int      `json:"priority"`
	BatchSize int      `json:"batch_size"`
}

// SubmitList accepts a verification list and enqueues it. The work itself
// runs asynchronously; the 202 receipt carries the ids to poll.
func (h *Handlers) SubmitList(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		httputil.BadRequest(w, "invalid user_id")
		return
	}

	receipt, err := h.pipeline.Submit(r.Context(), pipeline.SubmitRequest{
		Emails:    body.Emails,
		UserID:    userID,
		Priority:  body.Priority,
		BatchSize: body.BatchSize,
	})
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.Accepted(w, receipt)
}

// batchView is the wire shape of a batch.
type batchView struct {
	ID              uuid.UUID  `json:"id"`
	ProviderBatchID string     `json:"provider_batch_id,omitempty"`
	RequestID       uuid.UUID  `json:"request_id"`
	Status          string     `json:"status"`
	Quantity        int        `json:"quantity"`
	Duplicates      int        `json:"duplicates"`
	RetryCount      int        `json:"retry_count"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toBatchView(b *verify.Batch) batchView {
	v := batchView{
		ID:         b.ID,
		RequestID:  b.RequestID,
		Status:     string(b.Status),
		Quantity:   b.Quantity,
		Duplicates: b.Duplicates,
		RetryCount: b.RetryCount,
		CreatedAt:  b.CreatedAt,
	}
	if b.BouncerBatchID.Valid {
		v.ProviderBatchID = b.BouncerBatchID.String
	}
	if b.ErrorMessage.Valid {
		v.Error = b.ErrorMessage.String
	}
	if b.CompletedAt.Valid {
		t := b.CompletedAt.Time
		v.CompletedAt = &t
	}
	return v
}

// GetBatch returns one batch's lifecycle state.
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.BadRequest(w, "invalid batch id")
		return
	}
	batch, err := h.batches.GetBatch(r.Context(), id)
	if errors.Is(err, verify.ErrBatchNotFound) {
		httputil.NotFound(w, "batch not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, toBatchView(batch))
}

// GetRequest summarizes an entire submission: its batches plus how many
// items are still waiting for one.
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.BadRequest(w, "invalid request id")
		return
	}
	batches, err := h.batches.BatchesForRequest(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if len(batches) == 0 {
		httputil.NotFound(w, "request not found")
		return
	}
	pending, err := h.batches.QueuedEmails(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	views := make([]batchView, len(batches))
	done := true
	for i := range batches {
		views[i] = toBatchView(&batches[i])
		if !batches[i].Status.Terminal() {
			done = false
		}
	}
	httputil.OK(w, map[string]any{
		"request_id":    id,
		"batches":       views,
		"pending_items": len(pending),
		"done":          done && len(pending) == 0,
	})
}

// ListDeadLetters returns dead-letter entries, filterable by review state
// and priority.
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := deadletter.ListFilter{Limit: 100, Priority: r.URL.Query().Get("priority")}
	if v := r.URL.Query().Get("reviewed"); v != "" {
		reviewed := v == "true"
		filter.Reviewed = &reviewed
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		userID, err := uuid.Parse(v)
		if err != nil {
			httputil.BadRequest(w, "invalid user_id")
			return
		}
		filter.UserID = userID
	}

	entries, err := h.deadLetters.List(r.Context(), filter)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetDeadLetterStats returns failure trends for operator triage.
func (h *Handlers) GetDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deadLetters.Stats(r.Context(), 7)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

type idsBody struct {
	IDs []uuid.UUID `json:"ids"`
}

// RetryDeadLetters replays the given entries. Partial success is normal;
// per-entry errors come back alongside the counts.
func (h *Handlers) RetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	var body idsBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if len(body.IDs) == 0 {
		httputil.BadRequest(w, "ids array is required")
		return
	}
	outcome := h.deadLetters.Retry(r.Context(), body.IDs)
	httputil.OK(w, map[string]any{
		"successful": outcome.Successful,
		"failed":     outcome.Failed,
		"errors":     outcome.Errors,
	})
}

// ReviewDeadLetters marks entries reviewed without replaying them.
func (h *Handlers) ReviewDeadLetters(w http.ResponseWriter, r *http.Request) {
	var body idsBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if len(body.IDs) == 0 {
		httputil.BadRequest(w, "ids array is required")
		return
	}
	n, err := h.deadLetters.MarkReviewed(r.Context(), body.IDs)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int64{"reviewed": n})
}
