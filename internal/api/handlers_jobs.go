package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/queue"
	"github.com/shohag/pushrelay/internal/storage"
)

type JobHandler struct {
	store    storage.Storage
	enqueuer *queue.Enqueuer
	log      zerolog.Logger
}

func NewJobHandler(store storage.Storage, enq *queue.Enqueuer, log zerolog.Logger) *JobHandler {
	return &JobHandler{store: store, enqueuer: enq, log: log}
}

// enqueueRequest carries either a ready-made payload or a notification the
// server encodes. Exactly one must be set.
type enqueueRequest struct {
	RefType      string              `json:"ref_type"`
	RefID        int64               `json:"ref_id"`
	RestaurantID int64               `json:"restaurant_id"`
	UserIDs      []int64             `json:"user_ids"`
	Payload      json.RawMessage     `json:"payload"`
	Notification *queue.Notification `json:"notification"`
	RunAt        *time.Time          `json:"run_at"`
}

const (
	maxEnqueueBody = 256 * 1024
	maxRecipients  = 10000
)

func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEnqueueBody)
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "user_ids is required")
		return
	}
	if len(req.UserIDs) > maxRecipients {
		writeError(w, http.StatusBadRequest, "too many user_ids")
		return
	}

	payload := []byte(req.Payload)
	switch {
	case req.Notification != nil && len(req.Payload) > 0:
		writeError(w, http.StatusBadRequest, "set either payload or notification, not both")
		return
	case req.Notification != nil:
		b, err := req.Notification.Encode()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		payload = b
	}

	base := queue.Request{
		RefType:      req.RefType,
		RefID:        req.RefID,
		RestaurantID: req.RestaurantID,
		Payload:      payload,
	}
	if req.RunAt != nil {
		base.RunAt = *req.RunAt
	}

	res, err := h.enqueuer.EnqueueMany(r.Context(), base, req.UserIDs)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("ref_type", req.RefType).Int64("ref_id", req.RefID).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue notifications")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// jobResponse renders the payload as JSON when it is JSON.
type jobResponse struct {
	models.Job
	Payload interface{} `json:"payload"`
}

func newJobResponse(j models.Job) jobResponse {
	resp := jobResponse{Job: j, Payload: string(j.Payload)}
	if json.Valid(j.Payload) {
		resp.Payload = json.RawMessage(j.Payload)
	}
	return resp
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	j, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(*j))
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	userID, ok := queryInt(r, "user_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, ok := queryInt(r, "offset")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	jobs, err := h.store.ListJobs(r.Context(), storage.JobFilter{
		Status: status,
		UserID: userID,
		Limit:  int(limit),
		Offset: int(offset),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobResponse(j))
	}
	writeJSON(w, http.StatusOK, out)
}
