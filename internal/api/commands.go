package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/bus"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/dispatch"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/queue"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/store"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/validate"
)

// CommandHandler serves command submission, lifecycle reads, cancellation,
// and queue stats.
type CommandHandler struct {
	validator *validate.Validator
	queue     *queue.Queue
	store     *store.Store
	pool      *dispatch.Pool
	bus       *bus.Bus
	logger    *zap.Logger
}

func NewCommandHandler(v *validate.Validator, q *queue.Queue, st *store.Store, pool *dispatch.Pool, b *bus.Bus, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		validator: v,
		queue:     q,
		store:     st,
		pool:      pool,
		bus:       b,
		logger:    logger.Named("command_handler"),
	}
}

type commandStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type commandResponse struct {
	Command commandStatus `json:"command"`
	TraceID string        `json:"trace_id"`
}

// Submit handles POST /v1/command: validate, record, enqueue, 202. The
// record is discarded again if queue admission fails, so the client may
// resubmit the same command id after backing off.
func (h *CommandHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var env model.Envelope
	if !decodeJSON(w, r, &env) {
		return
	}

	msg, err := h.validator.Validate(&env)
	if err != nil {
		writeErr(w, err, env.TraceID)
		return
	}

	if _, err := h.store.Insert(*msg); err != nil {
		writeErr(w, err, msg.TraceID)
		return
	}
	if err := h.queue.Enqueue(msg); err != nil {
		h.store.Discard(msg.ID)
		h.logger.Warn("command rejected at admission",
			zap.String("command_id", msg.ID),
			zap.String("trace_id", msg.TraceID),
			zap.Error(err))
		writeErr(w, err, msg.TraceID)
		return
	}

	h.bus.Publish(bus.Event{
		TraceID:  msg.TraceID,
		Severity: bus.SeverityInfo,
		Category: bus.CategoryCommand,
		Message:  "command.queued",
		Context: map[string]any{
			"command_id": msg.ID,
			"robot_id":   msg.RobotID,
			"type":       msg.Type,
			"priority":   msg.Priority.String(),
		},
	})
	h.logger.Info("command accepted",
		zap.String("command_id", msg.ID),
		zap.String("trace_id", msg.TraceID),
		zap.String("robot_id", msg.RobotID),
		zap.String("priority", msg.Priority.String()))

	writeJSON(w, http.StatusAccepted, commandResponse{
		Command: commandStatus{ID: msg.ID, Status: string(model.StatePending)},
		TraceID: msg.TraceID,
	})
}

// Get handles GET /v1/command/{id}.
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.store.Get(id)
	if !ok {
		writeErrStatus(w, http.StatusNotFound,
			errcode.New(errcode.CodeValidation, "unknown command id").WithDetail("command_id", id), "")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Cancel handles POST /v1/command/{id}/cancel. Cancelling a running command
// is asynchronous, so the body reports the state as of this call rather than
// a guaranteed outcome.
func (h *CommandHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.pool.Cancel(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErrStatus(w, http.StatusNotFound,
				errcode.New(errcode.CodeValidation, "unknown command id").WithDetail("command_id", id), "")
			return
		}
		writeErr(w, err, "")
		return
	}
	writeJSON(w, http.StatusAccepted, commandResponse{
		Command: commandStatus{ID: id, Status: string(rec.State)},
		TraceID: rec.Command.TraceID,
	})
}

type commandListResponse struct {
	Commands []*model.Record `json:"commands"`
	Count    int             `json:"count"`
}

// ListByTrace handles GET /v1/commands?trace_id=.
func (h *CommandHandler) ListByTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		writeErr(w, errcode.New(errcode.CodeValidation, "trace_id query parameter is required"), "")
		return
	}
	recs := h.store.FindByTrace(traceID)
	writeJSON(w, http.StatusOK, commandListResponse{Commands: recs, Count: len(recs)})
}

// QueueStats handles GET /v1/queue.
func (h *CommandHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Size())
}
