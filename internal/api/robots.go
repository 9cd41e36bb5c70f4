package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/auth"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/registry"
)

// RobotHandler serves registry operations. Registration and deregistration
// additionally require the robot.register capability on top of the bearer
// token.
type RobotHandler struct {
	registry *registry.Registry
	auth     *auth.Service
	logger   *zap.Logger
}

func NewRobotHandler(reg *registry.Registry, authSvc *auth.Service, logger *zap.Logger) *RobotHandler {
	return &RobotHandler{registry: reg, auth: authSvc, logger: logger.Named("robot_handler")}
}

type registerRequest struct {
	RobotID      string   `json:"robot_id"`
	Type         string   `json:"robot_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status,omitempty"`
	Endpoint     string   `json:"endpoint"`
	Protocol     string   `json:"protocol"`
	Credentials  string   `json:"credentials,omitempty"`
}

type robotResponse struct {
	Robot *model.Robot `json:"robot"`
}

// Register handles POST /v1/robots/register.
func (h *RobotHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Authorize(r.RemoteAddr, auth.ActionRobotRegister) {
		writeErr(w, errcode.New(errcode.CodeUnauthorized, "not permitted to register robots"), "")
		return
	}

	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entry := &model.Robot{
		ID:           req.RobotID,
		Type:         req.Type,
		Capabilities: req.Capabilities,
		Status:       model.RobotStatus(req.Status),
		Endpoint:     req.Endpoint,
		Protocol:     model.Protocol(req.Protocol),
		Credentials:  req.Credentials,
	}
	if err := h.registry.Register(entry); err != nil {
		writeErr(w, err, "")
		return
	}

	stored, _ := h.registry.Get(req.RobotID)
	writeJSON(w, http.StatusCreated, robotResponse{Robot: stored})
}

type heartbeatRequest struct {
	RobotID string `json:"robot_id"`
	Status  string `json:"status,omitempty"`
}

// Heartbeat handles POST /v1/robots/heartbeat.
func (h *RobotHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RobotID == "" {
		writeErr(w, errcode.New(errcode.CodeValidation, "robot_id is required"), "")
		return
	}
	if err := h.registry.Heartbeat(req.RobotID, model.RobotStatus(req.Status)); err != nil {
		writeErr(w, err, "")
		return
	}
	robot, _ := h.registry.Get(req.RobotID)
	writeJSON(w, http.StatusOK, robotResponse{Robot: robot})
}

type robotListResponse struct {
	Robots []*model.Robot `json:"robots"`
	Count  int            `json:"count"`
}

// List handles GET /v1/robots with optional status and type filters.
func (h *RobotHandler) List(w http.ResponseWriter, r *http.Request) {
	f := registry.Filter{
		Status: model.RobotStatus(r.URL.Query().Get("status")),
		Type:   r.URL.Query().Get("type"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeErr(w, errcode.Newf(errcode.CodeValidation, "unknown status %q", f.Status), "")
		return
	}
	robots := h.registry.List(f)
	writeJSON(w, http.StatusOK, robotListResponse{Robots: robots, Count: len(robots)})
}

// Get handles GET /v1/robots/{id}.
func (h *RobotHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	robot, ok := h.registry.Get(id)
	if !ok {
		writeErr(w, errcode.Newf(errcode.CodeRobotNotFound, "robot %q is not registered", id).
			WithDetail("robot_id", id), "")
		return
	}
	writeJSON(w, http.StatusOK, robotResponse{Robot: robot})
}

// Deregister handles DELETE /v1/robots/{id}.
func (h *RobotHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Authorize(r.RemoteAddr, auth.ActionRobotRegister) {
		writeErr(w, errcode.New(errcode.CodeUnauthorized, "not permitted to deregister robots"), "")
		return
	}
	id := chi.URLParam(r, "id")
	if !h.registry.Deregister(id) {
		writeErr(w, errcode.Newf(errcode.CodeRobotNotFound, "robot %q is not registered", id).
			WithDetail("robot_id", id), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
