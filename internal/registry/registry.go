// Package registry tracks the robots the service can dispatch to.
//
// The registry is purely in-memory: robots announce themselves over the API
// (or are registered by an operator), heartbeat periodically, and disappear
// on deregistration or process exit. Nothing here survives a restart, which
// is fine because robots re-register on reconnect the same way they did at
// first boot.
//
// A background sweep flips robots to offline when their heartbeat goes
// stale; offline and maintenance robots are skipped by dispatch until a
// fresh heartbeat brings them back.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/bus"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/metrics"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

// Filter narrows List results. Zero value lists everything.
type Filter struct {
	Status model.RobotStatus
	Type   string
}

// Registry is the authoritative set of known robots. Safe for concurrent
// use; all returned entries are clones.
type Registry struct {
	mu      sync.RWMutex
	robots  map[string]*model.Robot
	logger  *zap.Logger
	bus     *bus.Bus
	metrics *metrics.Metrics
}

func New(logger *zap.Logger, b *bus.Bus, m *metrics.Metrics) *Registry {
	return &Registry{
		robots:  make(map[string]*model.Robot),
		logger:  logger.Named("registry"),
		bus:     b,
		metrics: m,
	}
}

// Register adds a robot or replaces an existing entry with the same id.
// Replacement is deliberate: a robot that restarts re-registers with fresh
// connection details, and the newest registration wins.
func (r *Registry) Register(entry *model.Robot) error {
	if entry == nil || entry.ID == "" {
		return errcode.New(errcode.CodeValidation, "robot_id is required")
	}
	if !entry.Protocol.Valid() {
		return errcode.Newf(errcode.CodeValidation, "unknown protocol %q", entry.Protocol).
			WithDetail("robot_id", entry.ID)
	}
	if entry.Endpoint == "" {
		return errcode.New(errcode.CodeValidation, "endpoint is required").
			WithDetail("robot_id", entry.ID)
	}

	stored := entry.Clone()
	if stored.Status == "" {
		stored.Status = model.RobotOnline
	}
	if !stored.Status.Valid() {
		return errcode.Newf(errcode.CodeValidation, "unknown status %q", stored.Status).
			WithDetail("robot_id", stored.ID)
	}
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = time.Now().UTC()
	}

	r.mu.Lock()
	if _, exists := r.robots[stored.ID]; exists {
		r.logger.Warn("robot already registered, replacing entry",
			zap.String("robot_id", stored.ID))
	}
	r.robots[stored.ID] = stored
	r.updateGaugeLocked()
	r.mu.Unlock()

	r.logger.Info("robot registered",
		zap.String("robot_id", stored.ID),
		zap.String("protocol", string(stored.Protocol)),
		zap.String("status", string(stored.Status)))
	r.bus.Publish(bus.Event{
		Severity: bus.SeverityInfo,
		Category: bus.CategoryRobot,
		Message:  "robot.registered",
		Context: map[string]any{
			"robot_id": stored.ID,
			"protocol": string(stored.Protocol),
			"status":   string(stored.Status),
		},
	})
	return nil
}

// Deregister removes a robot. Removing an unknown id is a no-op returning
// false.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	_, ok := r.robots[id]
	if ok {
		delete(r.robots, id)
		r.updateGaugeLocked()
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.logger.Info("robot deregistered", zap.String("robot_id", id))
	r.bus.Publish(bus.Event{
		Severity: bus.SeverityInfo,
		Category: bus.CategoryRobot,
		Message:  "robot.deregistered",
		Context:  map[string]any{"robot_id": id},
	})
	return true
}

// Get returns a clone of the entry.
func (r *Registry) Get(id string) (*model.Robot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	robot, ok := r.robots[id]
	if !ok {
		return nil, false
	}
	return robot.Clone(), true
}

// List returns clones of matching entries ordered by robot id.
func (r *Registry) List(f Filter) []*model.Robot {
	r.mu.RLock()
	out := make([]*model.Robot, 0, len(r.robots))
	for _, robot := range r.robots {
		if f.Status != "" && robot.Status != f.Status {
			continue
		}
		if f.Type != "" && robot.Type != f.Type {
			continue
		}
		out = append(out, robot.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Heartbeat refreshes a robot's liveness. An explicit status overrides the
// current one; without it, an offline robot that heartbeats again comes back
// online.
func (r *Registry) Heartbeat(id string, status model.RobotStatus) error {
	if status != "" && !status.Valid() {
		return errcode.Newf(errcode.CodeValidation, "unknown status %q", status).
			WithDetail("robot_id", id)
	}

	r.mu.Lock()
	robot, ok := r.robots[id]
	if !ok {
		r.mu.Unlock()
		return errcode.Newf(errcode.CodeRobotNotFound, "robot %q is not registered", id).
			WithDetail("robot_id", id)
	}
	prev := robot.Status
	robot.LastHeartbeat = time.Now().UTC()
	switch {
	case status != "":
		robot.Status = status
	case robot.Status == model.RobotOffline:
		robot.Status = model.RobotOnline
	}
	now := robot.Status
	r.updateGaugeLocked()
	r.mu.Unlock()

	if prev != now {
		r.bus.Publish(bus.Event{
			Severity: bus.SeverityInfo,
			Category: bus.CategoryRobot,
			Message:  "robot.status_changed",
			Context: map[string]any{
				"robot_id": id,
				"from":     string(prev),
				"to":       string(now),
			},
		})
	}
	return nil
}

// MarkStale flips online and busy robots to offline when their last
// heartbeat is older than timeout. Returns how many were flipped.
func (r *Registry) MarkStale(timeout time.Duration) int {
	cutoff := time.Now().UTC().Add(-timeout)

	var stale []string
	r.mu.Lock()
	for id, robot := range r.robots {
		if robot.Status.Dispatchable() && robot.LastHeartbeat.Before(cutoff) {
			robot.Status = model.RobotOffline
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		r.updateGaugeLocked()
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Warn("robot went offline, heartbeat stale",
			zap.String("robot_id", id),
			zap.Duration("timeout", timeout))
		r.bus.Publish(bus.Event{
			Severity: bus.SeverityWarn,
			Category: bus.CategoryRobot,
			Message:  "robot.offline",
			Context:  map[string]any{"robot_id": id, "reason": "heartbeat_timeout"},
		})
	}
	return len(stale)
}

// Count reports registered robots.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.robots)
}

func (r *Registry) updateGaugeLocked() {
	online := 0
	for _, robot := range r.robots {
		if robot.Status.Dispatchable() {
			online++
		}
	}
	r.metrics.RobotsOnline.Set(float64(online))
}
