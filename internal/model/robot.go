package model

import "time"

// RobotStatus is the registry's view of a robot's availability.
type RobotStatus string

const (
	RobotOnline      RobotStatus = "online"
	RobotOffline     RobotStatus = "offline"
	RobotBusy        RobotStatus = "busy"
	RobotMaintenance RobotStatus = "maintenance"
)

func (s RobotStatus) Valid() bool {
	switch s {
	case RobotOnline, RobotOffline, RobotBusy, RobotMaintenance:
		return true
	}
	return false
}

// Dispatchable reports whether the registry allows new dispatches in this
// status. Busy robots stay dispatchable at the registry level; serialization
// per robot is the queue's job, and an explicit refusal comes back from the
// robot itself.
func (s RobotStatus) Dispatchable() bool {
	return s == RobotOnline || s == RobotBusy
}

// Protocol selects the adapter used to reach a robot.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolMQTT      Protocol = "mqtt"
	ProtocolWebSocket Protocol = "websocket"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolMQTT, ProtocolWebSocket:
		return true
	}
	return false
}

// Robot is a registry entry. Endpoint is a URL for http/websocket robots and
// a broker topic for mqtt robots. Credentials, when set, is a bearer token the
// HTTP adapter attaches to dispatches; it never leaves the process.
type Robot struct {
	ID            string      `json:"robot_id"`
	Type          string      `json:"robot_type,omitempty"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	Status        RobotStatus `json:"status"`
	Endpoint      string      `json:"endpoint"`
	Protocol      Protocol    `json:"protocol"`
	Credentials   string      `json:"-"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// HasCapability reports whether the robot advertises the action. An empty
// capability set means the robot accepts anything.
func (r *Robot) HasCapability(action string) bool {
	if len(r.Capabilities) == 0 {
		return true
	}
	for _, c := range r.Capabilities {
		if c == action {
			return true
		}
	}
	return false
}

// Clone copies the entry so registry internals never escape to callers.
func (r *Robot) Clone() *Robot {
	if r == nil {
		return nil
	}
	out := *r
	if r.Capabilities != nil {
		out.Capabilities = append([]string(nil), r.Capabilities...)
	}
	return &out
}
