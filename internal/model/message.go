// Package model defines the command envelope clients submit, the internal
// message the queue and workers pass around, and the lifecycle record the
// store keeps until eviction. Everything here is plain data; behavior lives
// in the packages that own each structure.
package model

import (
	"encoding/json"
	"time"
)

// ActorType tags who or what produced a command.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAI     ActorType = "ai"
	ActorSystem ActorType = "system"
)

// Actor identifies the originator of an envelope. The id is opaque to the
// core; it is carried through events and logs untouched.
type Actor struct {
	Type ActorType `json:"type" validate:"required,oneof=human ai system"`
	ID   string    `json:"id,omitempty"`
}

// Source names the surface a command arrived through.
type Source string

const (
	SourceWebUI     Source = "webui"
	SourceAPI       Source = "api"
	SourceCLI       Source = "cli"
	SourceScheduler Source = "scheduler"
)

// Target addresses the robot a command is meant for.
type Target struct {
	RobotID string `json:"robot_id" validate:"required"`
}

// CommandSpec is the command portion of an envelope, exactly as submitted.
// Priority and timestamps stay in wire form here; canonicalization into
// typed fields happens during validation.
type CommandSpec struct {
	ID        string          `json:"id" validate:"required"`
	Type      string          `json:"type" validate:"required,command_type"`
	Target    Target          `json:"target" validate:"required"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty" validate:"omitempty,min=1,max=300000"`
	Priority  string          `json:"priority" validate:"required"`
}

// Envelope is the JSON document a client posts to the submit endpoint. It is
// ephemeral: once validated it is promoted into a Message and discarded.
type Envelope struct {
	TraceID   string            `json:"trace_id,omitempty" validate:"required"`
	Timestamp string            `json:"timestamp" validate:"required"`
	Actor     Actor             `json:"actor" validate:"required"`
	Source    Source            `json:"source" validate:"required,oneof=webui api cli scheduler"`
	Command   CommandSpec       `json:"command" validate:"required"`
	Auth      string            `json:"auth,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Message is the canonical, server-owned form of a validated envelope. The
// queue owns it while pending, a worker while running. AttemptCount starts at
// zero and is bumped by the queue on each requeue.
type Message struct {
	TraceID      string            `json:"trace_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Actor        Actor             `json:"actor"`
	Source       Source            `json:"source"`
	ID           string            `json:"command_id"`
	Type         string            `json:"type"`
	RobotID      string            `json:"robot_id"`
	Params       json.RawMessage   `json:"params,omitempty"`
	Timeout      time.Duration     `json:"-"`
	Priority     Priority          `json:"priority"`
	Labels       map[string]string `json:"labels,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	AttemptCount int               `json:"attempt_count"`
	MaxRetries   int               `json:"max_retries"`
}

// ErrorInfo is the terminal error captured on a failed record, using the
// same code taxonomy that crosses the wire.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Record is the lifecycle row the store keeps per command id. Command is a
// value copy so queue-side mutation of the working message never races with
// store readers. Once State is terminal the record is frozen until TTL
// eviction.
type Record struct {
	Command   Message         `json:"command"`
	State     State           `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	LastError *ErrorInfo      `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep enough copy for handing across goroutine boundaries.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastError != nil {
		le := *r.LastError
		out.LastError = &le
	}
	return &out
}
