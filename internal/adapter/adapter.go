// Package adapter sends validated commands to robots over the wire protocols
// they speak. One Adapter per protocol; all of them share the same request
// document and the same reply contract, so a robot implementor can switch
// transport without changing payload handling.
//
// Adapters classify every failure into the error taxonomy. They keep pooled
// connections but no per-command state beyond the in-flight correlation maps.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

// Adapter dispatches one command to one robot and reports the outcome.
// Dispatch must honor ctx cancellation and deadline; the caller owns retry
// policy and state transitions.
type Adapter interface {
	Protocol() model.Protocol
	Dispatch(ctx context.Context, msg *model.Message, robot *model.Robot) (json.RawMessage, error)
	Close() error
}

// Registry holds the configured adapters keyed by protocol.
type Registry struct {
	adapters map[model.Protocol]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Protocol]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Protocol()] = a
	}
	return r
}

// Route selects the adapter for a protocol. A protocol without an adapter is
// a routing failure, not a robot failure.
func (r *Registry) Route(p model.Protocol) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, errcode.Newf(errcode.CodeRouting, "no adapter for protocol %q", p).
			WithDetail("protocol", string(p))
	}
	return a, nil
}

// Protocols lists the registered protocols.
func (r *Registry) Protocols() []model.Protocol {
	out := make([]model.Protocol, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// Close shuts every adapter down, joining their errors.
func (r *Registry) Close() error {
	var errs []error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// request is the JSON document every adapter sends to a robot.
type request struct {
	CommandID string          `json:"command_id"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	TraceID   string          `json:"trace_id"`
	Timestamp string          `json:"timestamp"`
	ReplyTo   string          `json:"reply_to,omitempty"`
}

func buildRequest(msg *model.Message, replyTo string) ([]byte, error) {
	body, err := json.Marshal(request{
		CommandID: msg.ID,
		Type:      msg.Type,
		Params:    msg.Params,
		TraceID:   msg.TraceID,
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		ReplyTo:   replyTo,
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeInternal, err, "marshal dispatch payload")
	}
	return body, nil
}

// reply is the document MQTT and WebSocket robots send back. HTTP robots use
// status codes instead; their 2xx body becomes the result directly.
type reply struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *replyError     `json:"error,omitempty"`
}

type replyError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// robotCodes are the taxonomy codes a robot may legitimately report about
// itself. Anything else a robot claims collapses to ERR_ACTION_INVALID so a
// misbehaving robot cannot force retries by echoing a retriable code it does
// not own.
var robotCodes = map[string]errcode.Code{
	string(errcode.CodeRobotBusy):     errcode.CodeRobotBusy,
	string(errcode.CodeUnauthorized):  errcode.CodeUnauthorized,
	string(errcode.CodeActionInvalid): errcode.CodeActionInvalid,
}

// result resolves a parsed reply into a dispatch outcome.
func (r *reply) result() (json.RawMessage, error) {
	if r.Status == "ok" {
		return r.Result, nil
	}
	code := errcode.CodeActionInvalid
	message := "robot rejected the command"
	var unmapped string
	if r.Error != nil {
		if mapped, ok := robotCodes[r.Error.Code]; ok {
			code = mapped
		} else if r.Error.Code != "" {
			unmapped = r.Error.Code
		}
		if r.Error.Message != "" {
			message = r.Error.Message
		}
	}
	e := errcode.New(code, message)
	if unmapped != "" {
		e.WithDetail("robot_code", unmapped)
	}
	return nil, e
}

func parseReply(raw []byte) (*reply, error) {
	var rep reply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, errcode.Wrap(errcode.CodeProtocol, err, "malformed robot reply")
	}
	return &rep, nil
}

// wireReply is the handoff between a transport's receive path and the
// dispatch waiting on it. Either data or err is set, never both.
type wireReply struct {
	data []byte
	err  error
}

// awaitReply blocks until the correlated reply arrives or the command context
// gives up. Deadline expiry is a timeout; cancellation propagates untouched so
// the worker can tell an operator cancel from a wire failure.
func awaitReply(ctx context.Context, ch <-chan wireReply) (json.RawMessage, error) {
	select {
	case wr := <-ch:
		if wr.err != nil {
			return nil, wr.err
		}
		rep, err := parseReply(wr.data)
		if err != nil {
			return nil, err
		}
		return rep.result()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errcode.Wrap(errcode.CodeTimeout, ctx.Err(), "no reply within timeout")
		}
		return nil, ctx.Err()
	}
}
