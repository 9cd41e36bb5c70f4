// Package validate turns client envelopes into canonical internal messages.
// Structural rules live as struct tags on the model types, command params are
// checked against per-type schemas registered at startup, and semantic rules
// (duplicate id, target resolution) consult the store and registry through
// small interfaces.
package validate

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

// Timeout bounds for command.timeout_ms, inclusive.
const (
	MinTimeoutMS = 1
	MaxTimeoutMS = 300000
)

var commandTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// IDChecker reports whether a command id has already been accepted during
// this process lifetime.
type IDChecker interface {
	Exists(id string) bool
}

// RobotResolver looks up a registered robot at submit time.
type RobotResolver interface {
	Get(id string) (*model.Robot, bool)
}

// Schema checks the params document for one command type.
type Schema func(params []byte) error

// Options tune semantic validation and message canonicalization.
type Options struct {
	// StrictTarget rejects envelopes whose target robot is unknown or lacks
	// the capability, instead of deferring the check to dispatch.
	StrictTarget bool
	// DefaultTimeout applies when the envelope omits timeout_ms.
	DefaultTimeout time.Duration
	// MaxRetries is stamped onto every accepted message.
	MaxRetries int
}

type Validator struct {
	v       *validator.Validate
	schemas map[string]Schema
	ids     IDChecker
	robots  RobotResolver
	opts    Options
	logger  *zap.Logger
}

func New(ids IDChecker, robots RobotResolver, opts Options, logger *zap.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report failures under the wire field names, not the Go ones.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("command_type", func(fl validator.FieldLevel) bool {
		return commandTypePattern.MatchString(fl.Field().String())
	})

	vd := &Validator{
		v:       v,
		schemas: make(map[string]Schema),
		ids:     ids,
		robots:  robots,
		opts:    opts,
		logger:  logger,
	}
	vd.registerBuiltins()
	return vd
}

// RegisterSchema binds a params schema to a command type. A later
// registration for the same type replaces the earlier one.
func (vd *Validator) RegisterSchema(commandType string, s Schema) {
	vd.schemas[commandType] = s
}

// Known reports whether a command type has a registered schema.
func (vd *Validator) Known(commandType string) bool {
	_, ok := vd.schemas[commandType]
	return ok
}

// Validate checks an envelope and promotes it into a canonical message.
// Every rejection carries a taxonomy code; nothing here panics on bad input.
func (vd *Validator) Validate(env *model.Envelope) (*model.Message, error) {
	if env == nil {
		return nil, errcode.New(errcode.CodeValidation, "empty envelope")
	}

	if err := vd.v.Struct(env); err != nil {
		e := errcode.New(errcode.CodeValidation, "envelope failed validation")
		for field, rule := range detailsFor(err) {
			e.WithDetail(field, rule)
		}
		return nil, e
	}

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return nil, errcode.New(errcode.CodeValidation, "timestamp is not RFC 3339").
			WithDetail("timestamp", env.Timestamp)
	}

	prio, err := model.ParsePriority(env.Command.Priority)
	if err != nil {
		return nil, errcode.New(errcode.CodeValidation, "unknown priority").
			WithDetail("command.priority", env.Command.Priority)
	}

	schema, ok := vd.schemas[env.Command.Type]
	if !ok {
		return nil, errcode.Newf(errcode.CodeActionInvalid, "unknown command type %q", env.Command.Type).
			WithDetail("type", env.Command.Type)
	}
	if err := schema(env.Command.Params); err != nil {
		e := errcode.Newf(errcode.CodeActionInvalid, "params rejected for %q", env.Command.Type)
		for field, rule := range detailsFor(err) {
			e.WithDetail(field, rule)
		}
		return nil, e
	}

	if vd.ids != nil && vd.ids.Exists(env.Command.ID) {
		return nil, errcode.New(errcode.CodeValidation, "command id already used").
			WithDetail("reason", "duplicate_command_id").
			WithDetail("command_id", env.Command.ID)
	}

	if vd.opts.StrictTarget && vd.robots != nil {
		robot, ok := vd.robots.Get(env.Command.Target.RobotID)
		if !ok {
			return nil, errcode.Newf(errcode.CodeRobotNotFound, "robot %q is not registered", env.Command.Target.RobotID).
				WithDetail("robot_id", env.Command.Target.RobotID)
		}
		if !robot.HasCapability(env.Command.Type) {
			return nil, errcode.Newf(errcode.CodeActionInvalid, "robot %q does not accept %q", robot.ID, env.Command.Type).
				WithDetail("robot_id", robot.ID).
				WithDetail("type", env.Command.Type)
		}
	}

	timeout := time.Duration(env.Command.TimeoutMS) * time.Millisecond
	if env.Command.TimeoutMS == 0 {
		timeout = vd.opts.DefaultTimeout
	}

	return &model.Message{
		TraceID:    env.TraceID,
		Timestamp:  ts.UTC(),
		Actor:      env.Actor,
		Source:     env.Source,
		ID:         env.Command.ID,
		Type:       env.Command.Type,
		RobotID:    env.Command.Target.RobotID,
		Params:     env.Command.Params,
		Timeout:    timeout,
		Priority:   prio,
		Labels:     env.Labels,
		MaxRetries: vd.opts.MaxRetries,
	}, nil
}

// detailsFor flattens a validation failure into wire-name details. Field
// errors become {path: rule}; anything else becomes a reason string.
func detailsFor(err error) map[string]any {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		d := make(map[string]any, len(verrs))
		for _, fe := range verrs {
			rule := fe.Tag()
			if p := fe.Param(); p != "" {
				rule += "=" + p
			}
			d[fieldPath(fe)] = rule
		}
		return d
	}
	return map[string]any{"reason": err.Error()}
}

// fieldPath strips the root struct name from a namespace, leaving the dotted
// JSON path ("command.target.robot_id").
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
