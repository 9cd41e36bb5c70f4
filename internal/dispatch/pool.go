// Package dispatch runs the worker pool between the priority queue and the
// protocol adapters. Each worker repeats the same cycle: dequeue, resolve the
// target robot, route to its adapter, execute one attempt under the command
// timeout, then settle the outcome against the store and the queue.
//
// Per attempt:
//  1. Move the record to running and announce it (first attempt only).
//  2. Resolve the robot; unknown robots fail, offline robots are retriable.
//  3. Route to the adapter for the robot's protocol.
//  4. Dispatch with a per-attempt deadline and a per-command cancel handle.
//  5. Settle: ack on success, requeue with backoff on retriable errors,
//     cancel when an operator or shutdown pulled the plug, fail otherwise.
//
// The queue serializes commands per robot, so two workers never talk to the
// same robot at once no matter how the pool is sized.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/adapter"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/bus"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/metrics"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/queue"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/registry"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/store"
)

// Cancellation causes installed on a command's context. Workers use the cause
// to tell an operator cancel from a shutdown from an ordinary attempt timeout.
var (
	errCancelledByOperator = errors.New("cancelled by operator")
	errShuttingDown        = errors.New("shutting down")
)

const (
	defaultWorkers      = 5
	defaultPollInterval = 100 * time.Millisecond
	defaultTimeout      = 10 * time.Second
)

// Config sizes the pool. Zero fields fall back to the defaults above.
type Config struct {
	Workers        int
	PollInterval   time.Duration
	DefaultTimeout time.Duration
}

// Pool owns the dispatch workers and the cancellation handles for in-flight
// commands. Construct with New, launch with Start, stop with Drain.
type Pool struct {
	queue    *queue.Queue
	store    *store.Store
	robots   *registry.Registry
	adapters *adapter.Registry
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config

	mu       sync.Mutex
	cancels  map[string]context.CancelCauseFunc
	draining bool

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(q *queue.Queue, s *store.Store, robots *registry.Registry, adapters *adapter.Registry, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &Pool{
		queue:    q,
		store:    s,
		robots:   robots,
		adapters: adapters,
		bus:      b,
		metrics:  m,
		logger:   logger.Named("dispatch"),
		cfg:      cfg,
		cancels:  make(map[string]context.CancelCauseFunc),
	}
}

// Start launches the workers. They run until ctx is cancelled or Drain is
// called.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel
	for i := 1; i <= p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval))
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker", id))
	for {
		msg := p.queue.Dequeue(ctx, p.cfg.PollInterval)
		if msg == nil {
			if ctx.Err() != nil || p.Draining() {
				log.Debug("worker stopped")
				return
			}
			continue
		}
		p.run(ctx, log, msg)
	}
}

// run executes one attempt with panic isolation so a misbehaving adapter
// cannot take a worker down with it.
func (p *Pool) run(ctx context.Context, log *zap.Logger, msg *model.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic recovered",
				zap.String("command_id", msg.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			p.unregisterCancel(msg.ID)
			p.queue.Nack(msg.ID, false)
			p.failTerminal(log, msg, errcode.New(errcode.CodeInternal, "internal dispatch failure").
				WithDetail("reason", "panic"))
		}
	}()
	p.handle(ctx, log, msg)
}

func (p *Pool) handle(ctx context.Context, log *zap.Logger, msg *model.Message) {
	log = log.With(
		zap.String("command_id", msg.ID),
		zap.String("trace_id", msg.TraceID),
		zap.String("robot_id", msg.RobotID),
		zap.Int("attempt", msg.AttemptCount+1))

	// The store transition is the serialization point against cancellation: a
	// command cancelled between submission and pickup is already terminal here
	// and gets dropped without touching the robot. Retries skip this; their
	// record stayed running across the backoff.
	if msg.AttemptCount == 0 {
		if _, err := p.store.UpdateState(msg.ID, model.StateRunning, nil, nil); err != nil {
			log.Debug("command no longer pending, dropping", zap.Error(err))
			p.queue.Ack(msg.ID)
			return
		}
		p.event(msg, "command.running", bus.SeverityInfo, nil)
		log.Info("command started", zap.String("type", msg.Type))
	}

	robot, ok := p.robots.Get(msg.RobotID)
	if !ok {
		p.settleFailure(log, msg, errcode.New(errcode.CodeRobotNotFound, "robot is not registered").
			WithDetail("robot_id", msg.RobotID))
		return
	}
	if !robot.Status.Dispatchable() {
		p.settleFailure(log, msg, errcode.New(errcode.CodeRobotOffline, "robot is not accepting commands").
			WithDetail("robot_id", msg.RobotID).
			WithDetail("status", string(robot.Status)))
		return
	}

	ad, err := p.adapters.Route(robot.Protocol)
	if err != nil {
		p.settleFailure(log, msg, err)
		return
	}

	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	cmdCtx, cancelCmd := context.WithCancelCause(ctx)
	p.registerCancel(msg.ID, cancelCmd)
	attemptCtx, cancelAttempt := context.WithTimeout(cmdCtx, timeout)

	start := time.Now()
	result, err := ad.Dispatch(attemptCtx, msg, robot)
	elapsed := time.Since(start)

	cancelAttempt()
	p.unregisterCancel(msg.ID)
	cancelled := cmdCtx.Err() != nil
	cause := context.Cause(cmdCtx)
	cancelCmd(nil)

	p.metrics.Dispatches.WithLabelValues(string(robot.Protocol)).Observe(elapsed.Seconds())

	switch {
	case err == nil:
		// A result that raced an operator cancel still wins: the robot did
		// the work, so the record keeps it.
		p.queue.Ack(msg.ID)
		if _, uerr := p.store.UpdateState(msg.ID, model.StateSucceeded, result, nil); uerr != nil {
			log.Debug("result discarded, record already terminal", zap.Error(uerr))
			return
		}
		p.event(msg, "command.succeeded", bus.SeverityInfo, map[string]any{
			"duration_ms": elapsed.Milliseconds(),
		})
		log.Info("command succeeded", zap.Duration("duration", elapsed))

	case cancelled:
		p.queue.Ack(msg.ID)
		p.finishCancelled(log, msg, cause)

	default:
		p.settleFailure(log, msg, err)
	}
}

// settleFailure decides between requeue-with-backoff and terminal failure.
// The queue refuses the requeue once retries are exhausted, and a draining
// pool refuses it always so shutdown never leaves a record non-terminal.
func (p *Pool) settleFailure(log *zap.Logger, msg *model.Message, err error) {
	code := errcode.CodeOf(err)
	p.metrics.DispatchErrors.WithLabelValues(string(code)).Inc()

	if code.Retriable() && !p.Draining() {
		if requeued, delay := p.queue.Nack(msg.ID, true); requeued {
			p.store.SetAttempts(msg.ID, msg.AttemptCount)
			p.event(msg, "command.retry", bus.SeverityWarn, map[string]any{
				"code":     string(code),
				"delay_ms": delay.Milliseconds(),
			})
			log.Warn("attempt failed, retrying",
				zap.String("code", string(code)),
				zap.Duration("delay", delay),
				zap.Error(err))
			return
		}
		p.failTerminal(log, msg, err)
		return
	}

	p.queue.Nack(msg.ID, false)
	p.failTerminal(log, msg, err)
}

func (p *Pool) failTerminal(log *zap.Logger, msg *model.Message, cause error) {
	info := toErrorInfo(cause)
	if _, err := p.store.UpdateState(msg.ID, model.StateFailed, nil, &info); err != nil {
		log.Debug("failure lost the race with another transition", zap.Error(err))
		return
	}
	p.event(msg, "command.failed", bus.SeverityError, map[string]any{
		"code":  info.Code,
		"error": info.Message,
	})
	log.Error("command failed",
		zap.String("code", info.Code),
		zap.String("error", info.Message),
		zap.Int("attempts", msg.AttemptCount+1))
}

func (p *Pool) finishCancelled(log *zap.Logger, msg *model.Message, cause error) {
	if _, err := p.store.UpdateState(msg.ID, model.StateCancelled, nil, nil); err != nil {
		log.Debug("cancel lost the race with another transition", zap.Error(err))
		return
	}
	reason := "cancelled by operator"
	if !errors.Is(cause, errCancelledByOperator) {
		reason = "cancelled by shutdown"
	}
	p.event(msg, "command.cancelled", bus.SeverityInfo, map[string]any{"reason": reason})
	log.Info("command cancelled", zap.String("reason", reason))
}

// Cancel stops a command wherever it currently is. Waiting and backoff-parked
// commands are pulled from the queue and cancelled immediately; an in-flight
// attempt has its context cancelled and the owning worker settles the record
// when it notices. Terminal records are returned unchanged. The returned
// record reflects the state after this call, which for an in-flight command
// may still be running.
func (p *Pool) Cancel(id string) (*model.Record, error) {
	rec, ok := p.store.Get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.State.Terminal() {
		return rec, nil
	}

	if msg := p.queue.Remove(id); msg != nil {
		updated, err := p.store.UpdateState(id, model.StateCancelled, nil, nil)
		if err != nil {
			rec, _ = p.store.Get(id)
			return rec, nil
		}
		p.event(msg, "command.cancelled", bus.SeverityInfo, map[string]any{
			"reason": "cancelled before dispatch",
		})
		p.logger.Info("command cancelled before dispatch",
			zap.String("command_id", id),
			zap.String("trace_id", msg.TraceID))
		return updated, nil
	}

	if cancel := p.cancelFor(id); cancel != nil {
		cancel(errCancelledByOperator)
		rec, _ = p.store.Get(id)
		return rec, nil
	}

	// A worker holds the message but has not registered its attempt context
	// yet, or the attempt just ended. Transition directly; the worker backs
	// off when its own transition is refused.
	updated, err := p.store.UpdateState(id, model.StateCancelled, nil, nil)
	if err != nil {
		rec, _ = p.store.Get(id)
		return rec, nil
	}
	p.event(&updated.Command, "command.cancelled", bus.SeverityInfo, map[string]any{
		"reason": "cancelled by operator",
	})
	return updated, nil
}

// Drain is the shutdown sequence: stop intake, cancel everything that never
// started, wait for in-flight attempts until ctx expires, then force-cancel
// the stragglers. When Drain returns no record is left non-terminal.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()

	p.logger.Info("draining worker pool")
	p.queue.Close()

	for _, msg := range p.queue.Clear() {
		if _, err := p.store.UpdateState(msg.ID, model.StateCancelled, nil, nil); err != nil {
			continue
		}
		p.event(msg, "command.cancelled", bus.SeverityInfo, map[string]any{
			"reason": "cancelled by shutdown",
		})
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown grace expired, cancelling in-flight commands",
			zap.Int("in_flight", p.cancelCount()))
		p.cancelAll(errShuttingDown)
		// Cancelling the run context reaches attempts that had not yet
		// registered a cancel handle.
		if p.runCancel != nil {
			p.runCancel()
		}
		<-done
	}

	if p.runCancel != nil {
		p.runCancel()
	}

	// Workers settle their own records on the way out; anything still active
	// here slipped every path above and is forced terminal so the store honors
	// its shutdown contract.
	for _, rec := range p.store.NonTerminal() {
		if _, err := p.store.UpdateState(rec.Command.ID, model.StateCancelled, nil, nil); err != nil {
			continue
		}
		p.logger.Warn("record forced cancelled during drain",
			zap.String("command_id", rec.Command.ID))
		p.event(&rec.Command, "command.cancelled", bus.SeverityWarn, map[string]any{
			"reason": "cancelled by shutdown",
		})
	}
	p.logger.Info("worker pool drained")
}

// Draining reports whether Drain has begun. The health endpoint flips to
// not-ready on it.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

func (p *Pool) event(msg *model.Message, name string, sev bus.Severity, extra map[string]any) {
	ctx := map[string]any{
		"command_id": msg.ID,
		"robot_id":   msg.RobotID,
		"type":       msg.Type,
		"attempt":    msg.AttemptCount + 1,
	}
	for k, v := range extra {
		ctx[k] = v
	}
	p.bus.Publish(bus.Event{
		TraceID:  msg.TraceID,
		Severity: sev,
		Category: bus.CategoryCommand,
		Message:  name,
		Context:  ctx,
	})
}

func (p *Pool) registerCancel(id string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels[id] = cancel
}

func (p *Pool) unregisterCancel(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancels, id)
}

func (p *Pool) cancelFor(id string) context.CancelCauseFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels[id]
}

func (p *Pool) cancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

func (p *Pool) cancelAll(cause error) {
	p.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(p.cancels))
	for _, c := range p.cancels {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()
	for _, c := range cancels {
		c(cause)
	}
}

func toErrorInfo(err error) model.ErrorInfo {
	if e, ok := errcode.As(err); ok {
		return model.ErrorInfo{Code: string(e.Code), Message: e.Message, Details: e.Details}
	}
	return model.ErrorInfo{Code: string(errcode.CodeInternal), Message: err.Error()}
}
