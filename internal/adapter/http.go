package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

const (
	httpMaxResponseBytes = 1 << 20
	breakerThreshold     = 5
	breakerCooldown      = 15 * time.Second
)

// HTTPAdapter POSTs the request document to the robot's endpoint. Failures
// open a per-host circuit breaker so one dead robot host does not burn worker
// time on connect timeouts.
type HTTPAdapter struct {
	client   *http.Client
	breakers sync.Map // host → *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

func NewHTTP(logger *zap.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

func (a *HTTPAdapter) Protocol() model.Protocol { return model.ProtocolHTTP }

func (a *HTTPAdapter) Dispatch(ctx context.Context, msg *model.Message, robot *model.Robot) (json.RawMessage, error) {
	body, err := buildRequest(msg, "")
	if err != nil {
		return nil, err
	}

	cb := a.breakerFor(robot.Endpoint)
	out, err := cb.Execute(func() (any, error) {
		return a.post(ctx, robot, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errcode.Wrap(errcode.CodeProtocol, err, "endpoint circuit open").
				WithDetail("reason", "circuit_open").
				WithDetail("endpoint", robot.Endpoint)
		}
		return nil, err
	}
	res, _ := out.(json.RawMessage)
	return res, nil
}

func (a *HTTPAdapter) post(ctx context.Context, robot *model.Robot, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, robot.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeProtocol, err, "build request").
			WithDetail("endpoint", robot.Endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	if robot.Credentials != "" {
		req.Header.Set("Authorization", "Bearer "+robot.Credentials)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, errcode.Wrap(errcode.CodeTimeout, err, "robot did not answer in time")
		case errors.Is(err, context.Canceled):
			return nil, ctx.Err()
		default:
			return nil, errcode.Wrap(errcode.CodeProtocol, err, "request failed").
				WithDetail("endpoint", robot.Endpoint)
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxResponseBytes))
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeProtocol, err, "read response body")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		if !json.Valid(data) {
			return nil, errcode.New(errcode.CodeProtocol, "robot returned a non-JSON body").
				WithDetail("status", resp.StatusCode)
		}
		return json.RawMessage(data), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errcode.New(errcode.CodeUnauthorized, "robot refused the credentials").
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusLocked:
		return nil, errcode.New(errcode.CodeRobotBusy, "robot is busy").
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, errcode.New(errcode.CodeActionInvalid, "robot rejected the command").
			WithDetail("status", resp.StatusCode)
	default:
		return nil, errcode.Newf(errcode.CodeProtocol, "robot returned %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}
}

// breakerFor returns the circuit breaker for an endpoint's host, creating it
// on first use. Only transport-class failures count against the breaker;
// a robot refusing a command is a healthy endpoint.
func (a *HTTPAdapter) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	if cb, ok := a.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errcode.CodeOf(err).Retriable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn("endpoint circuit state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	actual, _ := a.breakers.LoadOrStore(host, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}
