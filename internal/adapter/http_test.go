package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

func httpRobot(endpoint string) *model.Robot {
	return &model.Robot{
		ID:       "r1",
		Status:   model.RobotOnline,
		Endpoint: endpoint,
		Protocol: model.ProtocolHTTP,
	}
}

func TestHTTPDispatchSuccess(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"moved":true,"battery_pct":81}`))
	}))
	defer srv.Close()

	a := NewHTTP(zap.NewNop())
	defer a.Close()

	robot := httpRobot(srv.URL)
	robot.Credentials = "robot-secret"

	res, err := a.Dispatch(context.Background(), testMessage("c1"), robot)
	require.NoError(t, err)
	require.JSONEq(t, `{"moved":true,"battery_pct":81}`, string(res))
	require.Equal(t, "Bearer robot-secret", gotAuth)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	require.Equal(t, "c1", sent["command_id"])
	require.Equal(t, "robot.move", sent["type"])
}

func TestHTTPDispatchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewHTTP(zap.NewNop())
	defer a.Close()

	res, err := a.Dispatch(context.Background(), testMessage("c1"), httpRobot(srv.URL))
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status   int
		wantCode errcode.Code
	}{
		{http.StatusUnauthorized, errcode.CodeUnauthorized},
		{http.StatusForbidden, errcode.CodeUnauthorized},
		{http.StatusConflict, errcode.CodeRobotBusy},
		{http.StatusLocked, errcode.CodeRobotBusy},
		{http.StatusBadRequest, errcode.CodeActionInvalid},
		{http.StatusUnprocessableEntity, errcode.CodeActionInvalid},
		{http.StatusInternalServerError, errcode.CodeProtocol},
		{http.StatusBadGateway, errcode.CodeProtocol},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			a := NewHTTP(zap.NewNop())
			defer a.Close()

			_, err := a.Dispatch(context.Background(), testMessage("c1"), httpRobot(srv.URL))
			require.True(t, errcode.Is(err, tc.wantCode), "status %d: got %v", tc.status, err)
		})
	}
}

func TestHTTPNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	a := NewHTTP(zap.NewNop())
	defer a.Close()

	_, err := a.Dispatch(context.Background(), testMessage("c1"), httpRobot(srv.URL))
	require.True(t, errcode.Is(err, errcode.CodeProtocol))
}

func TestHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	a := NewHTTP(zap.NewNop())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := a.Dispatch(ctx, testMessage("c1"), httpRobot(srv.URL))
	require.True(t, errcode.Is(err, errcode.CodeTimeout), "got %v", err)
}

func TestHTTPCancellationPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	a := NewHTTP(zap.NewNop())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := a.Dispatch(ctx, testMessage("c1"), httpRobot(srv.URL))
	require.ErrorIs(t, err, context.Canceled)
}

func TestHTTPConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	a := NewHTTP(zap.NewNop())
	defer a.Close()

	_, err := a.Dispatch(context.Background(), testMessage("c1"), httpRobot(endpoint))
	require.True(t, errcode.Is(err, errcode.CodeProtocol))
}

func TestHTTPBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewHTTP(zap.NewNop())
	defer a.Close()

	for i := 0; i < breakerThreshold; i++ {
		_, err := a.Dispatch(context.Background(), testMessage("c1"), httpRobot(srv.URL))
		require.True(t, errcode.Is(err, errcode.CodeProtocol))
	}
	require.Equal(t, int32(breakerThreshold), hits.Load())

	_, err := a.Dispatch(context.Background(), testMessage("c1"), httpRobot(srv.URL))
	require.True(t, errcode.Is(err, errcode.CodeProtocol))
	e, _ := errcode.As(err)
	require.Equal(t, "circuit_open", e.Details["reason"])
	require.Equal(t, int32(breakerThreshold), hits.Load(), "open circuit must not reach the robot")
}

func TestHTTPRobotRefusalsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	a := NewHTTP(zap.NewNop())
	defer a.Close()

	for i := 0; i < breakerThreshold*2; i++ {
		_, err := a.Dispatch(context.Background(), testMessage("c1"), httpRobot(srv.URL))
		require.True(t, errcode.Is(err, errcode.CodeRobotBusy))
	}
	require.Equal(t, int32(breakerThreshold*2), hits.Load(), "busy responses must keep flowing")
}
