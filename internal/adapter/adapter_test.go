package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

func testMessage(id string) *model.Message {
	return &model.Message{
		TraceID:   "t-" + id,
		Timestamp: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		ID:        id,
		Type:      "robot.move",
		RobotID:   "r1",
		Params:    json.RawMessage(`{"direction":"forward"}`),
		Timeout:   time.Second,
		Priority:  model.PriorityNormal,
	}
}

func TestBuildRequest(t *testing.T) {
	body, err := buildRequest(testMessage("c1"), "replies/xyz")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, "c1", got["command_id"])
	require.Equal(t, "robot.move", got["type"])
	require.Equal(t, "t-c1", got["trace_id"])
	require.Equal(t, "2026-08-25T10:00:00Z", got["timestamp"])
	require.Equal(t, "replies/xyz", got["reply_to"])
	require.Equal(t, map[string]any{"direction": "forward"}, got["params"])
}

func TestBuildRequestOmitsEmptyReplyTo(t *testing.T) {
	body, err := buildRequest(testMessage("c1"), "")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	require.NotContains(t, got, "reply_to")
}

func TestReplyResult(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantCode errcode.Code
		wantOK   bool
	}{
		{"ok with result", `{"command_id":"c1","status":"ok","result":{"moved":true}}`, "", true},
		{"ok without result", `{"command_id":"c1","status":"ok"}`, "", true},
		{"error without code", `{"command_id":"c1","status":"error","error":{"message":"arm jammed"}}`, errcode.CodeActionInvalid, false},
		{"error busy", `{"command_id":"c1","status":"error","error":{"code":"ERR_ROBOT_BUSY","message":"docking"}}`, errcode.CodeRobotBusy, false},
		{"error unauthorized", `{"command_id":"c1","status":"error","error":{"code":"ERR_UNAUTHORIZED"}}`, errcode.CodeUnauthorized, false},
		{"retriable code not honored", `{"command_id":"c1","status":"error","error":{"code":"ERR_PROTOCOL"}}`, errcode.CodeActionInvalid, false},
		{"unknown code collapses", `{"command_id":"c1","status":"error","error":{"code":"E_FIRMWARE"}}`, errcode.CodeActionInvalid, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep, err := parseReply([]byte(tc.raw))
			require.NoError(t, err)

			res, err := rep.result()
			if tc.wantOK {
				require.NoError(t, err)
				_ = res
				return
			}
			require.True(t, errcode.Is(err, tc.wantCode), "got %v", err)
		})
	}
}

func TestReplyResultKeepsUnmappedCode(t *testing.T) {
	rep, err := parseReply([]byte(`{"command_id":"c1","status":"error","error":{"code":"E_FIRMWARE","message":"bad rom"}}`))
	require.NoError(t, err)

	_, err = rep.result()
	e, ok := errcode.As(err)
	require.True(t, ok)
	require.Equal(t, "E_FIRMWARE", e.Details["robot_code"])
	require.Equal(t, "bad rom", e.Message)
}

func TestParseReplyMalformed(t *testing.T) {
	_, err := parseReply([]byte(`{not json`))
	require.True(t, errcode.Is(err, errcode.CodeProtocol))
}

func TestRegistryRoute(t *testing.T) {
	httpAd := NewHTTP(zap.NewNop())
	t.Cleanup(func() { _ = httpAd.Close() })
	reg := NewRegistry(httpAd)

	a, err := reg.Route(model.ProtocolHTTP)
	require.NoError(t, err)
	require.Equal(t, model.ProtocolHTTP, a.Protocol())

	_, err = reg.Route(model.ProtocolMQTT)
	require.True(t, errcode.Is(err, errcode.CodeRouting))
	require.Len(t, reg.Protocols(), 1)
}

func TestAwaitReplyTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ch := make(chan wireReply, 1)
	_, err := awaitReply(ctx, ch)
	require.True(t, errcode.Is(err, errcode.CodeTimeout))
}

func TestAwaitReplyCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	ch := make(chan wireReply, 1)
	_, err := awaitReply(ctx, ch)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAwaitReplyTransportError(t *testing.T) {
	ch := make(chan wireReply, 1)
	ch <- wireReply{err: errcode.New(errcode.CodeProtocol, "connection lost")}

	_, err := awaitReply(context.Background(), ch)
	require.True(t, errcode.Is(err, errcode.CodeProtocol))
}
