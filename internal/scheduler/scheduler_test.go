package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/bus"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/metrics"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/registry"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/store"
)

func newScheduler(t *testing.T, heartbeatTimeout time.Duration) (*Scheduler, *registry.Registry) {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.New()
	robots := registry.New(logger, bus.New(logger, m), m)
	st := store.New(time.Hour, logger)

	s, err := New(robots, st, heartbeatTimeout, logger)
	require.NoError(t, err)
	return s, robots
}

func TestStaleSweepFlipsRobots(t *testing.T) {
	s, robots := newScheduler(t, 400*time.Millisecond)

	require.NoError(t, robots.Register(&model.Robot{
		ID:            "r1",
		Status:        model.RobotOnline,
		Endpoint:      "http://127.0.0.1:9",
		Protocol:      model.ProtocolHTTP,
		LastHeartbeat: time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, robots.Register(&model.Robot{
		ID:       "r2",
		Status:   model.RobotOnline,
		Endpoint: "http://127.0.0.1:9",
		Protocol: model.ProtocolHTTP,
	}))

	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool {
		r, ok := robots.Get("r1")
		return ok && r.Status == model.RobotOffline
	}, 2*time.Second, 20*time.Millisecond)

	// r2 heartbeated recently and stays online.
	r2, ok := robots.Get("r2")
	require.True(t, ok)
	require.Equal(t, model.RobotOnline, r2.Status)
}

func TestStopIsClean(t *testing.T) {
	s, _ := newScheduler(t, time.Minute)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}
