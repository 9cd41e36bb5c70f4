package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

func testMessage(id, trace string) model.Message {
	return model.Message{
		TraceID:    trace,
		Timestamp:  time.Now().UTC(),
		Actor:      model.Actor{Type: model.ActorHuman, ID: "op"},
		Source:     model.SourceAPI,
		ID:         id,
		Type:       "robot.stop",
		RobotID:    "r1",
		Priority:   model.PriorityNormal,
		Timeout:    time.Second,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: 3,
	}
}

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	return New(ttl, zap.NewNop())
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t, time.Hour)

	rec, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)
	require.Equal(t, model.StatePending, rec.State)
	require.False(t, rec.CreatedAt.IsZero())

	got, ok := s.Get("c1")
	require.True(t, ok)
	require.Equal(t, "c1", got.Command.ID)

	_, ok = s.Get("missing")
	require.False(t, ok)
}

func TestDuplicateID(t *testing.T) {
	s := newTestStore(t, time.Hour)

	_, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)

	_, err = s.Insert(testMessage("c1", "t2"))
	require.Error(t, err)
	require.True(t, errcode.Is(err, errcode.CodeValidation))
	e, _ := errcode.As(err)
	require.Equal(t, "duplicate_command_id", e.Details["reason"])
}

func TestDuplicateIDSurvivesEviction(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)

	_, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)
	_, err = s.UpdateState("c1", model.StateRunning, nil, nil)
	require.NoError(t, err)
	_, err = s.UpdateState("c1", model.StateSucceeded, nil, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.Sweep()
	_, ok := s.Get("c1")
	require.False(t, ok)

	_, err = s.Insert(testMessage("c1", "t3"))
	require.True(t, errcode.Is(err, errcode.CodeValidation))
}

func TestLifecycleTransitions(t *testing.T) {
	s := newTestStore(t, time.Hour)
	_, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)

	rec, err := s.UpdateState("c1", model.StateRunning, nil, nil)
	require.NoError(t, err)
	require.Equal(t, model.StateRunning, rec.State)

	result := json.RawMessage(`{"ok":true}`)
	rec, err = s.UpdateState("c1", model.StateSucceeded, result, nil)
	require.NoError(t, err)
	require.Equal(t, model.StateSucceeded, rec.State)
	require.JSONEq(t, `{"ok":true}`, string(rec.Result))

	// Terminal records are frozen.
	_, err = s.UpdateState("c1", model.StateCancelled, nil, nil)
	require.Error(t, err)
	got, ok := s.Get("c1")
	require.True(t, ok)
	require.Equal(t, model.StateSucceeded, got.State)
}

func TestIllegalTransitionRefused(t *testing.T) {
	s := newTestStore(t, time.Hour)
	_, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)

	_, err = s.UpdateState("c1", model.StateSucceeded, nil, nil)
	require.Error(t, err)

	got, _ := s.Get("c1")
	require.Equal(t, model.StatePending, got.State)
}

func TestUpdateUnknownRecord(t *testing.T) {
	s := newTestStore(t, time.Hour)
	_, err := s.UpdateState("ghost", model.StateRunning, nil, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFailedRecordKeepsError(t *testing.T) {
	s := newTestStore(t, time.Hour)
	_, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)
	_, err = s.UpdateState("c1", model.StateRunning, nil, nil)
	require.NoError(t, err)

	info := &model.ErrorInfo{Code: "ERR_PROTOCOL", Message: "connect refused"}
	rec, err := s.UpdateState("c1", model.StateFailed, nil, info)
	require.NoError(t, err)
	require.NotNil(t, rec.LastError)
	require.Equal(t, "ERR_PROTOCOL", rec.LastError.Code)
}

func TestFindByTrace(t *testing.T) {
	s := newTestStore(t, time.Hour)
	_, err := s.Insert(testMessage("c1", "shared"))
	require.NoError(t, err)
	_, err = s.Insert(testMessage("c2", "shared"))
	require.NoError(t, err)
	_, err = s.Insert(testMessage("c3", "solo"))
	require.NoError(t, err)

	recs := s.FindByTrace("shared")
	require.Len(t, recs, 2)
	require.Equal(t, "c1", recs[0].Command.ID)
	require.Equal(t, "c2", recs[1].Command.ID)

	require.Len(t, s.FindByTrace("solo"), 1)
	require.Empty(t, s.FindByTrace("nope"))
}

func TestSweepEvictsAndUnlinksTrace(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)
	_, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)

	_, err = s.UpdateState("c1", model.StateCancelled, nil, nil)
	require.NoError(t, err)

	active, terminal := s.Counts()
	require.Equal(t, 0, active)
	require.Equal(t, 1, terminal)

	time.Sleep(20 * time.Millisecond)
	s.Sweep()

	_, terminal = s.Counts()
	require.Equal(t, 0, terminal)
	require.Empty(t, s.FindByTrace("t1"))
}

func TestClonesDoNotLeakInternalState(t *testing.T) {
	s := newTestStore(t, time.Hour)
	_, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)

	rec, _ := s.Get("c1")
	rec.State = model.StateFailed

	fresh, _ := s.Get("c1")
	require.Equal(t, model.StatePending, fresh.State)
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("c-%d", n)
			_, err := s.Insert(testMessage(id, "t"))
			require.NoError(t, err)
			_, err = s.UpdateState(id, model.StateRunning, nil, nil)
			require.NoError(t, err)
			_, err = s.UpdateState(id, model.StateSucceeded, nil, nil)
			require.NoError(t, err)
			_, ok := s.Get(id)
			require.True(t, ok)
		}(i)
	}
	wg.Wait()

	require.Len(t, s.FindByTrace("t"), 20)
	active, terminal := s.Counts()
	require.Equal(t, 0, active)
	require.Equal(t, 20, terminal)
}

func TestDiscardReleasesID(t *testing.T) {
	s := newTestStore(t, time.Hour)

	_, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)

	s.Discard("c1")

	_, ok := s.Get("c1")
	require.False(t, ok)
	require.False(t, s.Exists("c1"))
	require.Empty(t, s.FindByTrace("t1"))

	// The id is free again after a failed admission.
	_, err = s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)
}

func TestDiscardIgnoresNonPending(t *testing.T) {
	s := newTestStore(t, time.Hour)

	_, err := s.Insert(testMessage("c1", "t1"))
	require.NoError(t, err)
	_, err = s.UpdateState("c1", model.StateRunning, nil, nil)
	require.NoError(t, err)

	s.Discard("c1")

	rec, ok := s.Get("c1")
	require.True(t, ok)
	require.Equal(t, model.StateRunning, rec.State)
	require.True(t, s.Exists("c1"))
}
