package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/metrics"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

func newTestQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	q := New(capacity, zap.NewNop(), metrics.New())
	t.Cleanup(q.Close)
	return q
}

func msg(id, robot string, p model.Priority) *model.Message {
	return &model.Message{
		TraceID:    "t-" + id,
		ID:         id,
		Type:       "robot.stop",
		RobotID:    robot,
		Priority:   p,
		MaxRetries: 3,
	}
}

func mustDequeue(t *testing.T, q *Queue, wait time.Duration) *model.Message {
	t.Helper()
	m := q.Dequeue(context.Background(), wait)
	require.NotNil(t, m, "expected a message within %v", wait)
	return m
}

func TestPriorityOrder(t *testing.T) {
	q := newTestQueue(t, 10)

	require.NoError(t, q.Enqueue(msg("c-low", "r1", model.PriorityLow)))
	require.NoError(t, q.Enqueue(msg("c-urgent", "r2", model.PriorityUrgent)))
	require.NoError(t, q.Enqueue(msg("c-normal", "r3", model.PriorityNormal)))
	require.NoError(t, q.Enqueue(msg("c-high", "r4", model.PriorityHigh)))

	var order []string
	for i := 0; i < 4; i++ {
		order = append(order, mustDequeue(t, q, time.Second).ID)
	}
	require.Equal(t, []string{"c-urgent", "c-high", "c-normal", "c-low"}, order)
}

func TestPriorityWinsOnSameRobot(t *testing.T) {
	q := newTestQueue(t, 10)

	require.NoError(t, q.Enqueue(msg("c-low", "r2", model.PriorityLow)))
	require.NoError(t, q.Enqueue(msg("c-urgent", "r2", model.PriorityUrgent)))

	first := mustDequeue(t, q, time.Second)
	require.Equal(t, "c-urgent", first.ID)
}

func TestFIFOWithinBand(t *testing.T) {
	q := newTestQueue(t, 10)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		m := msg(fmt.Sprintf("c%d", i), fmt.Sprintf("r%d", i), model.PriorityNormal)
		m.EnqueuedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, q.Enqueue(m))
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, fmt.Sprintf("c%d", i), mustDequeue(t, q, time.Second).ID)
	}
}

func TestHeadOfLineAvoidance(t *testing.T) {
	q := newTestQueue(t, 10)

	// r1's first command takes the robot lock.
	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityUrgent)))
	first := mustDequeue(t, q, time.Second)
	require.Equal(t, "c1", first.ID)

	// An urgent command for the busy robot must not starve the lower-priority
	// command for a free robot.
	require.NoError(t, q.Enqueue(msg("c2", "r1", model.PriorityUrgent)))
	require.NoError(t, q.Enqueue(msg("c3", "r2", model.PriorityLow)))

	next := mustDequeue(t, q, time.Second)
	require.Equal(t, "c3", next.ID)

	// Releasing r1 frees the skipped urgent command.
	q.Ack("c1")
	require.Equal(t, "c2", mustDequeue(t, q, time.Second).ID)
}

func TestPerRobotSerialization(t *testing.T) {
	q := newTestQueue(t, 10)

	require.NoError(t, q.Enqueue(msg("c-a", "r1", model.PriorityNormal)))
	require.NoError(t, q.Enqueue(msg("c-b", "r1", model.PriorityNormal)))

	a := mustDequeue(t, q, time.Second)
	require.Equal(t, "c-a", a.ID)

	// c-b is ineligible while c-a holds the robot.
	require.Nil(t, q.Dequeue(context.Background(), 50*time.Millisecond))

	q.Ack("c-a")
	require.Equal(t, "c-b", mustDequeue(t, q, time.Second).ID)
}

func TestCapacity(t *testing.T) {
	q := newTestQueue(t, 2)

	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityNormal)))
	require.NoError(t, q.Enqueue(msg("c2", "r2", model.PriorityNormal)))

	err := q.Enqueue(msg("c3", "r3", model.PriorityNormal))
	require.True(t, errcode.Is(err, errcode.CodeQueueFull))
	require.GreaterOrEqual(t, q.Size().Total, 2)
}

func TestCapacityOneWithInFlight(t *testing.T) {
	q := newTestQueue(t, 1)

	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityNormal)))
	_ = mustDequeue(t, q, time.Second) // c1 now in flight, not waiting

	require.NoError(t, q.Enqueue(msg("c2", "r2", model.PriorityNormal)))
	err := q.Enqueue(msg("c3", "r3", model.PriorityNormal))
	require.True(t, errcode.Is(err, errcode.CodeQueueFull))
}

func TestNackRequeuesWithBackoff(t *testing.T) {
	q := newTestQueue(t, 10)

	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityNormal)))
	m := mustDequeue(t, q, time.Second)

	requeued, delay := q.Nack(m.ID, true)
	require.True(t, requeued)
	require.InDelta(t, float64(200*time.Millisecond), float64(delay), float64(50*time.Millisecond))

	// Parked in backoff: nothing to dequeue yet.
	require.Nil(t, q.Dequeue(context.Background(), 20*time.Millisecond))
	require.Equal(t, 1, q.Size().Delayed)

	// After the delay fires the same message comes back, attempt bumped,
	// robot lock still its own.
	again := mustDequeue(t, q, time.Second)
	require.Equal(t, "c1", again.ID)
	require.Equal(t, 1, again.AttemptCount)
}

func TestNackKeepsRobotLockDuringBackoff(t *testing.T) {
	q := newTestQueue(t, 10)

	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityNormal)))
	m := mustDequeue(t, q, time.Second)
	requeued, _ := q.Nack(m.ID, true)
	require.True(t, requeued)

	// A second command for the same robot stays blocked while the retry is
	// parked.
	require.NoError(t, q.Enqueue(msg("c2", "r1", model.PriorityUrgent)))
	got := mustDequeue(t, q, time.Second)
	require.Equal(t, "c1", got.ID)

	q.Ack("c1")
	require.Equal(t, "c2", mustDequeue(t, q, time.Second).ID)
}

func TestNackExhaustsRetries(t *testing.T) {
	q := newTestQueue(t, 10)

	m := msg("c1", "r1", model.PriorityNormal)
	m.MaxRetries = 1
	require.NoError(t, q.Enqueue(m))

	got := mustDequeue(t, q, time.Second)
	requeued, _ := q.Nack(got.ID, true)
	require.True(t, requeued)

	got = mustDequeue(t, q, time.Second)
	require.Equal(t, 1, got.AttemptCount)
	requeued, _ = q.Nack(got.ID, true)
	require.False(t, requeued, "retries exhausted")

	// Lock released, robot free for other work.
	require.NoError(t, q.Enqueue(msg("c2", "r1", model.PriorityNormal)))
	require.Equal(t, "c2", mustDequeue(t, q, time.Second).ID)
}

func TestNackNoRequeue(t *testing.T) {
	q := newTestQueue(t, 10)
	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityNormal)))
	m := mustDequeue(t, q, time.Second)

	requeued, _ := q.Nack(m.ID, false)
	require.False(t, requeued)
	require.Equal(t, 0, q.Size().Total)
}

func TestRemoveWaiting(t *testing.T) {
	q := newTestQueue(t, 10)
	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityNormal)))

	removed := q.Remove("c1")
	require.NotNil(t, removed)
	require.Equal(t, "c1", removed.ID)
	require.Nil(t, q.Remove("c1"))
	require.Equal(t, 0, q.Size().Total)
}

func TestRemoveDelayedReleasesLock(t *testing.T) {
	q := newTestQueue(t, 10)
	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityNormal)))
	m := mustDequeue(t, q, time.Second)
	requeued, _ := q.Nack(m.ID, true)
	require.True(t, requeued)

	removed := q.Remove("c1")
	require.NotNil(t, removed)

	// Robot lock released with the delayed entry gone.
	require.NoError(t, q.Enqueue(msg("c2", "r1", model.PriorityNormal)))
	require.Equal(t, "c2", mustDequeue(t, q, time.Second).ID)
}

func TestClearReturnsWaiting(t *testing.T) {
	q := newTestQueue(t, 10)
	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityNormal)))
	require.NoError(t, q.Enqueue(msg("c2", "r2", model.PriorityUrgent)))

	// Park a third in backoff.
	require.NoError(t, q.Enqueue(msg("c3", "r3", model.PriorityNormal)))
	m := mustDequeue(t, q, time.Second)
	require.Equal(t, "c2", m.ID)
	q.Nack(m.ID, true)

	removed := q.Clear()
	ids := make(map[string]bool, len(removed))
	for _, r := range removed {
		ids[r.ID] = true
	}
	require.True(t, ids["c1"] && ids["c2"] && ids["c3"])
	require.Equal(t, 0, q.Size().Total)
}

func TestCloseRejectsEnqueue(t *testing.T) {
	q := New(10, zap.NewNop(), metrics.New())
	q.Close()

	err := q.Enqueue(msg("c1", "r1", model.PriorityNormal))
	require.True(t, errcode.Is(err, errcode.CodeInternal))
	e, _ := errcode.As(err)
	require.Equal(t, "shutting_down", e.Details["reason"])
}

func TestCloseWakesDequeue(t *testing.T) {
	q := New(10, zap.NewNop(), metrics.New())

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.Nil(t, q.Dequeue(context.Background(), 5*time.Second))
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := newTestQueue(t, 10)
	start := time.Now()
	require.Nil(t, q.Dequeue(context.Background(), 30*time.Millisecond))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDequeueContextCancel(t *testing.T) {
	q := newTestQueue(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	require.Nil(t, q.Dequeue(ctx, 5*time.Second))
}

func TestPeek(t *testing.T) {
	q := newTestQueue(t, 10)
	require.Nil(t, q.Peek())

	require.NoError(t, q.Enqueue(msg("c1", "r1", model.PriorityNormal)))
	require.NoError(t, q.Enqueue(msg("c2", "r2", model.PriorityUrgent)))

	p := q.Peek()
	require.Equal(t, "c2", p.ID)
	require.Equal(t, 2, q.Size().Total, "peek must not remove")
}

func TestBackoffSchedule(t *testing.T) {
	for i := 0; i < 100; i++ {
		d1 := Backoff(1)
		require.GreaterOrEqual(t, d1, 150*time.Millisecond)
		require.LessOrEqual(t, d1, 250*time.Millisecond)

		d2 := Backoff(2)
		require.GreaterOrEqual(t, d2, 300*time.Millisecond)
		require.LessOrEqual(t, d2, 500*time.Millisecond)

		require.LessOrEqual(t, Backoff(12), 30*time.Second)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := newTestQueue(t, 1000)

	const producers = 4
	const perProducer = 25

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id := fmt.Sprintf("c-%d-%d", p, i)
				robot := fmt.Sprintf("r-%d-%d", p, i)
				require.NoError(t, q.Enqueue(msg(id, robot, model.PriorityNormal)))
			}
		}(p)
	}

	var consumed sync.Map
	var cwg sync.WaitGroup
	for w := 0; w < 3; w++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				m := q.Dequeue(context.Background(), 200*time.Millisecond)
				if m == nil {
					return
				}
				if _, dup := consumed.LoadOrStore(m.ID, true); dup {
					t.Errorf("message %s consumed twice", m.ID)
				}
				q.Ack(m.ID)
			}
		}()
	}

	wg.Wait()
	cwg.Wait()

	total := 0
	consumed.Range(func(_, _ any) bool { total++; return true })
	require.Equal(t, producers*perProducer, total)
}

// ===== Property-based invariants =====

// At most one in-flight command per robot, full means at capacity, and
// nothing is ever lost or duplicated through enqueue/dequeue/ack/nack cycles.
func TestQueueInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		q := New(capacity, zap.NewNop(), metrics.New())
		defer q.Close()

		robots := rapid.IntRange(1, 4).Draw(t, "robots")
		inflightByRobot := make(map[string]string)
		inflight := make(map[string]*model.Message)
		next := 0

		ops := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.SampledFrom([]string{"enqueue", "dequeue", "ack", "nack"}).Draw(t, "op") {
			case "enqueue":
				robot := fmt.Sprintf("r%d", rapid.IntRange(0, robots-1).Draw(t, "robot"))
				p := rapid.SampledFrom(model.Priorities()).Draw(t, "priority")
				m := msg(fmt.Sprintf("c%d", next), robot, p)
				m.MaxRetries = 0
				next++
				err := q.Enqueue(m)
				if err != nil {
					if !errcode.Is(err, errcode.CodeQueueFull) {
						t.Fatalf("unexpected enqueue error: %v", err)
					}
					if q.Size().Total < capacity {
						t.Fatalf("queue reported full below capacity: %+v", q.Size())
					}
				}
			case "dequeue":
				m := q.Dequeue(context.Background(), time.Millisecond)
				if m == nil {
					continue
				}
				if holder, ok := inflightByRobot[m.RobotID]; ok {
					t.Fatalf("robot %s handed out twice: %s and %s", m.RobotID, holder, m.ID)
				}
				inflightByRobot[m.RobotID] = m.ID
				inflight[m.ID] = m
			case "ack":
				for id, m := range inflight {
					q.Ack(id)
					delete(inflight, id)
					delete(inflightByRobot, m.RobotID)
					break
				}
			case "nack":
				for id, m := range inflight {
					requeued, _ := q.Nack(id, false)
					if requeued {
						t.Fatalf("message %s requeued with zero retries", id)
					}
					delete(inflight, id)
					delete(inflightByRobot, m.RobotID)
					break
				}
			}

			if got := q.Size().InFlight; got != len(inflight) {
				t.Fatalf("in-flight drift: queue says %d, model says %d", got, len(inflight))
			}
		}
	})
}
