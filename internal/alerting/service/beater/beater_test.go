package beater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type calls struct {
	mu      sync.Mutex
	detect  []int64
	trigger []int64
}

func (c *calls) fn(stage string, err error) RuleFunc {
	return func(_ context.Context, id int64) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if stage == "detect" {
			c.detect = append(c.detect, id)
		} else {
			c.trigger = append(c.trigger, id)
		}
		return err
	}
}

func rules() *ruleset.Store {
	return ruleset.NewStaticStore(&ruleset.Data{Strategies: []model.Strategy{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: true},
		{ID: 3, Enabled: false},
	}})
}

func TestBeatQueuesEnabledRules(t *testing.T) {
	q := queue.NewMemory(0)
	c := &calls{}
	s := New(Deps{Rules: rules(), Queue: q, Detect: c.fn("detect", nil), Trigger: c.fn("trigger", nil)})

	n, err := s.Beat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	done, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, done)
	assert.ElementsMatch(t, []int64{1, 2}, c.detect)
	assert.ElementsMatch(t, []int64{1, 2}, c.trigger)
}

func TestBeatHonorsShardOwnership(t *testing.T) {
	q := queue.NewMemory(0)
	owner := model.RuleShard(1, 4)
	s := New(Deps{Rules: rules(), Queue: q, Shards: []int{owner}, ShardCount: 4})

	_, err := s.Beat(context.Background())
	require.NoError(t, err)
	items, err := q.Pop(context.Background(), queue.TaskDetect, 0)
	require.NoError(t, err)

	want := [][]byte{[]byte("1")}
	if model.RuleShard(2, 4) == owner {
		want = append(want, []byte("2"))
	}
	assert.Equal(t, want, items)
}

func TestBeatSkipsFullQueue(t *testing.T) {
	q := queue.NewMemory(1)
	s := New(Deps{Rules: rules(), Queue: q})
	n, err := s.Beat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one slot per task queue")
}

func TestMoveDueReturnsParkedWork(t *testing.T) {
	q := queue.NewMemory(0)
	ctx := context.Background()
	now := time.Unix(1000, 0)
	s := New(Deps{Rules: rules(), Queue: q, Delayer: q, Now: func() time.Time { return now }})

	require.NoError(t, q.PushDelayed(ctx, queue.TaskTrigger, []byte("1"), 1000))
	require.NoError(t, q.PushDelayed(ctx, queue.AnomalyQueue(2), []byte(`{"x":1}`), 999))
	require.NoError(t, q.PushDelayed(ctx, queue.AnomalyQueue(2), []byte(`{"x":2}`), 1001))
	require.NoError(t, q.PushDelayed(ctx, queue.DataQueue(1), []byte(`{"v":1}`), 1000))

	moved, err := s.MoveDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)
	n, _ := q.Len(ctx, queue.DataQueue(1))
	assert.EqualValues(t, 1, n)

	n, _ = q.Len(ctx, queue.TaskTrigger)
	assert.EqualValues(t, 1, n)
	n, _ = q.Len(ctx, queue.AnomalyQueue(2))
	assert.EqualValues(t, 1, n)

	now = time.Unix(1001, 0)
	moved, err = s.MoveDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	n, _ = q.Len(ctx, queue.AnomalyQueue(2))
	assert.EqualValues(t, 2, n)
}

func TestMoveDueReparksWhenBusy(t *testing.T) {
	q := queue.NewMemory(1)
	ctx := context.Background()
	now := time.Unix(50, 0)
	s := New(Deps{Rules: rules(), Queue: q, Delayer: q, Now: func() time.Time { return now }})

	require.NoError(t, q.Push(ctx, queue.AnomalyQueue(1), []byte("a")))
	require.NoError(t, q.PushDelayed(ctx, queue.AnomalyQueue(1), []byte("b"), 10))

	moved, err := s.MoveDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	items, err := q.PopDue(ctx, queue.AnomalyQueue(1), 51, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b")}, items)
}

func TestDrainSkipsLeaseAndStopsOnFatal(t *testing.T) {
	q := queue.NewMemory(0)
	ctx := context.Background()
	c := &calls{}
	s := New(Deps{Rules: rules(), Queue: q,
		Detect:  c.fn("detect", model.LeaseErr("detect.run", errors.New("held"))),
		Trigger: c.fn("trigger", model.Fatal("trigger.run", errors.New("boom")))})

	require.NoError(t, q.Push(ctx, queue.TaskDetect, []byte("1"), []byte("bogus"), []byte("2")))
	require.NoError(t, q.Push(ctx, queue.TaskTrigger, []byte("1")))

	n, err := s.Drain(ctx)
	require.Error(t, err)
	assert.Equal(t, model.KindFatal, model.KindOf(err))
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, c.detect)
	assert.Equal(t, []int64{1}, c.trigger)
}

func TestWorkerServesOnlyItsQueue(t *testing.T) {
	q := queue.NewMemory(0)
	ctx := context.Background()
	c := &calls{}
	s := New(Deps{Rules: rules(), Queue: q, Detect: c.fn("detect", nil)})

	require.NoError(t, q.Push(ctx, queue.TaskDetect, []byte("1")))
	require.NoError(t, q.Push(ctx, queue.TaskTrigger, []byte("1")))
	n, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left, _ := q.Len(ctx, queue.TaskTrigger)
	assert.EqualValues(t, 1, left, "trigger tasks stay for the trigger role")
}

func TestRunStopsOnCancel(t *testing.T) {
	q := queue.NewMemory(0)
	c := &calls{}
	s := New(Deps{Rules: rules(), Queue: q, Delayer: q, Workers: 2, Schedule: true,
		Interval: time.Hour, MoveEvery: 10 * time.Millisecond,
		Detect: c.fn("detect", nil), Trigger: c.fn("trigger", nil)})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.detect) == 2 && len(c.trigger) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
