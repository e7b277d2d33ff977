package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/control-plane/internal/testutil"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// recorder keeps one ordered log of every side effect.
type recorder struct {
	mu     sync.Mutex
	events []string
	jobs   []queue.Job
	// phaseFailures is the number of phase hand-overs to refuse.
	phaseFailures int
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) Enqueue(_ context.Context, q string, kind queue.Kind, payload any) (*queue.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if kind == queue.KindSchedulerPhase && r.phaseFailures > 0 {
		r.phaseFailures--
		r.mu.Unlock()
		return nil, errors.New("connection pool timeout")
	}
	r.mu.Unlock()
	job := queue.Job{Kind: kind, Queue: q, Payload: data}
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	switch kind {
	case queue.KindRunTask:
		var p queue.RunTask
		_ = json.Unmarshal(data, &p)
		r.add("bulk:%d", p.TaskID)
	case queue.KindSchedulerPhase:
		var p queue.SchedulerPhase
		_ = json.Unmarshal(data, &p)
		r.add("phase:%s", p.Phase)
	}
	return &job, nil
}

// pop removes the oldest job of kind.
func (r *recorder) pop(kind queue.Kind) *queue.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, j := range r.jobs {
		if j.Kind == kind {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			return &j
		}
	}
	return nil
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeDiscovery struct{ rec *recorder }

func (d fakeDiscovery) DispatchDiscovery(_ context.Context, task *types.Task) ([]int64, error) {
	d.rec.add("discovery:%d", task.ID)
	return []int64{testutil.NextID()}, nil
}

type mockStore struct {
	mu    sync.Mutex
	tasks []types.Task
	calls []types.Phase
}

func (m *mockStore) ListDueTasks(_ context.Context, phase types.Phase, bucket types.IntervalBucket, staleBefore time.Time) ([]types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, phase)
	var out []types.Task
	for _, t := range m.tasks {
		if !t.Active || t.Phase != phase || t.Interval != bucket {
			continue
		}
		if t.LastExecutionAt != nil && t.LastExecutionAt.After(staleBefore) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

type mockOnce struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (o *mockOnce) Once(_ context.Context, name string, _ time.Duration) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen == nil {
		o.seen = make(map[string]bool)
	}
	if o.seen[name] {
		return false, nil
	}
	o.seen[name] = true
	return true, nil
}

func newTestScheduler(store *mockStore, rec *recorder) *Scheduler {
	return New(store, fakeDiscovery{rec: rec}, rec, &mockOnce{}, Config{
		Cron:       "0 0,15,30,45 * * * *",
		StaleAfter: 14 * time.Minute,
		Queue:      "principal",
	}, testutil.NewTestLogger())
}

// runCycle executes phase jobs until none is left.
func runCycle(t *testing.T, s *Scheduler, rec *recorder) {
	t.Helper()
	for i := 0; i < 10; i++ {
		job := rec.pop(queue.KindSchedulerPhase)
		if job == nil {
			return
		}
		require.NoError(t, s.HandlePhase(context.Background(), job))
	}
	t.Fatal("cycle did not terminate")
}

func TestCycleRunsPhasesInOrder(t *testing.T) {
	at := time.Date(2024, 5, 3, 10, 15, 0, 0, time.UTC)
	task := func(id int64, phase types.Phase, bucket types.IntervalBucket, qt types.QueryType) types.Task {
		return *testutil.FixtureTask(func(t *types.Task) {
			t.ID = id
			t.Phase = phase
			t.Interval = bucket
			t.QueryType = qt
		})
	}
	store := &mockStore{tasks: []types.Task{
		task(1, types.PhasePrincipal, types.Bucket15, types.QueryDiscovery),
		task(2, types.PhasePrincipal, types.Bucket15, types.QueryStatus),
		task(3, types.PhaseSecondaryMode, types.Bucket15, types.QueryDiscovery),
		task(4, types.PhaseSecondary, types.Bucket15, types.QueryRxPower),
		task(5, types.PhasePrincipal, types.Bucket30, types.QueryStatus),
		task(6, types.PhaseSecondary, types.Bucket00, types.QueryDiscovery),
	}}
	rec := &recorder{}
	s := newTestScheduler(store, rec)

	require.NoError(t, s.Tick(context.Background(), at.Add(20*time.Second)))
	runCycle(t, s, rec)

	assert.Equal(t, []string{
		"phase:principal",
		"discovery:1",
		"bulk:2",
		"phase:secondary_mode",
		"discovery:3",
		"phase:secondary",
		"bulk:4",
	}, rec.log())
	assert.Equal(t, []types.Phase{types.PhasePrincipal, types.PhaseSecondaryMode, types.PhaseSecondary}, store.calls)
}

func TestPhaseSkipsRecentlyRunTasks(t *testing.T) {
	at := time.Date(2024, 5, 3, 10, 15, 0, 0, time.UTC)
	store := &mockStore{tasks: []types.Task{
		*testutil.FixtureTask(func(t *types.Task) {
			t.ID = 10
			t.Interval = types.Bucket15
			t.LastExecutionAt = testutil.Ptr(at.Add(-5 * time.Minute))
		}),
		*testutil.FixtureTask(func(t *types.Task) {
			t.ID = 11
			t.Interval = types.Bucket15
			t.LastExecutionAt = testutil.Ptr(at.Add(-14 * time.Minute))
		}),
		*testutil.FixtureTask(func(t *types.Task) {
			t.ID = 12
			t.Interval = types.Bucket15
			t.Active = false
		}),
	}}
	rec := &recorder{}
	s := newTestScheduler(store, rec)

	require.NoError(t, s.RunPhase(context.Background(), queue.SchedulerPhase{
		CycleAt: at, Bucket: types.Bucket15, Phase: types.PhasePrincipal,
	}))
	assert.Equal(t, []string{"bulk:11", "phase:secondary_mode"}, rec.log())
}

func TestRedeliveredPhaseDoesNotDispatchTwice(t *testing.T) {
	at := time.Date(2024, 5, 3, 10, 15, 0, 0, time.UTC)
	store := &mockStore{tasks: []types.Task{
		*testutil.FixtureDiscoveryTask(func(t *types.Task) {
			t.ID = 20
			t.Interval = types.Bucket15
		}),
		*testutil.FixtureTask(func(t *types.Task) {
			t.ID = 21
			t.Interval = types.Bucket15
		}),
	}}
	rec := &recorder{phaseFailures: 1}
	s := newTestScheduler(store, rec)
	phase := queue.SchedulerPhase{CycleAt: at, Bucket: types.Bucket15, Phase: types.PhasePrincipal}

	assert.Error(t, s.RunPhase(context.Background(), phase), "failed hand-over is retried")
	require.NoError(t, s.RunPhase(context.Background(), phase))

	assert.Equal(t, []string{"discovery:20", "bulk:21", "phase:secondary_mode"}, rec.log())

	// The same task in the next cycle is a new dispatch.
	next := phase
	next.CycleAt = at.Add(time.Hour)
	require.NoError(t, s.RunPhase(context.Background(), next))
	assert.Equal(t, []string{"discovery:20", "bulk:21", "phase:secondary_mode", "discovery:20", "bulk:21", "phase:secondary_mode"}, rec.log())
}

func TestTickStartsEachCycleOnce(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(&mockStore{}, rec)
	at := time.Date(2024, 5, 3, 10, 45, 0, 0, time.UTC)

	require.NoError(t, s.Tick(context.Background(), at))
	require.NoError(t, s.Tick(context.Background(), at.Add(30*time.Second)))
	assert.Len(t, rec.jobs, 1)

	job := rec.pop(queue.KindSchedulerPhase)
	var p queue.SchedulerPhase
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, types.Bucket45, p.Bucket)
	assert.Equal(t, types.PhasePrincipal, p.Phase)
	assert.True(t, p.CycleAt.Equal(at))

	require.NoError(t, s.Tick(context.Background(), at.Add(15*time.Minute)))
	assert.Len(t, rec.jobs, 1, "the next quarter-hour is a new cycle")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(&mockStore{}, fakeDiscovery{rec: &recorder{}}, &recorder{}, nil, Config{Cron: "every now and then"}, testutil.NewTestLogger())
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
}
