package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/control-plane/internal/testutil"
	"github.com/pilot-net/onu-poller/pkg/types"
)

type mockStore struct {
	tasks      map[int64]*types.Task
	hosts      map[int64]*types.Host
	executions map[int64]*types.Execution
	limits     []int
	err        error
}

func (m *mockStore) GetTask(_ context.Context, id int64) (*types.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.tasks[id], nil
}

func (m *mockStore) ListTasks(context.Context) ([]types.Task, error) {
	var out []types.Task
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out, m.err
}

func (m *mockStore) GetHost(_ context.Context, id int64) (*types.Host, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.hosts[id], nil
}

func (m *mockStore) ListHosts(context.Context) ([]types.Host, error) {
	var out []types.Host
	for _, h := range m.hosts {
		out = append(out, *h)
	}
	return out, m.err
}

func (m *mockStore) GetExecution(_ context.Context, id int64) (*types.Execution, error) {
	return m.executions[id], m.err
}

func (m *mockStore) ListExecutions(_ context.Context, taskID int64, limit int) ([]types.Execution, error) {
	m.limits = append(m.limits, limit)
	var out []types.Execution
	for _, e := range m.executions {
		if e.TaskID == taskID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *mockStore) ListDiscoveryTasksForHost(_ context.Context, hostID int64) ([]types.Task, error) {
	var out []types.Task
	for _, t := range m.tasks {
		if !t.IsBulk() && t.Active {
			for _, id := range t.HostIDs {
				if id == hostID {
					out = append(out, *t)
				}
			}
		}
	}
	return out, nil
}

type enqueued struct {
	queue   string
	kind    queue.Kind
	payload json.RawMessage
}

type mockJobs struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (m *mockJobs) Enqueue(_ context.Context, q string, kind queue.Kind, payload any) (*queue.Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, enqueued{queue: q, kind: kind, payload: data})
	return &queue.Job{ID: string(kind) + "-job", Kind: kind, Queue: q, Payload: data}, nil
}

type fixture struct {
	store *mockStore
	jobs  *mockJobs
	svc   *Service
	host  *types.Host
	task  *types.Task
	disc  *types.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	host := testutil.FixtureHost()
	other := testutil.FixtureHost()
	task := testutil.FixtureTask(func(tk *types.Task) { tk.HostIDs = []int64{host.ID, other.ID} })
	disc := testutil.FixtureDiscoveryTask(func(tk *types.Task) { tk.HostIDs = []int64{host.ID} })

	store := &mockStore{
		tasks:      map[int64]*types.Task{task.ID: task, disc.ID: disc},
		hosts:      map[int64]*types.Host{host.ID: host, other.ID: other},
		executions: map[int64]*types.Execution{},
	}
	jobs := &mockJobs{}
	svc := NewService(store, jobs, nil, Config{
		ControlQueue:          "principal",
		VerifyQueue:           "secondary",
		DefaultExecutionLimit: 50,
		MaxExecutionLimit:     500,
	}, testutil.NewTestLogger())
	return &fixture{store: store, jobs: jobs, svc: svc, host: host, task: task, disc: disc}
}

func TestRunTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.RunTask(ctx, f.task.ID, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, f.jobs.jobs, 1)
	j := f.jobs.jobs[0]
	assert.Equal(t, "principal", j.queue)
	assert.Equal(t, queue.KindRunTask, j.kind)

	var p queue.RunTask
	require.NoError(t, json.Unmarshal(j.payload, &p))
	assert.Equal(t, f.task.ID, p.TaskID)
	assert.Nil(t, p.HostID)
	assert.True(t, p.Manual)
}

func TestRunTaskSingleHost(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RunTask(context.Background(), f.task.ID, &f.host.ID)
	require.NoError(t, err)

	var p queue.RunTask
	require.NoError(t, json.Unmarshal(f.jobs.jobs[0].payload, &p))
	require.NotNil(t, p.HostID)
	assert.Equal(t, f.host.ID, *p.HostID)
}

func TestRunTaskValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stranger := int64(999999)
	empty := testutil.FixtureTask(func(tk *types.Task) { tk.HostIDs = nil })
	f.store.tasks[empty.ID] = empty

	tests := []struct {
		name   string
		taskID int64
		hostID *int64
		want   error
	}{
		{"unknown task", 424242, nil, ErrNotFound},
		{"host not assigned", f.task.ID, &stranger, ErrInvalid},
		{"task without hosts", empty.ID, nil, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RunTask(ctx, tt.taskID, tt.hostID)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.jobs.jobs)
}

func TestRunDiscoveryUsesDiscoveryTasks(t *testing.T) {
	f := newFixture(t)

	ids, err := f.svc.RunDiscovery(context.Background(), f.host.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, queue.KindRunTask, f.jobs.jobs[0].kind)
	var p queue.RunTask
	require.NoError(t, json.Unmarshal(f.jobs.jobs[0].payload, &p))
	assert.Equal(t, f.disc.ID, p.TaskID)
	assert.Equal(t, f.host.ID, *p.HostID)
}

func TestRunDiscoveryWithoutTaskQueuesBareWalk(t *testing.T) {
	f := newFixture(t)
	f.disc.Active = false

	_, err := f.svc.RunDiscovery(context.Background(), f.host.ID)
	require.NoError(t, err)

	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, queue.KindDiscovery, f.jobs.jobs[0].kind)
	var p queue.Discovery
	require.NoError(t, json.Unmarshal(f.jobs.jobs[0].payload, &p))
	assert.Equal(t, f.host.ID, p.HostID)
	assert.Zero(t, p.ExecutionID)
	assert.Zero(t, p.TaskID)
}

func TestVerifyHost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.VerifyHost(ctx, f.host.ID)
	require.NoError(t, err)
	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, "secondary", f.jobs.jobs[0].queue)
	assert.Equal(t, queue.KindVerifyHost, f.jobs.jobs[0].kind)

	_, err = f.svc.VerifyHost(ctx, 31337)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTriggersSurfaceQueueErrors(t *testing.T) {
	f := newFixture(t)
	f.jobs.err = errors.New("redis: connection refused")

	_, err := f.svc.RunTask(context.Background(), f.task.ID, nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestListExecutionsClampsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, limit := range []int{0, 20, 10000} {
		_, err := f.svc.ListExecutions(ctx, f.task.ID, limit)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{50, 20, 500}, f.store.limits)

	_, err := f.svc.ListExecutions(ctx, 777777, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetExecution(t *testing.T) {
	f := newFixture(t)
	exec := testutil.FixtureExecution(f.task.ID, f.host.ID)
	f.store.executions[exec.ID] = exec

	got, err := f.svc.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)

	_, err = f.svc.GetExecution(context.Background(), exec.ID+1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHealthWithoutSource(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.svc.Health(context.Background()))
}
