package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/onu-poller/control-plane/internal/aggregator"
	"github.com/pilot-net/onu-poller/control-plane/internal/config"
	"github.com/pilot-net/onu-poller/control-plane/internal/coord"
	"github.com/pilot-net/onu-poller/control-plane/internal/poller"
	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/control-plane/internal/snmp"
	"github.com/pilot-net/onu-poller/control-plane/internal/testutil"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// =============================================================================
// MOCK STORE
// =============================================================================

type mockStore struct {
	mu         sync.Mutex
	tasks      map[int64]*types.Task
	hosts      map[int64]*types.Host
	indices    map[int64][]string
	executions map[int64]*types.Execution
	discovered map[int64][]types.DiscoveredOnu
	stamped    map[int64]int
	markErr    error
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:      make(map[int64]*types.Task),
		hosts:      make(map[int64]*types.Host),
		indices:    make(map[int64][]string),
		executions: make(map[int64]*types.Execution),
		discovered: make(map[int64][]types.DiscoveredOnu),
		stamped:    make(map[int64]int),
	}
}

func (m *mockStore) addTask(t *types.Task, hosts ...*types.Host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hosts {
		m.hosts[h.ID] = h
		t.HostIDs = append(t.HostIDs, h.ID)
	}
	m.tasks[t.ID] = t
}

func (m *mockStore) GetTask(_ context.Context, id int64) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) GetHost(_ context.Context, id int64) (*types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (m *mockStore) ListIndexRefs(_ context.Context, hostID int64) ([]types.IndexRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.IndexRef
	for i, idx := range m.indices[hostID] {
		out = append(out, types.IndexRef{ID: int64(i + 1), Index: idx})
	}
	return out, nil
}

func (m *mockStore) UpsertDiscovered(_ context.Context, hostID int64, onus []types.DiscoveredOnu) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovered[hostID] = append(m.discovered[hostID], onus...)
	return int64(len(onus)), nil
}

func (m *mockStore) CreateExecution(_ context.Context, taskID, hostID int64) (*types.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &types.Execution{
		ID:        testutil.NextID(),
		TaskID:    taskID,
		HostID:    hostID,
		Status:    types.ExecutionPending,
		StartedAt: time.Now(),
	}
	m.executions[e.ID] = e
	cp := *e
	return &cp, nil
}

func (m *mockStore) GetExecution(_ context.Context, id int64) (*types.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) transition(id int64, to types.ExecutionStatus, summary *types.ExecutionSummary, errText string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.executions[id]
	if !types.CanTransition(e.Status, to) {
		return false
	}
	e.Status = to
	if summary != nil {
		e.Summary = summary
	}
	if errText != "" {
		e.Error = errText
	}
	return true
}

func (m *mockStore) MarkExecutionRunning(_ context.Context, id int64) (bool, error) {
	if m.markErr != nil {
		return false, m.markErr
	}
	return m.transition(id, types.ExecutionRunning, nil, ""), nil
}

func (m *mockStore) FinishExecution(_ context.Context, id int64, status types.ExecutionStatus, summary *types.ExecutionSummary, errText string) (bool, error) {
	return m.transition(id, status, summary, errText), nil
}

func (m *mockStore) FailExecution(_ context.Context, id int64, errText string) (bool, error) {
	return m.transition(id, types.ExecutionFailed, nil, errText), nil
}

func (m *mockStore) StampTaskExecution(_ context.Context, taskID int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamped[taskID]++
	return nil
}

func (m *mockStore) DeleteOnus(_ context.Context, _ int64, ids []int64) (int64, error) {
	return int64(len(ids)), nil
}

func (m *mockStore) executionsFor(hostID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.executions {
		if e.HostID == hostID {
			n++
		}
	}
	return n
}

func (m *mockStore) execution(id int64) types.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.executions[id]
}

// =============================================================================
// FAKE CHUNK POLLER
// =============================================================================

// fakePoller reports every index as updated. When gate is set each call
// blocks until it is closed.
type fakePoller struct {
	gate     chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
	err      error
}

func (p *fakePoller) PollChunk(ctx context.Context, in poller.Input) (*types.ChunkOutcome, error) {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &types.ChunkOutcome{ChunkIndex: in.ChunkIndex, Requested: len(in.Indices), Updated: len(in.Indices)}, nil
}

// =============================================================================
// FLAKY JOBS
// =============================================================================

// flakyJobs fails the failAt-th enqueue onto queue and passes everything else
// through to the broker.
type flakyJobs struct {
	*queue.Broker
	queue  string
	failAt int

	mu sync.Mutex
	n  map[string]int
}

func (f *flakyJobs) Enqueue(ctx context.Context, queueName string, kind queue.Kind, payload any) (*queue.Job, error) {
	f.mu.Lock()
	if f.n == nil {
		f.n = make(map[string]int)
	}
	f.n[queueName]++
	fail := queueName == f.queue && f.n[queueName] == f.failAt
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection pool timeout")
	}
	return f.Broker.Enqueue(ctx, queueName, kind, payload)
}

func (f *flakyJobs) calls(queueName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n[queueName]
}

// =============================================================================
// FAKE SNMP
// =============================================================================

type walkDevice struct {
	vars []snmp.Variable
	err  error
}

func (d *walkDevice) Dial(context.Context, snmp.Target) (snmp.Session, error) { return d, nil }

func (d *walkDevice) Get(context.Context, []string) ([]snmp.Variable, error) {
	return nil, errors.New("get not supported")
}

func (d *walkDevice) Walk(_ context.Context, _ string, fn func(snmp.Variable) error) error {
	for _, v := range d.vars {
		if err := fn(v); err != nil {
			return err
		}
	}
	return d.err
}

func (d *walkDevice) Close() error { return nil }

type literalSecrets struct{}

func (literalSecrets) Resolve(_ context.Context, ref string) (string, error) { return ref, nil }

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	agg     *aggregator.Aggregator
	logger  *slog.Logger
	store   *mockStore
	broker  *queue.Broker
	coord   *coord.Coordinator
	poller  *fakePoller
	device  *walkDevice
	orch    *Orchestrator
	polling config.PollingConfig
}

func newHarness(t *testing.T, polling config.PollingConfig) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := testutil.NewTestLogger()
	h := &harness{
		store:  newMockStore(),
		broker: queue.NewBroker(client, "test:", 3, logger),
		coord:  coord.New(client, "test:", logger),
		poller: &fakePoller{},
		device: &walkDevice{},
	}
	h.logger = logger
	h.agg = aggregator.New(h.store, h.coord, logger)
	h.polling = polling
	h.useJobs(h.broker)
	return h
}

// useJobs rebuilds the orchestrator around jobs.
func (h *harness) useJobs(jobs Jobs) {
	h.orch = New(h.store, h.coord, jobs, h.poller, h.agg, h.device, literalSecrets{}, Config{
		Polling:        h.polling,
		SNMP:           config.SNMPConfig{Port: 161},
		ControlQueue:   "principal",
		ChunkQueue:     "workers",
		MaxJobAttempts: 3,
	}, h.logger)
}

func defaultPolling() config.PollingConfig {
	return config.PollingConfig{
		ChunkSize:            200,
		MaxConcurrentChunks:  10,
		SlotTTL:              time.Minute,
		AdmissionRetryDelay:  time.Millisecond,
		MaxAdmissionAttempts: 5,
		ChordTTL:             time.Hour,
	}
}

// drain runs jobs from both queues until neither has ready work.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	handlers := map[queue.Kind]func(context.Context, *queue.Job) error{
		queue.KindPollChunk: h.orch.HandleChunk,
		queue.KindAggregate: h.orch.HandleAggregate,
		queue.KindRunTask:   h.orch.HandleRunTask,
		queue.KindDiscovery: h.orch.HandleDiscovery,
	}
	for i := 0; i < 1000; i++ {
		progressed := false
		for _, q := range []string{"principal", "workers"} {
			_, err := h.broker.PromoteDue(ctx, q, time.Now().Add(time.Hour), 100)
			require.NoError(t, err)
			c, err := h.broker.Claim(ctx, q, time.Minute)
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			require.NoError(t, err)
			progressed = true
			if err := handlers[c.Job.Kind](ctx, &c.Job); err != nil {
				_, nerr := h.broker.Nack(ctx, c, 0)
				require.NoError(t, nerr)
				continue
			}
			require.NoError(t, h.broker.Ack(ctx, c))
		}
		if !progressed {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func (h *harness) depth(t *testing.T, q string) types.QueueDepth {
	t.Helper()
	d, err := h.broker.Depth(context.Background(), q)
	require.NoError(t, err)
	return d
}

// =============================================================================
// TESTS
// =============================================================================

func TestRunTaskCompletesAcrossChunks(t *testing.T) {
	h := newHarness(t, defaultPolling())
	host := testutil.FixtureHost()
	task := testutil.FixtureTask()
	h.store.addTask(task, host)
	h.store.indices[host.ID] = testutil.FixtureIndices(450)

	ids, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	assert.Equal(t, types.ExecutionRunning, h.store.execution(ids[0]).Status)
	assert.EqualValues(t, 3, h.depth(t, "workers").Pending)

	h.drain(t)

	exec := h.store.execution(ids[0])
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.Summary)
	assert.Equal(t, 450, exec.Summary.Updated)
	assert.Zero(t, exec.Summary.Deleted)
	assert.Equal(t, 3, exec.Summary.Chunks)
	assert.EqualValues(t, 3, h.poller.calls.Load())
	assert.Equal(t, 1, h.store.stamped[task.ID])

	inUse, err := h.coord.SlotsInUse(context.Background(), SlotName(task.ID))
	require.NoError(t, err)
	assert.Zero(t, inUse)
}

func TestRunTaskHonoursPerTaskChunkSize(t *testing.T) {
	h := newHarness(t, defaultPolling())
	host := testutil.FixtureHost()
	task := testutil.FixtureTask(func(t *types.Task) { t.ChunkSize = testutil.Ptr(100) })
	h.store.addTask(task, host)
	h.store.indices[host.ID] = testutil.FixtureIndices(450)

	_, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)
	assert.EqualValues(t, 5, h.depth(t, "workers").Pending)
}

func TestRunTaskInactiveHostFailsImmediately(t *testing.T) {
	h := newHarness(t, defaultPolling())
	host := testutil.FixtureHostTimedOut()
	task := testutil.FixtureTask()
	h.store.addTask(task, host)
	h.store.indices[host.ID] = testutil.FixtureIndices(10)

	ids, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	exec := h.store.execution(ids[0])
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	assert.Equal(t, "host inactive", exec.Error)
	assert.Zero(t, h.depth(t, "workers").Pending)
}

func TestRunTaskWithoutRecordsCompletesImmediately(t *testing.T) {
	h := newHarness(t, defaultPolling())
	host := testutil.FixtureHost()
	task := testutil.FixtureTask()
	h.store.addTask(task, host)

	ids, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)

	exec := h.store.execution(ids[0])
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Zero(t, exec.Summary.Updated)
	assert.Zero(t, h.depth(t, "workers").Pending)
	assert.Equal(t, 1, h.store.stamped[task.ID])
}

func TestRunTaskActiveFlag(t *testing.T) {
	h := newHarness(t, defaultPolling())
	host := testutil.FixtureHost()
	task := testutil.FixtureTask(func(t *types.Task) { t.Active = false })
	h.store.addTask(task, host)

	ids, err := h.orch.RunTask(context.Background(), task.ID, nil, false)
	require.NoError(t, err)
	assert.Empty(t, ids, "scheduled runs skip inactive tasks")

	ids, err = h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "manual runs override the active flag")
}

func TestRunTaskSingleHost(t *testing.T) {
	h := newHarness(t, defaultPolling())
	a, b := testutil.FixtureHost(), testutil.FixtureHost()
	task := testutil.FixtureTask()
	h.store.addTask(task, a, b)

	ids, err := h.orch.RunTask(context.Background(), task.ID, &b.ID, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, b.ID, h.store.execution(ids[0]).HostID)

	stranger := testutil.NextID()
	_, err = h.orch.RunTask(context.Background(), task.ID, &stranger, true)
	assert.ErrorIs(t, err, ErrHostNotAssigned)

	_, err = h.orch.RunTask(context.Background(), testutil.NextID(), nil, true)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRunTaskJobRedeliveryDoesNotDuplicateExecutions(t *testing.T) {
	h := newHarness(t, defaultPolling())
	jobs := &flakyJobs{Broker: h.broker, queue: "workers", failAt: 1}
	h.useJobs(jobs)

	a, b := testutil.FixtureHost(), testutil.FixtureHost()
	task := testutil.FixtureTask()
	h.store.addTask(task, a, b)
	h.store.indices[a.ID] = testutil.FixtureIndices(5)
	h.store.indices[b.ID] = testutil.FixtureIndices(5)

	_, err := h.broker.Enqueue(context.Background(), "principal", queue.KindRunTask, queue.RunTask{TaskID: task.ID})
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, 1, h.store.executionsFor(a.ID), "failed host is not dispatched again")
	assert.Equal(t, 1, h.store.executionsFor(b.ID), "healthy host is not dispatched again")
	assert.Equal(t, 2, jobs.calls("workers"))

	for _, e := range h.store.executions {
		switch e.HostID {
		case a.ID:
			assert.Equal(t, types.ExecutionFailed, e.Status)
			assert.Contains(t, e.Error, "enqueueing chunk")
		case b.ID:
			assert.Equal(t, types.ExecutionCompleted, e.Status)
		}
	}
}

func TestRunTaskJobWithoutTaskIsDropped(t *testing.T) {
	h := newHarness(t, defaultPolling())
	host := testutil.FixtureHost()
	h.store.addTask(testutil.FixtureTask(), host)
	h.store.indices[host.ID] = testutil.FixtureIndices(5)

	job, err := h.broker.Enqueue(context.Background(), "principal", queue.KindRunTask, queue.RunTask{})
	require.NoError(t, err)
	assert.NoError(t, h.orch.HandleRunTask(context.Background(), job))
	assert.Empty(t, h.store.executions, "a run job always names its task")
}

func TestMarkRunningFailureAbandonsExecution(t *testing.T) {
	h := newHarness(t, defaultPolling())
	h.store.markErr = errors.New("connection reset")

	host := testutil.FixtureHost()
	task := testutil.FixtureTask()
	h.store.addTask(task, host)
	h.store.indices[host.ID] = testutil.FixtureIndices(5)

	ids, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	exec := h.store.execution(ids[0])
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "connection reset")
	assert.Zero(t, h.depth(t, "workers").Pending)
}

func TestSlowChunkKeepsItsSlot(t *testing.T) {
	polling := defaultPolling()
	polling.SlotTTL = 150 * time.Millisecond
	polling.MaxAdmissionAttempts = 1
	h := newHarness(t, polling)
	h.poller.gate = make(chan struct{})

	host := testutil.FixtureHost()
	task := testutil.FixtureTask(func(t *types.Task) {
		t.ChunkSize = testutil.Ptr(5)
		t.MaxConcurrentChunks = testutil.Ptr(1)
	})
	h.store.addTask(task, host)
	h.store.indices[host.ID] = testutil.FixtureIndices(10)

	_, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := h.broker.Claim(ctx, "workers", time.Minute)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- h.orch.HandleChunk(ctx, &first.Job) }()
	require.Eventually(t, func() bool { return h.poller.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	// The first chunk polls for well over its slot TTL.
	time.Sleep(3 * polling.SlotTTL)
	inUse, err := h.coord.SlotsInUse(ctx, SlotName(task.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, inUse)

	second, err := h.broker.Claim(ctx, "workers", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.orch.HandleChunk(ctx, &second.Job))
	assert.EqualValues(t, 1, h.poller.calls.Load(), "second chunk is refused while the first still polls")

	close(h.poller.gate)
	require.NoError(t, <-done)
	inUse, err = h.coord.SlotsInUse(ctx, SlotName(task.ID))
	require.NoError(t, err)
	assert.Zero(t, inUse)
}

func TestChunkAdmissionNeverExceedsCeiling(t *testing.T) {
	polling := defaultPolling()
	polling.MaxAdmissionAttempts = 1000
	h := newHarness(t, polling)
	h.poller.gate = make(chan struct{})

	host := testutil.FixtureHost()
	task := testutil.FixtureTask(func(t *types.Task) {
		t.ChunkSize = testutil.Ptr(10)
		t.MaxConcurrentChunks = testutil.Ptr(2)
	})
	h.store.addTask(task, host)
	h.store.indices[host.ID] = testutil.FixtureIndices(60)

	ids, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		c, err := h.broker.Claim(ctx, "workers", time.Minute)
		require.NoError(t, err)
		wg.Add(1)
		go func(c *queue.Claim) {
			defer wg.Done()
			assert.NoError(t, h.orch.HandleChunk(ctx, &c.Job))
			assert.NoError(t, h.broker.Ack(ctx, c))
		}(c)
	}

	require.Eventually(t, func() bool {
		return h.poller.inFlight.Load() == 2 && h.depth(t, "workers").Delayed == 4
	}, 2*time.Second, 5*time.Millisecond)

	inUse, err := h.coord.SlotsInUse(ctx, SlotName(task.ID))
	require.NoError(t, err)
	assert.Equal(t, 2, inUse)

	close(h.poller.gate)
	wg.Wait()
	h.drain(t)

	assert.LessOrEqual(t, h.poller.peak.Load(), int32(2))
	exec := h.store.execution(ids[0])
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, 60, exec.Summary.Updated)
}

func TestChunkReportsErrorWhenNeverAdmitted(t *testing.T) {
	polling := defaultPolling()
	polling.MaxAdmissionAttempts = 1
	h := newHarness(t, polling)

	host := testutil.FixtureHost()
	task := testutil.FixtureTask(func(t *types.Task) { t.MaxConcurrentChunks = testutil.Ptr(1) })
	h.store.addTask(task, host)
	h.store.indices[host.ID] = testutil.FixtureIndices(5)

	// Someone else holds the only slot.
	token, err := h.coord.AcquireSlot(context.Background(), SlotName(task.ID), 1, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ids, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)
	h.drain(t)

	exec := h.store.execution(ids[0])
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Summary)
	require.NotEmpty(t, exec.Summary.Errors)
	assert.Contains(t, exec.Summary.Errors[0], "not admitted")
	assert.Zero(t, h.poller.calls.Load())
}

func TestChunkReportsErrorOnLastAttempt(t *testing.T) {
	h := newHarness(t, defaultPolling())
	h.poller.err = errors.New("database unavailable")

	host := testutil.FixtureHost()
	task := testutil.FixtureTask()
	h.store.addTask(task, host)
	h.store.indices[host.ID] = testutil.FixtureIndices(5)

	ids, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)
	h.drain(t)

	assert.EqualValues(t, 3, h.poller.calls.Load(), "one call per delivery")
	exec := h.store.execution(ids[0])
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	assert.Zero(t, h.depth(t, "workers").DeadLetter)
}

func TestLateChunkAfterFinalizationIsDropped(t *testing.T) {
	h := newHarness(t, defaultPolling())
	host := testutil.FixtureHost()
	task := testutil.FixtureTask()
	h.store.addTask(task, host)
	h.store.indices[host.ID] = testutil.FixtureIndices(5)

	ids, err := h.orch.RunTask(context.Background(), task.ID, nil, true)
	require.NoError(t, err)
	h.drain(t)
	require.Equal(t, types.ExecutionCompleted, h.store.execution(ids[0]).Status)

	job, err := h.broker.Enqueue(context.Background(), "workers", queue.KindPollChunk, queue.PollChunk{
		TaskID: task.ID, ExecutionID: ids[0], HostID: host.ID, Indices: []string{"1.1"},
	})
	require.NoError(t, err)
	assert.NoError(t, h.orch.HandleChunk(context.Background(), job))
	assert.Zero(t, h.depth(t, "principal").Pending, "no second aggregate")
}

func TestDiscoveryTaskUpsertsWalkedIndices(t *testing.T) {
	h := newHarness(t, defaultPolling())
	spec, _ := types.LookupQuery(types.QueryDiscovery)
	h.device.vars = []snmp.Variable{
		{OID: spec.OID + ".4194312192.1", Type: snmp.TypeInteger, Int: 1},
		{OID: spec.OID + ".4194312192.2", Type: snmp.TypeString, Bytes: []byte("2 ")},
		{OID: spec.OID + ".weird", Type: snmp.TypeInteger, Int: 1},
	}

	host := testutil.FixtureHost()
	task := testutil.FixtureDiscoveryTask()
	h.store.addTask(task, host)

	ids, err := h.orch.DispatchDiscovery(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	h.drain(t)

	exec := h.store.execution(ids[0])
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, exec.Summary.Updated)

	got := h.store.discovered[host.ID]
	require.Len(t, got, 3)
	assert.Equal(t, "4194312192.1", got[0].Index)
	assert.Equal(t, "1", got[0].ProvisionFlag)
	assert.Equal(t, "2", got[1].ProvisionFlag)
	require.NotNil(t, got[0].Pon)
	assert.Equal(t, 1, got[0].Pon.OnuID)
	assert.Nil(t, got[2].Pon, "undecodable index keeps no PON location")
}

func TestDiscoveryWalkFailureFailsExecution(t *testing.T) {
	h := newHarness(t, defaultPolling())
	h.device.err = errors.New("request timeout (after 2 retries)")

	host := testutil.FixtureHost()
	task := testutil.FixtureDiscoveryTask()
	h.store.addTask(task, host)

	ids, err := h.orch.DispatchDiscovery(context.Background(), task)
	require.NoError(t, err)
	h.drain(t)

	exec := h.store.execution(ids[0])
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "walk timed out")
	assert.Empty(t, h.store.discovered[host.ID])
}

func TestOperatorDiscoveryRecordsNoExecution(t *testing.T) {
	h := newHarness(t, defaultPolling())
	spec, _ := types.LookupQuery(types.QueryDiscovery)
	h.device.vars = []snmp.Variable{{OID: spec.OID + ".4194312448.7", Type: snmp.TypeInteger, Int: 1}}
	host := testutil.FixtureHost()
	h.store.hosts[host.ID] = host

	require.NoError(t, h.orch.Discover(context.Background(), queue.Discovery{HostID: host.ID}))
	assert.Len(t, h.store.discovered[host.ID], 1)
	assert.Empty(t, h.store.executions)
}
