package spawner

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/service"
	"github.com/cawhq/caw/internal/store"
)

// mockProcess is a scripted child agent process.
type mockProcess struct {
	events chan ChildEvent
	abort  chan struct{}
	once   sync.Once

	mu      sync.Mutex
	waitErr error
	stderr  string
}

func (p *mockProcess) Events() <-chan ChildEvent { return p.events }
func (p *mockProcess) Abort() error {
	p.once.Do(func() { close(p.abort) })
	return nil
}
func (p *mockProcess) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}
func (p *mockProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr
}

// childBehavior scripts what a spawned child does with its claimed task.
type childBehavior func(svc *service.Services, task *core.Task, spec ChildSpec, proc *mockProcess)

// systemPromptTaskID recovers the claimed task from the generated
// system prompt.
var systemPromptTaskID = regexp.MustCompile(`\(id (tk_[a-z0-9]+)\)`)

// mockRunner substitutes real child processes with scripted behaviors.
type mockRunner struct {
	svc *service.Services

	mu     sync.Mutex
	behave childBehavior
	starts int
	specs  []ChildSpec
}

func (r *mockRunner) setBehavior(b childBehavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behave = b
}

func (r *mockRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *mockRunner) spec(i int) ChildSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.specs[i]
}

func (r *mockRunner) Start(_ context.Context, spec ChildSpec) (ChildProcess, error) {
	r.mu.Lock()
	r.starts++
	r.specs = append(r.specs, spec)
	behave := r.behave
	r.mu.Unlock()

	proc := &mockProcess{
		events: make(chan ChildEvent, 16),
		abort:  make(chan struct{}),
	}
	m := systemPromptTaskID.FindStringSubmatch(spec.SystemPrompt)
	go func() {
		defer close(proc.events)
		if m == nil {
			return
		}
		task, err := r.svc.Tasks.Get(context.Background(), m[1])
		if err != nil {
			return
		}
		proc.events <- ChildEvent{Type: "system", Subtype: "init", SessionID: "llm-" + task.ID}
		if behave != nil {
			behave(r.svc, task, spec, proc)
		}
	}()
	return proc, nil
}

// completeBehavior runs the task to completed and reports success.
func completeBehavior(svc *service.Services, task *core.Task, _ ChildSpec, proc *mockProcess) {
	ctx := context.Background()
	if _, err := svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusInProgress, service.StatusUpdate{}); err != nil {
		return
	}
	if _, err := svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusCompleted,
		service.StatusUpdate{Outcome: "finished " + task.Name}); err != nil {
		return
	}
	proc.events <- ChildEvent{Type: "result", Subtype: "success"}
}

// crashBehavior exits without touching the task.
func crashBehavior(_ *service.Services, _ *core.Task, _ ChildSpec, proc *mockProcess) {
	proc.mu.Lock()
	proc.stderr = "panic: out of cheese"
	proc.mu.Unlock()
}

// hangBehavior blocks until aborted.
func hangBehavior(_ *service.Services, _ *core.Task, _ ChildSpec, proc *mockProcess) {
	<-proc.abort
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type harness struct {
	svc    *service.Services
	runner *mockRunner
	rec    *eventRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := service.New(st, logging.NewNop())
	return &harness{
		svc:    svc,
		runner: &mockRunner{svc: svc},
		rec:    &eventRecorder{},
	}
}

func (h *harness) plannedWorkflow(t *testing.T, specs ...service.TaskSpec) *core.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := h.svc.Workflows.Create(ctx, service.CreateWorkflowParams{Name: "run"})
	require.NoError(t, err)
	wf, err = h.svc.Workflows.SetPlan(ctx, wf.ID, "plan", specs)
	require.NoError(t, err)
	return wf
}

func (h *harness) newSpawner(workflowID string, maxAgents int) *Spawner {
	s := New(workflowID, h.svc, h.runner, PoolConfig{
		MaxAgents:   maxAgents,
		AgentBinary: "mock-agent",
	}, logging.NewNop())
	// Tests drive Poll directly; keep the background loop out of the way.
	s.PollInterval = time.Hour
	s.Events().OnAll(h.rec.record)
	return s
}

func (h *harness) taskStatus(t *testing.T, taskID string) core.TaskStatus {
	t.Helper()
	task, err := h.svc.Tasks.Get(context.Background(), taskID)
	require.NoError(t, err)
	return task.Status
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func taskNamed(t *testing.T, wf *core.Workflow, name string) *core.Task {
	t.Helper()
	for _, task := range wf.Tasks {
		if task.Name == name {
			return task
		}
	}
	t.Fatalf("no task named %q", name)
	return nil
}

func TestSpawnerRunsSingleTaskToCompletion(t *testing.T) {
	h := newHarness(t)
	h.runner.setBehavior(completeBehavior)
	ctx := context.Background()

	wf := h.plannedWorkflow(t, service.TaskSpec{Name: "ship it"})
	task := taskNamed(t, wf, "ship it")

	s := h.newSpawner(wf.ID, 1)
	require.NoError(t, s.Start(ctx))
	require.True(t, s.Running())

	waitFor(t, func() bool {
		return h.taskStatus(t, task.ID) == core.TaskStatusCompleted && s.pool.ActiveCount() == 0
	}, "task should complete")
	assert.Equal(t, 1, h.rec.count(EventAgentStarted))

	waitFor(t, func() bool { return h.rec.count(EventAgentCompleted) == 1 }, "completion event")

	s.Poll(ctx)
	got, err := h.svc.Workflows.Get(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, 1, h.rec.count(EventWorkflowAllComplete))
	assert.False(t, s.Running())
	assert.NotEmpty(t, got.Config, "spawner config is persisted for daemon resume")
}

func TestSpawnerRespectsDependencyOrder(t *testing.T) {
	h := newHarness(t)
	h.runner.setBehavior(completeBehavior)
	ctx := context.Background()

	wf := h.plannedWorkflow(t,
		service.TaskSpec{Name: "first"},
		service.TaskSpec{Name: "second", DependsOn: []string{"first"}},
	)
	first := taskNamed(t, wf, "first")
	second := taskNamed(t, wf, "second")

	s := h.newSpawner(wf.ID, 2)
	require.NoError(t, s.Start(ctx))

	waitFor(t, func() bool { return h.taskStatus(t, first.ID) == core.TaskStatusCompleted }, "first completes")
	assert.Equal(t, 1, h.runner.startCount(), "second must not spawn before first finishes")

	s.Poll(ctx)
	waitFor(t, func() bool { return h.taskStatus(t, second.ID) == core.TaskStatusCompleted }, "second completes")
	assert.Equal(t, 2, h.runner.startCount())

	s.Poll(ctx)
	got, err := h.svc.Workflows.Get(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusCompleted, got.Status)
}

func TestSpawnerFanIn(t *testing.T) {
	h := newHarness(t)
	h.runner.setBehavior(completeBehavior)
	ctx := context.Background()

	wf := h.plannedWorkflow(t,
		service.TaskSpec{Name: "left"},
		service.TaskSpec{Name: "right"},
		service.TaskSpec{Name: "join", DependsOn: []string{"left", "right"}},
	)
	join := taskNamed(t, wf, "join")

	s := h.newSpawner(wf.ID, 3)
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 2, h.runner.startCount(), "only the two independent tasks spawn initially")

	waitFor(t, func() bool { return s.pool.ActiveCount() == 0 }, "first batch drains")
	s.Poll(ctx)
	waitFor(t, func() bool { return h.taskStatus(t, join.ID) == core.TaskStatusCompleted }, "join completes")
	assert.Equal(t, 3, h.runner.startCount())
}

func TestSpawnerHonorsMaxAgents(t *testing.T) {
	h := newHarness(t)
	h.runner.setBehavior(hangBehavior)
	ctx := context.Background()

	wf := h.plannedWorkflow(t,
		service.TaskSpec{Name: "one"},
		service.TaskSpec{Name: "two"},
	)

	s := h.newSpawner(wf.ID, 1)
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 1, h.runner.startCount())
	assert.Equal(t, 1, s.pool.ActiveCount())

	// Polling with a full pool spawns nothing.
	s.Poll(ctx)
	assert.Equal(t, 1, h.runner.startCount())

	res, err := s.Suspend(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.AgentsStopped)
}

func TestSpawnerRetriesThenForcesFailure(t *testing.T) {
	h := newHarness(t)
	h.runner.setBehavior(crashBehavior)
	ctx := context.Background()

	wf := h.plannedWorkflow(t, service.TaskSpec{Name: "doomed"})
	task := taskNamed(t, wf, "doomed")

	s := h.newSpawner(wf.ID, 1)
	require.NoError(t, s.Start(ctx))

	// Initial attempt plus MaxRetries respawns; each respawn needs a poll.
	for i := 0; i < MaxRetries; i++ {
		attempts := i + 1
		waitFor(t, func() bool { return h.rec.count(EventAgentRetrying) >= attempts }, "retry event")
		s.Poll(ctx)
	}
	waitFor(t, func() bool { return h.rec.count(EventAgentFailed) == 1 }, "terminal failure event")
	assert.Equal(t, MaxRetries+1, h.runner.startCount())
	assert.Equal(t, core.TaskStatusFailed, h.taskStatus(t, task.ID))

	failed, err := h.svc.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, failed.Error, "child exited")

	// Exhausted tasks are not respawned.
	s.Poll(ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, MaxRetries+1, h.runner.startCount())
}

func TestSpawnerPhantomCompletionGuard(t *testing.T) {
	h := newHarness(t)
	// The child claims success but never moves the task row.
	h.runner.setBehavior(func(_ *service.Services, _ *core.Task, _ ChildSpec, proc *mockProcess) {
		proc.events <- ChildEvent{Type: "result", Subtype: "success"}
	})
	ctx := context.Background()

	wf := h.plannedWorkflow(t, service.TaskSpec{Name: "liar"})
	task := taskNamed(t, wf, "liar")

	s := h.newSpawner(wf.ID, 1)
	require.NoError(t, s.Start(ctx))

	waitFor(t, func() bool { return h.rec.count(EventAgentRetrying) == 1 }, "claimed success without a terminal task row counts as a retry")
	assert.Zero(t, h.rec.count(EventAgentCompleted))
	assert.Equal(t, core.TaskStatusPending, h.taskStatus(t, task.ID))
}

func TestSpawnerAbortsLoopingChild(t *testing.T) {
	h := newHarness(t)
	// The child emits the same assistant reply over and over without
	// ever moving the task.
	raw := json.RawMessage(`{"type":"assistant","message":{"content":[{"type":"text","text":"still refactoring the same file"}]}}`)
	h.runner.setBehavior(func(_ *service.Services, _ *core.Task, _ ChildSpec, proc *mockProcess) {
		for i := 0; i < 6; i++ {
			select {
			case proc.events <- ChildEvent{Type: "assistant", Raw: raw}:
			case <-proc.abort:
				return
			}
		}
		<-proc.abort
	})
	ctx := context.Background()

	wf := h.plannedWorkflow(t, service.TaskSpec{Name: "spinning"})
	task := taskNamed(t, wf, "spinning")

	s := h.newSpawner(wf.ID, 1)
	require.NoError(t, s.Start(ctx))

	waitFor(t, func() bool { return s.pool.ActiveCount() == 0 }, "looping child gets aborted")

	ev, ok := h.rec.last(EventAgentStagnation)
	require.True(t, ok, "stagnation escalation must be reported")
	assert.Contains(t, ev.Message, "abort: loop detected")
	assert.Equal(t, task.ID, ev.TaskID)

	// An aborted child is neither a completion nor a retryable crash;
	// the claim is released for a later operator decision.
	assert.Zero(t, h.rec.count(EventAgentCompleted))
	assert.Zero(t, h.rec.count(EventAgentRetrying))
	assert.Zero(t, h.rec.count(EventAgentFailed))
	waitFor(t, func() bool { return h.taskStatus(t, task.ID) == core.TaskStatusPending }, "claim released")
}

func TestSpawnerQuestionAndAnswer(t *testing.T) {
	h := newHarness(t)
	// First spawn asks a question and parks the task; the respawn (which
	// resumes the cached LLM session) completes it.
	h.runner.setBehavior(func(svc *service.Services, task *core.Task, spec ChildSpec, proc *mockProcess) {
		ctx := context.Background()
		if spec.ResumeSessionID != "" {
			completeBehavior(svc, task, spec, proc)
			return
		}
		if _, err := svc.Tasks.UpdateStatus(ctx, task.ID, core.TaskStatusPaused, service.StatusUpdate{}); err != nil {
			return
		}
		_, _ = svc.Messages.Send(ctx, service.SendInput{
			SenderID:    task.AssignedAgentID,
			RecipientID: HumanAgentID,
			Type:        core.MessageQuery,
			Subject:     "need a decision",
			Body:        "postgres or sqlite?",
			WorkflowID:  task.WorkflowID,
			TaskID:      task.ID,
		})
	})
	ctx := context.Background()

	wf := h.plannedWorkflow(t, service.TaskSpec{Name: "choose db"})
	task := taskNamed(t, wf, "choose db")

	s := h.newSpawner(wf.ID, 1)
	require.NoError(t, s.Start(ctx))

	waitFor(t, func() bool {
		return h.taskStatus(t, task.ID) == core.TaskStatusPaused && s.pool.ActiveCount() == 0
	}, "task parks awaiting an answer")

	s.Poll(ctx)
	require.Equal(t, 1, h.rec.count(EventAgentQuery))
	ev, ok := h.rec.last(EventAgentQuery)
	require.True(t, ok)
	assert.Equal(t, "postgres or sqlite?", ev.Message)

	// The query event fires once, not every poll.
	s.Poll(ctx)
	assert.Equal(t, 1, h.rec.count(EventAgentQuery))

	// Operator answers through the message system, addressed to the
	// workflow's (now offline) worker agent.
	agents, err := h.svc.Agents.List(ctx, service.AgentFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.NotEmpty(t, agents)
	_, err = h.svc.Messages.Send(ctx, service.SendInput{
		SenderID:    HumanAgentID,
		RecipientID: agents[0].ID,
		Type:        core.MessageResponse,
		Subject:     "re: need a decision",
		Body:        "sqlite",
		WorkflowID:  wf.ID,
		TaskID:      task.ID,
	})
	require.NoError(t, err)

	s.Poll(ctx)
	waitFor(t, func() bool { return h.taskStatus(t, task.ID) == core.TaskStatusCompleted }, "answered task completes")

	require.Equal(t, 2, h.runner.startCount())
	assert.Equal(t, "llm-"+task.ID, h.runner.spec(1).ResumeSessionID,
		"respawn resumes the child's previous LLM session")

	s.Poll(ctx)
	got, err := h.svc.Workflows.Get(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusCompleted, got.Status)
}

func TestSpawnerSuspendAndResume(t *testing.T) {
	h := newHarness(t)
	var resumed bool
	var mu sync.Mutex
	h.runner.setBehavior(func(svc *service.Services, task *core.Task, spec ChildSpec, proc *mockProcess) {
		mu.Lock()
		second := resumed
		mu.Unlock()
		if second {
			completeBehavior(svc, task, spec, proc)
			return
		}
		hangBehavior(svc, task, spec, proc)
	})
	ctx := context.Background()

	wf := h.plannedWorkflow(t, service.TaskSpec{Name: "long haul"})
	task := taskNamed(t, wf, "long haul")

	s := h.newSpawner(wf.ID, 1)
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 1, s.pool.ActiveCount())

	res, err := s.Suspend(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AgentsStopped)
	assert.False(t, s.Running())

	got, err := h.svc.Workflows.Get(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusPaused, got.Status)
	assert.Equal(t, 0, s.pool.ActiveCount())

	_, err = s.Suspend(ctx)
	require.Error(t, err)
	assert.Equal(t, core.CodeNotRunning, core.CodeOf(err))

	mu.Lock()
	resumed = true
	mu.Unlock()

	require.NoError(t, s.Resume(ctx))
	require.True(t, s.Running())
	waitFor(t, func() bool { return h.taskStatus(t, task.ID) == core.TaskStatusCompleted }, "resumed task completes")

	s.Poll(ctx)
	got, err = h.svc.Workflows.Get(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusCompleted, got.Status)
}

func TestSpawnerClassifiesAwaitingMerge(t *testing.T) {
	h := newHarness(t)
	h.runner.setBehavior(func(svc *service.Services, task *core.Task, spec ChildSpec, proc *mockProcess) {
		ctx := context.Background()
		ws, err := svc.Workspaces.Create(ctx, service.CreateWorkspaceInput{
			WorkflowID: task.WorkflowID,
			Path:       "/tmp/worktrees/" + task.Name,
			Branch:     "caw/" + task.Name,
		})
		if err == nil {
			_, _ = svc.Workspaces.Update(ctx, ws.ID, service.WorkspaceUpdate{
				PRURL: "https://github.com/acme/api/pull/7",
			})
		}
		completeBehavior(svc, task, spec, proc)
	})
	ctx := context.Background()

	wf := h.plannedWorkflow(t, service.TaskSpec{Name: "pr-task"})
	task := taskNamed(t, wf, "pr-task")

	s := h.newSpawner(wf.ID, 1)
	require.NoError(t, s.Start(ctx))
	waitFor(t, func() bool { return h.taskStatus(t, task.ID) == core.TaskStatusCompleted }, "task completes")

	s.Poll(ctx)
	got, err := h.svc.Workflows.Get(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusAwaitingMerge, got.Status)

	ev, ok := h.rec.last(EventWorkflowAwaitingMerge)
	require.True(t, ok)
	assert.Equal(t, []string{"https://github.com/acme/api/pull/7"}, ev.PRURLs)
}

func TestSpawnerStartGuards(t *testing.T) {
	h := newHarness(t)
	h.runner.setBehavior(hangBehavior)
	ctx := context.Background()

	// Unplanned workflows cannot start.
	unplanned, err := h.svc.Workflows.Create(ctx, service.CreateWorkflowParams{Name: "raw"})
	require.NoError(t, err)
	s := h.newSpawner(unplanned.ID, 1)
	err = s.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))

	wf := h.plannedWorkflow(t, service.TaskSpec{Name: "t"})
	s2 := h.newSpawner(wf.ID, 1)
	require.NoError(t, s2.Start(ctx))
	err = s2.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, core.CodeAlreadyRunning, core.CodeOf(err))

	_, err = s2.Suspend(ctx)
	require.NoError(t, err)
	err = s2.Resume(ctx)
	require.NoError(t, err)
	s2.Shutdown(ctx)
}

func TestSpawnerStatusAndParallelism(t *testing.T) {
	h := newHarness(t)
	h.runner.setBehavior(hangBehavior)
	ctx := context.Background()

	wf := h.plannedWorkflow(t, service.TaskSpec{Name: "a"}, service.TaskSpec{Name: "b"})
	s := h.newSpawner(wf.ID, 2)
	require.NoError(t, s.Start(ctx))

	status, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, status.WorkflowID)
	assert.Equal(t, string(core.WorkflowStatusInProgress), status.Status)
	assert.Len(t, status.Agents, 2)
	assert.Equal(t, 2, status.Progress.TotalTasks)
	assert.NotZero(t, status.StartedAt)

	require.NoError(t, s.SetMaxAgents(ctx, 5))
	got, err := h.svc.Workflows.Get(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxParallelTasks)

	err = s.SetMaxAgents(ctx, 0)
	require.Error(t, err)

	s.Shutdown(ctx)
	assert.False(t, s.Running())
}
