package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/service"
	"github.com/cawhq/caw/internal/store"
)

// HumanAgentID is the fixed id of the operator pseudo-agent. Child
// agents direct questions at this inbox; operators answer through the
// message tools.
const HumanAgentID = "human"

// DefaultPollInterval is the spawner's scheduling cadence.
const DefaultPollInterval = 5 * time.Second

type spawnerState int

const (
	stateIdle spawnerState = iota
	stateRunning
	stateSuspended
	stateStopped
)

// Spawner owns one workflow's execution: the agent pool, the polling
// loop, Q&A mediation and completion classification.
type Spawner struct {
	workflowID string
	svc        *service.Services
	runner     ChildRunner
	emitter    *Emitter
	pool       *AgentPool
	log        *logging.Logger
	cfg        PoolConfig

	PollInterval time.Duration

	mu           sync.Mutex
	state        spawnerState
	startedAt    int64
	suspendedAt  int64
	queryEmitted map[string]bool // task id → agent_query already emitted
	pollStop     chan struct{}
}

// New creates a spawner for one workflow. Runner defaults to the
// exec-backed child runner when nil is passed by the daemon wiring.
func New(workflowID string, svc *service.Services, runner ChildRunner, cfg PoolConfig, log *logging.Logger) *Spawner {
	cfg.withDefaults()
	if log == nil {
		log = logging.NewNop()
	}
	emitter := NewEmitter()
	return &Spawner{
		workflowID:   workflowID,
		svc:          svc,
		runner:       runner,
		emitter:      emitter,
		pool:         NewAgentPool(workflowID, svc, runner, emitter, cfg, log),
		log:          log.WithWorkflow(workflowID),
		cfg:          cfg,
		PollInterval: DefaultPollInterval,
		queryEmitted: make(map[string]bool),
	}
}

// Events exposes the listener registry.
func (s *Spawner) Events() *Emitter { return s.emitter }

// Start validates the workflow, cleans up stale agents, registers the
// human pseudo-agent, persists the spawner config, opens the pool and
// spawns the first batch.
func (s *Spawner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateRunning {
		s.mu.Unlock()
		return core.NewToolError(core.CodeAlreadyRunning,
			fmt.Sprintf("spawner for workflow %s is already running", s.workflowID), false)
	}
	s.mu.Unlock()

	wf, err := s.svc.Workflows.Get(ctx, s.workflowID, false)
	if err != nil {
		return err
	}
	switch wf.Status {
	case core.WorkflowStatusReady, core.WorkflowStatusInProgress, core.WorkflowStatusPaused:
	default:
		return core.NewToolError(core.CodeInvalidState,
			fmt.Sprintf("workflow must be ready, in_progress or paused to start, is %s", wf.Status), false)
	}

	if err := s.cleanupStaleAgents(ctx); err != nil {
		return err
	}

	if wf.Status != core.WorkflowStatusInProgress {
		if _, err := s.svc.Workflows.UpdateStatus(ctx, s.workflowID, core.WorkflowStatusInProgress, ""); err != nil {
			return err
		}
	}

	if err := s.ensureHumanAgent(ctx); err != nil {
		return err
	}
	if err := s.persistConfig(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = stateRunning
	s.startedAt = store.Now()
	s.suspendedAt = 0
	s.pollStop = make(chan struct{})
	stop := s.pollStop
	s.mu.Unlock()

	s.pool.Reopen()
	s.spawnBatch(ctx)
	go s.pollLoop(stop)

	s.log.Info("spawner started", "max_agents", s.cfg.MaxAgents)
	return nil
}

// cleanupStaleAgents releases tasks claimed by this workflow's leftover
// agents from a previous run and unregisters them.
func (s *Spawner) cleanupStaleAgents(ctx context.Context) error {
	agents, err := s.svc.Agents.List(ctx, service.AgentFilter{WorkflowID: s.workflowID})
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Status == core.AgentOffline || a.ID == HumanAgentID {
			continue
		}
		if err := s.svc.Agents.Unregister(ctx, a.ID); err != nil {
			s.log.Warn("unregistering stale agent", "agent_id", a.ID, "error", err)
		}
	}
	return nil
}

func (s *Spawner) ensureHumanAgent(ctx context.Context) error {
	if _, err := s.svc.Agents.Get(ctx, HumanAgentID); err == nil {
		return nil
	}
	_, err := s.svc.Agents.Register(ctx, service.RegisterInput{
		ID:      HumanAgentID,
		Name:    "Human Operator",
		Runtime: core.RuntimeHuman,
		Role:    core.RoleCoordinator,
	})
	return err
}

func (s *Spawner) persistConfig(ctx context.Context) error {
	blob, err := json.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("serialising spawner config: %w", err)
	}
	return s.svc.Workflows.SetConfig(ctx, s.workflowID, string(blob))
}

func (s *Spawner) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Poll(context.Background())
		}
	}
}

// Poll runs one scheduling pass. It is invoked by the 5 s loop and
// directly by tests.
func (s *Spawner) Poll(ctx context.Context) {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	next, err := s.svc.Orchestrator.GetNextTasks(ctx, s.workflowID, true)
	if err != nil {
		s.log.Error("scheduling pass failed", "error", err)
		return
	}
	if next.AllComplete {
		s.classifyCompletion(ctx)
		return
	}

	s.detectQueries(ctx)
	s.resumeAnswered(ctx)

	tasks, err := s.svc.Workflows.Get(ctx, s.workflowID, true)
	if err != nil {
		return
	}
	var inProgress, paused int
	for _, t := range tasks.Tasks {
		switch t.Status {
		case core.TaskStatusInProgress, core.TaskStatusPlanning:
			inProgress++
		case core.TaskStatusPaused:
			paused++
		}
	}
	if s.pool.ActiveCount() == 0 && len(next.Tasks) == 0 && inProgress == 0 && paused == 0 {
		s.log.Warn("workflow stalled")
		s.emitter.Emit(Event{
			Kind: EventWorkflowStalled, WorkflowID: s.workflowID,
			Message: "no runnable tasks and no active agents",
		})
		return
	}

	s.spawnBatch(ctx)
}

func (s *Spawner) spawnBatch(ctx context.Context) {
	next, err := s.svc.Orchestrator.GetNextTasks(ctx, s.workflowID, true)
	if err != nil {
		return
	}
	for _, task := range next.Tasks {
		if !s.pool.HasCapacity() {
			return
		}
		if task.Status == core.TaskStatusFailed {
			if s.pool.RetriesExhausted(task.ID) {
				continue
			}
			reset, err := s.svc.Tasks.PrepareRetry(ctx, task.ID)
			if err != nil {
				continue
			}
			task = reset
		}
		if err := s.pool.SpawnForTask(ctx, task); err != nil {
			s.log.Warn("spawn failed", "task_id", task.ID, "error", err)
		}
	}
}

// detectQueries emits agent_query once per paused task with an unread
// question in the human inbox.
func (s *Spawner) detectQueries(ctx context.Context) {
	wf, err := s.svc.Workflows.Get(ctx, s.workflowID, true)
	if err != nil {
		return
	}
	for _, t := range wf.Tasks {
		if t.Status != core.TaskStatusPaused {
			continue
		}
		s.mu.Lock()
		emitted := s.queryEmitted[t.ID]
		s.mu.Unlock()
		if emitted {
			continue
		}
		msgs, err := s.svc.Messages.List(ctx, HumanAgentID, service.MessageFilter{
			Status: core.MessageUnread, Type: core.MessageQuery, TaskID: t.ID,
		})
		if err != nil || len(msgs) == 0 {
			continue
		}
		s.mu.Lock()
		s.queryEmitted[t.ID] = true
		s.mu.Unlock()
		s.emitter.Emit(Event{
			Kind: EventAgentQuery, WorkflowID: s.workflowID,
			TaskID: t.ID, AgentID: t.AssignedAgentID,
			Message: msgs[0].Body,
		})
	}
}

// resumeAnswered moves answered paused tasks back to in_progress,
// clears their assignment and spawns fresh agents for them.
func (s *Spawner) resumeAnswered(ctx context.Context) {
	wf, err := s.svc.Workflows.Get(ctx, s.workflowID, true)
	if err != nil {
		return
	}
	for _, t := range wf.Tasks {
		if t.Status != core.TaskStatusPaused {
			continue
		}
		responses, err := s.answeredResponses(ctx, t.ID)
		if err != nil || len(responses) == 0 {
			continue
		}
		for _, m := range responses {
			_, _ = s.svc.Messages.MarkRead(ctx, m.ID)
		}

		// Back into the claimable set; any stale assignment goes with it.
		if _, err := s.svc.Tasks.ResumeFromPause(ctx, t.ID); err != nil {
			s.log.Warn("resuming answered task", "task_id", t.ID, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.queryEmitted, t.ID)
		s.mu.Unlock()

		fresh, err := s.svc.Tasks.Get(ctx, t.ID)
		if err != nil {
			continue
		}
		if s.pool.HasCapacity() {
			if err := s.pool.SpawnForTask(ctx, fresh); err != nil {
				s.log.Warn("respawning answered task", "task_id", t.ID, "error", err)
			}
		}
	}
}

// answeredResponses lists unread response messages addressed to any
// agent of this workflow for the given task.
func (s *Spawner) answeredResponses(ctx context.Context, taskID string) ([]*core.Message, error) {
	agents, err := s.svc.Agents.List(ctx, service.AgentFilter{WorkflowID: s.workflowID})
	if err != nil {
		return nil, err
	}
	var out []*core.Message
	seen := make(map[string]bool)
	collect := func(agentID string) {
		msgs, err := s.svc.Messages.List(ctx, agentID, service.MessageFilter{
			Status: core.MessageUnread, Type: core.MessageResponse, TaskID: taskID,
		})
		if err != nil {
			return
		}
		for _, m := range msgs {
			if !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	for _, a := range agents {
		collect(a.ID)
	}
	return out, nil
}

// classifyCompletion terminates the workflow: awaiting_merge when any
// workspace carries a PR URL, completed otherwise.
func (s *Spawner) classifyCompletion(ctx context.Context) {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.state = stateStopped
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
	s.mu.Unlock()

	workspaces, err := s.svc.Workspaces.List(ctx, service.WorkspaceFilter{WorkflowID: s.workflowID})
	if err != nil {
		s.log.Error("listing workspaces for completion", "error", err)
	}
	var prURLs []string
	for _, ws := range workspaces {
		if ws.PRURL != "" {
			prURLs = append(prURLs, ws.PRURL)
		}
	}

	if len(prURLs) > 0 {
		if _, err := s.svc.Workflows.UpdateStatus(ctx, s.workflowID, core.WorkflowStatusAwaitingMerge, ""); err != nil {
			s.log.Error("transitioning workflow to awaiting_merge", "error", err)
		}
		s.emitter.Emit(Event{
			Kind: EventWorkflowAwaitingMerge, WorkflowID: s.workflowID, PRURLs: prURLs,
		})
		return
	}

	if _, err := s.svc.Workflows.UpdateStatus(ctx, s.workflowID, core.WorkflowStatusCompleted, ""); err != nil {
		s.log.Error("transitioning workflow to completed", "error", err)
	}
	s.log.Info("workflow complete")
	s.emitter.Emit(Event{Kind: EventWorkflowAllComplete, WorkflowID: s.workflowID})
}

// SuspendResult reports what Suspend stopped.
type SuspendResult struct {
	Success       bool `json:"success"`
	AgentsStopped int  `json:"agents_stopped"`
}

// Suspend stops polling, aborts all sessions, parks in-flight tasks as
// paused and moves the workflow to paused.
func (s *Spawner) Suspend(ctx context.Context) (*SuspendResult, error) {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return nil, core.NewToolError(core.CodeNotRunning,
			fmt.Sprintf("spawner for workflow %s is not running", s.workflowID), false)
	}
	s.state = stateSuspended
	s.suspendedAt = store.Now()
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
	s.mu.Unlock()

	stopped := s.pool.Close()

	wf, err := s.svc.Workflows.Get(ctx, s.workflowID, true)
	if err != nil {
		return nil, err
	}
	for _, t := range wf.Tasks {
		if t.Status == core.TaskStatusInProgress || t.Status == core.TaskStatusPlanning {
			if _, err := s.svc.Tasks.UpdateStatus(ctx, t.ID, core.TaskStatusPaused, service.StatusUpdate{}); err != nil {
				s.log.Warn("pausing task", "task_id", t.ID, "error", err)
			}
		}
	}
	if _, err := s.svc.Workflows.UpdateStatus(ctx, s.workflowID, core.WorkflowStatusPaused, ""); err != nil {
		return nil, err
	}

	s.log.Info("spawner suspended", "agents_stopped", stopped)
	return &SuspendResult{Success: true, AgentsStopped: stopped}, nil
}

// Resume moves the workflow and its paused tasks back to in_progress,
// clears their assignment so fresh agents can claim them, re-opens the
// pool and spawns a batch.
func (s *Spawner) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateSuspended {
		s.mu.Unlock()
		return core.NewToolError(core.CodeNotSuspended,
			fmt.Sprintf("spawner for workflow %s is not suspended", s.workflowID), false)
	}
	s.mu.Unlock()

	if _, err := s.svc.Workflows.UpdateStatus(ctx, s.workflowID, core.WorkflowStatusInProgress, ""); err != nil {
		return err
	}

	wf, err := s.svc.Workflows.Get(ctx, s.workflowID, true)
	if err != nil {
		return err
	}
	for _, t := range wf.Tasks {
		if t.Status != core.TaskStatusPaused {
			continue
		}
		if _, err := s.svc.Tasks.ResumeFromPause(ctx, t.ID); err != nil {
			s.log.Warn("resuming paused task", "task_id", t.ID, "error", err)
		}
	}

	s.mu.Lock()
	s.state = stateRunning
	s.suspendedAt = 0
	s.pollStop = make(chan struct{})
	stop := s.pollStop
	s.mu.Unlock()

	s.pool.Reopen()
	s.spawnBatch(ctx)
	go s.pollLoop(stop)

	s.log.Info("spawner resumed")
	return nil
}

// Shutdown stops polling and aborts all sessions. Worktree cleanup is
// skipped when the workflow awaits merge so open PRs stay intact.
func (s *Spawner) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return
	}
	s.state = stateStopped
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
	s.mu.Unlock()

	s.pool.Close()

	wf, err := s.svc.Workflows.Get(ctx, s.workflowID, false)
	if err == nil && wf.Status != core.WorkflowStatusAwaitingMerge {
		workspaces, err := s.svc.Workspaces.List(ctx, service.WorkspaceFilter{
			WorkflowID: s.workflowID, Status: core.WorkspaceActive,
		})
		if err == nil {
			for _, ws := range workspaces {
				_, _ = s.svc.Workspaces.Update(ctx, ws.ID, service.WorkspaceUpdate{
					Status: core.WorkspaceAbandoned,
				})
			}
		}
	}
	s.log.Info("spawner shut down")
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	WorkflowID  string            `json:"workflow_id"`
	Status      string            `json:"status"`
	Agents      []string          `json:"agents"`
	Progress    *service.Progress `json:"progress"`
	StartedAt   int64             `json:"started_at,omitempty"`
	SuspendedAt int64             `json:"suspended_at,omitempty"`
}

// GetStatus snapshots the spawner.
func (s *Spawner) GetStatus(ctx context.Context) (*Status, error) {
	wf, err := s.svc.Workflows.Get(ctx, s.workflowID, false)
	if err != nil {
		return nil, err
	}
	progress, err := s.svc.Orchestrator.GetProgress(ctx, s.workflowID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	startedAt, suspendedAt := s.startedAt, s.suspendedAt
	s.mu.Unlock()

	return &Status{
		WorkflowID:  s.workflowID,
		Status:      string(wf.Status),
		Agents:      s.pool.AgentIDs(),
		Progress:    progress,
		StartedAt:   startedAt,
		SuspendedAt: suspendedAt,
	}, nil
}

// SetMaxAgents updates the pool cap and persists it.
func (s *Spawner) SetMaxAgents(ctx context.Context, n int) error {
	if n < 1 {
		return core.ErrInvalidInput("max agents must be at least 1")
	}
	s.pool.SetMaxAgents(n)
	s.mu.Lock()
	s.cfg.MaxAgents = n
	s.mu.Unlock()
	if _, err := s.svc.Workflows.SetParallelism(ctx, s.workflowID, n); err != nil {
		return err
	}
	return s.persistConfig(ctx)
}

// Running reports whether the polling loop is live.
func (s *Spawner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}
