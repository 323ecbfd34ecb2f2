package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/service"
)

// MaxRetries bounds per-task respawn attempts before the task is forced
// to failed.
const MaxRetries = 3

// PoolConfig tunes one workflow's agent pool.
type PoolConfig struct {
	MaxAgents         int               `json:"max_agents"`
	AgentBinary       string            `json:"agent_binary"`
	Runtime           core.AgentRuntime `json:"runtime"`
	Port              int               `json:"port"`
	PermissionMode    string            `json:"permission_mode,omitempty"`
	EphemeralWorktree bool              `json:"ephemeral_worktree,omitempty"`
	HeartbeatInterval time.Duration     `json:"-"`
	Stagnation        StagnationConfig  `json:"-"`
}

func (c *PoolConfig) withDefaults() {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 1
	}
	if c.Runtime == "" {
		c.Runtime = core.RuntimeClaudeCode
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.Stagnation.RepeatThreshold <= 0 {
		c.Stagnation = DefaultStagnationConfig()
	}
}

// AgentPool maintains the bounded set of running agent sessions for one
// workflow. It is owned by a single spawner; background timers are the
// only concurrent entrants.
type AgentPool struct {
	workflowID string
	svc        *service.Services
	runner     ChildRunner
	emitter    *Emitter
	log        *logging.Logger
	cfg        PoolConfig

	mu         sync.Mutex
	sessions   map[string]*agentSession // agent id
	retries    map[string]int           // task id
	sessionIDs map[string]string        // task id → child LLM session id
	closed     bool
	wg         sync.WaitGroup
}

type agentSession struct {
	agentID string
	taskID  string
	proc    ChildProcess
	monitor *StagnationMonitor
	stop    chan struct{}

	mu      sync.Mutex
	aborted bool
	success bool
}

func (s *agentSession) markAborted() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
}

func (s *agentSession) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// NewAgentPool creates a pool for one workflow.
func NewAgentPool(workflowID string, svc *service.Services, runner ChildRunner, emitter *Emitter, cfg PoolConfig, log *logging.Logger) *AgentPool {
	cfg.withDefaults()
	if log == nil {
		log = logging.NewNop()
	}
	return &AgentPool{
		workflowID: workflowID,
		svc:        svc,
		runner:     runner,
		emitter:    emitter,
		log:        log.WithWorkflow(workflowID),
		cfg:        cfg,
		sessions:   make(map[string]*agentSession),
		retries:    make(map[string]int),
		sessionIDs: make(map[string]string),
	}
}

// ActiveCount returns the number of running sessions.
func (p *AgentPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// HasCapacity reports whether another session may start.
func (p *AgentPool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.sessions) < p.cfg.MaxAgents
}

// SetMaxAgents updates the cap.
func (p *AgentPool) SetMaxAgents(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.cfg.MaxAgents = n
	}
}

// RetriesExhausted reports whether a task has burned through its retry
// budget. Such tasks stay failed until an operator replans them.
func (p *AgentPool) RetriesExhausted(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries[taskID] > MaxRetries
}

// AgentIDs returns the ids of running sessions.
func (p *AgentPool) AgentIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SpawnForTask registers an agent, claims the task and launches a child
// process for it. A lost claim race unwinds the registration and
// returns an error.
func (p *AgentPool) SpawnForTask(ctx context.Context, task *core.Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return core.NewToolError(core.CodeNotRunning, "agent pool is closed", false)
	}
	if len(p.sessions) >= p.cfg.MaxAgents {
		p.mu.Unlock()
		return core.NewToolError(core.CodeSpawnerError, "agent pool is at capacity", true)
	}
	p.mu.Unlock()

	agent, err := p.svc.Agents.Register(ctx, service.RegisterInput{
		Name:       fmt.Sprintf("agent-%s", task.Name),
		Runtime:    p.cfg.Runtime,
		Role:       core.RoleWorker,
		WorkflowID: p.workflowID,
	})
	if err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}

	claim, err := p.svc.Tasks.Claim(ctx, task.ID, agent.ID)
	if err != nil || !claim.Success {
		_ = p.svc.Agents.Unregister(ctx, agent.ID)
		if err != nil {
			return fmt.Errorf("claiming task: %w", err)
		}
		return core.NewToolError(core.CodeSpawnerError,
			fmt.Sprintf("task %s already claimed by %s", task.ID, claim.AlreadyClaimedBy), true)
	}

	spec, err := p.buildSpec(ctx, task)
	if err != nil {
		_, _ = p.svc.Tasks.Release(ctx, task.ID, agent.ID)
		_ = p.svc.Agents.Unregister(ctx, agent.ID)
		return err
	}

	proc, err := p.runner.Start(ctx, spec)
	if err != nil {
		_, _ = p.svc.Tasks.Release(ctx, task.ID, agent.ID)
		_ = p.svc.Agents.Unregister(ctx, agent.ID)
		return fmt.Errorf("spawning child: %w", err)
	}

	sess := &agentSession{
		agentID: agent.ID,
		taskID:  task.ID,
		proc:    proc,
		stop:    make(chan struct{}),
	}
	sess.monitor = NewStagnationMonitor(p.cfg.Stagnation, func(level StagnationLevel, reason string) {
		p.onStagnation(sess, level, reason)
	})

	p.mu.Lock()
	p.sessions[agent.ID] = sess
	p.mu.Unlock()

	sess.monitor.Start()
	p.startHeartbeat(sess)
	p.wg.Add(1)
	go p.consume(sess, task)

	p.emitter.Emit(Event{
		Kind: EventAgentStarted, WorkflowID: p.workflowID,
		TaskID: task.ID, AgentID: agent.ID,
	})
	return nil
}

// buildSpec assembles the child invocation: prompt, worktree, model
// routing and an optional resumed LLM session.
func (p *AgentPool) buildSpec(ctx context.Context, task *core.Task) (ChildSpec, error) {
	hint := complexityHint(task.Context)
	route := RouteFor(ClassifyComplexity(hint, task.Name, task.Description))

	spec := ChildSpec{
		Binary:         p.cfg.AgentBinary,
		Model:          route.Model,
		MaxTurns:       route.MaxTurns,
		MaxBudgetUSD:   route.MaxBudgetUSD,
		Port:           p.cfg.Port,
		PermissionMode: p.cfg.PermissionMode,
	}

	if p.cfg.EphemeralWorktree {
		spec.WorktreeSlug = worktreeSlug(task.Name)
	} else if task.WorkspaceID != "" {
		ws, err := p.svc.Workspaces.Get(ctx, task.WorkspaceID)
		if err != nil {
			return spec, fmt.Errorf("resolving workspace: %w", err)
		}
		spec.WorkDir = ws.Path
	}

	prompt, system, err := p.buildPrompts(ctx, task)
	if err != nil {
		return spec, err
	}
	spec.Prompt = prompt
	spec.SystemPrompt = system

	p.mu.Lock()
	spec.ResumeSessionID = p.sessionIDs[task.ID]
	p.mu.Unlock()
	return spec, nil
}

func (p *AgentPool) buildPrompts(ctx context.Context, task *core.Task) (prompt, system string, err error) {
	wf, err := p.svc.Workflows.Get(ctx, p.workflowID, false)
	if err != nil {
		return "", "", err
	}
	tctx, err := p.svc.Tasks.LoadContext(ctx, task.ID)
	if err != nil {
		return "", "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a coding agent working on task %q (id %s) of workflow %q.\n", task.Name, task.ID, wf.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Task description: %s\n", task.Description)
	}
	if wf.PlanSummary != "" {
		fmt.Fprintf(&b, "Workflow summary: %s\n", wf.PlanSummary)
	}
	if len(tctx.DependencyOutcomes) > 0 {
		b.WriteString("Outcomes of completed dependencies:\n")
		for name, outcome := range tctx.DependencyOutcomes {
			fmt.Fprintf(&b, "- %s: %s\n", name, outcome)
		}
	}
	if tctx.InheritedContext != "" {
		fmt.Fprintf(&b, "Inherited context: %s\n", tctx.InheritedContext)
	}
	b.WriteString("Use the caw tools to record checkpoints, ask questions and report completion. ")
	b.WriteString("Complete the task with task_update_status(completed, outcome) or report failure with task_update_status(failed, error).")
	system = b.String()

	// Prior Q&A for this task goes into the user prompt on respawn.
	msgs, err := p.svc.Messages.List(ctx, HumanAgentID, service.MessageFilter{TaskID: task.ID, Limit: 20})
	if err == nil && len(msgs) > 0 {
		var q strings.Builder
		q.WriteString("Previous discussion about this task:\n")
		for i := len(msgs) - 1; i >= 0; i-- {
			fmt.Fprintf(&q, "[%s] %s\n", msgs[i].Type, msgs[i].Body)
		}
		q.WriteString("\n")
		prompt = q.String()
	}
	prompt += fmt.Sprintf("Work on task %q. %s", task.Name, task.Description)
	return prompt, system, nil
}

func (p *AgentPool) startHeartbeat(sess *agentSession) {
	go func() {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sess.stop:
				return
			case <-ticker.C:
				_, _ = p.svc.Agents.Heartbeat(context.Background(), sess.agentID, "")
			}
		}
	}()
}

// consume reads child events until exit, then dispatches completion.
func (p *AgentPool) consume(sess *agentSession, task *core.Task) {
	defer p.wg.Done()

	for ev := range sess.proc.Events() {
		switch ev.Type {
		case "system":
			if ev.Subtype == "init" && ev.SessionID != "" {
				p.mu.Lock()
				p.sessionIDs[sess.taskID] = ev.SessionID
				p.mu.Unlock()
			}
		case "assistant":
			sess.monitor.RecordTurn()
			sess.monitor.Observe(ev.Type, assistantSnippet(ev), 0)
		case "result":
			sess.mu.Lock()
			sess.success = ev.Subtype == "success"
			sess.mu.Unlock()
		}
	}

	exitErr := sess.proc.Wait()
	sess.monitor.Stop()
	close(sess.stop)

	p.mu.Lock()
	delete(p.sessions, sess.agentID)
	p.mu.Unlock()

	p.dispatchCompletion(sess, task, exitErr)
}

// dispatchCompletion applies the phantom-completion guard and the retry
// policy after a child exits.
func (p *AgentPool) dispatchCompletion(sess *agentSession, task *core.Task, exitErr error) {
	ctx := context.Background()

	if sess.wasAborted() {
		_ = p.svc.Agents.Unregister(ctx, sess.agentID)
		return
	}

	sess.mu.Lock()
	reportedSuccess := sess.success
	sess.mu.Unlock()

	current, err := p.svc.Tasks.Get(ctx, sess.taskID)
	if err != nil {
		p.log.Error("re-reading task after child exit", "error", err)
		_ = p.svc.Agents.Unregister(ctx, sess.agentID)
		return
	}

	// The child's word is not trusted: success only counts when the
	// task row actually reached a terminal status.
	if reportedSuccess && exitErr == nil && core.IsTerminalTaskStatus(current.Status) {
		_ = p.svc.Agents.Unregister(ctx, sess.agentID)
		p.emitter.Emit(Event{
			Kind: EventAgentCompleted, WorkflowID: p.workflowID,
			TaskID: sess.taskID, AgentID: sess.agentID,
		})
		return
	}
	if current.Status == core.TaskStatusPaused {
		// Agent parked the task waiting for an answer; not a failure.
		_ = p.svc.Agents.Unregister(ctx, sess.agentID)
		return
	}

	reason := "child exited without completing task"
	if exitErr != nil {
		reason = fmt.Sprintf("child exited with error: %v (stderr: %s)", exitErr, truncate(sess.proc.Stderr(), 500))
	}

	p.mu.Lock()
	p.retries[sess.taskID]++
	attempt := p.retries[sess.taskID]
	p.mu.Unlock()

	// Unregister releases the claim, putting the task back to pending
	// for the next polling cycle.
	_ = p.svc.Agents.Unregister(ctx, sess.agentID)

	if attempt <= MaxRetries {
		p.log.Warn("agent retrying", "task_id", sess.taskID, "attempt", attempt, "reason", reason)
		p.emitter.Emit(Event{
			Kind: EventAgentRetrying, WorkflowID: p.workflowID,
			TaskID: sess.taskID, AgentID: sess.agentID,
			Message: reason, Attempt: attempt,
		})
		return
	}

	p.forceFail(ctx, sess.taskID, reason)
	p.emitter.Emit(Event{
		Kind: EventAgentFailed, WorkflowID: p.workflowID,
		TaskID: sess.taskID, AgentID: sess.agentID, Message: reason,
	})
}

// forceFail walks a task through legal transitions to failed.
func (p *AgentPool) forceFail(ctx context.Context, taskID, reason string) {
	task, err := p.svc.Tasks.Get(ctx, taskID)
	if err != nil {
		return
	}
	if task.Status == core.TaskStatusPlanning {
		if _, err := p.svc.Tasks.UpdateStatus(ctx, taskID, core.TaskStatusInProgress, service.StatusUpdate{}); err != nil {
			p.log.Error("forcing task toward failed", "task_id", taskID, "error", err)
		}
	}
	if _, err := p.svc.Tasks.UpdateStatus(ctx, taskID, core.TaskStatusFailed,
		service.StatusUpdate{Error: reason}); err != nil {
		p.log.Error("forcing task to failed", "task_id", taskID, "error", err)
	}
}

func (p *AgentPool) onStagnation(sess *agentSession, level StagnationLevel, reason string) {
	p.emitter.Emit(Event{
		Kind: EventAgentStagnation, WorkflowID: p.workflowID,
		TaskID: sess.taskID, AgentID: sess.agentID,
		Message: fmt.Sprintf("%s: %s", level, reason),
	})
	switch level {
	case StagnationPause:
		_, _ = p.svc.Tasks.UpdateStatus(context.Background(), sess.taskID,
			core.TaskStatusPaused, service.StatusUpdate{})
	case StagnationAbort:
		sess.markAborted()
		_ = sess.proc.Abort()
	}
}

// AbortAll terminates every session and waits for readers to drain.
func (p *AgentPool) AbortAll() int {
	p.mu.Lock()
	sessions := make([]*agentSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.markAborted()
		s.monitor.Stop()
		_ = s.proc.Abort()
	}
	p.wg.Wait()
	return len(sessions)
}

// Close stops accepting spawns and aborts all sessions.
func (p *AgentPool) Close() int {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.AbortAll()
}

// Reopen re-enables spawning after a suspend.
func (p *AgentPool) Reopen() {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

func complexityHint(taskContext string) string {
	if taskContext == "" {
		return ""
	}
	var parsed struct {
		Complexity string `json:"complexity"`
	}
	if err := json.Unmarshal([]byte(taskContext), &parsed); err != nil {
		return ""
	}
	return parsed.Complexity
}

func worktreeSlug(taskName string) string {
	slug := strings.ToLower(taskName)
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	return "caw-" + strings.Trim(slug, "-")
}

// assistantSnippet extracts the reply text from a stream-json assistant
// record so identical consecutive replies produce identical
// observations for loop detection.
func assistantSnippet(ev ChildEvent) string {
	var rec struct {
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(ev.Raw, &rec); err == nil {
		for _, c := range rec.Message.Content {
			if c.Type == "text" && c.Text != "" {
				return truncate(c.Text, 200)
			}
		}
	}
	return truncate(string(ev.Raw), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
