package spawner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/cawhq/caw/internal/logging"
)

// ChildSpec describes one child agent invocation.
type ChildSpec struct {
	Binary          string
	Prompt          string
	SystemPrompt    string
	ResumeSessionID string
	Model           string
	MaxTurns        int
	MaxBudgetUSD    float64
	Port            int
	WorkDir         string
	WorktreeSlug    string
	PermissionMode  string
}

// ChildEvent is one parsed line of the child's stream-json stdout.
type ChildEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Errors    []string        `json:"errors"`
	Raw       json.RawMessage `json:"-"`
}

// ChildProcess is a running child agent.
type ChildProcess interface {
	// Events streams parsed stdout records; closed on child exit.
	Events() <-chan ChildEvent
	// Wait blocks until exit and returns the exit error, if any.
	Wait() error
	// Abort signals the child to terminate.
	Abort() error
	// Stderr returns captured diagnostics after exit.
	Stderr() string
}

// ChildRunner spawns child agents. The exec-backed implementation is
// the production one; tests substitute a synchronous mock.
type ChildRunner interface {
	Start(ctx context.Context, spec ChildSpec) (ChildProcess, error)
}

// ExecRunner spawns real child processes.
type ExecRunner struct {
	log *logging.Logger
	// StateDir holds the per-agent temp MCP config files.
	StateDir string
}

// NewExecRunner creates the production child runner.
func NewExecRunner(stateDir string, log *logging.Logger) *ExecRunner {
	if log == nil {
		log = logging.NewNop()
	}
	return &ExecRunner{log: log, StateDir: stateDir}
}

// Variables stripped from the child environment so a nested agent does
// not detect it is running under another agent.
var scrubbedEnvVars = []string{
	"CLAUDECODE",
	"CLAUDE_CODE_ENTRYPOINT",
	"CAW_TRANSPORT",
	"CAW_PORT",
}

// Start writes the temp MCP config, builds the argument list per the
// child ABI and launches the process with scrubbed environment.
func (r *ExecRunner) Start(ctx context.Context, spec ChildSpec) (ChildProcess, error) {
	cfgPath, err := r.writeMCPConfig(spec.Port)
	if err != nil {
		return nil, err
	}

	args := buildChildArgs(spec, cfgPath)
	cmd := exec.CommandContext(ctx, spec.Binary, args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = scrubEnv(os.Environ())

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("wiring child stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting child process: %w", err)
	}
	r.log.Info("child agent started", "pid", cmd.Process.Pid, "model", spec.Model)

	p := &execProcess{
		cmd:    cmd,
		stderr: &stderr,
		events: make(chan ChildEvent, 64),
	}
	go func() {
		defer close(p.events)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var ev ChildEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				r.log.Debug("unparseable child output", "line", string(line))
				continue
			}
			ev.Raw = append(json.RawMessage(nil), line...)
			p.events <- ev
		}
	}()
	return p, nil
}

// writeMCPConfig writes the temp MCP config file atomically and returns
// its path.
func (r *ExecRunner) writeMCPConfig(port int) (string, error) {
	dir := r.StateDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating mcp config dir: %w", err)
	}

	cfg := map[string]any{
		"mcpServers": map[string]any{
			"caw": map[string]any{
				"type": "sse",
				"url":  fmt.Sprintf("http://localhost:%d/mcp", port),
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("serialising mcp config: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("mcp-%d.json", os.Getpid()))
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	return path, nil
}

func buildChildArgs(spec ChildSpec, mcpConfigPath string) []string {
	var args []string
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID, "-p", spec.Prompt)
	} else {
		args = append(args, "-p", spec.Prompt)
		if spec.SystemPrompt != "" {
			args = append(args, "--append-system-prompt", spec.SystemPrompt)
		}
	}
	args = append(args,
		"--mcp-config", mcpConfigPath,
		"--output-format", "stream-json",
		"--verbose",
		"--no-session-persistence",
		"--model", spec.Model,
		"--max-turns", strconv.Itoa(spec.MaxTurns),
	)
	if spec.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(spec.MaxBudgetUSD, 'f', 2, 64))
	}
	if spec.WorktreeSlug != "" {
		args = append(args, "--worktree", spec.WorktreeSlug)
	}
	if spec.PermissionMode == "bypassPermissions" {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		args = append(args, "--allowedTools", "mcp__caw__*")
	}
	return args
}

func scrubEnv(env []string) []string {
	out := env[:0]
	for _, kv := range env {
		skip := false
		for _, name := range scrubbedEnvVars {
			if strings.HasPrefix(kv, name+"=") {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, kv)
		}
	}
	return out
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	events chan ChildEvent

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) Events() <-chan ChildEvent { return p.events }

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *execProcess) Abort() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Stderr() string { return p.stderr.String() }
