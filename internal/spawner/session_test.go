package spawner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/logging"
)

func TestBuildChildArgsFreshSession(t *testing.T) {
	args := buildChildArgs(ChildSpec{
		Prompt:       "do the thing",
		SystemPrompt: "you are agent ag_1",
		Model:        "sonnet",
		MaxTurns:     40,
		MaxBudgetUSD: 3.00,
	}, "/tmp/mcp.json")

	assert.Equal(t, []string{
		"-p", "do the thing",
		"--append-system-prompt", "you are agent ag_1",
		"--mcp-config", "/tmp/mcp.json",
		"--output-format", "stream-json",
		"--verbose",
		"--no-session-persistence",
		"--model", "sonnet",
		"--max-turns", "40",
		"--max-budget-usd", "3.00",
		"--allowedTools", "mcp__caw__*",
	}, args)
}

func TestBuildChildArgsResume(t *testing.T) {
	args := buildChildArgs(ChildSpec{
		Prompt:          "the answer is sqlite",
		SystemPrompt:    "ignored on resume",
		ResumeSessionID: "llm-abc",
		Model:           "opus",
		MaxTurns:        80,
	}, "/tmp/mcp.json")

	assert.Equal(t, []string{"--resume", "llm-abc", "-p", "the answer is sqlite"}, args[:4])
	assert.NotContains(t, args, "--append-system-prompt")
	assert.NotContains(t, args, "--max-budget-usd", "zero budget is omitted")
}

func TestBuildChildArgsPermissionsAndWorktree(t *testing.T) {
	args := buildChildArgs(ChildSpec{
		Prompt:         "p",
		Model:          "haiku",
		MaxTurns:       10,
		WorktreeSlug:   "caw-fix-typo",
		PermissionMode: "bypassPermissions",
	}, "/tmp/mcp.json")

	assert.Contains(t, args, "--dangerously-skip-permissions")
	assert.NotContains(t, args, "--allowedTools")
	idx := -1
	for i, a := range args {
		if a == "--worktree" {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "caw-fix-typo", args[idx+1])
}

func TestScrubEnv(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"CLAUDECODE=1",
		"CLAUDE_CODE_ENTRYPOINT=cli",
		"CAW_TRANSPORT=http",
		"CAW_PORT=9044",
		"HOME=/home/dev",
		"CAW_PORTER=keep", // prefix match must be exact up to '='
	}
	got := scrubEnv(env)
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/home/dev", "CAW_PORTER=keep"}, got)
}

func TestWriteMCPConfig(t *testing.T) {
	r := NewExecRunner(t.TempDir(), logging.NewNop())

	path, err := r.writeMCPConfig(9044)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.StateDir, fmt.Sprintf("mcp-%d.json", os.Getpid())), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg struct {
		MCPServers map[string]struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		} `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.Contains(t, cfg.MCPServers, "caw")
	assert.Equal(t, "sse", cfg.MCPServers["caw"].Type)
	assert.Equal(t, "http://localhost:9044/mcp", cfg.MCPServers["caw"].URL)

	// Rewriting for a new port replaces the file in place.
	_, err = r.writeMCPConfig(9100)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "9100")
}
