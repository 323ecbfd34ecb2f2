package tools

import "github.com/cawhq/caw/internal/core"

// suggestions maps every error code to the fixed hint attached to tool
// errors. Codes missing here fall back to the generic hint.
var suggestions = map[string]string{
	core.CodeWorkflowNotFound:   "Check the workflow id with workflow_list.",
	core.CodeTaskNotFound:       "Check the task id with workflow_get(include_tasks=true).",
	core.CodeAgentNotFound:      "Register the agent with agent_register first.",
	core.CodeMessageNotFound:    "Check the message id with message_list.",
	core.CodeRecipientNotFound:  "Verify the recipient agent id with agent_list.",
	core.CodeSenderNotFound:     "Verify the sender agent id with agent_list.",
	core.CodeWorkspaceNotFound:  "Check the workspace id with workspace_list.",
	core.CodeRepositoryNotFound: "Register the repository with repository_register.",
	core.CodeTemplateNotFound:   "Check the template id with template_list.",
	core.CodeSessionNotFound:    "The session has expired; reconnect to obtain a new one.",
	core.CodeRepositoryInUse:    "Reassign or remove tasks referencing this repository first.",
	core.CodeWorkflowLocked:     "Wait for the lock holder or retry without session_id.",
	core.CodeWorkflowMismatch:   "Use entities belonging to the same workflow.",
	core.CodeInvalidTransition:  "Consult the state machine for allowed transitions.",
	core.CodeInvalidState:       "Check the entity's current status before this operation.",
	core.CodeInvalidInput:       "Correct the request parameters and retry.",
	core.CodeTaskBlocked:        "Complete the task's dependencies first.",
	core.CodeMissingOutcome:     "Provide a non-empty outcome when completing a task.",
	core.CodeMissingError:       "Provide a non-empty error when failing a task.",
	core.CodeMissingMergeCommit: "Provide merge_commit when marking a workspace merged.",
	core.CodeMissingRepoPath:    "Provide the repository path.",
	core.CodeMissingPath:        "Provide the workspace path.",
	core.CodeMissingVariables:   "Supply values for every template variable.",
	core.CodeDuplicateTaskName:  "Task names must be unique within a workflow.",
	core.CodeDuplicateTemplate:  "Template names must be unique; pick another name.",
	core.CodeSelfDependency:     "A task cannot depend on itself.",
	core.CodeUnknownDependency:  "Dependencies must name tasks in the same plan.",
	core.CodeTaskNotRemovable:   "Only pending, blocked or unassigned planning tasks can be removed.",
	core.CodeNameConflict:       "New task names must not collide with preserved tasks.",
	core.CodeNotClaimed:         "The task has no claim to release.",
	core.CodeNotAssigned:        "Only the claiming agent may release the task.",
	core.CodeAlreadyRunning:     "The workflow is already executing; use workflow_execution_status.",
	core.CodeNotRunning:         "Start the workflow with workflow_start first.",
	core.CodeNotSuspended:       "Only a suspended workflow can be resumed.",
	core.CodeSpawnerError:       "Inspect the spawner status and retry.",
	core.CodeInternalError:      "Retry; if the problem persists, inspect the daemon logs.",
}

// SuggestionFor returns the fixed suggestion for an error code.
func SuggestionFor(code string) string {
	if s, ok := suggestions[code]; ok {
		return s
	}
	return suggestions[core.CodeInternalError]
}
