package core

import (
	"errors"
	"fmt"
)

// ToolError is the structured error returned across the tool surface.
// Code enumerates a closed taxonomy; Recoverable signals that the caller
// can retry after correcting inputs.
type ToolError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Suggestion  string `json:"suggestion"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches tool errors by code.
func (e *ToolError) Is(target error) bool {
	t, ok := target.(*ToolError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Error codes. Every code except INTERNAL_ERROR is only emitted when its
// condition is matched exactly.
const (
	CodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeAgentNotFound      = "AGENT_NOT_FOUND"
	CodeMessageNotFound    = "MESSAGE_NOT_FOUND"
	CodeRecipientNotFound  = "RECIPIENT_NOT_FOUND"
	CodeSenderNotFound     = "SENDER_NOT_FOUND"
	CodeWorkspaceNotFound  = "WORKSPACE_NOT_FOUND"
	CodeRepositoryNotFound = "REPOSITORY_NOT_FOUND"
	CodeTemplateNotFound   = "TEMPLATE_NOT_FOUND"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeRepositoryInUse    = "REPOSITORY_IN_USE"
	CodeWorkflowLocked     = "WORKFLOW_LOCKED"
	CodeWorkflowMismatch   = "WORKFLOW_MISMATCH"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeInvalidState       = "INVALID_STATE"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeTaskBlocked        = "TASK_BLOCKED"
	CodeMissingOutcome     = "MISSING_OUTCOME"
	CodeMissingError       = "MISSING_ERROR"
	CodeMissingMergeCommit = "MISSING_MERGE_COMMIT"
	CodeMissingRepoPath    = "MISSING_REPO_PATH"
	CodeMissingPath        = "MISSING_PATH"
	CodeMissingVariables   = "MISSING_VARIABLES"
	CodeDuplicateTaskName  = "DUPLICATE_TASK_NAME"
	CodeDuplicateTemplate  = "DUPLICATE_TEMPLATE"
	CodeSelfDependency     = "SELF_DEPENDENCY"
	CodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	CodeTaskNotRemovable   = "TASK_NOT_REMOVABLE"
	CodeNameConflict       = "NAME_CONFLICT"
	CodeNotClaimed         = "NOT_CLAIMED"
	CodeNotAssigned        = "NOT_ASSIGNED"
	CodeAlreadyRunning     = "ALREADY_RUNNING"
	CodeNotRunning         = "NOT_RUNNING"
	CodeNotSuspended       = "NOT_SUSPENDED"
	CodeSpawnerError       = "SPAWNER_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
)

// NewToolError creates a tool error with an explicit recoverability flag.
func NewToolError(code, message string, recoverable bool) *ToolError {
	return &ToolError{Code: code, Message: message, Recoverable: recoverable}
}

// ErrNotFound creates the not-found error for an entity kind.
func ErrNotFound(code, kind, id string) *ToolError {
	return &ToolError{
		Code:        code,
		Message:     fmt.Sprintf("%s not found: %s", kind, id),
		Recoverable: false,
	}
}

// ErrInvalidInput creates a recoverable validation error.
func ErrInvalidInput(message string) *ToolError {
	return &ToolError{Code: CodeInvalidInput, Message: message, Recoverable: true}
}

// ErrInvalidTransition creates the error for an illegal state transition.
func ErrInvalidTransition(kind, from, to string) *ToolError {
	return &ToolError{
		Code:        CodeInvalidTransition,
		Message:     fmt.Sprintf("%s cannot transition from %s to %s", kind, from, to),
		Recoverable: false,
	}
}

// ErrInternal wraps an unexpected failure as INTERNAL_ERROR.
func ErrInternal(err error) *ToolError {
	return &ToolError{
		Code:        CodeInternalError,
		Message:     err.Error(),
		Recoverable: false,
	}
}

// AsToolError extracts a *ToolError from err, if present.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or INTERNAL_ERROR for
// non-structured errors.
func CodeOf(err error) string {
	if te, ok := AsToolError(err); ok {
		return te.Code
	}
	return CodeInternalError
}
