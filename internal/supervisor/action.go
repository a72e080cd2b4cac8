// Package supervisor implements the Supervisor (C5, §4.5): driving an
// ExecutorAction tree to completion under explicit concurrency,
// finalization and policy invariants. Grounded on the teacher's
// RunOnceWithLogs/processConcern pipeline (internal/engine/engine.go),
// generalized from a fixed concern-DAG walk to an arbitrary action chain,
// and on original_source's container.rs for the finalization/auto-retry
// state machine this chain-walk alone doesn't capture.
package supervisor

import (
	"encoding/json"

	"github.com/re-cinq/supervisor/internal/model"
)

// ActionType discriminates ExecutorActionType (§4.5.1).
type ActionType string

const (
	ActionScript                  ActionType = "script_request"
	ActionCodingAgentInitial      ActionType = "coding_agent_initial_request"
	ActionCodingAgentFollowUp     ActionType = "coding_agent_follow_up_request"
)

// ScriptContext distinguishes what a ScriptRequest is for.
type ScriptContext string

const (
	ContextSetupScript   ScriptContext = "setup_script"
	ContextCleanupScript ScriptContext = "cleanup_script"
	ContextDevServer     ScriptContext = "dev_server"
)

// Action is the recursive ExecutorAction value: a unit of work plus an
// optional next_action chained after this one succeeds.
type Action struct {
	Type ActionType `json:"typ"`

	// ScriptRequest fields.
	Script     string        `json:"script,omitempty"`
	ScriptCtx  ScriptContext `json:"context,omitempty"`
	WorkingDir string        `json:"working_dir,omitempty"`

	// CodingAgent* fields.
	Prompt            string   `json:"prompt,omitempty"`
	ExecutorProfileID string   `json:"executor_profile_id,omitempty"`
	AgentSessionID    string   `json:"session_id,omitempty"` // FollowUp only
	ImagePaths        []string `json:"image_paths,omitempty"`

	NextAction *Action `json:"next_action,omitempty"`
}

// IsCodingAgent reports whether this action spawns a coding agent.
func (a *Action) IsCodingAgent() bool {
	return a.Type == ActionCodingAgentInitial || a.Type == ActionCodingAgentFollowUp
}

// Marshal serializes the action tree for persistence as ExecutionProcess.ExecutorAction.
func (a *Action) Marshal() ([]byte, error) { return json.Marshal(a) }

// RunReasonFor derives B's run_reason given the just-finished action A that
// chains to B (§4.5.4).
func RunReasonFor(finished *Action, next *Action) model.RunReason {
	switch {
	case next.IsCodingAgent():
		return model.RunCodingAgent
	case finished.IsCodingAgent() && next.Type == ActionScript:
		return model.RunCleanupScript
	case next.Type == ActionScript:
		return model.RunSetupScript
	default:
		return model.RunCodingAgent
	}
}

// ChainSetupThenAgentThenCleanup builds the sequential chain
// setup(r1) -> ... -> coding_agent -> cleanup(r1) -> ... used when setup
// scripts are not all-parallel (§4.5.2 step 3 "Otherwise").
func ChainSetupThenAgentThenCleanup(setups []*Action, agent *Action, cleanups []*Action) *Action {
	var cleanupHead *Action
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i].NextAction = cleanupHead
		cleanupHead = cleanups[i]
	}
	agent.NextAction = cleanupHead

	tail := agent
	for i := len(setups) - 1; i >= 0; i-- {
		setups[i].NextAction = tail
		tail = setups[i]
	}
	return tail
}
