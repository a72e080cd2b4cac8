// Package lognormalizer implements the JSON-RPC event taxonomy state
// machine (§4.3) that turns a coding agent's raw stdout/stderr stream into
// structured conversation entries pushed as RFC-6902 patches onto a
// msgstore.Store. Grounded on original_source's codex normalize_logs state
// machine (CommandState/McpToolState/WebSearchState/PatchState keyed by
// call_id), re-expressed as an explicit Go type instead of a closure over a
// shared LogState struct.
package lognormalizer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/re-cinq/supervisor/internal/msgstore"
)

// EntryType mirrors the NormalizedEntryType union the normalizer produces.
type EntryType string

const (
	TypeAssistantMessage EntryType = "assistant_message"
	TypeThinking         EntryType = "thinking"
	TypeToolUse          EntryType = "tool_use"
	TypeSystemMessage    EntryType = "system_message"
	TypeErrorMessage     EntryType = "error_message"
)

// ToolStatus is the lifecycle of a ToolUse entry.
type ToolStatus string

const (
	ToolCreated ToolStatus = "created"
	ToolSuccess ToolStatus = "success"
	ToolFailed  ToolStatus = "failed"
)

// ErrorKind distinguishes ErrorMessage sub-kinds.
type ErrorKind string

const (
	ErrorOther        ErrorKind = "other"
	ErrorSetupRequired ErrorKind = "setup_required"
)

// NormalizedEntry is one conversation-document entry, serialized as the
// patch Value for entries_norm.
type NormalizedEntry struct {
	Type             EntryType  `json:"type"`
	Text             string     `json:"text,omitempty"`
	ToolName         string     `json:"tool_name,omitempty"`
	Status           ToolStatus `json:"status,omitempty"`
	AwaitingApproval bool       `json:"awaiting_approval,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	Output           string     `json:"output,omitempty"`
	ErrorKind        ErrorKind  `json:"error_kind,omitempty"`
	CallID           string     `json:"call_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// commandState tracks one in-flight ExecCommand* sequence.
type commandState struct {
	entryIndex int
	stdout     strings.Builder
	stderr     strings.Builder
}

// mcpToolState tracks one in-flight MCP tool call.
type mcpToolState struct {
	entryIndex int
}

// webSearchState tracks one in-flight web search.
type webSearchState struct {
	entryIndex int
	query      string
}

// patchEntry is one file within a multi-file ApplyPatch call.
type patchEntry struct {
	entryIndex int
	path       string
}

// streamingKind distinguishes assistant-message streaming from reasoning streaming.
type streamingKind int

const (
	streamNone streamingKind = iota
	streamAssistant
	streamReasoning
)

// Normalizer owns all per-call_id state for one process's agent stream and
// writes entries_norm patches to store as events arrive.
type Normalizer struct {
	store         *msgstore.Store
	worktreePath  string

	entries []NormalizedEntry // shadow copy mirroring entries_norm, to compute replace ops

	commands    map[string]*commandState
	mcpTools    map[string]*mcpToolState
	webSearches map[string]*webSearchState
	patches     map[string]map[string]*patchEntry // call_id -> path -> entry

	streaming     streamingKind
	streamIndex   int
	streamText    strings.Builder

	stderrBuf     strings.Builder
	stderrLastAt  time.Time
}

// New creates a Normalizer writing into store. worktreePath is used to
// relativize paths embedded in tool-use entries.
func New(store *msgstore.Store, worktreePath string) *Normalizer {
	return &Normalizer{
		store:        store,
		worktreePath: worktreePath,
		commands:     make(map[string]*commandState),
		mcpTools:     make(map[string]*mcpToolState),
		webSearches:  make(map[string]*webSearchState),
		patches:      make(map[string]map[string]*patchEntry),
	}
}

// rpcEnvelope is the minimal shape every stdout line is probed against.
type rpcEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
}

type eventEnvelope struct {
	Msg json.RawMessage `json:"msg"`
}

type taggedEvent struct {
	Type string `json:"type"`
}

var sessionIDPrefix = regexp.MustCompile(`session[_-]?id["']?\s*[:=]\s*["']?([a-zA-Z0-9-]+)`)

// FeedLine processes one line of the agent's stdout. It never panics or
// returns an error to the caller (§7 robustness policy): a line that is not
// JSON is only probed for a bare session id, and a codex/event whose
// payload cannot be parsed produces a NormalizationError entry.
func (n *Normalizer) FeedLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var env rpcEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		n.tryBareSessionID(line)
		return
	}

	if env.Method == "codex/event" {
		n.handleEvent(env.Params)
		return
	}
	if env.Result != nil {
		n.handleResponse(env.Result)
		return
	}
	// Unrecognized JSON-RPC shape: ignored per the robustness guarantee.
}

func (n *Normalizer) tryBareSessionID(line string) {
	if m := sessionIDPrefix.FindStringSubmatch(line); m != nil {
		n.store.PushSessionID(m[1])
	}
}

func (n *Normalizer) handleResponse(result json.RawMessage) {
	var sc struct {
		SessionID string `json:"session_id"`
		Model     string `json:"model"`
		Effort    string `json:"reasoning_effort"`
	}
	if err := json.Unmarshal(result, &sc); err != nil || sc.SessionID == "" {
		return
	}
	n.store.PushSessionID(sc.SessionID)
	n.appendSystemMessage(fmt.Sprintf("model: %s  reasoning effort: %s", sc.Model, sc.Effort))
}

func (n *Normalizer) handleEvent(params json.RawMessage) {
	var wrapped eventEnvelope
	msg := params
	if err := json.Unmarshal(params, &wrapped); err == nil && wrapped.Msg != nil {
		msg = wrapped.Msg
	}

	var tag taggedEvent
	if err := json.Unmarshal(msg, &tag); err != nil {
		n.appendNormalizationError("", "malformed event payload")
		return
	}

	switch tag.Type {
	case "session_configured":
		var p struct {
			SessionID string `json:"session_id"`
			Model     string `json:"model"`
			Effort    string `json:"reasoning_effort"`
		}
		_ = json.Unmarshal(msg, &p)
		n.store.PushSessionID(p.SessionID)
		n.appendSystemMessage(fmt.Sprintf("model: %s  reasoning effort: %s", p.Model, p.Effort))

	case "agent_message_delta":
		var p struct{ Delta string `json:"delta"` }
		_ = json.Unmarshal(msg, &p)
		n.streamDelta(streamAssistant, p.Delta)

	case "agent_message":
		var p struct{ Message string `json:"message"` }
		_ = json.Unmarshal(msg, &p)
		n.finishStream(streamAssistant, p.Message)

	case "agent_reasoning_delta":
		var p struct{ Delta string `json:"delta"` }
		_ = json.Unmarshal(msg, &p)
		n.streamDelta(streamReasoning, p.Delta)

	case "agent_reasoning":
		var p struct{ Text string `json:"text"` }
		_ = json.Unmarshal(msg, &p)
		n.finishStream(streamReasoning, p.Text)

	case "agent_reasoning_section_break":
		n.closeStream(streamReasoning)

	case "exec_approval_request":
		var p struct {
			CallID  string   `json:"call_id"`
			Command []string `json:"command"`
		}
		_ = json.Unmarshal(msg, &p)
		n.execApprovalRequest(p.CallID, strings.Join(p.Command, " "))

	case "exec_command_begin":
		var p struct {
			CallID  string   `json:"call_id"`
			Command []string `json:"command"`
		}
		_ = json.Unmarshal(msg, &p)
		n.execCommandBegin(p.CallID, strings.Join(p.Command, " "))

	case "exec_command_output_delta":
		var p struct {
			CallID string `json:"call_id"`
			Stream string `json:"stream"`
			Chunk  string `json:"chunk"`
		}
		_ = json.Unmarshal(msg, &p)
		n.execCommandOutputDelta(p.CallID, p.Stream, p.Chunk)

	case "exec_command_end":
		var p struct {
			CallID   string `json:"call_id"`
			ExitCode int    `json:"exit_code"`
		}
		_ = json.Unmarshal(msg, &p)
		n.execCommandEnd(p.CallID, p.ExitCode)

	case "apply_patch_approval_request":
		var p struct {
			CallID string   `json:"call_id"`
			Files  []string `json:"files"`
		}
		_ = json.Unmarshal(msg, &p)
		n.patchApprovalRequest(p.CallID, p.Files)

	case "patch_apply_begin":
		var p struct {
			CallID string   `json:"call_id"`
			Files  []string `json:"files"`
		}
		_ = json.Unmarshal(msg, &p)
		n.patchApplyBegin(p.CallID, p.Files)

	case "patch_apply_end":
		var p struct {
			CallID  string `json:"call_id"`
			Success bool   `json:"success"`
		}
		_ = json.Unmarshal(msg, &p)
		n.patchApplyEnd(p.CallID, p.Success)

	case "mcp_tool_call_begin":
		var p struct {
			CallID string `json:"call_id"`
			Server string `json:"server"`
			Tool   string `json:"tool"`
		}
		_ = json.Unmarshal(msg, &p)
		n.mcpToolCallBegin(p.CallID, p.Server, p.Tool)

	case "mcp_tool_call_end":
		var p struct {
			CallID           string          `json:"call_id"`
			IsError          bool            `json:"is_error"`
			Content          []struct{ Text string `json:"text"` } `json:"content"`
			StructuredContent json.RawMessage `json:"structured_content"`
		}
		_ = json.Unmarshal(msg, &p)
		n.mcpToolCallEnd(p)

	case "web_search_begin":
		var p struct{ CallID string `json:"call_id"` }
		_ = json.Unmarshal(msg, &p)
		n.webSearchBegin(p.CallID)

	case "web_search_end":
		var p struct {
			CallID string `json:"call_id"`
			Query  string `json:"query"`
		}
		_ = json.Unmarshal(msg, &p)
		n.webSearchEnd(p.CallID, p.Query)

	case "view_image_tool_call":
		var p struct{ Path string `json:"path"` }
		_ = json.Unmarshal(msg, &p)
		n.viewImage(p.Path)

	case "plan_update":
		var p struct {
			Plan []struct {
				Step   string `json:"step"`
				Status string `json:"status"`
			} `json:"plan"`
		}
		_ = json.Unmarshal(msg, &p)
		n.planUpdate(p.Plan)

	case "warning":
		var p struct{ Message string `json:"message"` }
		_ = json.Unmarshal(msg, &p)
		n.appendError(ErrorOther, p.Message, "")

	case "error", "stream_error":
		var p struct{ Message string `json:"message"` }
		_ = json.Unmarshal(msg, &p)
		n.appendError(ErrorOther, p.Message, "")

	case "auth_required":
		var p struct{ Message string `json:"message"` }
		_ = json.Unmarshal(msg, &p)
		n.appendError(ErrorSetupRequired, p.Message, "")

	default:
		// Unrecognized event types are ignored per the robustness guarantee.
	}
}

func (n *Normalizer) streamDelta(kind streamingKind, delta string) {
	if n.streaming != kind {
		n.closeStream(n.streaming)
		n.streaming = kind
		n.streamText.Reset()
		n.streamIndex = n.appendEntry(n.streamEntry(kind, ""))
	}
	n.streamText.WriteString(delta)
	n.replaceEntry(n.streamIndex, n.streamEntry(kind, n.streamText.String()))
}

func (n *Normalizer) finishStream(kind streamingKind, full string) {
	if n.streaming == kind {
		n.replaceEntry(n.streamIndex, n.streamEntry(kind, full))
		n.streaming = streamNone
		n.streamText.Reset()
		return
	}
	n.appendEntry(n.streamEntry(kind, full))
}

func (n *Normalizer) closeStream(kind streamingKind) {
	if n.streaming == kind {
		n.streaming = streamNone
		n.streamText.Reset()
	}
}

func (n *Normalizer) streamEntry(kind streamingKind, text string) NormalizedEntry {
	t := TypeAssistantMessage
	if kind == streamReasoning {
		t = TypeThinking
	}
	return NormalizedEntry{Type: t, Text: text}
}

func (n *Normalizer) execApprovalRequest(callID, command string) {
	state := &commandState{}
	state.entryIndex = n.appendEntry(NormalizedEntry{
		Type: TypeToolUse, ToolName: "bash", Status: ToolCreated,
		AwaitingApproval: true, Text: command, CallID: callID,
	})
	n.commands[callID] = state
}

func (n *Normalizer) execCommandBegin(callID, command string) {
	state, ok := n.commands[callID]
	if !ok {
		state = &commandState{}
		state.entryIndex = n.appendEntry(NormalizedEntry{
			Type: TypeToolUse, ToolName: "bash", Status: ToolCreated, Text: command, CallID: callID,
		})
		n.commands[callID] = state
		return
	}
	n.replaceEntry(state.entryIndex, NormalizedEntry{
		Type: TypeToolUse, ToolName: "bash", Status: ToolCreated, Text: command, CallID: callID,
	})
}

func (n *Normalizer) execCommandOutputDelta(callID, stream, chunk string) {
	state, ok := n.commands[callID]
	if !ok {
		return
	}
	if stream == "stderr" {
		state.stderr.WriteString(chunk)
	} else {
		state.stdout.WriteString(chunk)
	}
	n.replaceEntry(state.entryIndex, NormalizedEntry{
		Type: TypeToolUse, ToolName: "bash", Status: ToolCreated, CallID: callID,
		Output: state.stdout.String() + state.stderr.String(),
	})
}

func (n *Normalizer) execCommandEnd(callID string, exitCode int) {
	state, ok := n.commands[callID]
	if !ok {
		n.appendNormalizationError(callID, "ExecCommandEnd without matching command state")
		return
	}
	delete(n.commands, callID)
	status := ToolSuccess
	if exitCode != 0 {
		status = ToolFailed
	}
	code := exitCode
	n.replaceEntry(state.entryIndex, NormalizedEntry{
		Type: TypeToolUse, ToolName: "bash", Status: status, CallID: callID,
		ExitCode: &code, Output: state.stdout.String() + state.stderr.String(),
	})
}

func (n *Normalizer) patchApprovalRequest(callID string, files []string) {
	n.allocatePatchEntries(callID, files, true)
}

func (n *Normalizer) patchApplyBegin(callID string, files []string) {
	if _, ok := n.patches[callID]; !ok {
		n.allocatePatchEntries(callID, files, false)
		return
	}
	for _, f := range files {
		entry := n.patches[callID][f]
		n.replaceEntry(entry.entryIndex, NormalizedEntry{
			Type: TypeToolUse, ToolName: "edit", Status: ToolCreated, Text: n.relPath(f), CallID: callID,
		})
	}
}

func (n *Normalizer) allocatePatchEntries(callID string, files []string, awaitingApproval bool) {
	byPath := make(map[string]*patchEntry, len(files))
	for _, f := range files {
		idx := n.appendEntry(NormalizedEntry{
			Type: TypeToolUse, ToolName: "edit", Status: ToolCreated,
			AwaitingApproval: awaitingApproval, Text: n.relPath(f), CallID: callID,
		})
		byPath[f] = &patchEntry{entryIndex: idx, path: f}
	}
	n.patches[callID] = byPath
}

func (n *Normalizer) patchApplyEnd(callID string, success bool) {
	entries, ok := n.patches[callID]
	if !ok {
		n.appendNormalizationError(callID, "PatchApplyEnd without matching patch state")
		return
	}
	delete(n.patches, callID)
	status := ToolSuccess
	if !success {
		status = ToolFailed
	}
	for path, entry := range entries {
		n.replaceEntry(entry.entryIndex, NormalizedEntry{
			Type: TypeToolUse, ToolName: "edit", Status: status, Text: n.relPath(path), CallID: callID,
		})
	}
}

func (n *Normalizer) mcpToolCallBegin(callID, server, tool string) {
	idx := n.appendEntry(NormalizedEntry{
		Type: TypeToolUse, ToolName: fmt.Sprintf("mcp:%s:%s", server, tool), Status: ToolCreated, CallID: callID,
	})
	n.mcpTools[callID] = &mcpToolState{entryIndex: idx}
}

func (n *Normalizer) mcpToolCallEnd(p struct {
	CallID            string          `json:"call_id"`
	IsError           bool            `json:"is_error"`
	Content           []struct{ Text string `json:"text"` } `json:"content"`
	StructuredContent json.RawMessage `json:"structured_content"`
}) {
	state, ok := n.mcpTools[p.CallID]
	if !ok {
		n.appendNormalizationError(p.CallID, "McpToolCallEnd without matching tool state")
		return
	}
	delete(n.mcpTools, p.CallID)

	status := ToolSuccess
	if p.IsError {
		status = ToolFailed
	}
	output := mcpOutput(p.Content, p.StructuredContent)
	n.replaceEntry(state.entryIndex, NormalizedEntry{
		Type: TypeToolUse, Status: status, Output: output, CallID: p.CallID,
	})
}

func mcpOutput(content []struct{ Text string `json:"text"` }, structured json.RawMessage) string {
	allText := len(content) > 0
	var lines []string
	for _, c := range content {
		if c.Text == "" {
			allText = false
		}
		lines = append(lines, c.Text)
	}
	if allText {
		return strings.Join(lines, "\n")
	}
	if len(structured) > 0 {
		return string(structured)
	}
	b, _ := json.Marshal(content)
	return string(b)
}

func (n *Normalizer) webSearchBegin(callID string) {
	idx := n.appendEntry(NormalizedEntry{Type: TypeToolUse, ToolName: "web_search", Status: ToolCreated, CallID: callID})
	n.webSearches[callID] = &webSearchState{entryIndex: idx}
}

func (n *Normalizer) webSearchEnd(callID, query string) {
	state, ok := n.webSearches[callID]
	if !ok {
		n.appendNormalizationError(callID, "WebSearchEnd without matching search state")
		return
	}
	delete(n.webSearches, callID)
	n.replaceEntry(state.entryIndex, NormalizedEntry{
		Type: TypeToolUse, ToolName: "web_search", Status: ToolSuccess, Text: query, CallID: callID,
	})
}

func (n *Normalizer) viewImage(path string) {
	n.appendEntry(NormalizedEntry{
		Type: TypeToolUse, ToolName: "view_image", Status: ToolSuccess, Text: n.relPath(path),
	})
}

func (n *Normalizer) planUpdate(steps []struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}) {
	mapped := make([]map[string]string, 0, len(steps))
	for _, s := range steps {
		mapped = append(mapped, map[string]string{
			"step":   s.Step,
			"status": planStatus(s.Status),
		})
	}
	b, _ := json.Marshal(mapped)
	n.appendEntry(NormalizedEntry{Type: TypeToolUse, ToolName: "plan", Status: ToolSuccess, Output: string(b)})
}

func planStatus(s string) string {
	switch s {
	case "Pending":
		return "pending"
	case "InProgress":
		return "in_progress"
	case "Completed":
		return "completed"
	default:
		return strings.ToLower(s)
	}
}

// PushError appends a synthetic ErrorMessage entry of the given kind,
// bypassing the call_id-keyed event state machine. Used for failures that
// never produced an agent event stream to normalize (§4.5.3's startup
// failure path).
func (n *Normalizer) PushError(kind ErrorKind, message string) {
	n.appendError(kind, message, "")
}

func (n *Normalizer) appendError(kind ErrorKind, message, callID string) {
	n.appendEntry(NormalizedEntry{Type: TypeErrorMessage, ErrorKind: kind, Text: message, CallID: callID})
}

func (n *Normalizer) appendNormalizationError(callID, detail string) {
	text := fmt.Sprintf("Normalization error (%s): %s", callID, detail)
	n.appendEntry(NormalizedEntry{Type: TypeErrorMessage, ErrorKind: ErrorOther, Text: text, CallID: callID})
}

func (n *Normalizer) appendSystemMessage(text string) {
	n.appendEntry(NormalizedEntry{Type: TypeSystemMessage, Text: text})
}

func (n *Normalizer) relPath(p string) string {
	if n.worktreePath == "" || !filepath.IsAbs(p) {
		return p
	}
	rel, err := filepath.Rel(n.worktreePath, p)
	if err != nil {
		return p
	}
	return rel
}

// appendEntry pushes an "add" patch for a new entry at the end of the
// document and returns its index.
func (n *Normalizer) appendEntry(e NormalizedEntry) int {
	idx := len(n.entries)
	n.entries = append(n.entries, e)
	value, _ := json.Marshal(e)
	n.store.PushPatch([]msgstore.PatchOp{{Op: "add", Path: fmt.Sprintf("/entries/%d", idx), Value: value}})
	return idx
}

// replaceEntry pushes a "replace" patch for an already-allocated index.
func (n *Normalizer) replaceEntry(idx int, e NormalizedEntry) {
	if idx < 0 || idx >= len(n.entries) {
		return
	}
	n.entries[idx] = e
	value, _ := json.Marshal(e)
	n.store.PushPatch([]msgstore.PatchOp{{Op: "replace", Path: fmt.Sprintf("/entries/%d", idx), Value: value}})
}

// FeedStdout scans s line by line, feeding each line to FeedLine. Used when
// the caller has a full io.Reader of agent stdout rather than individual
// pre-split lines.
func FeedStdout(n *Normalizer, s *bufio.Scanner) {
	for s.Scan() {
		n.FeedLine(s.Text())
		n.store.PushStdout(s.Text())
	}
}

// DriveFromStore subscribes to n's store's own raw stdout stream and feeds
// every line through FeedLine, for executors (like SpawnPTY) that already
// push raw stdout onto the store themselves — avoiding FeedStdout's
// double-push. Runs until the store finishes or ctx is canceled.
func DriveFromStore(ctx context.Context, n *Normalizer) {
	reader := n.store.HistoryPlusStream()
	defer reader.Close()
	for {
		msg, ok := reader.Next(ctx)
		if !ok {
			return
		}
		if msg.Kind == msgstore.KindStdout {
			n.FeedLine(msg.Text)
		}
		if msg.Kind == msgstore.KindFinished {
			return
		}
	}
}
