// Package fakeagent implements a deterministic, configurable coding-agent
// profile used by tests and local development in place of a real LLM CLI.
// Grounded on original_source's fake_agent.rs: config is read from the
// VIBE_FAKE_AGENT_CONFIG environment variable pointing at a JSON file, and
// the process replays a scripted sequence of codex/event JSON-RPC lines to
// stdout instead of calling any model.
package fakeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/re-cinq/supervisor/internal/executor"
	"github.com/re-cinq/supervisor/internal/lognormalizer"
	"github.com/re-cinq/supervisor/internal/msgstore"
)

const ConfigEnvVar = "VIBE_FAKE_AGENT_CONFIG"

// Script is the scripted behavior a fake agent run replays.
type Script struct {
	SessionID    string   `json:"session_id"`
	Model        string   `json:"model"`
	Effort       string   `json:"reasoning_effort"`
	AssistantMsg string   `json:"assistant_message"`
	Commands     []string `json:"commands"`
	WriteFiles   map[string]string `json:"write_files"`
	ExitCode     int      `json:"exit_code"`
}

// Profile is the fake-agent executor.Profile implementation. Command/Args
// point at a tiny shell script (written by NewProfile's caller or a test
// fixture) that echoes the scripted codex/event lines; Profile itself only
// supplies the contract methods around that process.
type Profile struct {
	Command string
	Args    []string
	Retry   executor.AutoRetryConfig
}

// NewProfile creates a fake-agent profile that execs Command/Args (expected
// to emit the scripted codex/event JSON-RPC lines to stdout and exit 0).
func NewProfile(command string, args []string) *Profile {
	return &Profile{
		Command: command,
		Args:    args,
		Retry: executor.AutoRetryConfig{
			Enabled:      true,
			MaxAttempts:  3,
			DelaySeconds: 5,
			ErrorPatterns: []string{"error", "failed", "panic"},
		},
	}
}

func (p *Profile) Spawn(ctx context.Context, workingDir, prompt string, env []string) (*executor.Spawned, error) {
	return p.spawn(ctx, workingDir, prompt, env)
}

func (p *Profile) SpawnFollowUp(ctx context.Context, workingDir, prompt, agentSessionID string, env []string) (*executor.Spawned, error) {
	env = append(env, fmt.Sprintf("VIBE_FAKE_AGENT_SESSION_ID=%s", agentSessionID))
	return p.spawn(ctx, workingDir, prompt, env)
}

func (p *Profile) spawn(ctx context.Context, workingDir, prompt string, env []string) (*executor.Spawned, error) {
	store := msgstore.New()
	child, err := executor.SpawnPTY(ctx, executor.SpawnOptions{
		Command:    p.Command,
		Args:       p.Args,
		WorkingDir: workingDir,
		Stdin:      prompt,
		Env:        env,
	}, store)
	if err != nil {
		return nil, err
	}
	return &executor.Spawned{Child: child}, nil
}

func (p *Profile) NormalizeLogs(store *msgstore.Store, worktreePath string) *lognormalizer.Normalizer {
	return lognormalizer.New(store, worktreePath)
}

func (p *Profile) DefaultMCPConfigPath() (string, bool) { return "", false }

func (p *Profile) AutoRetryConfig() executor.AutoRetryConfig { return p.Retry }

func (p *Profile) Capabilities() []executor.Capability {
	return []executor.Capability{executor.CapFollowUp, executor.CapSessionID}
}

// LoadScript reads the scripted behavior from the path named by
// VIBE_FAKE_AGENT_CONFIG, for use by a fake-agent binary's own main().
func LoadScript() (Script, error) {
	path := os.Getenv(ConfigEnvVar)
	if path == "" {
		return Script{}, fmt.Errorf("fakeagent: %s not set", ConfigEnvVar)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("fakeagent: reading config: %w", err)
	}
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("fakeagent: parsing config: %w", err)
	}
	return s, nil
}
