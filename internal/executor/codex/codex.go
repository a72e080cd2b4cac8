// Package codex implements the executor.Profile for the codex CLI,
// communicating over its app-server JSON-RPC protocol on stdout. Grounded
// on original_source's executors/codex (command construction, resume via
// `codex exec resume <session_id>`, normalize_logs wiring).
package codex

import (
	"context"
	"fmt"

	"github.com/re-cinq/supervisor/internal/executor"
	"github.com/re-cinq/supervisor/internal/lognormalizer"
	"github.com/re-cinq/supervisor/internal/msgstore"
)

// Profile is the codex executor.Profile implementation.
type Profile struct {
	// Binary is the codex executable name or path; defaults to "codex".
	Binary string
	// ExtraArgs are appended after the mode-specific arguments (e.g.
	// sandbox/approval flags sourced from project configuration).
	ExtraArgs []string
}

// NewProfile creates a codex profile invoking Binary (or "codex" if empty).
func NewProfile(binary string, extraArgs []string) *Profile {
	if binary == "" {
		binary = "codex"
	}
	return &Profile{Binary: binary, ExtraArgs: extraArgs}
}

func (p *Profile) Spawn(ctx context.Context, workingDir, prompt string, env []string) (*executor.Spawned, error) {
	args := append([]string{"exec", "--json"}, p.ExtraArgs...)
	return p.spawn(ctx, workingDir, prompt, env, args)
}

func (p *Profile) SpawnFollowUp(ctx context.Context, workingDir, prompt, agentSessionID string, env []string) (*executor.Spawned, error) {
	args := append([]string{"exec", "--json", "resume", agentSessionID}, p.ExtraArgs...)
	return p.spawn(ctx, workingDir, prompt, env, args)
}

func (p *Profile) spawn(ctx context.Context, workingDir, prompt string, env []string, args []string) (*executor.Spawned, error) {
	store := msgstore.New()
	child, err := executor.SpawnPTY(ctx, executor.SpawnOptions{
		Command:    p.Binary,
		Args:       args,
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

func (p *Profile) DefaultMCPConfigPath() (string, bool) {
	return fmt.Sprintf("%s/.codex/config.toml", "~"), true
}

func (p *Profile) AutoRetryConfig() executor.AutoRetryConfig {
	return executor.AutoRetryConfig{
		Enabled:       true,
		MaxAttempts:   2,
		DelaySeconds:  10,
		ErrorPatterns: []string{"rate limit", "internal server error", "timeout"},
	}
}

func (p *Profile) Capabilities() []executor.Capability {
	return []executor.Capability{executor.CapFollowUp, executor.CapSessionID, executor.CapInterrupt}
}
