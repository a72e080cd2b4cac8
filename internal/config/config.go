// Package config loads the YAML project definition consumed by the
// cmd/supervisord development harness, and the process-wide environment
// settings the supervisor reads at startup (§6 of the specification).
// Grounded on the teacher's internal/config package: the same YAML-plus-
// Duration-wrapper shape, generalized from a single-repo concern chain into
// a project of repositories, each with its own setup/cleanup scripts.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectFile is the on-disk shape of a project definition: the repos it
// spans, each repo's scripts, the default agent command, and optional
// permission/preamble settings carried into every worktree.
type ProjectFile struct {
	Name        string        `yaml:"name"`
	Agent       AgentConfig   `yaml:"agent"`
	Repos       []RepoConfig  `yaml:"repos"`
	Permissions *Permissions  `yaml:"permissions,omitempty"`
	Preamble    string        `yaml:"preamble,omitempty"`
	DevScript   *DevScript    `yaml:"dev_script,omitempty"`
}

// AgentConfig names the executor profile and the command used to spawn it.
type AgentConfig struct {
	Profile string   `yaml:"profile"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// RepoConfig is one repository participating in the project.
type RepoConfig struct {
	Name                string   `yaml:"name"`
	Path                string   `yaml:"path"`
	TargetBranch        string   `yaml:"target_branch"`
	SetupScript         string   `yaml:"setup_script,omitempty"`
	CleanupScript       string   `yaml:"cleanup_script,omitempty"`
	CopyFiles           []string `yaml:"copy_files,omitempty"`
	ParallelSetupScript bool     `yaml:"parallel_setup_script,omitempty"`
}

// DevScript describes an optional long-running dev-server process
// (run_reason = DevServer). It is parsed from the project file only;
// cmd/supervisord does not start it.
type DevScript struct {
	Script     string `yaml:"script"`
	WorkingDir string `yaml:"working_dir,omitempty"`
}

// Permissions mirrors the Claude Code .claude/settings.json permissions
// block. It is parsed from the project file only; nothing writes it into
// the worktrees.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultPreamble is prepended to every coding-agent prompt when no custom
// preamble is configured.
const DefaultPreamble = "You are running non-interactively. Do not ask questions or wait for confirmation.\nIf something is unclear, make your best judgement and proceed.\nDo not run git commit — your changes will be committed automatically."

// ResolvePreamble returns the effective preamble for the project.
func (p *ProjectFile) ResolvePreamble() string {
	if p.Preamble != "" {
		return p.Preamble
	}
	return DefaultPreamble
}

// Load reads and parses a project file from disk.
func Load(path string) (*ProjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading project config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*ProjectFile, error) {
	var pf ProjectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	for i := range pf.Repos {
		if pf.Repos[i].TargetBranch == "" {
			pf.Repos[i].TargetBranch = "main"
		}
	}
	return &pf, nil
}

// Validate checks a project file for structural errors, returning every
// problem found rather than stopping at the first (teacher's pattern:
// internal/cli prints "%d validation error(s)").
func Validate(pf *ProjectFile) []error {
	var errs []error

	if pf.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if pf.Agent.Command == "" {
		errs = append(errs, fmt.Errorf("agent.command is required"))
	}
	if len(pf.Repos) == 0 {
		errs = append(errs, fmt.Errorf("at least one repo is required"))
	}

	names := make(map[string]bool)
	for i, r := range pf.Repos {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("repos[%d]: name is required", i))
		} else if names[r.Name] {
			errs = append(errs, fmt.Errorf("repos[%d]: duplicate name %q", i, r.Name))
		} else {
			names[r.Name] = true
		}
		if r.Path == "" {
			errs = append(errs, fmt.Errorf("repos[%d] (%s): path is required", i, r.Name))
		}
	}

	return errs
}

// HasRepo reports whether a repo with the given name exists in the project.
func (p *ProjectFile) HasRepo(name string) bool {
	for _, r := range p.Repos {
		if r.Name == name {
			return true
		}
	}
	return false
}

// AllParallelSetup reports whether every repo with a setup script is marked
// parallel_setup_script — the condition under which start_workspace spawns
// independent setup processes instead of a single sequential chain (§4.5.2).
func (p *ProjectFile) AllParallelSetup() bool {
	any := false
	for _, r := range p.Repos {
		if r.SetupScript == "" {
			continue
		}
		any = true
		if !r.ParallelSetupScript {
			return false
		}
	}
	return any
}
