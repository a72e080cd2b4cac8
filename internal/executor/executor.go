// Package executor defines the contract every coding-agent profile
// implements (§6) and the shared pty-backed process spawning it is built
// on, grounded on the teacher's invokeAgent (internal/engine/engine.go).
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/re-cinq/supervisor/internal/lognormalizer"
	"github.com/re-cinq/supervisor/internal/msgstore"
)

// ExitResult is the terminal outcome an executor's exit signal resolves to.
type ExitResult int

const (
	ExitSuccess ExitResult = iota
	ExitFailure
)

// Spawned is what Spawn/SpawnFollowUp hands back to the supervisor.
type Spawned struct {
	Child         *Child
	ExitSignal    <-chan ExitResult // optional; nil if the executor has none
	InterruptSend func()            // optional graceful-interrupt sender; nil if unsupported
}

// Child wraps a running agent process plus the goroutine piping its pty
// output into a msgstore.
type Child struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}
	err  error
}

// Wait blocks until the child has exited and the output-copy goroutine has
// finished, returning the command's wait error (nil on a clean exit 0).
func (c *Child) Wait() error {
	<-c.done
	return c.err
}

// Pid returns the OS process id, or 0 if the child never started.
func (c *Child) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Exited reports whether the process has already exited, without blocking.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the process's exit code once Exited() is true.
func (c *Child) ExitCode() int {
	if c.cmd.ProcessState == nil {
		return -1
	}
	return c.cmd.ProcessState.ExitCode()
}

// KillGroup sends SIGKILL to the process group, covering agents that idle
// after reporting completion (§4.5.5 step 2).
func (c *Child) KillGroup() error {
	if c.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
}

// Interrupt sends SIGINT to the process group for a graceful shutdown
// attempt (§4.5.6), used when no executor-specific interrupt sender exists.
func (c *Child) Interrupt() error {
	if c.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-c.cmd.Process.Pid, syscall.SIGINT)
}

// Profile is the per-agent-type contract consumed by the supervisor (§6).
type Profile interface {
	Spawn(ctx context.Context, workingDir, prompt string, env []string) (*Spawned, error)
	SpawnFollowUp(ctx context.Context, workingDir, prompt, agentSessionID string, env []string) (*Spawned, error)
	NormalizeLogs(store *msgstore.Store, worktreePath string) *lognormalizer.Normalizer
	DefaultMCPConfigPath() (string, bool)
	AutoRetryConfig() AutoRetryConfig
	Capabilities() []Capability
}

// Capability enumerates optional behaviors a profile advertises.
type Capability string

const (
	CapFollowUp     Capability = "follow_up"
	CapImages       Capability = "images"
	CapInterrupt    Capability = "interrupt"
	CapSessionID    Capability = "session_id"
)

// AutoRetryConfig drives §4.5.7.
type AutoRetryConfig struct {
	Enabled       bool
	MaxAttempts   int
	DelaySeconds  int
	ErrorPatterns []string // substrings/regex fragments matched case-insensitively
}

// ErrExecutableNotFound is surfaced so the supervisor can emit
// ErrorMessage{SetupRequired} (§4.5.3, §7).
var ErrExecutableNotFound = errors.New("executor: agent executable not found")

// SpawnOptions configures the shared pty-backed spawn helper.
type SpawnOptions struct {
	Command    string
	Args       []string
	WorkingDir string
	Stdin      string
	Env        []string
}

// SpawnPTY starts Command/Args in WorkingDir with a pty attached to
// stdout+stderr (so line-buffered agents behave predictably) and a plain
// pipe for stdin, writing every output chunk into store as it arrives.
// Mirrors the teacher's invokeAgent, generalized to a reusable helper used
// by every Profile implementation instead of being duplicated per agent.
func SpawnPTY(ctx context.Context, opts SpawnOptions, store *msgstore.Store) (*Child, error) {
	if _, err := exec.LookPath(opts.Command); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, opts.Command)
	}

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}

	cmd.Stdin = strings.NewReader(opts.Stdin)
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		ptmx.Close()
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	pts.Close()

	child := &Child{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}

	go pumpPTYToStore(child, store)

	return child, nil
}

// pumpPTYToStore copies pty output line-by-line into store as stdout
// LogMsgs, then waits for process exit and closes child.done.
func pumpPTYToStore(child *Child, store *msgstore.Store) {
	defer close(child.done)
	defer child.ptmx.Close()

	buf := make([]byte, 4096)
	var carry strings.Builder
	for {
		n, readErr := child.ptmx.Read(buf)
		if n > 0 {
			carry.WriteString(string(buf[:n]))
			flushLines(&carry, store)
		}
		if readErr != nil {
			var pathErr *os.PathError
			if !(errors.As(readErr, &pathErr) && pathErr.Err == syscall.EIO) && readErr != io.EOF {
				store.PushStderr(fmt.Sprintf("pty read error: %s", readErr))
			}
			break
		}
	}
	if carry.Len() > 0 {
		store.PushStdout(carry.String())
	}
	child.err = child.cmd.Wait()
}

func flushLines(carry *strings.Builder, store *msgstore.Store) {
	text := carry.String()
	idx := strings.LastIndexByte(text, '\n')
	if idx < 0 {
		return
	}
	complete := text[:idx]
	for _, line := range strings.Split(complete, "\n") {
		store.PushStdout(line)
	}
	carry.Reset()
	carry.WriteString(text[idx+1:])
}

// WatchdogSpawn wraps a profile's Spawn/SpawnFollowUp call with the
// mandatory 30-second watchdog (§5 "Cancellation and timeouts").
func WatchdogSpawn(ctx context.Context, fn func(context.Context) (*Spawned, error)) (*Spawned, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	type result struct {
		spawned *Spawned
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := fn(ctx)
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		return r.spawned, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("spawn watchdog: %w", ctx.Err())
	}
}
