package differ

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	maxToolOutput           = 16 << 20 // 16MB, bounds memory use of a single diff
	defaultTimeout          = 2 * time.Minute
	defaultMemoryLimitBytes = 2 << 30 // 2GiB
	defaultCPUTimeSeconds   = 300
	shCommandNotFound       = 127
)

// ToolConfig bounds a single diff tool invocation.
type ToolConfig struct {
	DebdiffPath      string
	DiffoscopePath   string
	Timeout          time.Duration
	MemoryLimitBytes int64
	CPUTimeSeconds   int64
}

// DefaultToolConfig returns production defaults.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		DebdiffPath:      "debdiff",
		DiffoscopePath:   "diffoscope",
		Timeout:          defaultTimeout,
		MemoryLimitBytes: defaultMemoryLimitBytes,
		CPUTimeSeconds:   defaultCPUTimeSeconds,
	}
}

// runTool invokes one diff tool against two artifact trees, bounding wall
// time via the context deadline, output size via truncation, and memory/CPU
// time via OS resource limits applied to the subprocess (spec.md §4.5 step
// 3b / §5). exec.Cmd has no pre-exec hook to call syscall.Setrlimit inside
// the forked child before it execs the tool binary, so the limits are
// applied the way Debian's own build tooling does it: through `sh -c`'s
// `ulimit` builtin, itself a thin wrapper over setrlimit(2), wrapping the
// real invocation. cmd.SysProcAttr puts the shell in its own process group
// so a timeout or rlimit kill takes out any helper process the tool forks,
// not just the shell.
func runTool(ctx context.Context, path string, args []string, cfg ToolConfig) ([]byte, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	memKB := cfg.MemoryLimitBytes / 1024
	if memKB <= 0 {
		memKB = defaultMemoryLimitBytes / 1024
	}
	cpuSecs := cfg.CPUTimeSeconds
	if cpuSecs <= 0 {
		cpuSecs = defaultCPUTimeSeconds
	}

	script := fmt.Sprintf("ulimit -v %d && ulimit -t %d && exec %s", memKB, cpuSecs, shellQuoteAll(path, args))

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group (negative pid), not just the shell,
		// so a rlimit-killed tool can't leave orphaned helpers running.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := truncate(stdout.Bytes(), maxToolOutput)
	if out == nil {
		out = []byte{}
	}

	// debdiff/diffoscope both exit nonzero when they find differences;
	// only a missing binary, a timeout, or an rlimit kill is a real failure.
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("differ: %s timed out after %s: %w", path, timeout, ctx.Err())
		}
		exitErr, isExitErr := err.(*exec.ExitError)
		if !isExitErr {
			return nil, fmt.Errorf("differ: run %s: %w (%s)", path, err, stderr.String())
		}
		if rlimitKilled(exitErr) {
			return nil, fmt.Errorf("differ: %s exceeded its memory or CPU time limit: %w", path, err)
		}
		if exitErr.ExitCode() == shCommandNotFound {
			// sh's own exit code when the exec'd binary can't be found on
			// PATH, distinct from the tool's own nonzero "found differences"
			// exit codes.
			return nil, fmt.Errorf("differ: %s: command not found", path)
		}
	}
	return out, nil
}

// rlimitKilled reports whether exitErr's signal is one setrlimit-enforced
// limits raise: SIGKILL for RLIMIT_AS (shell's `ulimit -v`, since the OOM
// condition is an allocation failure the process can't trap) or SIGXCPU for
// RLIMIT_CPU (`ulimit -t`).
func rlimitKilled(exitErr *exec.ExitError) bool {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return false
	}
	switch status.Signal() {
	case syscall.SIGKILL, syscall.SIGXCPU:
		return true
	default:
		return false
	}
}

func shellQuoteAll(path string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(path))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote wraps s in single quotes for safe use inside the `sh -c`
// script above, escaping any single quote s already contains.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}

func (cfg ToolConfig) run(ctx context.Context, kind Kind, oldDir, newDir string, filterBoring bool) ([]byte, error) {
	switch kind {
	case KindDebdiff:
		args := []string{oldDir, newDir}
		if filterBoring {
			args = append([]string{"--unpack"}, args...)
		}
		return runTool(ctx, cfg.DebdiffPath, args, cfg)
	case KindDiffoscope:
		args := []string{oldDir, newDir}
		return runTool(ctx, cfg.DiffoscopePath, args, cfg)
	default:
		return nil, fmt.Errorf("differ: unknown kind %q", kind)
	}
}
