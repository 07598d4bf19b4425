// Package execsup spawns approved scripts and supervises their lifecycle:
// Spawned → Running → (Completed | TimedOut → Terminating → Terminated).
// No shell is ever involved; the executable and argv go straight to the
// process-spawn primitive, so shell metacharacters in arguments are inert.
package execsup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/scriptgate/scriptgate/pkg/types"
)

const (
	termGrace    = 2 * time.Second
	pingInterval = 5 * time.Second
)

type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int64
	MaxStdoutLines int
	MaxLineBytes   int
}

type Spec struct {
	CommandID string
	Path      string // canonical script path
	Args      []string
	Env       map[string]string // caller-requested env, filtered against the allowlist
	Limits    Limits
}

type Result struct {
	ExitCode    int
	Duration    time.Duration
	Stdout      []byte
	Stderr      []byte
	StdoutTotal int64
	StderrTotal int64
	Truncated   bool
	TimedOut    bool
	LogPath     string
}

// EmitFunc delivers one streaming event. Implementations must be safe for
// concurrent use: stdout, stderr and ping events interleave.
type EmitFunc func(event string, payload map[string]any) error

type Supervisor struct {
	envAllowlist []string
	outputDir    string
	limiter      *Limiter
}

func New(envAllowlist []string, outputDir string) *Supervisor {
	return &Supervisor{
		envAllowlist: envAllowlist,
		outputDir:    outputDir,
		limiter:      NewLimiter(),
	}
}

// Limiter exposes the per-scope admission counter.
func (s *Supervisor) Limiter() *Limiter { return s.limiter }

// Run executes the script and blocks until the child is dead, whether it
// completed or the watchdog terminated it. A non-nil error means the process
// never started; a non-zero exit code is not an error.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (Result, error) {
	return s.run(ctx, spec, nil)
}

// Stream is Run with incremental line delivery: each complete stdout/stderr
// line is emitted as produced, with keep-alive pings on an idle stream. The
// terminal end/error event is the caller's responsibility so transports can
// shape it.
func (s *Supervisor) Stream(ctx context.Context, spec Spec, emit EmitFunc) (Result, error) {
	return s.run(ctx, spec, emit)
}

func (s *Supervisor) run(ctx context.Context, spec Spec, emit EmitFunc) (Result, error) {
	start := time.Now()

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = filepath.Dir(spec.Path)
	cmd.Env = s.buildEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var onStdout, onStderr func(string) error
	if emit != nil {
		onStdout = func(line string) error {
			return emit("stdout", map[string]any{"command_id": spec.CommandID, "line": line})
		}
		onStderr = func(line string) error {
			return emit("stderr", map[string]any{"command_id": spec.CommandID, "line": line})
		}
	}
	stdoutW := newCaptureWriter(spec.Limits.MaxOutputBytes, spec.Limits.MaxStdoutLines, spec.Limits.MaxLineBytes, onStdout)
	stderrW := newCaptureWriter(spec.Limits.MaxOutputBytes, 0, spec.Limits.MaxLineBytes, onStderr)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: types.ExitSpawnFailure, Duration: time.Since(start)}, fmt.Errorf("start: %w", err)
	}

	pgid := cmd.Process.Pid
	if gp, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		pgid = gp
	}

	done := make(chan struct{})
	var timedOut atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		timeout := spec.Limits.Timeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			timedOut.Store(true)
			terminate(pgid)
		case <-ctx.Done():
			// Caller went away (stream disconnect): do not leave the child
			// orphaned.
			terminate(pgid)
		}
	}()

	if emit != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case t := <-ticker.C:
					_ = emit("ping", map[string]any{"t": t.UTC().Unix()})
				}
			}
		}()
	}

	waitErr := cmd.Wait()
	close(done)
	wg.Wait()
	stdoutW.Flush()
	stderrW.Flush()

	res := Result{
		Duration: time.Since(start),
		Stdout:   stdoutW.Bytes(),
		Stderr:   stderrW.Bytes(),
		TimedOut: timedOut.Load(),
	}
	res.StdoutTotal, res.Truncated = stdoutW.Stats()
	var errTrunc bool
	res.StderrTotal, errTrunc = stderrW.Stats()
	res.Truncated = res.Truncated || errTrunc

	switch {
	case res.TimedOut:
		res.ExitCode = types.ExitTimeout
		res.Stderr = append(res.Stderr, []byte("command timed out\n")...)
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			res.ExitCode = ee.ExitCode()
		} else {
			res.ExitCode = types.ExitSpawnFailure
		}
	}

	res.LogPath = s.persistOutput(spec, res)
	return res, nil
}

// terminate escalates: graceful signal to the process group, a short grace
// period, then a hard kill for anything still alive.
func terminate(pgid int) {
	if pgid <= 0 {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		if syscall.Kill(-pgid, 0) != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// buildEnv forwards only allowlisted variables. PATH, HOME and locale vars
// are always present so scripts can run at all; everything else is
// deny-by-default, matching the filesystem policy.
func (s *Supervisor) buildEnv(requested map[string]string) []string {
	host := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			host[k] = v
		}
	}

	out := map[string]string{}
	for _, k := range []string{"PATH", "HOME", "LANG", "LC_ALL", "TERM"} {
		if v, ok := host[k]; ok && v != "" {
			out[k] = v
		}
	}
	if _, ok := out["PATH"]; !ok {
		out["PATH"] = "/usr/bin:/bin"
	}
	for _, k := range s.envAllowlist {
		if v, ok := requested[k]; ok {
			out[k] = v
			continue
		}
		if v, ok := host[k]; ok {
			out[k] = v
		}
	}

	env := make([]string, 0, len(out))
	for k, v := range out {
		env = append(env, k+"="+v)
	}
	return env
}

// persistOutput writes the captured streams next to the audit logs so a
// truncated response still leaves a full on-disk reference. Failure to
// persist is logged, never propagated.
func (s *Supervisor) persistOutput(spec Spec, res Result) string {
	if s.outputDir == "" || spec.CommandID == "" {
		return ""
	}
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		slog.Warn("execsup: mkdir output dir", "dir", s.outputDir, "err", err)
		return ""
	}
	path := filepath.Join(s.outputDir, spec.CommandID+".log")
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s\n# exit=%d duration=%s\n", spec.Path, strings.Join(spec.Args, " "), res.ExitCode, res.Duration)
	b.WriteString("--- stdout ---\n")
	b.Write(res.Stdout)
	b.WriteString("\n--- stderr ---\n")
	b.Write(res.Stderr)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		slog.Warn("execsup: write output log", "path", path, "err", err)
		return ""
	}
	return path
}
