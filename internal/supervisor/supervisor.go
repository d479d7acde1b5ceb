// Package supervisor starts and stops the external relay binary. Processes
// run in their own process group so that termination reaches any children
// the relay forks; stopping is always graceful-then-forced.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

type SpawnSpec struct {
	Command string
	Args    []string
	Dir     string
	LogPath string // subprocess stdout+stderr, append mode
}

type Handle struct {
	PID int
}

// SpawnError reports a subprocess that exited during the liveness probe,
// carrying the tail of its log so the failure reason (usually a bad config)
// reaches the caller.
type SpawnError struct {
	Err     error
	LogTail string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("relay process exited immediately: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

type Supervisor interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Handle, error)
	Alive(pid int) bool
	Stop(pid int, grace time.Duration) error
}

// Exec runs real subprocesses. Linux-only by construction (process groups,
// signal probing).
type Exec struct {
	logger     *slog.Logger
	probeDelay time.Duration
}

func NewExec(logger *slog.Logger) *Exec {
	return &Exec{logger: logger, probeDelay: 500 * time.Millisecond}
}

// WithProbeDelay overrides the post-spawn liveness probe delay. Tests use a
// short delay; production keeps the default.
func (s *Exec) WithProbeDelay(d time.Duration) *Exec {
	s.probeDelay = d
	return s
}

func (s *Exec) Spawn(ctx context.Context, spec SpawnSpec) (Handle, error) {
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return Handle{}, fmt.Errorf("open relay log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("start relay process: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it never lingers as a zombie. The
	// exit also feeds the liveness probe below.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// A relay binary handed a broken config exits within milliseconds.
	// Waiting briefly here turns that failure mode into a synchronous,
	// diagnosable error instead of a silently dead instance.
	select {
	case waitErr := <-done:
		tail := readLogTail(spec.LogPath)
		if waitErr == nil {
			waitErr = fmt.Errorf("exited with status 0 before probe")
		}
		s.logger.Warn("relay_process_exited_immediately",
			slog.Int("pid", pid),
			slog.String("error", waitErr.Error()))
		return Handle{}, &SpawnError{Err: waitErr, LogTail: tail}
	case <-time.After(s.probeDelay):
	case <-ctx.Done():
		_ = s.Stop(pid, 0)
		return Handle{}, ctx.Err()
	}

	s.logger.Info("relay_process_started", slog.Int("pid", pid), slog.String("dir", spec.Dir))
	return Handle{PID: pid}, nil
}

func (s *Exec) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Stop terminates the process group: SIGTERM first, then SIGKILL after the
// grace period. A process group that is already gone is success.
func (s *Exec) Stop(pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return nil // already gone
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("signal relay group: %w", err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !s.Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill relay group: %w", err)
	}
	return nil
}

func readLogTail(path string) string {
	const tailBytes = 2048
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(b) > tailBytes {
		b = b[len(b)-tailBytes:]
	}
	return string(b)
}
