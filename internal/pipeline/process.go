package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 5 * time.Second

// ProcessConfig defines how to spawn and manage a pipeline process.
type ProcessConfig struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Stdin      io.Reader
	// Timeout bounds the whole run; zero means no limit.
	Timeout   time.Duration
	StopGrace time.Duration
}

// Process manages the lifecycle of one child process running in its own
// process group. Callers must drain Stdout and Stderr to EOF before calling
// Wait.
type Process struct {
	cfg    ProcessConfig
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	pgid   int

	done     chan struct{}
	waitOnce sync.Once
	exitCode int
	err      error
	timedOut bool
	mu       sync.Mutex
}

// StartProcess launches the process. When ctx ends before the process exits
// the whole process group is stopped.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("process command is empty")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	if len(cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.Stdin = cfg.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	p := &Process{
		cfg:    cfg,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		p.pgid = pgid
	}

	go p.watch(ctx)
	return p, nil
}

func (p *Process) watch(ctx context.Context) {
	var timeout <-chan time.Time
	if p.cfg.Timeout > 0 {
		timer := time.NewTimer(p.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
	case <-timeout:
		p.mu.Lock()
		p.timedOut = true
		p.mu.Unlock()
		_ = p.Stop()
	case <-ctx.Done():
		_ = p.Stop()
	}
}

// Stdout returns the child's standard output.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Stderr returns the child's standard error.
func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// Wait reaps the process and returns its exit code. A non-zero exit is not an
// error; err reports failures to run or wait, and timeouts.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
				err = nil
			} else {
				code = -1
			}
		}
		p.mu.Lock()
		if p.timedOut {
			err = fmt.Errorf("process exceeded run timeout of %s", p.cfg.Timeout)
		}
		p.exitCode = code
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.err
}

// Stop sends SIGTERM to the process group and SIGKILL after the grace period.
func (p *Process) Stop() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	pgid := p.pgid
	if pgid == 0 {
		pgid = p.cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	timer := time.NewTimer(p.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return nil
}

// PID returns the child pid.
func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
