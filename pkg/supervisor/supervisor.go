package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/metrics"
)

// Spec describes one agent process to spawn.
type Spec struct {
	DeploymentID string
	AgentAppID   string

	// BinaryPath is the compiled entrypoint produced by the Environment
	// Builder for this deployment's environment.
	BinaryPath string
	Args       []string

	// Env is the fully-resolved environment the child receives: base
	// process env merged with the package's declared defaults, merged
	// with the caller-supplied DeploymentRequest.Environment, in that
	// precedence order (later wins). Supervisor does not perform the
	// merge itself; callers pass the final slice.
	Env []string

	// WorkDir is the directory the child runs from: the extracted package
	// root.
	WorkDir string

	// GracefulShutdownTimeout bounds how long Stop waits after SIGTERM
	// before escalating to SIGKILL.
	GracefulShutdownTimeout time.Duration
}

// Exit describes how a supervised child terminated.
type Exit struct {
	Code     int
	Signal   string
	Crashed  bool // true if the exit was not requested via Stop
	ExitedAt time.Time
}

// Process is a running, supervised child. It is produced by Start and
// observed via Done and ended via Stop.
type Process struct {
	spec Spec
	cmd  *exec.Cmd
	log  zerolog.Logger

	mu       sync.Mutex
	stopping bool
	doneCh   chan Exit
}

// Start spawns spec.BinaryPath as a child process with spec.Env and
// spec.WorkDir, and begins piping its stdout/stderr line-by-line into log
// tagged with the owning deploymentId. It returns once the process has
// been successfully forked and exec'd; it does not wait for readiness.
func Start(spec Spec, log zerolog.Logger) (*Process, error) {
	cmd := exec.Command(spec.BinaryPath, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.WorkDir
	// New process group so Stop's signal does not also hit the parent.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindChildSpawnFailed, "attach stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindChildSpawnFailed, "attach stderr pipe", err)
	}

	childLog := log.With().Str("deployment_id", spec.DeploymentID).Str("agent_app_id", spec.AgentAppID).Logger()

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.KindChildSpawnFailed, fmt.Sprintf("spawn %s", spec.BinaryPath), err)
	}

	p := &Process{
		spec:   spec,
		cmd:    cmd,
		log:    childLog,
		doneCh: make(chan Exit, 1),
	}

	go streamLines(stdout, func(line string) { childLog.Info().Str("stream", "stdout").Msg(line) })
	go streamLines(stderr, func(line string) { childLog.Warn().Str("stream", "stderr").Msg(line) })
	go p.reap()

	return p, nil
}

// PID returns the child's process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done returns a channel that receives exactly one Exit when the child
// terminates, for any reason.
func (p *Process) Done() <-chan Exit {
	return p.doneCh
}

// Stop sends SIGTERM and waits up to spec.GracefulShutdownTimeout for the
// child to exit on its own; if it has not exited by then, Stop escalates
// to SIGKILL and waits for the reaper to observe the forced exit. If ctx
// ends before the timeout, Stop escalates to SIGKILL at that point.
// Modelled on the teacher's container stop sequence: SIGTERM, wait with a
// deadline, SIGKILL on timeout.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	if p.cmd.Process == nil {
		return nil
	}

	if err := signalGroup(p.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return errs.Wrap(errs.KindShutdownTimeout, "send SIGTERM", err)
	}

	timeout := p.spec.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// A received Exit is put back so Done still delivers it (the buffer
	// holds one and reap sends only once).
	select {
	case exit := <-p.doneCh:
		p.doneCh <- exit
		return nil
	case <-time.After(timeout):
		p.log.Warn().Msg("graceful shutdown timed out, sending SIGKILL")
	case <-ctx.Done():
		p.log.Warn().Err(ctx.Err()).Msg("stop context ended before child exited, sending SIGKILL")
	}

	if err := signalGroup(p.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return errs.Wrap(errs.KindShutdownTimeout, "send SIGKILL", err)
	}

	select {
	case exit := <-p.doneCh:
		p.doneCh <- exit
		return nil
	case <-time.After(5 * time.Second):
		return errs.New(errs.KindShutdownTimeout, "child did not exit after SIGKILL")
	}
}

func (p *Process) reap() {
	err := p.cmd.Wait()

	p.mu.Lock()
	requested := p.stopping
	p.mu.Unlock()

	exit := Exit{ExitedAt: time.Now()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				exit.Signal = status.Signal().String()
			}
			exit.Code = status.ExitStatus()
		}
	} else if err != nil {
		exit.Code = -1
	}
	exit.Crashed = !requested && (exit.Code != 0 || exit.Signal != "")

	if exit.Crashed {
		metrics.AgentCrashesTotal.WithLabelValues(p.spec.AgentAppID).Inc()
		p.log.Error().Int("exit_code", exit.Code).Str("signal", exit.Signal).Msg("agent process crashed")
	} else {
		p.log.Info().Int("exit_code", exit.Code).Msg("agent process exited")
	}

	p.doneCh <- exit
}

func streamLines(r io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
}

// signalGroup signals the process group so children the agent itself
// forked are reached too, falling back to the single pid if no group
// leader exists.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == syscall.ESRCH {
		return syscall.Kill(pid, sig)
	}
	return err
}
