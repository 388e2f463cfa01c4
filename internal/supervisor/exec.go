package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"syscall"
)

// ExecLauncher starts workers as child processes of the dispatcher.
type ExecLauncher struct {
	logger *slog.Logger
}

// NewExecLauncher constructs an ExecLauncher. Worker stdout and stderr are
// inherited so their logs land next to the dispatcher's.
func NewExecLauncher(logger *slog.Logger) *ExecLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecLauncher{logger: logger.With("component", "exec_launcher")}
}

// Launch starts spec.Command. The process outlives ctx; only Stop ends it.
func (l *ExecLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("module %s has no command", spec.Module)
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), workerEnv(spec)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
		l.logger.Info("worker process exited", "module", spec.Module, "pid", cmd.Process.Pid, "error", p.err)
	}()
	return p, nil
}

// workerEnv renders the environment a worker needs to find its module and
// address, plus any extra variables from the launch file, in a stable order.
func workerEnv(spec Spec) []string {
	env := []string{"WORKER_MODULE=" + string(spec.Module), "WORKER_ADDR=" + spec.Addr}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return env
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) ID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM and waits for exit, killing the process when ctx expires first.
func (p *execProcess) Stop(ctx context.Context) error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill: %w", err)
	}
	<-p.done
	return nil
}
