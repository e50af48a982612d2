package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

// Service is one process-level component managed by the daemon.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory builds the service for a name and its settings.
type Factory func(name string, cfg schemas.ServiceConfig) (Service, error)

// DefaultFactory runs services that declare a command as child processes.
// Services without a command are served in-process and need no lifecycle.
func DefaultFactory(name string, cfg schemas.ServiceConfig) (Service, error) {
	raw, ok := cfg["command"]
	if !ok {
		return &builtinService{name: name}, nil
	}
	argv, err := commandArgs(raw)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", name, err)
	}
	return NewExecService(name, argv), nil
}

func commandArgs(raw any) ([]string, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, errors.New("command must be a non-empty list")
	}
	argv := make([]string, len(list))
	for i, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("command argument %d is not a string", i)
		}
		argv[i] = s
	}
	return argv, nil
}

type builtinService struct{ name string }

func (b *builtinService) Name() string                { return b.name }
func (b *builtinService) Start(context.Context) error { return nil }
func (b *builtinService) Stop(context.Context) error  { return nil }

// ExecService runs a command as a child process.
type ExecService struct {
	name string
	argv []string

	// StartGrace is how long the process must stay up for Start to succeed.
	StartGrace time.Duration
	// StopTimeout is how long Stop waits after SIGTERM before killing.
	StopTimeout time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	log  zerolog.Logger
}

// NewExecService creates a service running argv.
func NewExecService(name string, argv []string) *ExecService {
	return &ExecService{
		name:        name,
		argv:        argv,
		StartGrace:  500 * time.Millisecond,
		StopTimeout: 10 * time.Second,
		log:         log.With().Str("component", "service").Str("service", name).Logger(),
	}
}

func (s *ExecService) Name() string { return s.name }

// Start launches the process and fails if it exits within StartGrace.
func (s *ExecService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("service %s already running", s.name)
	}
	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	out := s.log
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("start %s: %w", s.name, err)
	}
	done := make(chan struct{})
	s.cmd, s.done = cmd, done
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()
	s.log.Info().Int("pid", cmd.Process.Pid).Msg("service started")

	timer := time.NewTimer(s.StartGrace)
	defer timer.Stop()
	select {
	case <-done:
		s.mu.Lock()
		err := s.err
		s.cmd = nil
		s.mu.Unlock()
		if err == nil {
			err = errors.New("exited")
		}
		return fmt.Errorf("service %s exited during startup: %w", s.name, err)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		s.Stop(context.WithoutCancel(ctx)) //nolint:errcheck
		return ctx.Err()
	}
}

// Stop terminates the process, killing it after StopTimeout.
func (s *ExecService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.cmd = nil
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %s: %w", s.name, err)
	}
	timer := time.NewTimer(s.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn().Msg("service did not exit, killing")
		cmd.Process.Kill() //nolint:errcheck
		<-done
	case <-ctx.Done():
		cmd.Process.Kill() //nolint:errcheck
		<-done
		return ctx.Err()
	}
	s.log.Info().Msg("service stopped")
	return nil
}
