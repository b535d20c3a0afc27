package reactor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/marmos91/gridrpc/internal/logger"
)

// Clone is a running clone process.
type Clone interface {
	Wait() error
}

// CloneSpawner starts the extra processes serving a cloned service. A
// clone must stop when ctx is cancelled.
type CloneSpawner interface {
	Spawn(ctx context.Context, service string, index int) (Clone, error)
}

// ExecSpawner re-executes a binary for every clone, passing
// --service <name> --clone-index <i> after Args. The clone binds its
// listener with SO_REUSEPORT next to the parent's.
type ExecSpawner struct {
	// Path of the binary; empty means the running executable.
	Path string

	// Args are passed before the clone flags (e.g. --config).
	Args []string

	// StopTimeout is how long a clone has to exit after SIGTERM before
	// it is killed.
	StopTimeout time.Duration

	Logger *logger.Logger
}

// Spawn starts clone index of service.
func (s *ExecSpawner) Spawn(ctx context.Context, service string, index int) (Clone, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	args := append(append([]string(nil), s.Args...),
		"--service", service,
		"--clone-index", strconv.Itoa(index))

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.StopTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 30 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start clone %d of %s: %w", index, service, err)
	}
	if s.Logger != nil {
		s.Logger.Info("Started clone %d of %s (pid %d)", index, service, cmd.Process.Pid)
	}
	return cmd, nil
}

// clones tracks the processes started by Serve.
type clones struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startClones spawns CloneCount-1 clones of every cloned service. Only
// the parent process spawns; a failed spawn is logged and the service
// keeps running with fewer processes.
func (r *Reactor) startClones(ctx context.Context, endpoints []*endpoint) *clones {
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &clones{cancel: cancel}
	if r.opts.Clones == nil || r.opts.CloneIndex != 0 {
		return c
	}

	for _, ep := range endpoints {
		name := ep.descriptor.Name
		for i := 1; i < ep.descriptor.CloneCount; i++ {
			proc, err := r.opts.Clones.Spawn(cctx, name, i)
			if err != nil {
				r.log.Error("Spawning clone %d of %s failed: %v", i, name, err)
				continue
			}
			c.wg.Add(1)
			go func(i int) {
				defer c.wg.Done()
				if err := proc.Wait(); err != nil && cctx.Err() == nil {
					r.log.Error("Clone %d of %s exited: %v", i, name, err)
				}
			}(i)
		}
	}
	return c
}

// wait stops the clones and waits for them to exit.
func (c *clones) wait() {
	c.cancel()
	c.wg.Wait()
}
