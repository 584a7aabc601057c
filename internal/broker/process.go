package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
)

var commandContext = exec.CommandContext

const shutdownGrace = 5 * time.Second

// Process is a worker subprocess speaking the broker protocol on its stdin
// and stdout. Its stderr is forwarded to ours.
type Process struct {
	*Broker
	cmd    *exec.Cmd
	exited chan struct{}
}

// Spawn starts binary with args.
func Spawn(ctx context.Context, binary string, args []string, m *metrics.Metrics) (*Process, error) {
	cmd := commandContext(ctx, binary, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", binary, err)
	}
	logger.Info("Broker", "Started worker %s (pid %d)", binary, cmd.Process.Pid)

	p := &Process{
		Broker: New(stdin, stdout, m),
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Warn("Broker", "Worker exited: %v", err)
		} else {
			logger.Debug("Broker", "Worker exited")
		}
		close(p.exited)
	}()
	return p, nil
}

// Close closes the worker's stdin, which asks it to exit, and waits for it.
// A worker that does not exit within the grace period is killed.
func (p *Process) Close() error {
	err := p.Broker.Close()
	select {
	case <-p.exited:
	case <-time.After(shutdownGrace):
		logger.Warn("Broker", "Worker did not exit, killing pid %d", p.cmd.Process.Pid)
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return kerr
		}
		<-p.exited
	}
	return err
}
