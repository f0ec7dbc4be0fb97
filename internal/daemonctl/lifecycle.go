package daemonctl

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/antoniostano/voxd/internal/config"
)

// ReadPid returns the pid recorded by a running daemon, or 0 when no pid
// file exists.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s is corrupt", path)
	}
	return pid, nil
}

func RemovePid(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// IsRunning probes a pid with signal 0.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// CleanupStale removes pid and socket artifacts left by a dead daemon. It
// leaves everything alone while the recorded pid is still alive.
func CleanupStale(cfg config.Config) error {
	pid, err := ReadPid(cfg.PidPath)
	if err == nil && IsRunning(pid) {
		return nil
	}
	if rerr := RemovePid(cfg.PidPath); rerr != nil {
		return rerr
	}
	if rerr := os.Remove(cfg.SocketPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", rerr)
	}
	return nil
}

// Start is idempotent: it returns the existing pid when a daemon is already
// answering, otherwise spawns one and reports the new pid.
func Start(cfg config.Config) (int, error) {
	if pid, err := ReadPid(cfg.PidPath); err == nil && IsRunning(pid) && socketAlive(cfg.SocketPath) {
		return pid, nil
	}
	if err := CleanupStale(cfg); err != nil {
		return 0, err
	}
	if err := EnsureDaemon(cfg); err != nil {
		return 0, err
	}
	pid, err := ReadPid(cfg.PidPath)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// Stop shuts the daemon down gracefully: protocol shutdown first, SIGTERM if
// it keeps running, SIGKILL after the grace period.
func Stop(cfg config.Config) error {
	pid, err := ReadPid(cfg.PidPath)
	if err != nil {
		return err
	}
	if pid == 0 || !IsRunning(pid) {
		return CleanupStale(cfg)
	}

	if err := sendShutdown(cfg); err == nil && waitForExit(pid, cfg.StopGracePeriod) {
		return CleanupStale(cfg)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err == nil && waitForExit(pid, cfg.StopGracePeriod) {
		return CleanupStale(cfg)
	}

	if err := proc.Kill(); err != nil && IsRunning(pid) {
		return fmt.Errorf("kill daemon %d: %w", pid, err)
	}
	waitForExit(pid, cfg.StopGracePeriod)
	return CleanupStale(cfg)
}

// Restart stops any running daemon and starts a fresh one.
func Restart(cfg config.Config) (int, error) {
	if err := Stop(cfg); err != nil {
		return 0, err
	}
	return Start(cfg)
}

func waitForExit(pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !IsRunning(pid)
}
