// Package daemonctl is the client side of the daemon socket: framing a
// request, collecting interleaved log responses until the terminal frame,
// and managing the daemon process lifecycle (spawn, stop, restart).
package daemonctl

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/antoniostano/voxd/internal/config"
	"github.com/antoniostano/voxd/internal/protocol"
)

// ErrDaemonUnavailable marks socket-level failures (daemon absent or
// unreachable) as opposed to a command the daemon answered with an error.
// Callers fall back to direct execution only on this sentinel.
var ErrDaemonUnavailable = errors.New("voice daemon unavailable")

// LogObserver receives interleaved log responses during a command.
type LogObserver func(protocol.LogResponse)

// EnsureDaemon makes sure a daemon is answering on the socket, spawning one
// detached if needed. It fails if the socket never appears within the
// configured wait.
func EnsureDaemon(cfg config.Config) error {
	if socketAlive(cfg.SocketPath) {
		return nil
	}
	if err := spawnDaemon(); err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}

	deadline := time.Now().Add(cfg.SpawnWait)
	for time.Now().Before(deadline) {
		if socketAlive(cfg.SocketPath) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%w: socket %s did not appear within %s",
		ErrDaemonUnavailable, cfg.SocketPath, cfg.SpawnWait)
}

func socketAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, "daemon", "run")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	return cmd.Process.Release()
}

// Send opens one connection, writes one request frame and collects responses
// until a terminal type arrives. Log responses go to the observer and never
// terminate the exchange. Socket-level failures wrap ErrDaemonUnavailable.
func Send(cfg config.Config, req any, onLog LogObserver) (any, error) {
	conn, err := net.DialTimeout("unix", cfg.SocketPath, time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer conn.Close()

	frame, err := protocol.EncodeFrame(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrDaemonUnavailable, err)
	}

	// The deadline bounds the whole exchange: a wedged daemon must not
	// hang the caller forever.
	if cfg.ClientTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(cfg.ClientTimeout)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
		}
	}

	var dec protocol.Decoder
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				return nil, fmt.Errorf("decode response: %w", ferr)
			}
			for _, raw := range frames {
				msg, perr := protocol.ParseResponse(raw)
				if perr != nil {
					return nil, fmt.Errorf("parse response: %w", perr)
				}
				if logResp, ok := msg.(protocol.LogResponse); ok {
					if onLog != nil {
						onLog(logResp)
					}
					continue
				}
				if protocol.IsTerminal(msg) {
					return msg, nil
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrDaemonUnavailable, err)
		}
	}
}

// sendShutdown writes a shutdown frame and returns without waiting: the
// daemon exits instead of answering.
func sendShutdown(cfg config.Config) error {
	conn, err := net.DialTimeout("unix", cfg.SocketPath, time.Second)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer conn.Close()

	frame, err := protocol.EncodeFrame(protocol.ShutdownRequest{Type: protocol.TypeShutdown})
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}
