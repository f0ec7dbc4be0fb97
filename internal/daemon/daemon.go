// Package daemon runs the background process that owns the audio device.
// Commands arrive over a unix socket as length-prefixed JSON frames and are
// drained by a single worker: the device is single-consumer, so the queue is
// the sole mutual-exclusion mechanism between say/ask executions.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/antoniostano/voxd/internal/audio"
	"github.com/antoniostano/voxd/internal/config"
	"github.com/antoniostano/voxd/internal/history"
	"github.com/antoniostano/voxd/internal/observability"
	"github.com/antoniostano/voxd/internal/protocol"
	"github.com/antoniostano/voxd/internal/realtime"
	"github.com/antoniostano/voxd/internal/reliability"
	"github.com/antoniostano/voxd/internal/voice"
)

// Mode selects the engine profile a command needs. Announce-only playback
// runs without echo cancellation; capture turns need it plus a positive
// stream-delay hint.
type Mode string

const (
	ModeSay Mode = "say"
	ModeAsk Mode = "ask"
)

// EngineFactory builds the native engine for a mode.
type EngineFactory func(mode Mode) (audio.Engine, error)

// SessionSpec carries the per-command session parameters.
type SessionSpec struct {
	Voice       string
	Capture     bool
	AckResponse bool
}

// SessionBuilder binds a spec to a session factory the orchestrators can
// call with their callbacks.
type SessionBuilder func(spec SessionSpec) voice.SessionFactory

// Options wires the daemon's collaborators. Engines and Sessions default to
// the real device and the cloud client; tests inject fakes.
type Options struct {
	Config   config.Config
	Logger   *slog.Logger
	Engines  EngineFactory
	Sessions SessionBuilder
	Metrics  *observability.Metrics
	History  *history.Store
}

type command struct {
	conn *connWriter
	req  any
	id   string
	kind string
}

// Daemon owns the engine handle, the command queue and the idle timer.
// All mutable state lives behind one mutex on this struct.
type Daemon struct {
	cfg      config.Config
	log      *slog.Logger
	engines  EngineFactory
	sessions SessionBuilder
	metrics  *observability.Metrics
	history  *history.Store

	started  time.Time
	listener net.Listener

	mu           sync.Mutex
	queue        []*command
	commandCount int
	engine       audio.Engine
	engineMode   Mode
	idle         *time.Timer

	wake chan struct{}
	done chan struct{}

	shutdownOnce sync.Once
}

func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	engines := opts.Engines
	if engines == nil {
		engines = DeviceEngines(opts.Config)
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = OpenAISessions(opts.Config)
	}
	return &Daemon{
		cfg:      opts.Config,
		log:      logger,
		engines:  engines,
		sessions: sessions,
		metrics:  opts.Metrics,
		history:  opts.History,
		started:  time.Now(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// DeviceEngines builds engines for the configured backend: real duplex
// devices, or the loopback engine on machines without audio hardware.
func DeviceEngines(cfg config.Config) EngineFactory {
	return func(mode Mode) (audio.Engine, error) {
		opts := audio.Options{SampleRate: cfg.SampleRate}
		if mode == ModeAsk {
			opts.EnableAEC = true
			opts.StreamDelayMS = audio.DefaultStreamDelayMS
		}
		if cfg.AudioBackend == "loopback" {
			return audio.NewLoopbackEngine(opts), nil
		}
		return audio.NewDeviceEngine(opts), nil
	}
}

// OpenAISessions builds realtime sessions against the configured cloud API.
func OpenAISessions(cfg config.Config) SessionBuilder {
	return func(spec SessionSpec) voice.SessionFactory {
		return func(cb realtime.Callbacks) (realtime.Session, error) {
			voiceName := spec.Voice
			if voiceName == "" {
				voiceName = cfg.DefaultVoice
			}
			return realtime.NewOpenAISession(realtime.Config{
				APIKey:            cfg.OpenAIAPIKey,
				BaseURL:           cfg.OpenAIBaseURL,
				Model:             cfg.OpenAIModel,
				Voice:             voiceName,
				EnableCapture:     spec.Capture,
				CreateAckResponse: spec.AckResponse,
			}, cb), nil
		}
	}
}

// Run binds the socket and serves until a shutdown command, an idle timeout,
// or ctx cancellation (the signal path). It owns the socket and pid files
// for its whole lifetime.
func Run(ctx context.Context, opts Options) error {
	d := New(opts)
	return d.run(ctx)
}

func (d *Daemon) run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if err := removeStaleSocket(d.cfg.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	d.listener = listener

	if err := writePidFile(d.cfg.PidPath); err != nil {
		listener.Close()
		os.Remove(d.cfg.SocketPath)
		return err
	}

	d.log.Info("daemon listening",
		slog.String("socket", d.cfg.SocketPath),
		slog.Duration("idle_timeout", d.cfg.IdleTimeout))

	d.mu.Lock()
	d.idle = time.AfterFunc(d.cfg.IdleTimeout, d.onIdleTimeout)
	d.mu.Unlock()

	go d.worker()
	go d.acceptLoop()

	select {
	case <-ctx.Done():
		d.log.Info("shutdown signal received")
		d.beginShutdown()
	case <-d.done:
	}

	return d.teardown()
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		go d.handleConn(conn)
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	writer := &connWriter{conn: conn}
	var dec protocol.Decoder
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				d.log.Warn("dropping connection", slog.String("error", ferr.Error()))
				return
			}
			for _, frame := range frames {
				d.dispatch(writer, frame)
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch answers ping and shutdown inline; say/ask go through the queue.
func (d *Daemon) dispatch(writer *connWriter, frame []byte) {
	req, err := protocol.ParseRequest(frame)
	if err != nil {
		_ = writer.write(protocol.ErrorResponse{
			Type:    protocol.TypeError,
			ID:      protocol.UnknownID,
			Message: fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	switch msg := req.(type) {
	case protocol.PingRequest:
		d.mu.Lock()
		count := d.commandCount
		d.mu.Unlock()
		_ = writer.write(protocol.Pong{
			Type:         protocol.TypePong,
			ID:           msg.ID,
			UptimeMS:     time.Since(d.started).Milliseconds(),
			CommandCount: count,
		})
	case protocol.ShutdownRequest:
		d.log.Info("shutdown requested")
		d.beginShutdown()
	case protocol.SayRequest:
		d.enqueue(&command{conn: writer, req: msg, id: msg.ID, kind: "say"})
	case protocol.AskRequest:
		d.enqueue(&command{conn: writer, req: msg, id: msg.ID, kind: "ask"})
	}
}

func (d *Daemon) enqueue(c *command) {
	d.mu.Lock()
	d.queue = append(d.queue, c)
	depth := len(d.queue)
	d.mu.Unlock()
	d.metrics.SetQueueDepth(depth)

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Daemon) worker() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			c := d.queue[0]
			d.queue = d.queue[1:]
			depth := len(d.queue)
			if d.idle != nil {
				d.idle.Stop()
			}
			d.mu.Unlock()
			d.metrics.SetQueueDepth(depth)

			d.execute(c)

			d.mu.Lock()
			if d.idle != nil {
				d.idle.Reset(d.cfg.IdleTimeout)
			}
			d.mu.Unlock()
		}
	}
}

// execute runs one command to completion. Orchestrator panics become error
// responses; nothing escapes to kill the worker.
func (d *Daemon) execute(c *command) {
	start := time.Now()
	d.mu.Lock()
	d.commandCount++
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("command panicked", slog.String("id", c.id), slog.Any("panic", r))
			_ = c.conn.write(protocol.ErrorResponse{
				Type:    protocol.TypeError,
				ID:      c.id,
				Message: fmt.Sprintf("internal error: %v", r),
			})
			d.metrics.ObserveCommand(c.kind, "panic", time.Since(start))
		}
	}()

	trace := func(ev protocol.TraceEvent) {
		_ = c.conn.write(protocol.LogResponse{Type: protocol.TypeLog, ID: c.id, Entry: ev})
	}

	ctx := context.Background()
	var transcript string
	var err error
	switch req := c.req.(type) {
	case protocol.SayRequest:
		err = d.runSay(ctx, req, trace)
	case protocol.AskRequest:
		transcript, err = d.runAsk(ctx, req, trace)
	}

	outcome := string(reliability.Classify(err))
	if err != nil {
		d.log.Warn("command failed",
			slog.String("id", c.id),
			slog.String("category", outcome),
			slog.String("error", err.Error()))
		_ = c.conn.write(protocol.ErrorResponse{Type: protocol.TypeError, ID: c.id, Message: err.Error()})
	} else {
		switch c.req.(type) {
		case protocol.SayRequest:
			_ = c.conn.write(protocol.SayDone{Type: protocol.TypeSayDone, ID: c.id})
		case protocol.AskRequest:
			_ = c.conn.write(protocol.AskDone{Type: protocol.TypeAskDone, ID: c.id, Transcript: transcript})
		}
	}

	elapsed := time.Since(start)
	d.metrics.ObserveCommand(c.kind, outcome, elapsed)
	if herr := d.history.Record(ctx, history.Entry{
		ID:         c.id,
		Kind:       c.kind,
		Message:    requestMessage(c.req),
		Transcript: transcript,
		Outcome:    outcome,
		Duration:   elapsed,
	}); herr != nil {
		d.log.Warn("history write failed", slog.String("error", herr.Error()))
	}
}

func (d *Daemon) runSay(ctx context.Context, req protocol.SayRequest, trace voice.TraceFunc) error {
	engine, err := d.engineFor(ModeSay)
	if err != nil {
		return err
	}
	factory := d.sessions(SessionSpec{Voice: req.Voice})
	return voice.RunSay(ctx, engine, factory, voice.SayOptions{
		Message: req.Message,
		Timing:  d.cfg.Timing,
		Trace:   trace,
	})
}

func (d *Daemon) runAsk(ctx context.Context, req protocol.AskRequest, trace voice.TraceFunc) (string, error) {
	engine, err := d.engineFor(ModeAsk)
	if err != nil {
		return "", err
	}
	factory := d.sessions(SessionSpec{Voice: req.Voice, Capture: true, AckResponse: req.Ack})
	return voice.RunAsk(ctx, engine, factory, voice.AskOptions{
		Message: req.Message,
		Timeout: time.Duration(req.Timeout * float64(time.Second)),
		Ack:     req.Ack,
		Timing:  d.cfg.Timing,
		Trace:   trace,
	})
}

// engineFor returns a warm engine matching the mode. The orchestrators
// stop+close the handle they are given when the turn ends, so the daemon
// leases them a wrapper whose Close only stops: the real teardown happens
// here, on a mode change or at daemon shutdown.
func (d *Daemon) engineFor(mode Mode) (audio.Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != nil && d.engineMode != mode {
		// Errors from the outgoing engine are swallowed: the replacement
		// matters more than a clean goodbye.
		_ = d.engine.Stop()
		_ = d.engine.Close()
		d.engine = nil
		d.metrics.EngineRebuilt()
		d.log.Debug("engine rebuilt", slog.String("mode", string(mode)))
	}
	if d.engine == nil {
		engine, err := d.engines(mode)
		if err != nil {
			return nil, fmt.Errorf("create audio engine: %w", err)
		}
		d.engine = engine
		d.engineMode = mode
	}
	return leasedEngine{d.engine}, nil
}

func (d *Daemon) onIdleTimeout() {
	d.log.Info("idle timeout reached, shutting down")
	d.metrics.IdleShutdown()
	d.beginShutdown()
}

func (d *Daemon) beginShutdown() {
	d.shutdownOnce.Do(func() { close(d.done) })
}

func (d *Daemon) teardown() error {
	d.mu.Lock()
	if d.idle != nil {
		d.idle.Stop()
	}
	engine := d.engine
	d.engine = nil
	d.mu.Unlock()

	if engine != nil {
		_ = engine.Stop()
		_ = engine.Close()
	}
	if d.listener != nil {
		d.listener.Close()
	}
	os.Remove(d.cfg.SocketPath)
	os.Remove(d.cfg.PidPath)
	d.history.Close()
	d.log.Info("daemon stopped")
	return nil
}

// leasedEngine lets an orchestrator run its full stop+close cleanup without
// destroying the daemon's warm handle: Close degrades to Stop, and the
// underlying engine restarts on the next command.
type leasedEngine struct {
	audio.Engine
}

func (l leasedEngine) Close() error { return l.Engine.Stop() }

// connWriter serializes response frames onto one connection. The worker and
// the inline ping path may interleave writes.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(v any) error {
	frame, err := protocol.EncodeFrame(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(frame)
	return err
}

func requestMessage(req any) string {
	switch msg := req.(type) {
	case protocol.SayRequest:
		return msg.Message
	case protocol.AskRequest:
		return msg.Message
	default:
		return ""
	}
}

// removeStaleSocket clears a socket file left behind by a crashed run. A
// socket that still answers means another daemon is alive.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("daemon already running on %s", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func writePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
