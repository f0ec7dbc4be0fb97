package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/voxd/internal/config"
	"github.com/antoniostano/voxd/internal/daemon"
	"github.com/antoniostano/voxd/internal/daemonctl"
	"github.com/antoniostano/voxd/internal/history"
	"github.com/antoniostano/voxd/internal/observability"
	"github.com/antoniostano/voxd/internal/protocol"
	"github.com/antoniostano/voxd/internal/voice"
)

const usage = `Usage:
  voxd say [-voice NAME] [-verbose] MESSAGE
  voxd ask [-voice NAME] [-timeout SECONDS] [-ack] [-verbose] MESSAGE
  voxd ping
  voxd history [-n COUNT]
  voxd daemon run|start|stop|restart|status
`

func main() {
	log.SetFlags(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "say":
		runSayCommand(cfg, os.Args[2:])
	case "ask":
		runAskCommand(cfg, os.Args[2:])
	case "ping":
		runPing(cfg)
	case "history":
		runHistory(cfg, os.Args[2:])
	case "daemon":
		runDaemonCommand(cfg, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runSayCommand(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	voiceName := fs.String("voice", "", "assistant voice name")
	verbose := fs.Bool("verbose", false, "print trace events to stderr")
	_ = fs.Parse(args)
	message := messageArg(fs)

	req := protocol.SayRequest{
		Type:    protocol.TypeSay,
		ID:      uuid.NewString(),
		Message: message,
		Voice:   *voiceName,
	}

	terminal, err := sendThroughDaemon(cfg, req, *verbose)
	if errors.Is(err, daemonctl.ErrDaemonUnavailable) {
		// The daemon never came up; run the turn in-process instead.
		err = directSay(cfg, req, *verbose)
		if err != nil {
			log.Fatalf("say failed: %v", err)
		}
		return
	}
	if err != nil {
		log.Fatalf("say failed: %v", err)
	}
	if errResp, ok := terminal.(protocol.ErrorResponse); ok {
		log.Fatalf("say failed: %s", errResp.Message)
	}
}

func runAskCommand(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	voiceName := fs.String("voice", "", "assistant voice name")
	timeout := fs.Float64("timeout", 0, "no-speech timeout in seconds (0 = default)")
	ack := fs.Bool("ack", false, "let the assistant acknowledge the reply before resolving")
	verbose := fs.Bool("verbose", false, "print trace events to stderr")
	_ = fs.Parse(args)
	message := messageArg(fs)

	req := protocol.AskRequest{
		Type:    protocol.TypeAsk,
		ID:      uuid.NewString(),
		Message: message,
		Voice:   *voiceName,
		Timeout: *timeout,
		Ack:     *ack,
	}

	terminal, err := sendThroughDaemon(cfg, req, *verbose)
	if errors.Is(err, daemonctl.ErrDaemonUnavailable) {
		transcript, derr := directAsk(cfg, req, *verbose)
		if derr != nil {
			log.Fatalf("ask failed: %v", derr)
		}
		fmt.Println(transcript)
		return
	}
	if err != nil {
		log.Fatalf("ask failed: %v", err)
	}
	switch msg := terminal.(type) {
	case protocol.AskDone:
		fmt.Println(msg.Transcript)
	case protocol.ErrorResponse:
		log.Fatalf("ask failed: %s", msg.Message)
	default:
		log.Fatalf("unexpected response %T", terminal)
	}
}

func sendThroughDaemon(cfg config.Config, req any, verbose bool) (any, error) {
	if err := daemonctl.EnsureDaemon(cfg); err != nil {
		return nil, err
	}
	return daemonctl.Send(cfg, req, logObserver(verbose))
}

func logObserver(verbose bool) daemonctl.LogObserver {
	if !verbose {
		return nil
	}
	return func(entry protocol.LogResponse) {
		fmt.Fprintf(os.Stderr, "[%6dms] %s %s\n",
			entry.Entry.AtMS, entry.Entry.Event, entry.Entry.Detail)
	}
}

func traceObserver(verbose bool) voice.TraceFunc {
	if !verbose {
		return nil
	}
	return func(ev protocol.TraceEvent) {
		fmt.Fprintf(os.Stderr, "[%6dms] %s %s\n", ev.AtMS, ev.Event, ev.Detail)
	}
}

// directSay runs the turn without a daemon: same orchestrator, same engine,
// just no queue in front of the device.
func directSay(cfg config.Config, req protocol.SayRequest, verbose bool) error {
	engines := daemon.DeviceEngines(cfg)
	engine, err := engines(daemon.ModeSay)
	if err != nil {
		return err
	}
	factory := daemon.OpenAISessions(cfg)(daemon.SessionSpec{Voice: req.Voice})
	return voice.RunSay(context.Background(), engine, factory, voice.SayOptions{
		Message: req.Message,
		Timing:  cfg.Timing,
		Trace:   traceObserver(verbose),
	})
}

func directAsk(cfg config.Config, req protocol.AskRequest, verbose bool) (string, error) {
	engines := daemon.DeviceEngines(cfg)
	engine, err := engines(daemon.ModeAsk)
	if err != nil {
		return "", err
	}
	factory := daemon.OpenAISessions(cfg)(daemon.SessionSpec{
		Voice:       req.Voice,
		Capture:     true,
		AckResponse: req.Ack,
	})
	return voice.RunAsk(context.Background(), engine, factory, voice.AskOptions{
		Message: req.Message,
		Timeout: time.Duration(req.Timeout * float64(time.Second)),
		Ack:     req.Ack,
		Timing:  cfg.Timing,
		Trace:   traceObserver(verbose),
	})
}

func runPing(cfg config.Config) {
	terminal, err := daemonctl.Send(cfg, protocol.PingRequest{
		Type: protocol.TypePing,
		ID:   uuid.NewString(),
	}, nil)
	if err != nil {
		log.Fatalf("ping failed: %v", err)
	}
	pong, ok := terminal.(protocol.Pong)
	if !ok {
		log.Fatalf("unexpected response %T", terminal)
	}
	fmt.Printf("daemon up %s, %d commands processed\n",
		(time.Duration(pong.UptimeMS) * time.Millisecond).Round(time.Second),
		pong.CommandCount)
}

func runHistory(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	count := fs.Int("n", 20, "number of entries to show")
	_ = fs.Parse(args)

	if cfg.DatabaseURL == "" {
		log.Fatalf("history requires VOXD_DATABASE_URL")
	}
	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer store.Close()

	entries, err := store.Recent(ctx, *count)
	if err != nil {
		log.Fatalf("history query failed: %v", err)
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-4s %-12s %6s  %s",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Kind, e.Outcome, e.Duration.Round(time.Millisecond), e.Message)
		if e.Transcript != "" {
			line += " -> " + e.Transcript
		}
		fmt.Println(line)
	}
}

func runDaemonCommand(cfg config.Config, args []string) {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		runDaemon(cfg)
	case "start":
		pid, err := daemonctl.Start(cfg)
		if err != nil {
			log.Fatalf("daemon start failed: %v", err)
		}
		fmt.Printf("daemon running, pid %d\n", pid)
	case "stop":
		if err := daemonctl.Stop(cfg); err != nil {
			log.Fatalf("daemon stop failed: %v", err)
		}
		fmt.Println("daemon stopped")
	case "restart":
		pid, err := daemonctl.Restart(cfg)
		if err != nil {
			log.Fatalf("daemon restart failed: %v", err)
		}
		fmt.Printf("daemon running, pid %d\n", pid)
	case "status":
		runStatus(cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runDaemon(cfg config.Config) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var store *history.Store
	if cfg.DatabaseURL != "" {
		var err error
		store, err = history.NewStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("history store init failed: %v", err)
		}
	}

	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		metrics = observability.NewMetrics("voxd")
		go func() {
			if err := observability.Serve(cfg.MetricsAddr); err != nil {
				logger.Warn("metrics listener failed", slog.String("error", err.Error()))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := daemon.Run(ctx, daemon.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		History: store,
	}); err != nil {
		log.Fatalf("daemon failed: %v", err)
	}
}

func runStatus(cfg config.Config) {
	pid, err := daemonctl.ReadPid(cfg.PidPath)
	if err != nil {
		log.Fatalf("status failed: %v", err)
	}
	if pid == 0 || !daemonctl.IsRunning(pid) {
		fmt.Println("daemon not running")
		os.Exit(1)
	}
	fmt.Printf("daemon running, pid %d\n", pid)
	runPing(cfg)
}

func messageArg(fs *flag.FlagSet) string {
	if fs.NArg() != 1 || fs.Arg(0) == "" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	return fs.Arg(0)
}
