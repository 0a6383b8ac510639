// Command tutorvoice runs a hands-free spoken conversation with the tutor
// backend using file-backed audio devices or, with the "live" driver, the
// system microphone and speaker.
//
// Press Enter to toggle recording, type "blur" or "focus" to pause and resume
// the session, and "quit" (or Ctrl+C) to leave.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/tutorvoice/internal/app"
	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/config"
	"github.com/MrWong99/tutorvoice/internal/conversation"
	"github.com/MrWong99/tutorvoice/internal/observe"
	"github.com/MrWong99/tutorvoice/pkg/audio"
	"github.com/MrWong99/tutorvoice/pkg/audio/malgodev"
	"github.com/MrWong99/tutorvoice/pkg/audio/wavdev"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", false, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tutorvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tutorvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("tutorvoice starting",
		"config", *configPath,
		"version", version,
		"channel", cfg.Channel.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tutorvoice",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio devices ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDevices(reg)

	mic, err := reg.CreateMicrophone(cfg.Devices)
	if err != nil {
		slog.Error("failed to open microphone", "driver", cfg.Devices.Driver, "err", err)
		return 1
	}
	defer closeDevice("microphone", mic)
	spk, err := reg.CreateSpeaker(cfg.Devices)
	if err != nil {
		slog.Error("failed to open speaker", "driver", cfg.Devices.Driver, "err", err)
		return 1
	}
	defer closeDevice("speaker", spk)

	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, mic, spk, app.WithHooks(consoleHooks(os.Stdout)))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			if d := config.Diff(old, new); d.LogLevelChanged {
				level.Set(d.NewLogLevel.SlogLevel())
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.ApplyConfig(new)
		})
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
	}

	go readCommands(ctx, os.Stdin, application.Sessions(), stop)

	slog.Info("ready; press Enter to toggle recording, Ctrl+C to quit")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinDevices registers every device driver compiled into the
// binary.
func registerBuiltinDevices(reg *config.Registry) {
	reg.RegisterMicrophone(config.DefaultDriver, func(d config.DevicesConfig) (audio.Microphone, error) {
		var opts []wavdev.MicOption
		if d.MeterWindow > 0 {
			opts = append(opts, wavdev.WithMeterWindow(d.MeterWindow))
		}
		if d.LoopInput {
			opts = append(opts, wavdev.WithLoop())
		}
		return wavdev.OpenMicrophone(d.InputFile, opts...)
	})
	reg.RegisterSpeaker(config.DefaultDriver, func(d config.DevicesConfig) (audio.Speaker, error) {
		return wavdev.NewSpeaker(d.OutputDir, wavdev.WithSpeed(d.PlaybackSpeed))
	})

	reg.RegisterMicrophone(malgodev.Driver, func(d config.DevicesConfig) (audio.Microphone, error) {
		return malgodev.NewMicrophone(malgodev.WithMeterWindow(d.MeterWindow))
	})
	reg.RegisterSpeaker(malgodev.Driver, func(config.DevicesConfig) (audio.Speaker, error) {
		return malgodev.NewSpeaker()
	})
}

// closeDevice releases a device that holds system resources.
func closeDevice(name string, d any) {
	c, ok := d.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("failed to close device", "device", name, "err", err)
	}
}

// sessionControls is the part of the session manager driven from stdin.
type sessionControls interface {
	Toggle() error
	Focus() error
	Blur() error
}

// readCommands maps input lines to session controls until r is exhausted or
// ctx is done. "quit" calls stop.
func readCommands(ctx context.Context, r io.Reader, s sessionControls, stop func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch cmd := strings.ToLower(strings.TrimSpace(sc.Text())); cmd {
		case "", "t", "toggle":
			err = s.Toggle()
		case "blur":
			err = s.Blur()
		case "focus":
			err = s.Focus()
		case "q", "quit", "exit":
			stop()
			return
		default:
			slog.Warn("unknown command", "cmd", cmd)
		}
		if err != nil {
			slog.Warn("command failed", "err", err)
		}
	}
}

// consoleHooks prints the tutor's replies and prompts.
func consoleHooks(w io.Writer) conversation.Hooks {
	return conversation.Hooks{
		OnStateChange: func(_, to conversation.TurnState) {
			if to == conversation.StateListening {
				fmt.Fprintln(w, "[listening]")
			}
		},
		OnMessage: func(m channel.ControlMessage) {
			if text := m.Text(); text != "" {
				fmt.Fprintf(w, "tutor: %s\n", text)
			}
			if m.Correction != "" {
				fmt.Fprintf(w, "  correction: %s\n", m.Correction)
			}
			if m.Feedback != "" {
				fmt.Fprintf(w, "  feedback: %s\n", m.Feedback)
			}
		},
		OnAlert: func(err error) {
			fmt.Fprintf(w, "! microphone problem: %v\n", err)
		},
		OnRestartAvailable: func() {
			fmt.Fprintln(w, "[conversation paused; press Enter to start again]")
		},
		OnError: func(err error) {
			fmt.Fprintf(w, "! conversation ended: %v\n", err)
		},
	}
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       tutorvoice: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Calibrator      : %-19s ║\n", cfg.VAD.Calibrator)
	fmt.Printf("║  Devices         : %-19s ║\n", cfg.Devices.Driver)
	greeting := "off"
	if cfg.Channel.AutoGreeting {
		greeting = "on"
	}
	fmt.Printf("║  Auto greeting   : %-19s ║\n", greeting)
	history := "memory"
	if cfg.History.PostgresDSN != "" {
		history = "postgres"
	}
	fmt.Printf("║  History         : %-19s ║\n", history)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}
