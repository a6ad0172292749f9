// Command earshot runs the on-device voice assistant audio pipeline.
//
// Usage:
//
//	earshot run --config config.yaml
//	earshot validate --config config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/simdev"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "earshot:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "earshot",
		Short:         "Wake-word voice assistant audio pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the audio pipeline until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload tuning and log level when the config file changes")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}
	return cfg, nil
}

func run(parent context.Context, watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(&level))

	slog.Info("earshot starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		DeviceID:       cfg.Transport.DeviceID,
		InputDevice:    cfg.Device.Input.Name,
		OutputDevice:   cfg.Device.Output.Name,
		SampleRate:     cfg.Audio.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinDevices(reg)

	devices, err := buildDevices(cfg, reg)
	if err != nil {
		return err
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, devices, app.WithLogLevel(&level))
	if err != nil {
		closeDevice(devices.Input)
		closeDevice(devices.Output)
		return err
	}

	if watch {
		w, err := config.NewWatcher(configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("device ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	} else {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		runErr = errors.Join(runErr, err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// registerBuiltinDevices registers the device backends shipped with earshot.
func registerBuiltinDevices(reg *config.Registry) {
	reg.RegisterInput("sim", func(entry config.DeviceEntry, sampleRate int) (audio.InputDevice, error) {
		opts := []simdev.MicOption{
			simdev.WithRealtime(entry.OptionBool("realtime", true)),
			simdev.WithLoop(entry.OptionBool("loop", false)),
		}
		if entry.OptionBool("stereo", false) {
			opts = append(opts, simdev.WithStereoSource())
		}
		return simdev.OpenMic(entry.Path, sampleRate, opts...)
	})

	reg.RegisterOutput("sim", func(entry config.DeviceEntry, sampleRate int) (audio.OutputDevice, error) {
		queue := entry.OptionInt("queue_samples", sampleRate*4)
		if queue <= 0 {
			return nil, fmt.Errorf("sim output: queue_samples must be positive, got %d", queue)
		}
		var opts []simdev.SpeakerOption
		if entry.Path != "" {
			f, err := os.Create(entry.Path)
			if err != nil {
				return nil, fmt.Errorf("sim output: %w", err)
			}
			opts = append(opts, simdev.WithSink(f))
		}
		return simdev.NewSpeaker(sampleRate, queue, opts...), nil
	})
}

func buildDevices(cfg *config.Config, reg *config.Registry) (app.Devices, error) {
	in, err := reg.CreateInput(cfg.Device.Input, cfg.Audio.SampleRate)
	if err != nil {
		return app.Devices{}, fmt.Errorf("create input device: %w", err)
	}
	out, err := reg.CreateOutput(cfg.Device.Output, cfg.Audio.SampleRate)
	if err != nil {
		closeDevice(in)
		return app.Devices{}, fmt.Errorf("create output device: %w", err)
	}
	return app.Devices{Input: in, Output: out}, nil
}

// closeDevice releases dev when it holds a file or driver handle.
func closeDevice(dev any) {
	if c, ok := dev.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("close device", "err", err)
		}
	}
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        earshot — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Input", deviceLabel(cfg.Device.Input))
	printRow("Output", deviceLabel(cfg.Device.Output))
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	if cfg.Transport.URL != "" {
		printRow("Transport", "websocket")
	} else {
		printRow("Transport", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, value)
}

func deviceLabel(e config.DeviceEntry) string {
	if e.Path == "" {
		return e.Name
	}
	return e.Name + " / " + e.Path
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
