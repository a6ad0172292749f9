package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/mock"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// The command tests share the configPath flag variable and cannot run in
// parallel.

func TestValidateCmd(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "defaults", body: "server:\n  log_level: debug\n"},
		{name: "unknown key", body: "bogus: 1\n", wantErr: true},
		{name: "bad level", body: "server:\n  log_level: loud\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			root := newRootCmd()
			var out bytes.Buffer
			root.SetOut(&out)
			root.SetArgs([]string{"validate", "--config", path})
			err := root.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !strings.Contains(out.String(), "ok") {
				t.Errorf("output = %q", out.String())
			}
		})
	}
}

func TestValidateCmd_MissingFile(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"validate", "--config", filepath.Join(t.TempDir(), "nope.yaml")})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRegisterBuiltinDevices(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinDevices(reg)

	in, err := reg.CreateInput(config.DeviceEntry{Name: "sim", Options: map[string]any{"realtime": false}}, 16000)
	if err != nil {
		t.Fatalf("CreateInput: %v", err)
	}
	buf := make([]int16, 160)
	if n, err := in.Read(buf); err != nil || n != len(buf) {
		t.Errorf("Read = %d, %v; want %d silent samples", n, err, len(buf))
	}

	out, err := reg.CreateOutput(config.DeviceEntry{Name: "sim", Options: map[string]any{"queue_samples": 1000}}, 16000)
	if err != nil {
		t.Fatalf("CreateOutput: %v", err)
	}
	if got := out.QueueStatus(); got != audio.QueueNotPlaying {
		t.Errorf("QueueStatus = %v, want not playing", got)
	}
	if out.Submit(make([]int16, 1001), 16000) {
		t.Error("Submit beyond queue_samples accepted")
	}

	if _, err := reg.CreateOutput(config.DeviceEntry{Name: "sim", Options: map[string]any{"queue_samples": -1}}, 16000); err == nil {
		t.Error("negative queue_samples accepted")
	}
	if _, err := reg.CreateInput(config.DeviceEntry{Name: "alsa"}, 16000); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("err = %v, want ErrBackendNotRegistered", err)
	}
}

// closingInput records Close on top of a scripted input.
type closingInput struct {
	mock.InputDevice
	closed bool
}

func (c *closingInput) Close() error {
	c.closed = true
	return nil
}

func TestBuildDevices_ClosesInputWhenOutputFails(t *testing.T) {
	t.Parallel()
	in := &closingInput{}
	reg := config.NewRegistry()
	reg.RegisterInput("scripted", func(config.DeviceEntry, int) (audio.InputDevice, error) { return in, nil })

	cfg := config.Default()
	cfg.Device.Input = config.DeviceEntry{Name: "scripted"}
	cfg.Device.Output = config.DeviceEntry{Name: "missing"}

	if _, err := buildDevices(cfg, reg); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("err = %v, want ErrBackendNotRegistered", err)
	}
	if !in.closed {
		t.Error("input left open after output creation failed")
	}
}

func TestSimOutput_SinkFileClosed(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinDevices(reg)

	path := filepath.Join(t.TempDir(), "out.pcm")
	out, err := reg.CreateOutput(config.DeviceEntry{Name: "sim", Path: path}, 16000)
	if err != nil {
		t.Fatalf("CreateOutput: %v", err)
	}
	if !out.Submit(make([]int16, 160), 16000) {
		t.Fatal("Submit rejected")
	}
	c, ok := out.(io.Closer)
	if !ok {
		t.Fatalf("sim output %T does not implement io.Closer", out)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	out.Submit(make([]int16, 160), 16000)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 320 {
		t.Errorf("sink size: got %d, want 320", info.Size())
	}
}
