package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true if any voice-activity tuning changed.
	VADChanged bool
	NewVAD     VADConfig

	// WakeWordChanged is true if any wake-word tuning changed.
	WakeWordChanged bool
	NewWakeWord     WakeWordConfig

	// RestartRequired lists sections that changed but only take effect after
	// a restart (devices, audio format, transport, playback sizing).
	RestartRequired []string
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && !d.WakeWordChanged && len(d.RestartRequired) == 0
}

// HotReload reports whether the diff carries anything the running pipeline
// applies without a restart.
func (d ConfigDiff) HotReload() bool {
	return d.LogLevelChanged || d.VADChanged || d.WakeWordChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}
	if old.WakeWord != new.WakeWord {
		d.WakeWordChanged = true
		d.NewWakeWord = new.WakeWord
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameDevice(old.Device.Input, new.Device.Input) || !sameDevice(old.Device.Output, new.Device.Output) {
		d.RestartRequired = append(d.RestartRequired, "device")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}

	return d
}

// sameDevice compares device entries by name and path. Option maps are not
// compared.
func sameDevice(a, b DeviceEntry) bool {
	return a.Name == b.Name && a.Path == b.Path
}
