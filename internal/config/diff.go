package config

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied to a running process are tracked; everything else needs a
// restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TimingChanged is set when any timing override or the VAD settings
	// changed. New sessions pick up the change; a running session keeps the
	// policy it was created with.
	TimingChanged bool

	// RestartRequired lists the sections whose changes are ignored until the
	// process restarts.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.TimingChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Timing != new.Timing || old.VAD != new.VAD {
		d.TimingChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !channelEqual(old.Channel, new.Channel) {
		d.RestartRequired = append(d.RestartRequired, "channel")
	}
	if old.Identity != new.Identity {
		d.RestartRequired = append(d.RestartRequired, "identity")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.Devices != new.Devices {
		d.RestartRequired = append(d.RestartRequired, "devices")
	}
	return d
}

func channelEqual(a, b ChannelConfig) bool {
	if a.URL != b.URL || a.AutoGreeting != b.AutoGreeting || a.ReadLimit != b.ReadLimit {
		return false
	}
	if len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if bv, ok := b.Headers[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
