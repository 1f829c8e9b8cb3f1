package config

import (
	"reflect"
	"slices"
)

// Delta describes what changed between two configurations.
type Delta struct {
	LogLevel  bool
	Upstreams bool
	Forwarder bool

	// Restart names sections that only take effect after a restart.
	Restart []string
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return !d.LogLevel && !d.Upstreams && !d.Forwarder && len(d.Restart) == 0
}

// Diff compares old and next.
func Diff(old, next *Config) Delta {
	var d Delta
	d.LogLevel = old.Logging.Level != next.Logging.Level
	d.Upstreams = !slices.Equal(old.UpstreamDNSServers, next.UpstreamDNSServers)
	d.Forwarder = old.Forwarder != next.Forwarder

	if old.DaemonID != next.DaemonID {
		d.Restart = append(d.Restart, "daemon_id")
	}
	if !reflect.DeepEqual(old.Server, next.Server) {
		d.Restart = append(d.Restart, "server")
	}
	if !slices.Equal(old.Matchclasses, next.Matchclasses) {
		d.Restart = append(d.Restart, "matchclasses")
	}
	if old.Matching != next.Matching {
		d.Restart = append(d.Restart, "matching")
	}
	if old.Sinkhole != next.Sinkhole {
		d.Restart = append(d.Restart, "sinkhole")
	}
	if old.Storage != next.Storage {
		d.Restart = append(d.Restart, "storage")
	}
	if old.Stats != next.Stats {
		d.Restart = append(d.Restart, "stats")
	}
	if old.Logging.Format != next.Logging.Format || old.Logging.Output != next.Logging.Output ||
		old.Logging.FilePath != next.Logging.FilePath || old.Logging.AddSource != next.Logging.AddSource {
		d.Restart = append(d.Restart, "logging")
	}
	if old.Telemetry != next.Telemetry {
		d.Restart = append(d.Restart, "telemetry")
	}
	return d
}
