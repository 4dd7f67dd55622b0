package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is set when server.log_level differs; the new level can
	// be applied immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallChanged is set when any setting that shapes a call differs (vad,
	// turn, pipeline, call or the alert threshold). New calls pick the change
	// up; calls already in progress keep the config they started with.
	CallChanged bool

	// RestartRequired names the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CallChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.CallChanged = old.VAD != new.VAD ||
		old.Turn != new.Turn ||
		old.Pipeline != new.Pipeline ||
		!reflect.DeepEqual(old.Call, new.Call) ||
		old.Alerts.MinLevel != new.Alerts.MinLevel

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer != newServer {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	oldAlerts, newAlerts := old.Alerts, new.Alerts
	oldAlerts.MinLevel, newAlerts.MinLevel = "", ""
	if oldAlerts != newAlerts {
		d.RestartRequired = append(d.RestartRequired, "alerts")
	}
	if old.Persistence != new.Persistence {
		d.RestartRequired = append(d.RestartRequired, "persistence")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}
