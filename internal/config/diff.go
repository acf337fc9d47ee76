package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. The log level and
// the scenario table apply without a restart; new scenario tables reach new
// sessions only. Every other changed section is named in RestartOnly.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ScenariosChanged bool
	ScenarioChanges  []ScenarioDiff

	RestartOnly []string
}

// ScenarioDiff describes what changed for a single scenario.
type ScenarioDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldByName := make(map[string]ScenarioConfig, len(old.Scenarios))
	for _, s := range old.Scenarios {
		oldByName[s.Name] = s
	}
	newByName := make(map[string]ScenarioConfig, len(new.Scenarios))
	for _, s := range new.Scenarios {
		newByName[s.Name] = s
	}

	for name, o := range oldByName {
		n, ok := newByName[name]
		switch {
		case !ok:
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{Name: name, Removed: true})
		case !scenarioEqual(o, n):
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{Name: name, Modified: true})
		}
	}
	for name := range newByName {
		if _, ok := oldByName[name]; !ok {
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{Name: name, Added: true})
		}
	}
	slices.SortFunc(d.ScenarioChanges, func(a, b ScenarioDiff) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	d.ScenariosChanged = len(d.ScenarioChanges) > 0
	d.RestartOnly = restartOnly(old, new)
	return d
}

func restartOnly(old, new *Config) []string {
	sections := []struct {
		name string
		a, b any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"server.tls", old.Server.TLS, new.Server.TLS},
		{"server.trace_sample_ratio", old.Server.TraceSampleRatio, new.Server.TraceSampleRatio},
		{"webrtc", old.WebRTC, new.WebRTC},
		{"ffmpeg", old.FFmpeg, new.FFmpeg},
		{"providers", old.Providers, new.Providers},
		{"realtime", old.Realtime, new.Realtime},
		{"mcp", old.MCP, new.MCP},
	}
	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.a, s.b) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

func scenarioEqual(a, b ScenarioConfig) bool {
	return a.Kind == b.Kind &&
		a.Gain == b.Gain &&
		a.Frequency == b.Frequency &&
		a.File == b.File &&
		a.Loop == b.Loop &&
		a.Language == b.Language &&
		a.Instructions == b.Instructions &&
		a.Voice == b.Voice &&
		slices.Equal(a.Tools, b.Tools)
}
