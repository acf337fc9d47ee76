package config_test

import (
	"testing"

	"github.com/MrWong99/audiorelay/internal/config"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Scenarios: []config.ScenarioConfig{{Name: "a", Kind: transform.KindPassthrough, Tools: []string{"x"}}},
	}
	copyCfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Scenarios: []config.ScenarioConfig{{Name: "a", Kind: transform.KindPassthrough, Tools: []string{"x"}}},
	}
	d := config.Diff(cfg, copyCfg)
	if d.LogLevelChanged || d.ScenariosChanged || len(d.RestartOnly) != 0 {
		t.Errorf("unexpected diff: %+v", d)
	}
}

func TestDiff_Changes(t *testing.T) {
	t.Parallel()

	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Scenarios: []config.ScenarioConfig{
			{Name: "keep", Kind: transform.KindPassthrough},
			{Name: "loud", Kind: transform.KindVolume, Gain: 2},
			{Name: "gone", Kind: transform.KindTone, Frequency: 440},
			{Name: "ai", Kind: transform.KindRealtime, Tools: []string{"echo"}},
		},
	}
	updated := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogDebug},
		Scenarios: []config.ScenarioConfig{
			{Name: "keep", Kind: transform.KindPassthrough},
			{Name: "loud", Kind: transform.KindVolume, Gain: 3},
			{Name: "new", Kind: transform.KindFile, File: "x.wav"},
			{Name: "ai", Kind: transform.KindRealtime, Tools: []string{"echo", "roll_dice"}},
		},
	}

	d := config.Diff(old, updated)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	want := []config.ScenarioDiff{
		{Name: "ai", Modified: true},
		{Name: "gone", Removed: true},
		{Name: "loud", Modified: true},
		{Name: "new", Added: true},
	}
	if !d.ScenariosChanged || len(d.ScenarioChanges) != len(want) {
		t.Fatalf("scenario changes = %+v", d.ScenarioChanges)
	}
	for i := range want {
		if d.ScenarioChanges[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, d.ScenarioChanges[i], want[i])
		}
	}
}

func TestDiff_RestartOnlySections(t *testing.T) {
	t.Parallel()

	old := &config.Config{Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo}}
	updated := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":9090", LogLevel: config.LogInfo},
		WebRTC: config.WebRTCConfig{STUNServers: []string{"stun:stun.example.org:3478"}},
		FFmpeg: config.FFmpegConfig{Path: "/opt/ffmpeg"},
	}

	d := config.Diff(old, updated)
	want := []string{"server.listen_addr", "webrtc", "ffmpeg"}
	if len(d.RestartOnly) != len(want) {
		t.Fatalf("RestartOnly = %v, want %v", d.RestartOnly, want)
	}
	for i := range want {
		if d.RestartOnly[i] != want[i] {
			t.Errorf("RestartOnly[%d] = %q, want %q", i, d.RestartOnly[i], want[i])
		}
	}
	if d.LogLevelChanged || d.ScenariosChanged {
		t.Errorf("hot-reloadable diff reported: %+v", d)
	}
}
