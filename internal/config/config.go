// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the audiorelay server.
package config

import (
	"time"

	"github.com/MrWong99/audiorelay/internal/mcp"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultRealtimeTimeout    = 20 * time.Second
	DefaultFFmpegPath         = "ffmpeg"
	DefaultToneFrequency      = 440.0
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	WebRTC    WebRTCConfig     `yaml:"webrtc"`
	FFmpeg    FFmpegConfig     `yaml:"ffmpeg"`
	Providers ProvidersConfig  `yaml:"providers"`
	Realtime  RealtimeConfig   `yaml:"realtime"`
	MCP       MCPConfig        `yaml:"mcp"`
	Scenarios []ScenarioConfig `yaml:"scenarios"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the signalling server (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the share of traces recorded, in [0, 1]. Zero
	// records every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// WebRTCConfig configures peer connection negotiation.
type WebRTCConfig struct {
	// STUNServers are offered to every peer (e.g. "stun:stun.l.google.com:19302").
	STUNServers []string `yaml:"stun_servers"`

	// NegotiationTimeout bounds answer creation and ICE gathering.
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	// UDPPortMin and UDPPortMax restrict ICE host candidates. Both zero means
	// any ephemeral port.
	UDPPortMin uint16 `yaml:"udp_port_min"`
	UDPPortMax uint16 `yaml:"udp_port_max"`

	// NAT1To1IPs are advertised as host candidates behind a static 1:1 NAT.
	NAT1To1IPs []string `yaml:"nat_1to1_ips"`
}

// FFmpegConfig locates the ffmpeg binary used by file scenarios.
type FFmpegConfig struct {
	Path string `yaml:"path"`
}

// ProvidersConfig declares the external speech recognisers.
type ProvidersConfig struct {
	// STT lists recognisers in priority order: the first is the primary, the
	// rest are fallbacks tried when a stream cannot be started.
	STT []ProviderEntry `yaml:"stt"`
}

// ProviderEntry is the common configuration block shared by provider types.
// Name selects the constructor in the [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values (e.g. "sample_rate", "language").
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] when it is a string.
func (p ProviderEntry) OptionString(key string) string {
	s, _ := p.Options[key].(string)
	return s
}

// OptionInt returns Options[key] when it is a whole number.
func (p ProviderEntry) OptionInt(key string) int {
	switch v := p.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// RealtimeConfig configures the realtime speech model endpoint.
type RealtimeConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	Voice        string        `yaml:"voice"`
	Instructions string        `yaml:"instructions"`
	Modalities   []string      `yaml:"modalities"`
	Timeout      time.Duration `yaml:"timeout"`

	// BuiltinTools enables the echo, current_time and roll_dice tools.
	BuiltinTools bool `yaml:"builtin_tools"`
}

// MCPConfig holds the Model Context Protocol servers whose tools are
// offered to realtime sessions.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// ScenarioConfig names one pipeline a caller can request.
// Only the fields relevant to Kind are read.
type ScenarioConfig struct {
	Name string         `yaml:"name"`
	Kind transform.Kind `yaml:"kind"`

	// Gain is the volume scale factor.
	Gain float64 `yaml:"gain"`

	// Frequency of the tone in Hz.
	Frequency float64 `yaml:"frequency"`

	// File is the media path played by file scenarios.
	File string `yaml:"file"`
	Loop bool   `yaml:"loop"`

	// Language is a BCP-47 hint for transcribe scenarios.
	Language string `yaml:"language"`

	// Instructions and Voice override the realtime defaults.
	Instructions string `yaml:"instructions"`
	Voice        string `yaml:"voice"`

	// Tools restricts realtime scenarios to these tool names. Empty means
	// every registered tool.
	Tools []string `yaml:"tools"`
}

// Scenario returns the scenario called name.
func (c *Config) Scenario(name string) (ScenarioConfig, bool) {
	for _, s := range c.Scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return ScenarioConfig{}, false
}

// HasKind reports whether any scenario uses kind.
func (c *Config) HasKind(kind transform.Kind) bool {
	for _, s := range c.Scenarios {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.WebRTC.NegotiationTimeout <= 0 {
		cfg.WebRTC.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.FFmpeg.Path == "" {
		cfg.FFmpeg.Path = DefaultFFmpegPath
	}
	if cfg.Realtime.Timeout <= 0 {
		cfg.Realtime.Timeout = DefaultRealtimeTimeout
	}
	for i := range cfg.Scenarios {
		s := &cfg.Scenarios[i]
		if s.Kind == transform.KindTone && s.Frequency == 0 {
			s.Frequency = DefaultToneFrequency
		}
	}
}
