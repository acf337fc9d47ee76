package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/audiorelay/internal/mcp"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
}

// scenarioName keeps scenario names usable as URL path segments.
var scenarioName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; math.IsNaN(r) || r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	w := cfg.WebRTC
	if (w.UDPPortMin == 0) != (w.UDPPortMax == 0) {
		errs = append(errs, errors.New("webrtc.udp_port_min and webrtc.udp_port_max must be set together"))
	} else if w.UDPPortMin > w.UDPPortMax {
		errs = append(errs, fmt.Errorf("webrtc.udp_port_min %d exceeds udp_port_max %d", w.UDPPortMin, w.UDPPortMax))
	}
	if w.NegotiationTimeout < 0 {
		errs = append(errs, errors.New("webrtc.negotiation_timeout must not be negative"))
	}

	for i, p := range cfg.Providers.STT {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt[%d].name is required", i))
			continue
		}
		validateProviderName("stt", p.Name)
	}

	if cfg.Realtime.BaseURL != "" {
		if u, err := url.Parse(cfg.Realtime.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("realtime.base_url %q is not an absolute URL", cfg.Realtime.BaseURL))
		}
	}

	seen := make(map[string]int, len(cfg.Scenarios))
	for i, s := range cfg.Scenarios {
		prefix := fmt.Sprintf("scenarios[%d]", i)
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		case !scenarioName.MatchString(s.Name):
			errs = append(errs, fmt.Errorf("%s.name %q may only contain letters, digits, '.', '_' and '-'", prefix, s.Name))
		default:
			if prev, ok := seen[s.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of scenarios[%d]", prefix, s.Name, prev))
			}
			seen[s.Name] = i
		}
		errs = append(errs, validateScenario(cfg, prefix, s)...)
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

func validateScenario(cfg *Config, prefix string, s ScenarioConfig) []error {
	var errs []error
	switch s.Kind {
	case transform.KindPassthrough:
	case transform.KindVolume:
		if math.IsNaN(s.Gain) || math.IsInf(s.Gain, 0) {
			errs = append(errs, fmt.Errorf("%s.gain must be a finite number", prefix))
		}
	case transform.KindTone:
		if s.Frequency <= 0 || s.Frequency >= 24000 {
			errs = append(errs, fmt.Errorf("%s.frequency %.1f is out of range (0, 24000)", prefix, s.Frequency))
		}
	case transform.KindFile:
		if s.File == "" {
			errs = append(errs, fmt.Errorf("%s.file is required for kind file", prefix))
		}
	case transform.KindTranscribe:
		if len(cfg.Providers.STT) == 0 {
			errs = append(errs, fmt.Errorf("%s: kind transcribe requires providers.stt", prefix))
		}
	case transform.KindRealtime:
		if cfg.Realtime.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s: kind realtime requires realtime.api_key", prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: passthrough, volume, tone, file, transcribe, realtime", prefix, s.Kind))
	}
	return errs
}

// validateProviderName logs a warning if name is not a known provider.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
