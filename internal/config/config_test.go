package config_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/MrWong99/audiorelay/internal/config"
	"github.com/MrWong99/audiorelay/pkg/provider/stt"
	"github.com/MrWong99/audiorelay/pkg/provider/stt/mock"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestProviderEntry_Options(t *testing.T) {
	t.Parallel()

	p := config.ProviderEntry{Options: map[string]any{"rate": 16000, "ratef": 8000.0, "lang": "en", "bad": true}}
	if p.OptionInt("rate") != 16000 || p.OptionInt("ratef") != 8000 || p.OptionInt("bad") != 0 || p.OptionInt("missing") != 0 {
		t.Error("OptionInt mismatch")
	}
	if p.OptionString("lang") != "en" || p.OptionString("rate") != "" {
		t.Error("OptionString mismatch")
	}
}

// ── registry ──

func TestRegistry_STT(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterSTT("fake", func(e config.ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return &mock.Provider{}, nil
	})
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, errors.New("no key")
	})

	p, err := reg.CreateSTT(config.ProviderEntry{Name: "fake", APIKey: "k"})
	if err != nil || p == nil {
		t.Fatalf("CreateSTT = %v, %v", p, err)
	}
	if gotEntry.APIKey != "k" {
		t.Errorf("factory got %+v", gotEntry)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "broken"}); err == nil {
		t.Error("factory error swallowed")
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if got := reg.STTNames(); !reflect.DeepEqual(got, []string{"broken", "fake"}) {
		t.Errorf("STTNames = %v", got)
	}
}
