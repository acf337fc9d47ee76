package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/audiorelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/audiorelay/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream(t *testing.T) {
	t.Parallel()

	down := errors.New("down")
	tests := []struct {
		name          string
		primaryErr    error
		secondaryErr  error
		wantPrimary   int
		wantSecondary int
		wantErr       bool
	}{
		{"primary serves", nil, nil, 1, 0, false},
		{"fails over", down, nil, 1, 1, false},
		{"all fail", down, down, 1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &sttmock.Provider{StartStreamErr: tt.primaryErr}
			secondary := &sttmock.Provider{StartStreamErr: tt.secondaryErr}

			fb := NewSTTFallback(primary, "deepgram", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fb.AddFallback("deepgram-eu", secondary)

			cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"}
			handle, err := fb.StartStream(context.Background(), cfg)
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
			} else {
				if err != nil || handle == nil {
					t.Fatalf("StartStream = %v, %v", handle, err)
				}
				_ = handle.Close()
			}

			if got := len(primary.Calls()); got != tt.wantPrimary {
				t.Errorf("primary calls = %d, want %d", got, tt.wantPrimary)
			}
			if got := len(secondary.Calls()); got != tt.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", got, tt.wantSecondary)
			}
			for _, c := range append(primary.Calls(), secondary.Calls()...) {
				if c.Cfg != cfg {
					t.Errorf("stream config = %+v, want %+v", c.Cfg, cfg)
				}
			}
		})
	}
}

func TestSTTFallback_Names(t *testing.T) {
	t.Parallel()
	fb := NewSTTFallback(&sttmock.Provider{}, "a", FallbackConfig{})
	fb.AddFallback("b", &sttmock.Provider{})
	if got := fb.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names = %v", got)
	}
}
