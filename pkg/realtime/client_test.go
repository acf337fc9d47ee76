package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/audiorelay/pkg/fault"
)

type countingGuard struct {
	calls int
	deny  error
}

func (g *countingGuard) Execute(fn func() error) error {
	g.calls++
	if g.deny != nil {
		return g.deny
	}
	return fn()
}

func TestNewClient_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := NewClient(""); err == nil {
		t.Error("expected error for empty api key")
	}
}

func TestClient_CreateSession(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/realtime/sessions" {
			http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			http.Error(w, "auth "+got, http.StatusUnauthorized)
			return
		}
		var body sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Model != "m1" || body.Voice != DefaultVoice {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"sess_1","client_secret":{"value":"ek_123","expires_at":1}}`)
	}))
	t.Cleanup(srv.Close)

	g := &countingGuard{}
	c, err := NewClient("sk-test", WithBaseURL(srv.URL+"/v1"), WithGuard(g))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	token, err := c.CreateSession(context.Background(), SessionConfig{Model: "m1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if token != "ek_123" {
		t.Errorf("token = %q, want ek_123", token)
	}
	if g.calls != 1 {
		t.Errorf("guard calls = %d, want 1", g.calls)
	}
}

func TestClient_CreateSessionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom"}}`},
		{"unauthorised", http.StatusUnauthorized, `{"error":{"message":"no"}}`},
		{"missing secret", http.StatusOK, `{"id":"sess_1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			t.Cleanup(srv.Close)

			c, _ := NewClient("sk-test", WithBaseURL(srv.URL))
			if _, err := c.CreateSession(context.Background(), SessionConfig{}); !errors.Is(err, fault.ErrExternalService) {
				t.Errorf("err = %v, want external service fault", err)
			}
		})
	}
}

func TestClient_ExchangeSDP(t *testing.T) {
	t.Parallel()

	const answer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime" || r.URL.Query().Get("model") != DefaultModel {
			http.Error(w, "bad target", http.StatusNotFound)
			return
		}
		if r.Header.Get("Content-Type") != "application/sdp" || r.Header.Get("Authorization") != "Bearer ek_1" {
			http.Error(w, "bad headers", http.StatusBadRequest)
			return
		}
		offer, _ := io.ReadAll(r.Body)
		if string(offer) != "offer-sdp" {
			http.Error(w, "bad offer", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, answer)
	}))
	t.Cleanup(srv.Close)

	c, _ := NewClient("sk-test", WithBaseURL(srv.URL))
	got, err := c.ExchangeSDP(context.Background(), "ek_1", "", "offer-sdp")
	if err != nil {
		t.Fatalf("ExchangeSDP: %v", err)
	}
	if got != answer {
		t.Errorf("answer = %q", got)
	}

	if _, err := c.ExchangeSDP(context.Background(), "wrong", "", "offer-sdp"); !errors.Is(err, fault.ErrExternalService) {
		t.Errorf("rejected exchange err = %v, want external service fault", err)
	}
}

func TestClient_GuardRejection(t *testing.T) {
	t.Parallel()

	open := errors.New("circuit open")
	c, _ := NewClient("sk-test", WithBaseURL("http://127.0.0.1:1"), WithGuard(&countingGuard{deny: open}))

	_, err := c.ExchangeSDP(context.Background(), "ek", "", "offer")
	if !errors.Is(err, open) || !errors.Is(err, fault.ErrExternalService) {
		t.Errorf("err = %v, want external service fault wrapping the guard error", err)
	}
}
