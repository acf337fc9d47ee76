package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/audiorelay/pkg/audio"
	"github.com/MrWong99/audiorelay/pkg/audio/rtc"
	"github.com/MrWong99/audiorelay/pkg/fault"
	"github.com/MrWong99/audiorelay/pkg/tool"
	"github.com/MrWong99/audiorelay/pkg/transform"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
}

func (s *fakeSender) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
	return nil
}

func (s *fakeSender) Close() error { return nil }

func (s *fakeSender) messages() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.msgs))
	for _, m := range s.msgs {
		var v map[string]any
		_ = json.Unmarshal([]byte(m), &v)
		out = append(out, v)
	}
	return out
}

type fakeEndpoint struct {
	createErr error
	exchange  func(offer string) (string, error)

	mu       sync.Mutex
	sessions int
}

func (e *fakeEndpoint) CreateSession(context.Context, SessionConfig) (string, error) {
	e.mu.Lock()
	e.sessions++
	e.mu.Unlock()
	if e.createErr != nil {
		return "", e.createErr
	}
	return "ek_test", nil
}

func (e *fakeEndpoint) ExchangeSDP(_ context.Context, token, _ string, offer string) (string, error) {
	if token != "ek_test" {
		return "", errors.New("bad token")
	}
	return e.exchange(offer)
}

type transcript struct {
	text  string
	final bool
}

type recorder struct {
	mu  sync.Mutex
	got []transcript
}

func (r *recorder) OnTranscript(text string, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, transcript{text, final})
}

func newTap(t *testing.T) *rtc.ProcessedTrack {
	t.Helper()
	tap, err := rtc.NewProcessedTrack(nil)
	if err != nil {
		t.Fatalf("NewProcessedTrack: %v", err)
	}
	t.Cleanup(func() { _ = tap.Close() })
	return tap
}

func newNegotiator(t *testing.T) *rtc.Negotiator {
	t.Helper()
	n, err := rtc.NewNegotiator(rtc.WithNegotiationTimeout(5 * time.Second))
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}
	return n
}

// wiredBridge returns a bridge whose data channel is a fakeSender, for
// driving event dispatch without a peer connection.
func wiredBridge(t *testing.T, reg *tool.Registry) (*Bridge, *fakeSender) {
	t.Helper()
	b := NewBridge(newTap(t), nil, nil, reg)
	s := &fakeSender{}
	b.dc = s
	b.tools.Freeze()
	t.Cleanup(func() { _ = b.Close() })
	return b, s
}

func echoRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	if err := reg.Register(tool.Definition{Name: "echoTool", Description: "echoes its arguments"},
		func(_ context.Context, args map[string]any) (any, error) { return args, nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(tool.Definition{Name: "broken"},
		func(context.Context, map[string]any) (any, error) { return nil, errors.New("backend down") }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func toolCallEvent(name, args, callID string) []byte {
	b, _ := json.Marshal(map[string]string{
		"type":      "response.function_call_arguments.done",
		"name":      name,
		"arguments": args,
		"call_id":   callID,
	})
	return b
}

// ─── event parsing ────────────────────────────────────────────────────────────

func TestParseEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want Event
	}{
		{`{"type":"response.audio_transcript.delta","delta":"Hi"}`,
			Event{Kind: KindTranscriptDelta, Type: typeTranscriptDelta, Delta: "Hi"}},
		{`{"type":"response.audio_transcript.done"}`,
			Event{Kind: KindTranscriptDone, Type: typeTranscriptDone}},
		{`{"type":"response.function_call_arguments.done","name":"t","arguments":"{}","call_id":"c"}`,
			Event{Kind: KindToolCallDone, Type: typeToolCallDone, Name: "t", Arguments: "{}", CallID: "c"}},
		{`{"type":"session.created"}`, Event{Kind: KindOther, Type: "session.created"}},
	}
	for _, tt := range tests {
		got, err := ParseEvent([]byte(tt.raw))
		if err != nil {
			t.Fatalf("ParseEvent(%s): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("ParseEvent(%s) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}

	ev, err := ParseEvent([]byte(`{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`))
	if err != nil || ev.Kind != KindError || ev.Error.Code != "rate_limited" {
		t.Errorf("error event = %+v, %v", ev, err)
	}
	if _, err := ParseEvent([]byte(`not json`)); err == nil {
		t.Error("expected parse error")
	}
}

// ─── transcripts ──────────────────────────────────────────────────────────────

func TestBridge_TranscriptBuffering(t *testing.T) {
	t.Parallel()

	b, _ := wiredBridge(t, nil)
	rec := &recorder{}
	if err := b.SetObserver(rec); err != nil {
		t.Fatalf("SetObserver: %v", err)
	}
	if err := b.SetObserver(rec); !errors.Is(err, transform.ErrObserverSet) {
		t.Errorf("second SetObserver = %v, want ErrObserverSet", err)
	}

	for _, raw := range []string{
		`{"type":"response.audio_transcript.delta","delta":"Hel"}`,
		`{"type":"response.audio_transcript.delta","delta":"lo"}`,
		`{"type":"response.audio_transcript.done"}`,
		`{"type":"response.audio_transcript.delta","delta":"A"}`,
		`{"type":"response.audio_transcript.done","transcript":"All done."}`,
		`{"type":"response.created"}`,
		`garbage`,
	} {
		b.handleMessage([]byte(raw))
	}

	want := []transcript{
		{"Hel", false},
		{"Hello", false},
		{"Hello", true},
		{"A", false},
		{"All done.", true},
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.got) != len(want) {
		t.Fatalf("transcripts = %v, want %v", rec.got, want)
	}
	for i := range want {
		if rec.got[i] != want[i] {
			t.Errorf("transcript[%d] = %+v, want %+v", i, rec.got[i], want[i])
		}
	}
}

// ─── tool calls ───────────────────────────────────────────────────────────────

func TestBridge_EchoToolRoundTrip(t *testing.T) {
	t.Parallel()

	var hooked []string
	var hookMu sync.Mutex
	b, s := wiredBridge(t, echoRegistry(t))
	b.onToolCall = func(name string, _ time.Duration, err error) {
		hookMu.Lock()
		defer hookMu.Unlock()
		if err == nil {
			hooked = append(hooked, name)
		}
	}

	b.handleMessage(toolCallEvent("echoTool", `{"x":1}`, "call_1"))
	b.calls.Wait()

	msgs := s.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2: %v", len(msgs), msgs)
	}
	if msgs[0]["type"] != "conversation.item.create" {
		t.Errorf("first message type = %v", msgs[0]["type"])
	}
	item, _ := msgs[0]["item"].(map[string]any)
	if item["type"] != "function_call_output" || item["call_id"] != "call_1" || item["output"] != `{"x":1}` {
		t.Errorf("item = %v", item)
	}
	if msgs[1]["type"] != "response.create" {
		t.Errorf("second message type = %v", msgs[1]["type"])
	}
	hookMu.Lock()
	defer hookMu.Unlock()
	if len(hooked) != 1 || hooked[0] != "echoTool" {
		t.Errorf("hook calls = %v", hooked)
	}
}

func TestBridge_UnknownToolSendsNothing(t *testing.T) {
	t.Parallel()

	b, s := wiredBridge(t, echoRegistry(t))
	b.handleMessage(toolCallEvent("echoTol", `{}`, "call_2"))
	b.handleMessage(toolCallEvent("nope", `{}`, "call_3"))
	b.calls.Wait()

	if msgs := s.messages(); len(msgs) != 0 {
		t.Errorf("sent %v for an unknown tool", msgs)
	}
}

func TestBridge_ToolFailuresBecomeErrorOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, tool, args string
	}{
		{"handler error", "broken", `{}`},
		{"malformed arguments", "echoTool", `{"x":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, s := wiredBridge(t, echoRegistry(t))
			b.handleMessage(toolCallEvent(tt.tool, tt.args, "call_e"))
			b.calls.Wait()

			msgs := s.messages()
			if len(msgs) != 2 {
				t.Fatalf("sent %d messages, want 2", len(msgs))
			}
			item, _ := msgs[0]["item"].(map[string]any)
			out, _ := item["output"].(string)
			var payload map[string]string
			if err := json.Unmarshal([]byte(out), &payload); err != nil || payload["error"] == "" {
				t.Errorf("output = %q, want an error object", out)
			}
		})
	}
}

func TestBridge_SessionUpdateCarriesTools(t *testing.T) {
	t.Parallel()

	b, s := wiredBridge(t, echoRegistry(t))
	b.cfg = SessionConfig{Voice: "verse", Instructions: "be brief", Modalities: []string{"audio", "text"}}
	b.sendSessionUpdate()

	msgs := s.messages()
	if len(msgs) != 1 || msgs[0]["type"] != "session.update" {
		t.Fatalf("messages = %v", msgs)
	}
	sess, _ := msgs[0]["session"].(map[string]any)
	if sess["voice"] != "verse" || sess["instructions"] != "be brief" || sess["tool_choice"] != "auto" {
		t.Errorf("session = %v", sess)
	}
	tools, _ := sess["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("tools = %v", tools)
	}
	first, _ := tools[0].(map[string]any)
	if first["name"] != "broken" || first["type"] != "function" {
		t.Errorf("first tool = %v, want broken (sorted)", first)
	}
}

func TestBridge_CloseDoesNotWaitForeverOnStuckTool(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	reg := tool.NewRegistry()
	if err := reg.Register(tool.Definition{Name: "stuck"}, func(context.Context, map[string]any) (any, error) {
		close(started)
		<-release
		return "late", nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b := NewBridge(newTap(t), nil, nil, reg, WithToolDrainTimeout(50*time.Millisecond))
	b.dc = &fakeSender{}
	b.tools.Freeze()

	b.handleMessage(toolCallEvent("stuck", `{}`, "call_9"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool handler never started")
	}

	closed := make(chan struct{})
	go func() {
		_ = b.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a tool handler that ignores cancellation")
	}
}

// ─── model audio ──────────────────────────────────────────────────────────────

// idleReader blocks until stop is closed and then reports EOF.
type idleReader struct{ stop chan struct{} }

func (r idleReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-r.stop
	return nil, nil, io.EOF
}

func TestBridge_AdoptsOneModelTrack(t *testing.T) {
	t.Parallel()

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	b := NewBridge(newTap(t), nil, nil, nil)
	t.Cleanup(func() { _ = b.Close() })

	const tracks = 16
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for range tracks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			b.attachModelAudio(idleReader{stop}, "model")
		}()
	}
	close(gate)
	wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remote == nil {
		t.Fatal("no model track adopted")
	}
	if len(b.relays) != 1 {
		t.Errorf("relays = %d, want 1", len(b.relays))
	}
}

// ─── init ─────────────────────────────────────────────────────────────────────

func TestBridge_InitFailureLeavesBridgeClosed(t *testing.T) {
	t.Parallel()

	tap := newTap(t)
	ep := &fakeEndpoint{createErr: fault.New(fault.ExternalService, "realtime create session", errors.New("503"))}
	b := NewBridge(tap, newNegotiator(t), ep, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.Init(ctx)
	if !errors.Is(err, fault.ErrExternalService) {
		t.Fatalf("Init = %v, want external service fault", err)
	}
	if !b.Closed() {
		t.Error("bridge not closed after failed Init")
	}
	b.mu.Lock()
	relays := len(b.relays)
	b.mu.Unlock()
	if relays != 0 {
		t.Errorf("relays = %d, want 0", relays)
	}
	if b.pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
		t.Errorf("ai peer connection state = %v, want closed", b.pc.ConnectionState())
	}
	// The caller tap never got a relay registered.
	if err := tap.OnFrame(func(audio.Frame) {}); err != nil {
		t.Errorf("tap OnFrame after failed Init = %v, want nil", err)
	}
	if err := b.Init(ctx); !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("Init after failure = %v, want ErrBridgeClosed", err)
	}
	_ = b.Close()
}

func TestBridge_InitAgainstAnsweringPeer(t *testing.T) {
	t.Parallel()

	n := newNegotiator(t)
	var server *rtc.Peer
	ep := &fakeEndpoint{exchange: func(offer string) (string, error) {
		p, err := n.Negotiate(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}, rtc.Callbacks{
			BeforeAnswer: func(_ context.Context, p *rtc.Peer, _ *rtc.Inbound) error {
				tr, err := rtc.NewProcessedTrack(nil)
				if err != nil {
					return err
				}
				return p.AddTrack(tr.Output())
			},
		})
		if err != nil {
			return "", err
		}
		server = p
		return p.LocalDescription().SDP, nil
	}}
	t.Cleanup(func() {
		if server != nil {
			_ = server.Close()
		}
	})

	tap := newTap(t)
	b := NewBridge(tap, n, ep, echoRegistry(t), WithSession(SessionConfig{Model: "test-model"}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if b.Closed() {
		t.Error("bridge closed after successful Init")
	}
	if !b.Tools().Frozen() {
		t.Error("tool registry not frozen after Init")
	}
	if err := tap.OnFrame(func(audio.Frame) {}); !errors.Is(err, rtc.ErrFrameHandlerSet) {
		t.Errorf("tap OnFrame = %v, want the caller relay registered", err)
	}
	if b.Output() != tap.Output() {
		t.Error("bridge output is not the caller tap's track")
	}
	if err := b.Init(ctx); !errors.Is(err, ErrAlreadyInitialised) {
		t.Errorf("second Init = %v, want ErrAlreadyInitialised", err)
	}

	_ = b.Close()
	_ = b.Close()
	if b.pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
		t.Error("ai peer connection still open after Close")
	}
	// Close leaves the caller tap to its owner.
	if err := tap.WriteFrame(audio.NewFrame(0)); err != nil {
		t.Errorf("caller tap closed by bridge: %v", err)
	}
}
