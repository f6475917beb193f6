package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// recordingHandler records every callback in order
type recordingHandler struct {
	mu         sync.Mutex
	calls      []string
	audio      [][]byte
	users      []string
	ais        []string
	configured chan struct{}
	completed  chan struct{}
	once       sync.Once
	doneOnce   sync.Once
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		configured: make(chan struct{}),
		completed:  make(chan struct{}),
	}
}

func (h *recordingHandler) record(call string) {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
}

func (h *recordingHandler) OnConfigured() {
	h.record("configured")
	h.once.Do(func() { close(h.configured) })
}

func (h *recordingHandler) OnAudioOut(audio []byte) {
	h.record("audio")
	h.mu.Lock()
	h.audio = append(h.audio, audio)
	h.mu.Unlock()
}

func (h *recordingHandler) OnUserTranscript(text string) {
	h.record("user")
	h.mu.Lock()
	h.users = append(h.users, text)
	h.mu.Unlock()
}

func (h *recordingHandler) OnAITranscript(text string) {
	h.record("ai")
	h.mu.Lock()
	h.ais = append(h.ais, text)
	h.mu.Unlock()
}

func (h *recordingHandler) OnSystemEvent(text string, metadata map[string]any) {
	h.record("system")
}

func (h *recordingHandler) OnCompletion() {
	h.record("completion")
	h.doneOnce.Do(func() { close(h.completed) })
}

func (h *recordingHandler) OnError(code, message string) {
	h.record("error:" + code)
}

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
	}
}

// fakeRealtime is a minimal realtime engine
type fakeRealtime struct {
	server   *httptest.Server
	mu       sync.Mutex
	headers  http.Header
	received []map[string]any
	audio    [][]byte
	conns    chan *websocket.Conn
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	f := &fakeRealtime{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headers = r.Header.Clone()
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		var writeMu sync.Mutex
		write := func(v any) {
			writeMu.Lock()
			defer writeMu.Unlock()
			conn.WriteJSON(v)
		}

		write(map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			if msg["type"] == "input_audio_buffer.append" {
				audio, _ := base64.StdEncoding.DecodeString(msg["audio"].(string))
				f.audio = append(f.audio, audio)
			}
			f.mu.Unlock()
			if msg["type"] == "session.update" {
				write(map[string]any{"type": "session.updated"})
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRealtime) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeRealtime) Audio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

func (f *fakeRealtime) Received(eventType string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, msg := range f.received {
		if msg["type"] == eventType {
			out = append(out, msg)
		}
	}
	return out
}

func openTestBridge(t *testing.T, f *fakeRealtime, handler *recordingHandler) *OpenAIRealtimeBridge {
	t.Helper()
	factory := NewOpenAIRealtimeFactory(OpenAIRealtimeConfig{
		URL:        f.url(),
		APIKey:     "test-key",
		VADEnabled: true,
	}, zap.NewNop())
	bridge := factory("ABCD1234", handler).(*OpenAIRealtimeBridge)
	if err := bridge.Open(context.Background(), "Teach colors."); err != nil {
		t.Fatalf("Failed to open bridge: %v", err)
	}
	t.Cleanup(func() { bridge.Close() })
	return bridge
}

func TestOpenAIRealtimeBridge_HandshakeAndHeldAudio(t *testing.T) {
	f := newFakeRealtime(t)
	handler := newRecordingHandler()
	bridge := openTestBridge(t, f, handler)

	f.mu.Lock()
	headers := f.headers
	f.mu.Unlock()
	if headers.Get("Authorization") != "Bearer test-key" {
		t.Errorf("Expected bearer header, got %q", headers.Get("Authorization"))
	}
	if headers.Get("OpenAI-Beta") != "realtime=v1" {
		t.Errorf("Expected beta header, got %q", headers.Get("OpenAI-Beta"))
	}

	// Run is not started yet so the handshake cannot complete
	early := make([]byte, 3200)
	early[0] = 1
	if err := bridge.SendAudio(early); !errors.Is(err, repositories.ErrBridgeNotReady) {
		t.Errorf("Expected ErrBridgeNotReady, got %v", err)
	}
	if bridge.Configured() {
		t.Error("Expected bridge not configured before acknowledgment")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- bridge.Run(context.Background()) }()
	waitFor(t, handler.configured, "configuration")

	if !bridge.Configured() {
		t.Error("Expected bridge configured after acknowledgment")
	}

	live := make([]byte, 3200)
	live[0] = 2
	if err := bridge.SendAudio(live); err != nil {
		t.Fatalf("Expected live audio to be sent, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.Audio()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	audio := f.Audio()
	if len(audio) != 2 {
		t.Fatalf("Expected 2 audio frames at engine, got %d", len(audio))
	}
	if audio[0][0] != 1 || audio[1][0] != 2 {
		t.Error("Expected held audio to be flushed before live audio")
	}

	updates := f.Received("session.update")
	if len(updates) != 1 {
		t.Fatalf("Expected one session.update, got %d", len(updates))
	}
	session := updates[0]["session"].(map[string]any)
	if session["instructions"] != "Teach colors." {
		t.Errorf("Expected instructions in handshake, got %v", session["instructions"])
	}
	if session["input_audio_format"] != "pcm16" {
		t.Errorf("Expected pcm16 input, got %v", session["input_audio_format"])
	}
	vad, ok := session["turn_detection"].(map[string]any)
	if !ok || vad["type"] != "server_vad" {
		t.Errorf("Expected server_vad turn detection, got %v", session["turn_detection"])
	}

	bridge.Close()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Expected nil from Run after Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestOpenAIRealtimeBridge_EventsAndUpstreamLoss(t *testing.T) {
	f := newFakeRealtime(t)
	handler := newRecordingHandler()
	bridge := openTestBridge(t, f, handler)
	conn := <-f.conns

	runErr := make(chan error, 1)
	go func() { runErr <- bridge.Run(context.Background()) }()
	waitFor(t, handler.configured, "configuration")

	pcm := []byte{1, 2, 3, 4}
	for _, ev := range []map[string]any{
		{"type": "conversation.item.input_audio_transcription.completed", "transcript": "halo"},
		{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)},
		{"type": "response.audio_transcript.delta", "delta": "Hi "},
		{"type": "response.audio_transcript.delta", "delta": "there"},
		{"type": "response.audio_transcript.done"},
		{"type": "rate_limits.updated"},
		{"type": "response.function_call_arguments.done", "name": "end_episode", "call_id": "call_1"},
	} {
		if err := conn.WriteJSON(ev); err != nil {
			t.Fatalf("Failed to write event: %v", err)
		}
	}
	waitFor(t, handler.completed, "completion")

	handler.mu.Lock()
	if len(handler.users) != 1 || handler.users[0] != "halo" {
		t.Errorf("Expected user transcript halo, got %v", handler.users)
	}
	if len(handler.ais) != 1 || handler.ais[0] != "Hi there" {
		t.Errorf("Expected folded AI transcript, got %v", handler.ais)
	}
	if len(handler.audio) != 1 || len(handler.audio[0]) != 4 {
		t.Errorf("Expected one decoded audio chunk, got %v", handler.audio)
	}
	handler.mu.Unlock()

	// The server going away is an upstream loss, not a local close
	conn.Close()
	select {
	case err := <-runErr:
		if err == nil {
			t.Error("Expected error from Run on upstream loss")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on upstream loss")
	}
}

func TestOpenAIRealtimeBridge_OpenFailure(t *testing.T) {
	factory := NewOpenAIRealtimeFactory(OpenAIRealtimeConfig{URL: "ws://127.0.0.1:1/realtime"}, zap.NewNop())
	bridge := factory("ABCD1234", newRecordingHandler())
	if err := bridge.Open(context.Background(), "x"); err == nil {
		t.Error("Expected error dialing closed port")
	}
	if err := bridge.SendAudio([]byte{1}); !errors.Is(err, repositories.ErrBridgeClosed) {
		t.Errorf("Expected ErrBridgeClosed, got %v", err)
	}
}

func TestDecodeRealtimeEvent(t *testing.T) {
	tests := []struct {
		raw  string
		want Event
	}{
		{`{"type":"session.created","session":{"id":"s1"}}`, SessionCreated{EngineSessionID: "s1"}},
		{`{"type":"session.updated"}`, SessionUpdated{}},
		{`{"type":"response.audio.done"}`, AudioDone{}},
		{`{"type":"response.audio_transcript.done","transcript":"hi"}`, AITranscriptDone{Text: "hi"}},
		{`{"type":"conversation.item.input_audio_transcription.failed","error":{"message":"bad"}}`, UserTranscriptFailed{Message: "bad"}},
		{`{"type":"response.done","response":{"status":"completed"}}`, ResponseDone{Status: "completed"}},
		{`{"type":"conversation.item.created","item":{"id":"i1","type":"message"}}`, ItemCreated{ItemID: "i1", ItemType: "message"}},
		{`{"type":"response.function_call_arguments.done","name":"end_episode","call_id":"c1"}`, CompletionSignal{CallID: "c1"}},
		{`{"type":"response.function_call_arguments.done","name":"lookup"}`, UnknownEvent{Type: "response.function_call_arguments.done:lookup"}},
		{`{"type":"error","error":{"type":"invalid_request_error","message":"nope"}}`, EngineError{Code: "invalid_request_error", Message: "nope"}},
		{`{"type":"input_audio_buffer.speech_started"}`, UnknownEvent{Type: "input_audio_buffer.speech_started"}},
	}

	for _, tt := range tests {
		got, err := decodeRealtimeEvent([]byte(tt.raw))
		if err != nil {
			t.Errorf("Unexpected error for %s: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Expected %#v, got %#v", tt.want, got)
		}
	}

	if _, err := decodeRealtimeEvent([]byte(`not json`)); err == nil {
		t.Error("Expected error for malformed event")
	}
	if _, err := decodeRealtimeEvent([]byte(`{}`)); err == nil {
		t.Error("Expected error for event without type")
	}
}

func TestDispatch_OneCallbackPerEvent(t *testing.T) {
	events := []Event{
		SessionCreated{}, SessionUpdated{}, AudioDelta{Audio: []byte{1}}, AudioDone{},
		AITranscriptDone{Text: "a"}, UserTranscript{Text: "u"}, UserTranscriptFailed{},
		ResponseCreated{}, ResponseDone{}, ItemCreated{}, CompletionSignal{}, EngineError{Code: "x"},
	}
	for _, ev := range events {
		handler := newRecordingHandler()
		dispatch(ev, handler, zap.NewNop())
		if calls := handler.Calls(); len(calls) != 1 {
			t.Errorf("Expected exactly one callback for %T, got %v", ev, calls)
		}
	}

	for _, ev := range []Event{UnknownEvent{Type: "x"}, AITranscriptDelta{Text: "d"}} {
		handler := newRecordingHandler()
		dispatch(ev, handler, zap.NewNop())
		if calls := handler.Calls(); len(calls) != 0 {
			t.Errorf("Expected %T to be ignored, got %v", ev, calls)
		}
	}
}

func TestAudioGate(t *testing.T) {
	gate := newAudioGate(10)
	var written [][]byte
	write := func(b []byte) error {
		written = append(written, b)
		return nil
	}
	logger := zap.NewNop()

	if err := gate.send(make([]byte, 6), write, logger); !errors.Is(err, repositories.ErrBridgeNotReady) {
		t.Errorf("Expected ErrBridgeNotReady, got %v", err)
	}
	// Overflow is dropped
	if err := gate.send(make([]byte, 6), write, logger); !errors.Is(err, repositories.ErrAudioDropped) {
		t.Errorf("Expected ErrAudioDropped on overflow, got %v", err)
	}
	if err := gate.send(make([]byte, 4), write, logger); !errors.Is(err, repositories.ErrBridgeNotReady) {
		t.Errorf("Expected ErrBridgeNotReady, got %v", err)
	}
	if len(written) != 0 {
		t.Fatalf("Expected nothing written before release, got %d", len(written))
	}

	if err := gate.release(write, logger); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	if len(written) != 2 {
		t.Errorf("Expected 2 held frames flushed, got %d", len(written))
	}

	if err := gate.send(make([]byte, 20), write, logger); err != nil {
		t.Errorf("Expected direct write once open, got %v", err)
	}
	if len(written) != 3 {
		t.Errorf("Expected 3 frames written, got %d", len(written))
	}
}

func TestScriptedEngine(t *testing.T) {
	engine := NewScriptedEngine(0, zap.NewNop())
	engine.Echo = true
	handler := newRecordingHandler()
	bridge := engine.Factory()("ABCD1234", handler)

	if err := bridge.Open(context.Background(), "hello"); err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)
	waitFor(t, handler.configured, "configuration")

	if err := bridge.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("Failed to send audio: %v", err)
	}
	if err := bridge.TriggerResponse(); err != nil {
		t.Fatalf("Failed to trigger response: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.ais)
		handler.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.users) != 1 || len(handler.ais) != 1 {
		t.Errorf("Expected echo transcript pair, got users=%v ais=%v", handler.users, handler.ais)
	}

	scripted, _ := engine.Bridge("ABCD1234")
	if scripted.Instructions() != "hello" {
		t.Errorf("Expected instructions hello, got %q", scripted.Instructions())
	}
	if len(scripted.Audio()) != 1 {
		t.Errorf("Expected 1 audio frame at engine, got %d", len(scripted.Audio()))
	}
}
