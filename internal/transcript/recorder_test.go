package transcript

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/arunika/orchestrator/adapters/memory"
	"github.com/satriahrh/arunika/orchestrator/domain/entities"
)

func newTestRecorder(t *testing.T) (*Recorder, *memory.TranscriptRepository) {
	store := memory.NewTranscriptRepository()
	return NewRecorder(store, zaptest.NewLogger(t)), store
}

func TestRecorder_PeriodicFlush(t *testing.T) {
	recorder, store := newTestRecorder(t)
	if _, err := recorder.StartSession("ABCD1234", "s1", 1, 1, "prompt"); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	for i, want := range []int64{1, 2, 3} {
		for j := 0; j < FlushEvery; j++ {
			recorder.AddSystemMessage("ABCD1234", "tick", nil)
		}
		recorder.Wait()
		if got := store.SaveCount(); got != want {
			t.Errorf("After %d messages expected %d saves, got %d", (i+1)*FlushEvery, want, got)
		}
	}

	// Four more do not reach the next boundary
	for j := 0; j < FlushEvery-1; j++ {
		recorder.AddSystemMessage("ABCD1234", "tick", nil)
	}
	recorder.Wait()
	if got := store.SaveCount(); got != 3 {
		t.Errorf("Expected 3 saves, got %d", got)
	}
}

func TestRecorder_EndSessionIsIdempotent(t *testing.T) {
	recorder, store := newTestRecorder(t)
	recorder.StartSession("ABCD1234", "s1", 2, 3, "prompt")

	duration := int64(2000)
	recorder.AddUserMessage("ABCD1234", "halo", nil, &duration)
	recorder.AddAIMessage("ABCD1234", "Hai!", nil)

	final, ok := recorder.EndSession("ABCD1234", "session_complete", true)
	if !ok {
		t.Fatal("Expected first EndSession to succeed")
	}
	if final.UserMessageCount != 1 || final.AIMessageCount != 1 {
		t.Errorf("Expected 1/1 counts, got %d/%d", final.UserMessageCount, final.AIMessageCount)
	}
	if !final.CompletedSuccessfully || final.CompletionReason != "session_complete" {
		t.Errorf("Expected successful completion, got %v %q", final.CompletedSuccessfully, final.CompletionReason)
	}
	// start + user + ai + end
	if final.MessageCount() != 4 {
		t.Errorf("Expected 4 messages, got %d", final.MessageCount())
	}
	if final.Messages[0].Kind != entities.MessageKindSessionStart || final.Messages[3].Kind != entities.MessageKindSessionEnd {
		t.Error("Expected start and end markers around the conversation")
	}

	if _, ok := recorder.EndSession("ABCD1234", "error", false); ok {
		t.Error("Expected second EndSession to be a no-op")
	}
	if store.SaveCount() != 1 {
		t.Errorf("Expected exactly one save, got %d", store.SaveCount())
	}

	saved, err := store.FetchConversation(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Failed to fetch saved transcript: %v", err)
	}
	if saved.EndTime == nil {
		t.Error("Expected saved transcript to be terminal")
	}
}

func TestRecorder_NoOpenSession(t *testing.T) {
	recorder, _ := newTestRecorder(t)

	if _, ok := recorder.AddUserMessage("ABCD1234", "halo", nil, nil); ok {
		t.Error("Expected add without session to fail")
	}
	if _, ok := recorder.ActiveSession("ABCD1234"); ok {
		t.Error("Expected no active session")
	}
	if _, ok := recorder.LiveStats("ABCD1234"); ok {
		t.Error("Expected no live stats")
	}
}

func TestRecorder_StartEndsPreviousSession(t *testing.T) {
	recorder, store := newTestRecorder(t)
	recorder.StartSession("ABCD1234", "old", 1, 1, "prompt")
	recorder.StartSession("ABCD1234", "new", 1, 1, "prompt")

	old, err := store.FetchConversation(context.Background(), "old")
	if err != nil {
		t.Fatalf("Expected old transcript to be saved: %v", err)
	}
	if old.CompletionReason != ReasonNewSessionStarted || old.CompletedSuccessfully {
		t.Errorf("Expected %s unsuccessful, got %q %v", ReasonNewSessionStarted, old.CompletionReason, old.CompletedSuccessfully)
	}

	active, ok := recorder.ActiveSession("ABCD1234")
	if !ok || active.SessionID != "new" {
		t.Errorf("Expected new session active, got %+v", active)
	}
}

func TestRecorder_StartRejectsInvalidDevice(t *testing.T) {
	recorder, _ := newTestRecorder(t)
	if _, err := recorder.StartSession("bad", "s1", 1, 1, ""); err == nil {
		t.Error("Expected error for invalid device id")
	}
}

func TestRecorder_LiveStats(t *testing.T) {
	recorder, _ := newTestRecorder(t)
	recorder.StartSession("ABCD1234", "s1", 1, 1, "")
	user, ai := int64(3000), int64(1000)
	recorder.AddUserMessage("ABCD1234", "a", nil, &user)
	recorder.AddAIMessage("ABCD1234", "b", &ai)

	stats, ok := recorder.LiveStats("ABCD1234")
	if !ok {
		t.Fatal("Expected live stats")
	}
	if stats.MessagesExchanged != 3 {
		t.Errorf("Expected 3 messages, got %d", stats.MessagesExchanged)
	}
	if stats.UserSpeechPercentage != 75 || stats.AIResponsePercentage != 25 {
		t.Errorf("Expected 75/25 split, got %v/%v", stats.UserSpeechPercentage, stats.AIResponsePercentage)
	}
}

type failingStore struct {
	*memory.TranscriptRepository
	mu    sync.Mutex
	calls int
}

func (f *failingStore) SaveConversation(ctx context.Context, s *entities.ConversationSession) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("disk full")
}

func TestRecorder_FlushFailureIsDegraded(t *testing.T) {
	store := &failingStore{TranscriptRepository: memory.NewTranscriptRepository()}
	recorder := NewRecorder(store, zap.NewNop())
	recorder.StartSession("ABCD1234", "s1", 1, 1, "")

	for i := 0; i < 2*FlushEvery; i++ {
		if _, ok := recorder.AddSystemMessage("ABCD1234", "tick", nil); !ok {
			t.Fatal("Expected appends to keep working after a failed save")
		}
	}
	recorder.Wait()

	if _, ok := recorder.EndSession("ABCD1234", "error", false); !ok {
		t.Error("Expected EndSession to succeed despite save failure")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls != 3 {
		t.Errorf("Expected 3 save attempts, got %d", store.calls)
	}
}

func TestRecorder_ConcurrentAppends(t *testing.T) {
	recorder, _ := newTestRecorder(t)
	recorder.StartSession("ABCD1234", "s1", 1, 1, "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.AddUserMessage("ABCD1234", "x", nil, nil)
		}()
	}
	wg.Wait()
	recorder.Wait()

	final, _ := recorder.EndSession("ABCD1234", "client_disconnect", false)
	if final.UserMessageCount != 20 {
		t.Errorf("Expected 20 user messages, got %d", final.UserMessageCount)
	}
}

func TestRecorder_SessionLogIgnoresReplacedTranscript(t *testing.T) {
	recorder, store := newTestRecorder(t)
	recorder.StartSession("ABCD1234", "old", 1, 1, "")
	stale := recorder.For("ABCD1234", "old")
	recorder.StartSession("ABCD1234", "new", 1, 1, "")

	if _, ok := stale.AddUserMessage("late words", nil, nil); ok {
		t.Error("Expected append for a replaced transcript to be dropped")
	}
	if _, ok := stale.End("superseded", false); ok {
		t.Error("Expected End for a replaced transcript to be a no-op")
	}

	active, ok := recorder.ActiveSession("ABCD1234")
	if !ok || active.SessionID != "new" {
		t.Fatalf("Expected new transcript still open, got %+v", active)
	}
	if active.UserMessageCount != 0 {
		t.Errorf("Expected no user messages, got %d", active.UserMessageCount)
	}

	current := recorder.For("ABCD1234", "new")
	if _, ok := current.AddAIMessage("Hai!", nil); !ok {
		t.Error("Expected append to the open transcript")
	}
	final, ok := current.End("session_complete", true)
	if !ok || final.AIMessageCount != 1 {
		t.Errorf("Expected ended transcript with 1 AI message, got %+v", final)
	}

	old, err := store.FetchConversation(context.Background(), "old")
	if err != nil || old.CompletionReason != ReasonNewSessionStarted {
		t.Errorf("Expected old transcript ended by the new one, got %+v (%v)", old, err)
	}
}
