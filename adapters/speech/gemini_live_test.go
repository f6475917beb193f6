package speech

import (
	"testing"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

func newTestGeminiBridge() *GeminiLiveBridge {
	factory := NewGeminiLiveFactory(GeminiLiveConfig{}, zap.NewNop())
	return factory("ABCD1234", newRecordingHandler()).(*GeminiLiveBridge)
}

func TestGeminiLiveBridge_Translate(t *testing.T) {
	bridge := newTestGeminiBridge()

	events := bridge.translate(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}})
	if len(events) != 1 || events[0] != (SessionUpdated{}) {
		t.Fatalf("Expected SessionUpdated, got %#v", events)
	}

	// Input transcription arrives in pieces
	bridge.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "apa "},
	}})
	events = bridge.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "kabar?"},
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: []byte{1, 2}, MIMEType: "audio/pcm"}},
		}},
	}})
	if len(events) != 2 {
		t.Fatalf("Expected user transcript and audio, got %#v", events)
	}
	if u, ok := events[0].(UserTranscript); !ok || u.Text != "apa kabar?" {
		t.Errorf("Expected joined user transcript, got %#v", events[0])
	}
	if a, ok := events[1].(AudioDelta); !ok || len(a.Audio) != 2 {
		t.Errorf("Expected audio delta, got %#v", events[1])
	}

	bridge.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		OutputTranscription: &genai.Transcription{Text: "Baik, "},
	}})
	bridge.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		OutputTranscription: &genai.Transcription{Text: "terima kasih!"},
	}})
	events = bridge.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}})
	if len(events) != 3 {
		t.Fatalf("Expected transcript, audio done and response done, got %#v", events)
	}
	if a, ok := events[0].(AITranscriptDone); !ok || a.Text != "Baik, terima kasih!" {
		t.Errorf("Expected accumulated AI transcript, got %#v", events[0])
	}

	events = bridge.translate(&genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{
		FunctionCalls: []*genai.FunctionCall{{ID: "c1", Name: CompletionToolName}, {ID: "c2", Name: "other"}},
	}})
	if len(events) != 2 {
		t.Fatalf("Expected two events, got %#v", events)
	}
	if events[0] != (CompletionSignal{CallID: "c1"}) {
		t.Errorf("Expected completion signal, got %#v", events[0])
	}
	if _, ok := events[1].(UnknownEvent); !ok {
		t.Errorf("Expected unknown event for other tool, got %#v", events[1])
	}

	events = bridge.translate(&genai.LiveServerMessage{})
	if _, ok := events[0].(UnknownEvent); !ok || len(events) != 1 {
		t.Errorf("Expected unknown event for empty message, got %#v", events)
	}
}
