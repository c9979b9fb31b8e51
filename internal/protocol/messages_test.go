package protocol

import (
	"encoding/json"
	"testing"
)

func TestAudioChunkWireNames(t *testing.T) {
	data, err := json.Marshal(NewAudioChunk([]byte{1, 2}, 16000, true))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"message_type":"input_audio_chunk","audio_base_64":"AQI=","commit":true,"sample_rate":16000}`
	if string(data) != want {
		t.Fatalf("unexpected frame\n got %s\nwant %s", data, want)
	}
}

func TestServerFrameErrorShapes(t *testing.T) {
	var obj ServerFrame
	if err := json.Unmarshal([]byte(`{"message_type":"error","error":{"type":"auth","message":"bad token"}}`), &obj); err != nil {
		t.Fatalf("unmarshal object error: %v", err)
	}
	if obj.ErrorMessage() != "bad token" {
		t.Fatalf("unexpected message %q", obj.ErrorMessage())
	}

	var str ServerFrame
	if err := json.Unmarshal([]byte(`{"message_type":"error","error":"quota exceeded"}`), &str); err != nil {
		t.Fatalf("unmarshal string error: %v", err)
	}
	if str.ErrorMessage() != "quota exceeded" {
		t.Fatalf("unexpected message %q", str.ErrorMessage())
	}
}

func TestPeekType(t *testing.T) {
	if got := PeekType([]byte(`{"message_type":"partial_transcript","text":"hi"}`)); got != TypePartialTranscript {
		t.Fatalf("unexpected type %q", got)
	}
	if got := PeekType([]byte(`not json`)); got != "" {
		t.Fatalf("expected empty type for garbage, got %q", got)
	}
}
