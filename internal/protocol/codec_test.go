package protocol

import (
	"testing"
	"time"
)

func TestEnvelopeCarriesTypedPayload(t *testing.T) {
	in := Notification{SessionID: "s-1", Level: NotificationLevelError, Message: "Failed to generate speech.", Timestamp: time.Unix(0, 0).UTC()}
	data, err := Marshal(MessageNotification, in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	msgType, raw, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msgType != MessageNotification {
		t.Fatalf("expected notification type, got %q", msgType)
	}
	var out Notification
	if err := Decode(raw, &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if out.SessionID != "s-1" || out.Message != in.Message {
		t.Fatalf("unexpected payload %+v", out)
	}
}

func TestUnmarshalRejectsMissingType(t *testing.T) {
	if _, _, err := Unmarshal([]byte(`{"payload":{}}`)); err == nil {
		t.Fatal("expected error for envelope without type")
	}
	if _, _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}

func TestEncodeUsesWireFieldNames(t *testing.T) {
	data, err := Encode(TTSRequest{SessionID: "abc", Text: "Hello world", Voice: "tara"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"session_id":"abc","text":"Hello world","voice":"tara"}`
	if string(data) != want {
		t.Fatalf("encoded = %s, want %s", data, want)
	}
}
