package event

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func strptr(s string) *string { return &s }

func testChat() Chat {
	return Chat{
		ID:        1,
		WsID:      1,
		Name:      strptr("chat1"),
		Type:      ChatTypeSingle,
		Members:   []int64{1, 2, 3},
		CreatedAt: time.Unix(1722751531, 0).UTC(),
	}
}

func TestMarshal_NewChatWireFormat(t *testing.T) {
	data, err := Marshal(NewChat{Chat: testChat()})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	expected := `{"event":"NewChat","id":1,"ws_id":1,"name":"chat1","type":"single","members":[1,2,3],"created_at":"2024-08-04T06:05:31Z"}`
	if string(data) != expected {
		t.Errorf("wire format mismatch:\n got %s\nwant %s", data, expected)
	}
}

func TestMarshal_NewMessageWireFormat(t *testing.T) {
	msg := Message{
		ID:        10,
		ChatID:    1,
		SenderID:  2,
		Content:   "hello",
		Files:     []string{},
		CreatedAt: time.Unix(1722751531, 0).UTC(),
	}
	data, err := Marshal(NewMessage{Message: msg})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	expected := `{"event":"NewMessage","id":10,"chat_id":1,"sender_id":2,"content":"hello","files":[],"created_at":"2024-08-04T06:05:31Z"}`
	if string(data) != expected {
		t.Errorf("wire format mismatch:\n got %s\nwant %s", data, expected)
	}
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	events := []Event{
		NewChat{Chat: testChat()},
		AddToChat{Chat: testChat()},
		RemoveFromChat{Chat: testChat()},
		NewMessage{Message: Message{ID: 7, ChatID: 1, SenderID: 3, Content: "hi", CreatedAt: time.Unix(1722751531, 0).UTC()}},
	}

	for _, ev := range events {
		data, err := Marshal(ev)
		if err != nil {
			t.Fatalf("%s: marshal failed: %v", ev.Type(), err)
		}
		decoded, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("%s: unmarshal failed: %v", ev.Type(), err)
		}
		if decoded.Type() != ev.Type() {
			t.Errorf("variant changed: got %s, want %s", decoded.Type(), ev.Type())
		}
		again, err := Marshal(decoded)
		if err != nil {
			t.Fatalf("%s: re-marshal failed: %v", ev.Type(), err)
		}
		if !bytes.Equal(data, again) {
			t.Errorf("%s: round trip not stable:\n got %s\nwant %s", ev.Type(), again, data)
		}
	}
}

func TestUnmarshal_UnknownVariant(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"event":"Nope","id":1}`)); err == nil {
		t.Fatal("expected error for unknown variant")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEnvelope_WireFormat(t *testing.T) {
	env := Envelope{UserID: 1, Event: NewChat{Chat: testChat()}}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	expected := `{"user_id":1,"event":{"event":"NewChat","id":1,"ws_id":1,"name":"chat1","type":"single","members":[1,2,3],"created_at":"2024-08-04T06:05:31Z"}}`
	if string(data) != expected {
		t.Errorf("wire format mismatch:\n got %s\nwant %s", data, expected)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.UserID != 1 {
		t.Errorf("expected user_id 1, got %d", decoded.UserID)
	}
	if decoded.Event.Type() != "NewChat" {
		t.Errorf("expected NewChat, got %s", decoded.Event.Type())
	}
}

func TestEnvelope_UnmarshalMissingEvent(t *testing.T) {
	var env Envelope
	if err := env.UnmarshalJSON([]byte(`{"user_id":1}`)); err == nil {
		t.Fatal("expected error for envelope without event")
	}
	if err := env.UnmarshalJSON([]byte(`null`)); err == nil {
		t.Fatal("expected error for null envelope")
	}
}
