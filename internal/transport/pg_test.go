package transport

import (
	"testing"
	"time"

	"github.com/caelansar/chat/internal/event"
	"github.com/caelansar/chat/internal/notify"
	"github.com/caelansar/chat/internal/registry"
)

func TestPgBackend_HandleFansOutToAffectedUsers(t *testing.T) {
	reg := registry.New()
	b := NewPgBackend(nil, reg)

	user1 := reg.Subscribe(1)
	defer user1.Close()
	user2 := reg.Subscribe(2)
	defer user2.Close()
	user4 := reg.Subscribe(4)
	defer user4.Close()

	// Membership change: 1 leaves, 4 joins. Everyone in old ∪ new is
	// affected; user 5 is not subscribed and nothing happens for them.
	payload := `{"op":"UPDATE","old":{"id":5,"ws_id":1,"name":null,"type":"group","members":[1,2,3],"created_at":"2024-08-04T06:05:31Z"},"new":{"id":5,"ws_id":1,"name":null,"type":"group","members":[2,3,4],"created_at":"2024-08-04T06:05:31Z"}}`
	b.handle(notify.ChannelChatUpdated, []byte(payload))

	for _, rd := range []*registry.Reader{user1, user2, user4} {
		select {
		case ev := <-rd.C():
			if _, ok := ev.(event.AddToChat); !ok {
				t.Fatalf("expected AddToChat, got %T", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}

		// Exactly one event each.
		select {
		case ev := <-rd.C():
			t.Fatalf("unexpected second event %s", ev.Type())
		default:
		}
	}
}

func TestPgBackend_HandleSkipsMembershipIrrelevantUpdate(t *testing.T) {
	reg := registry.New()
	b := NewPgBackend(nil, reg)

	rd := reg.Subscribe(1)
	defer rd.Close()

	payload := `{"op":"UPDATE","old":{"id":5,"ws_id":1,"name":null,"type":"group","members":[1,2],"created_at":"2024-08-04T06:05:31Z"},"new":{"id":5,"ws_id":1,"name":"renamed","type":"group","members":[1,2],"created_at":"2024-08-04T06:05:31Z"}}`
	b.handle(notify.ChannelChatUpdated, []byte(payload))

	select {
	case ev := <-rd.C():
		t.Fatalf("rename must not be pushed, got %s", ev.Type())
	default:
	}
}

func TestPgBackend_HandleDropsMalformedPayload(t *testing.T) {
	reg := registry.New()
	b := NewPgBackend(nil, reg)

	rd := reg.Subscribe(1)
	defer rd.Close()

	b.handle(notify.ChannelChatUpdated, []byte(`not json`))
	b.handle("bogus_channel", []byte(`{}`))

	select {
	case ev := <-rd.C():
		t.Fatalf("malformed notification must not be delivered, got %s", ev.Type())
	default:
	}
}
