// Package event defines the domain events that flow through the fan-out
// layer and the JSON wire format shared with the database triggers and the
// message broker.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ChatType enumerates the kinds of chats. The values match both the Postgres
// enum and the JSON wire format.
type ChatType string

const (
	ChatTypeSingle         ChatType = "single"
	ChatTypeGroup          ChatType = "group"
	ChatTypePrivateChannel ChatType = "private_channel"
	ChatTypePublicChannel  ChatType = "public_channel"
)

// Chat is a full chat snapshot as carried inside chat events. Members is the
// source of truth for who is affected by a change.
type Chat struct {
	ID        int64     `json:"id"`
	WsID      int64     `json:"ws_id"`
	Name      *string   `json:"name"`
	Type      ChatType  `json:"type"`
	Members   []int64   `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a chat message as carried inside NewMessage events.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is one of the four domain events delivered to subscribers. Type
// returns the variant name used as the wire-level tag and as the SSE event
// label.
type Event interface {
	Type() string
}

// NewChat is emitted when a chat is created.
type NewChat struct{ Chat }

// AddToChat is emitted when a chat's membership changes.
type AddToChat struct{ Chat }

// RemoveFromChat is emitted when a chat is deleted.
type RemoveFromChat struct{ Chat }

// NewMessage is emitted when a message is posted.
type NewMessage struct{ Message }

func (NewChat) Type() string        { return "NewChat" }
func (AddToChat) Type() string      { return "AddToChat" }
func (RemoveFromChat) Type() string { return "RemoveFromChat" }
func (NewMessage) Type() string     { return "NewMessage" }

// Marshal encodes ev with its payload fields inlined next to an "event" tag,
// e.g. {"event":"NewChat","id":1,"ws_id":1,...}.
func Marshal(ev Event) ([]byte, error) {
	inner, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}

	buf := make([]byte, 0, len(inner)+len(ev.Type())+12)
	buf = append(buf, `{"event":"`...)
	buf = append(buf, ev.Type()...)
	buf = append(buf, '"')
	if len(inner) > 2 {
		buf = append(buf, ',')
		buf = append(buf, inner[1:]...)
	} else {
		buf = append(buf, '}')
	}
	return buf, nil
}

// Unmarshal decodes an event by its "event" tag. Unknown tags are an error.
func Unmarshal(data []byte) (Event, error) {
	var tag struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("read event tag: %w", err)
	}

	switch tag.Event {
	case "NewChat":
		var ev NewChat
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal NewChat: %w", err)
		}
		return ev, nil
	case "AddToChat":
		var ev AddToChat
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal AddToChat: %w", err)
		}
		return ev, nil
	case "RemoveFromChat":
		var ev RemoveFromChat
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal RemoveFromChat: %w", err)
		}
		return ev, nil
	case "NewMessage":
		var ev NewMessage
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal NewMessage: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event variant %q", tag.Event)
	}
}

// Envelope targets a single event at a single user. Broadcasting to N users
// produces N envelopes.
type Envelope struct {
	UserID int64
	Event  Event
}

// MarshalJSON encodes the envelope as {"user_id":N,"event":{...}}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	ev, err := Marshal(e.Event)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(ev)+32)
	buf = append(buf, `{"user_id":`...)
	buf = strconv.AppendInt(buf, e.UserID, 10)
	buf = append(buf, `,"event":`...)
	buf = append(buf, ev...)
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalJSON decodes an envelope produced by MarshalJSON.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var aux struct {
		UserID int64           `json:"user_id"`
		Event  json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if len(aux.Event) == 0 {
		return fmt.Errorf("envelope has no event")
	}

	ev, err := Unmarshal(aux.Event)
	if err != nil {
		return err
	}
	e.UserID = aux.UserID
	e.Event = ev
	return nil
}
