// Package notify decodes raw transport payloads into the set of affected
// user ids plus the domain event to deliver to them. It is shared by both
// transport backends and knows nothing about either.
package notify

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/caelansar/chat/internal/event"
)

// Channel names the transports deliver on. Part of the wire contract with the
// database triggers and the broker publishers.
const (
	ChannelChatUpdated        = "chat_updated"
	ChannelChatMessageCreated = "chat_message_created"
)

// DecodeError reports a raw payload that could not be turned into a
// Notification. Transports recover from it locally (drop or dead-letter); it
// never reaches a subscriber.
type DecodeError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Channel, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Notification pairs a domain event with every user it affects. UserIDs is
// deduplicated and sorted; it may be empty, in which case nothing is
// dispatched.
type Notification struct {
	UserIDs []int64
	Event   event.Event
}

type chatUpdated struct {
	Op  string      `json:"op"`
	Old *event.Chat `json:"old"`
	New *event.Chat `json:"new"`
}

type chatMessageCreated struct {
	Message event.Message `json:"message"`
	Members []int64       `json:"members"`
}

// Decode turns a raw change record into a Notification. The affected user
// set for chat updates is always derived from the before/after member lists,
// never from the operation alone.
func Decode(channel string, payload []byte) (*Notification, error) {
	switch channel {
	case ChannelChatUpdated:
		return decodeChatUpdated(payload)
	case ChannelChatMessageCreated:
		return decodeChatMessageCreated(payload)
	default:
		return nil, &DecodeError{Channel: channel, Reason: "unknown channel"}
	}
}

func decodeChatUpdated(payload []byte) (*Notification, error) {
	var rec chatUpdated
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, &DecodeError{Channel: ChannelChatUpdated, Reason: "malformed payload", Err: err}
	}

	switch rec.Op {
	case "INSERT":
		if rec.New == nil {
			return nil, &DecodeError{Channel: ChannelChatUpdated, Reason: "INSERT without new row"}
		}
		return &Notification{
			UserIDs: uniqueSorted(rec.New.Members),
			Event:   event.NewChat{Chat: *rec.New},
		}, nil

	case "DELETE":
		if rec.Old == nil {
			return nil, &DecodeError{Channel: ChannelChatUpdated, Reason: "DELETE without old row"}
		}
		return &Notification{
			UserIDs: uniqueSorted(rec.Old.Members),
			Event:   event.RemoveFromChat{Chat: *rec.Old},
		}, nil

	case "UPDATE":
		if rec.Old == nil || rec.New == nil {
			return nil, &DecodeError{Channel: ChannelChatUpdated, Reason: "UPDATE without old and new rows"}
		}
		// Membership-irrelevant updates (rename etc.) affect nobody.
		if sameMembers(rec.Old.Members, rec.New.Members) {
			return &Notification{Event: event.AddToChat{Chat: *rec.New}}, nil
		}
		return &Notification{
			UserIDs: uniqueSorted(append(append([]int64(nil), rec.Old.Members...), rec.New.Members...)),
			Event:   event.AddToChat{Chat: *rec.New},
		}, nil

	default:
		return nil, &DecodeError{Channel: ChannelChatUpdated, Reason: fmt.Sprintf("unsupported op %q", rec.Op)}
	}
}

func decodeChatMessageCreated(payload []byte) (*Notification, error) {
	var rec chatMessageCreated
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, &DecodeError{Channel: ChannelChatMessageCreated, Reason: "malformed payload", Err: err}
	}

	// Membership is supplied by the writer for this channel; no diffing.
	return &Notification{
		UserIDs: uniqueSorted(rec.Members),
		Event:   event.NewMessage{Message: rec.Message},
	}, nil
}

// uniqueSorted deduplicates ids and returns them in ascending order so that
// dispatch order is deterministic.
func uniqueSorted(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sameMembers compares member lists as sets, ignoring order and duplicates.
func sameMembers(a, b []int64) bool {
	as := make(map[int64]struct{}, len(a))
	for _, id := range a {
		as[id] = struct{}{}
	}
	bs := make(map[int64]struct{}, len(b))
	for _, id := range b {
		bs[id] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for id := range as {
		if _, ok := bs[id]; !ok {
			return false
		}
	}
	return true
}
