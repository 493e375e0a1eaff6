package channel

import (
	"encoding/json"
	"fmt"

	"invokehttp/internal/protocol"
)

// Sender is the handle a command handler sends channel messages on. It
// arrives inside a JSON payload as either a token string or a raw
// channel-reference object, and must be bound to a hub before use.
type Sender struct {
	id          uint32
	windowLabel string
	hub         Broadcaster
}

// NewSender builds a bound sender. Tests and in-process callers use this;
// payload decoding goes through UnmarshalJSON plus Bind.
func NewSender(id uint32, windowLabel string, hub Broadcaster) *Sender {
	return &Sender{id: id, windowLabel: windowLabel, hub: hub}
}

// ID is the page-chosen channel id.
func (s *Sender) ID() uint32 {
	return s.id
}

// Bind attaches the decoded sender to a broadcaster and the originating
// window.
func (s *Sender) Bind(hub Broadcaster, windowLabel string) {
	s.hub = hub
	s.windowLabel = windowLabel
}

// Send pushes one message to the page. An unbound sender drops silently,
// matching the hub's missing-page tolerance.
func (s *Sender) Send(v any) error {
	if s.hub == nil {
		return nil
	}
	return s.hub.Send(s.windowLabel, s.id, v)
}

// UnmarshalJSON accepts both wire forms of a channel reference: the token
// string produced by the payload transform, and the raw marker object from
// payloads that skipped it.
func (s *Sender) UnmarshalJSON(b []byte) error {
	var token string
	if err := json.Unmarshal(b, &token); err == nil {
		id, ok := protocol.ParseChannelToken(token)
		if !ok {
			return fmt.Errorf("invalid channel token %q", token)
		}
		s.id = id
		return nil
	}

	var ref struct {
		Marker bool   `json:"__TAURI_CHANNEL_MARKER__"`
		ID     uint32 `json:"id"`
	}
	if err := json.Unmarshal(b, &ref); err != nil {
		return fmt.Errorf("invalid channel reference: %w", err)
	}
	if !ref.Marker {
		return fmt.Errorf("value is not a channel reference")
	}
	s.id = ref.ID
	return nil
}
