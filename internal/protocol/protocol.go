// Package protocol defines the collaboration events exchanged over the
// document socket. Every frame is a JSON envelope {"event": ..., "data": ...}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	EventConnected            = "connected"
	EventAuthenticate         = "authenticate"
	EventAuthenticated        = "authenticated"
	EventAuthError            = "auth-error"
	EventJoinDocument         = "join-document"
	EventJoinedDocument       = "joined-document"
	EventLeaveDocument        = "leave-document"
	EventLeftDocument         = "left-document"
	EventUserJoined           = "user-joined"
	EventUserLeft             = "user-left"
	EventDocumentEdit         = "document-edit"
	EventCursorPosition       = "cursor-position"
	EventSelectionChange      = "selection-change"
	EventTyping               = "typing"
	EventUserTyping           = "user-typing"
	EventChatMessage          = "chat-message"
	EventPermissionUpdated    = "permission-updated"
	EventCollaborationToggled = "collaboration-toggled"
	EventError                = "error"
)

var ErrMalformedFrame = errors.New("malformed frame")

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Data = data
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return raw, nil
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return env, nil
}

// Bind decodes the envelope payload into out.
func (e Envelope) Bind(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedFrame, e.Event)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, e.Event, err)
	}
	return nil
}
