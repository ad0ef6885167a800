package transport

import (
	"log"

	"quill/collab/internal/protocol"
)

// bind wraps a typed callback so undecodable payloads are logged and skipped.
func bind[T any](fn func(T)) Handler {
	return func(env protocol.Envelope) {
		var payload T
		if err := env.Bind(&payload); err != nil {
			log.Printf("transport: skip %s: %v", env.Event, err)
			return
		}
		fn(payload)
	}
}

func (s *Session) OnDocumentEdit(fn func(protocol.Edit)) func() {
	return s.On(protocol.EventDocumentEdit, bind(fn))
}

func (s *Session) OnCursorPosition(fn func(protocol.CursorPosition)) func() {
	return s.On(protocol.EventCursorPosition, bind(fn))
}

func (s *Session) OnSelectionChange(fn func(protocol.SelectionChange)) func() {
	return s.On(protocol.EventSelectionChange, bind(fn))
}

func (s *Session) OnUserTyping(fn func(protocol.UserTyping)) func() {
	return s.On(protocol.EventUserTyping, bind(fn))
}

func (s *Session) OnChatMessage(fn func(protocol.ChatMessage)) func() {
	return s.On(protocol.EventChatMessage, bind(fn))
}

func (s *Session) OnPermissionUpdate(fn func(protocol.PermissionUpdated)) func() {
	return s.On(protocol.EventPermissionUpdated, bind(fn))
}

func (s *Session) OnCollaborationToggle(fn func(protocol.CollaborationToggled)) func() {
	return s.On(protocol.EventCollaborationToggled, bind(fn))
}

func (s *Session) OnJoinedDocument(fn func(protocol.JoinedDocument)) func() {
	return s.On(protocol.EventJoinedDocument, bind(fn))
}

func (s *Session) OnUserJoined(fn func(protocol.UserPresence)) func() {
	return s.On(protocol.EventUserJoined, bind(fn))
}

func (s *Session) OnUserLeft(fn func(protocol.UserPresence)) func() {
	return s.On(protocol.EventUserLeft, bind(fn))
}

func (s *Session) OnLeftDocument(fn func(protocol.DocumentRef)) func() {
	return s.On(protocol.EventLeftDocument, bind(fn))
}

// OnReconnectFailed fires once the reconnect attempts are exhausted.
func (s *Session) OnReconnectFailed(fn func()) func() {
	return s.On(EventReconnectFailed, func(protocol.Envelope) { fn() })
}

func (s *Session) SendCursorPosition(documentID string, pos protocol.Position) error {
	return s.Emit(protocol.EventCursorPosition, protocol.CursorPosition{DocumentID: documentID, Position: pos})
}

func (s *Session) SendSelectionChange(documentID string, sel protocol.Selection) error {
	return s.Emit(protocol.EventSelectionChange, protocol.SelectionChange{DocumentID: documentID, Selection: sel})
}

func (s *Session) SendTyping(documentID string, typing bool) error {
	return s.Emit(protocol.EventTyping, protocol.Typing{DocumentID: documentID, IsTyping: typing})
}

func (s *Session) SendChatMessage(documentID, message string) error {
	return s.Emit(protocol.EventChatMessage, protocol.ChatMessage{DocumentID: documentID, Message: message})
}
