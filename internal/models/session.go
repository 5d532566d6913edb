package models

import "time"

// Session is one ongoing conversation. OwnerID is empty for anonymous sessions.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize repairs a session whose message list was lost or never set.
func (s *Session) Normalize() {
	if s.Messages == nil {
		s.Messages = []Message{}
	}
}

// Append adds msg to the end of the conversation and refreshes UpdatedAt.
func (s *Session) Append(msg Message) {
	s.Normalize()
	s.Messages = append(s.Messages, msg)
	if msg.Timestamp.After(s.UpdatedAt) {
		s.UpdatedAt = msg.Timestamp
	}
}

// LastAssistant returns the final message when it was written by the assistant.
func (s *Session) LastAssistant() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != RoleAssistant {
		return Message{}, false
	}
	return last, true
}

// Clone returns a deep enough copy for callers that must not share the slice.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return &out
}
