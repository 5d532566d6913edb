package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ImageAnalysis is the payload attached to a message that came from an image.
type ImageAnalysis struct {
	AnalysisText string `json:"analysis_text"`
	ReplyText    string `json:"chat_reply_text"`
}

// Message is one conversational turn.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Analysis  *ImageAnalysis `json:"analysis,omitempty"`
}

func NewMessage(role Role, content string, at time.Time) Message {
	return Message{Role: role, Content: content, Timestamp: at.UTC()}
}
