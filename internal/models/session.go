package models

import "time"

// Role identifies the author of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a session transcript.
type Turn struct {
	Role    Role      `json:"role" msgpack:"role"`
	Content string    `json:"content" msgpack:"content"`
	At      time.Time `json:"at" msgpack:"at"`
}

// SessionSnapshot is a read-only view of a session's grounding state.
type SessionSnapshot struct {
	ID             string          `json:"id"`
	ActiveDocument *StoredDocument `json:"activeDocument,omitempty"` // nil when ungrounded
	Transient      bool            `json:"transient,omitempty"`      // active Site/Youtube text not in the registry
	GroundingChars int             `json:"groundingChars"`
	TranscriptLen  int             `json:"transcriptLen"`
	Busy           bool            `json:"busy"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastAccessed   time.Time       `json:"lastAccessed"`
}
