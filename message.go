package realtime

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the append-only conversation history.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Audio     []byte
	Timestamp time.Time
}

// Transcript is a finalized utterance handed to transcript consumers such
// as the text-analysis engine.
type Transcript struct {
	Role Role
	Text string
}

func newUserMessage(text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: time.Now(),
	}
}
