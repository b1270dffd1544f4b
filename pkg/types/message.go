package types

import "time"

// MessageRole is the speaker of a conversation message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// Message is one entry in an agent's conversation history.
type Message struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id,omitempty"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// MessageHit is a conversation-search result. Rank is the host's 1-based
// position; Score is set only when the host reports one.
type MessageHit struct {
	Message Message  `json:"message"`
	Rank    int      `json:"rank"`
	Score   *float64 `json:"score,omitempty"`
}

// Agent is an agent identity registered on the memory host.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	BlockIDs  []string  `json:"block_ids,omitempty"`
}
