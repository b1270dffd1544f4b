// Package memhost defines the contracts this module consumes from the agent
// memory host (blocks, archival passages, conversation messages, agents)
// and ships a REST adapter for it.
package memhost

import (
	"context"
	"time"

	"github.com/scrypster/tiermem/pkg/types"
)

// BlockCreate describes a block to be created on the host. Label is the
// host-side label, normally types.RemoteBlockLabel(tenant, label).
type BlockCreate struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Limit       int    `json:"limit"`
	ReadOnly    bool   `json:"read_only"`
	Description string `json:"description,omitempty"`
}

// BlockService manages shared memory blocks.
type BlockService interface {
	Create(ctx context.Context, block BlockCreate) (*types.MemoryBlock, error)
	Get(ctx context.Context, id string) (*types.MemoryBlock, error)
	Update(ctx context.Context, id, value string) (*types.MemoryBlock, error)
	// List returns blocks whose host label equals label, or all blocks when
	// label is empty.
	List(ctx context.Context, label string) ([]types.MemoryBlock, error)
	Attach(ctx context.Context, agentID, blockID string) error
	Detach(ctx context.Context, agentID, blockID string) error
	Delete(ctx context.Context, id string) error
}

// PassageService manages an agent's archival memory.
type PassageService interface {
	Insert(ctx context.Context, agentID, content string) (*types.ArchivalPassage, error)
	// Search returns ranked passage contents. The host gives no scores.
	Search(ctx context.Context, agentID, query string, limit int) ([]string, error)
	List(ctx context.Context, agentID string, limit int) ([]types.ArchivalPassage, error)
}

// MessageSearch bounds a conversation search.
type MessageSearch struct {
	Start *time.Time
	End   *time.Time
	Limit int
}

// MessageService reads and writes conversation history.
type MessageService interface {
	Send(ctx context.Context, agentID, content string, role types.MessageRole) (*types.Message, error)
	// List returns the most recent limit messages, oldest first.
	List(ctx context.Context, agentID string, limit int) ([]types.Message, error)
	Search(ctx context.Context, agentID, query string, opts MessageSearch) ([]types.MessageHit, error)
}

// AgentService manages agent identities.
type AgentService interface {
	Create(ctx context.Context, name, systemPrompt string, blockIDs []string) (*types.Agent, error)
	Get(ctx context.Context, id string) (*types.Agent, error)
	List(ctx context.Context) ([]types.Agent, error)
	Delete(ctx context.Context, id string) error
}

// Host bundles the four memory-host services. Components take only the
// service they use.
type Host struct {
	Blocks   BlockService
	Passages PassageService
	Messages MessageService
	Agents   AgentService
}
