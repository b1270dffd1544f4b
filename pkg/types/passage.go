package types

import (
	"strings"
	"time"
)

// ArchivalPassage is an immutable unit of long-term archival memory.
// Content may start with bracketed tags, e.g. "[category:pricing] ...".
type ArchivalPassage struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TagPrefix is the namespace half of a normalized "prefix:value" tag.
type TagPrefix string

const (
	TagPrefixCategory TagPrefix = "category"
	TagPrefixAgent    TagPrefix = "agent"
	TagPrefixPriority TagPrefix = "priority"
	TagPrefixSource   TagPrefix = "source"
	TagPrefixCustomer TagPrefix = "customer"
	TagPrefixTool     TagPrefix = "tool"
	TagPrefixOutcome  TagPrefix = "outcome"
)

// ValidTagPrefixes lists every prefix the tag index knows about. Tags with
// other prefixes are stored as-is but are reported as unknown.
var ValidTagPrefixes = []TagPrefix{
	TagPrefixCategory,
	TagPrefixAgent,
	TagPrefixPriority,
	TagPrefixSource,
	TagPrefixCustomer,
	TagPrefixTool,
	TagPrefixOutcome,
}

// Valid reports whether p is a known prefix.
func (p TagPrefix) Valid() bool {
	for _, v := range ValidTagPrefixes {
		if p == v {
			return true
		}
	}
	return false
}

// Tag builds a "prefix:value" tag string.
func (p TagPrefix) Tag(value string) string {
	return string(p) + ":" + value
}

// TagPrefixOf returns the prefix part of a normalized tag.
func TagPrefixOf(tag string) TagPrefix {
	prefix, _, ok := strings.Cut(tag, ":")
	if !ok {
		return ""
	}
	return TagPrefix(prefix)
}

// TagIndexEntry aggregates usage of one tag within a tenant.
type TagIndexEntry struct {
	ID       string    `json:"id"`
	Tag      string    `json:"tag"`
	TenantID string    `json:"tenant_id"`
	Count    int       `json:"count"`
	LastUsed time.Time `json:"last_used"`
	Agents   []string  `json:"agents"`
}
