package types

import "time"

// SyncDirection names which way a bridge run moved data.
type SyncDirection string

const (
	SyncMemoryHostToDocStore SyncDirection = "memory_host_to_doc_store"
	SyncDocStoreToMemoryHost SyncDirection = "doc_store_to_memory_host"
)

// SyncStatus is the outcome of a bridge run.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncRecord is an append-only audit entry written for every bridge run.
type SyncRecord struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Direction   SyncDirection `json:"direction"`
	SourceType  string        `json:"source_type"`
	TargetType  string        `json:"target_type"`
	LastSyncAt  time.Time     `json:"last_sync_at"`
	ItemsSynced int           `json:"items_synced"`
	Status      SyncStatus    `json:"status"`
	Error       string        `json:"error,omitempty"`
}

// Document is a record in a document-store collection.
type Document struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Collection string            `json:"collection"`
	Content    string            `json:"content"`
	Fields     map[string]string `json:"fields,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// PriceSensitivity is a coarse customer price-sensitivity signal.
type PriceSensitivity string

const (
	PriceSensitivityUnknown PriceSensitivity = "unknown"
	PriceSensitivityLow     PriceSensitivity = "low"
	PriceSensitivityHigh    PriceSensitivity = "high"
)

// CustomerProfile holds preference signals extracted from conversations.
// Updates merge into the existing profile rather than replacing it.
type CustomerProfile struct {
	TenantID         string           `json:"tenant_id"`
	CustomerID       string           `json:"customer_id"`
	ProductAffinity  map[string]int   `json:"product_affinity"`
	Effects          []string         `json:"effects"`
	PriceSensitivity PriceSensitivity `json:"price_sensitivity"`
	PriceSignals     int              `json:"price_signals"`
	// LastMessageAt is the newest message already merged into the profile.
	// Zero means none.
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
