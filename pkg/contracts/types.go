// Package contracts defines the shared data model of the UBL core:
// identities, tenants, rooms, messages, receipts, agreements and documents.
// Coordinators own their records; this package only describes the shapes
// that cross package boundaries.
package contracts

import "time"

// Identity is the normalized caller identity injected by the transport
// layer. The core never parses tokens itself.
type Identity struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	EmailDomain string   `json:"email_domain"`
	Groups      []string `json:"groups,omitempty"`
	IsService   bool     `json:"is_service,omitempty"`
}

// Roles a member can hold inside a tenant or room.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Tenant types.
const (
	TenantTypePlatform = "platform"
	TenantTypeCustomer = "customer"
)

// Member is one entry in a tenant or room membership map.
type Member struct {
	Role     string    `json:"role"`
	Email    string    `json:"email,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// TenantDefaults are the per-tenant default limits applied to new rooms.
type TenantDefaults struct {
	RoomMode        string `json:"room_mode"`
	RetentionDays   int    `json:"retention_days"`
	MaxMessageBytes int    `json:"max_message_bytes"`
}

// Tenant is the record owned by a TenantCoordinator. Created lazily on
// first touch; the creator becomes owner. At least one owner exists after
// creation.
type Tenant struct {
	TenantID  string            `json:"tenant_id"`
	Type      string            `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	Members   map[string]Member `json:"members"`
	Defaults  TenantDefaults    `json:"defaults"`
}

// RoomSummary is the immutable room entry held in the tenant's room index.
type RoomSummary struct {
	RoomID    string    `json:"room_id"`
	Name      string    `json:"name"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomPolicy bounds what a room accepts.
type RoomPolicy struct {
	MaxMessageBytes int `json:"max_message_bytes"`
	RetentionDays   int `json:"retention_days"`
}

// RoomConfig is the configuration owned by a RoomCoordinator.
type RoomConfig struct {
	TenantID  string            `json:"tenant_id"`
	RoomID    string            `json:"room_id"`
	Name      string            `json:"name"`
	Mode      string            `json:"mode"`
	CreatedAt time.Time         `json:"created_at"`
	Members   map[string]Member `json:"members"`
	Policy    RoomPolicy        `json:"policy"`
	HotLimit  int               `json:"hot_limit"`
}

// Receipt is returned by the ledger for every appended atom. Time is the
// RFC 3339 timestamp of the append. Duplicate marks an idempotent replay
// resolved through the dedup map.
type Receipt struct {
	LedgerShard string `json:"ledger_shard"`
	Seq         int64  `json:"seq"`
	CID         string `json:"cid"`
	HeadHash    string `json:"head_hash"`
	Time        string `json:"time"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// MessageBody carries the text payload of a message.
type MessageBody struct {
	Text string `json:"text"`
}

// Message types.
const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)

// Message is one entry in a room timeline. RoomSeq is strictly monotonic
// per room; Receipt is the receipt of the message's action atom.
type Message struct {
	MsgID       string      `json:"msg_id"`
	TenantID    string      `json:"tenant_id"`
	RoomID      string      `json:"room_id"`
	RoomSeq     int64       `json:"room_seq"`
	SenderID    string      `json:"sender_id"`
	SentAt      string      `json:"sent_at"`
	Type        string      `json:"type"`
	Body        MessageBody `json:"body"`
	ReplyTo     string      `json:"reply_to,omitempty"`
	Attachments []any       `json:"attachments"`
	Receipt     Receipt     `json:"receipt"`
}

// SeenEntry records the outcome of a client_request_id for idempotent
// replay while it remains in the room's seen window.
type SeenEntry struct {
	MsgID      string `json:"msg_id"`
	RoomSeq    int64  `json:"room_seq"`
	ReceiptSeq int64  `json:"receipt_seq"`
}

// Agreement kinds.
const (
	AgreementTenantLicense    = "tenant_license"
	AgreementRoomGovernance   = "room_governance"
	AgreementWorkspace        = "workspace_agreement"
	AgreementToolAccess       = "tool_access"
	AgreementWorkflowApproval = "workflow_approval"
)

// Agreement names the authorization behind actions that reference it.
// Immutable once created.
type Agreement struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WorkspaceConfig is the configuration owned by a WorkspaceCoordinator.
type WorkspaceConfig struct {
	TenantID    string            `json:"tenant_id"`
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name"`
	CreatedAt   time.Time         `json:"created_at"`
	Members     map[string]Member `json:"members"`
}

// Document is one entry in a workspace. ContentHash is the b:-prefixed
// SHA-256 of the raw UTF-8 content bytes.
type Document struct {
	DocumentID  string  `json:"document_id"`
	WorkspaceID string  `json:"workspace_id"`
	TenantID    string  `json:"tenant_id"`
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	ContentHash string  `json:"content_hash"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
	Receipt     Receipt `json:"receipt"`
}

// Usage reports token accounting for an LLM completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
