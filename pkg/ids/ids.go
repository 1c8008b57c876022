// Package ids implements the prefixed identifier scheme shared by every
// entity in the system (t:, u:, r:, m:, w:, d:, a:, c:, h:, b:, s:, req:).
package ids

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes.
const (
	PrefixTenant    = "t:"
	PrefixUser      = "u:"
	PrefixRoom      = "r:"
	PrefixMessage   = "m:"
	PrefixWorkspace = "w:"
	PrefixDocument  = "d:"
	PrefixAgreement = "a:"
	PrefixCID       = "c:"
	PrefixHead      = "h:"
	PrefixBody      = "b:"
	PrefixSession   = "s:"
	PrefixRequest   = "req:"
)

var (
	tenantRe    = regexp.MustCompile(`^t:[a-z0-9._-]+$`)
	userRe      = regexp.MustCompile(`^u:[A-Za-z0-9._-]+$`)
	roomRe      = regexp.MustCompile(`^r:[a-z0-9-]{1,50}$`)
	messageRe   = regexp.MustCompile(`^m:[A-Za-z0-9-]+$`)
	workspaceRe = regexp.MustCompile(`^w:[a-z0-9-]{1,50}$`)
	documentRe  = regexp.MustCompile(`^d:[A-Za-z0-9-]+$`)
	slugStrip   = regexp.MustCompile(`[^a-z0-9-]`)
)

// NewMessageID mints a fresh message identifier.
func NewMessageID() string { return PrefixMessage + uuid.NewString() }

// NewDocumentID mints a fresh document identifier.
func NewDocumentID() string { return PrefixDocument + uuid.NewString() }

// NewSessionID mints a fresh session identifier.
func NewSessionID() string { return PrefixSession + uuid.NewString() }

// NewRequestID mints a fresh request identifier.
func NewRequestID() string { return PrefixRequest + uuid.NewString() }

// ValidTenantID reports whether s is a well-formed tenant id.
func ValidTenantID(s string) bool { return tenantRe.MatchString(s) }

// ValidUserID reports whether s is a well-formed user id.
func ValidUserID(s string) bool { return userRe.MatchString(s) }

// ValidRoomID reports whether s is a well-formed room id.
func ValidRoomID(s string) bool { return roomRe.MatchString(s) }

// ValidMessageID reports whether s is a well-formed message id.
func ValidMessageID(s string) bool { return messageRe.MatchString(s) }

// ValidWorkspaceID reports whether s is a well-formed workspace id.
func ValidWorkspaceID(s string) bool { return workspaceRe.MatchString(s) }

// ValidDocumentID reports whether s is a well-formed document id.
func ValidDocumentID(s string) bool { return documentRe.MatchString(s) }

// Slug lowercases name, maps spaces to hyphens, strips everything outside
// [a-z0-9-] and truncates to 50 characters. Used to derive room ids from
// display names.
func Slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = slugStrip.ReplaceAllString(s, "")
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}

// RoomID derives the canonical room id for a display name.
func RoomID(name string) string { return PrefixRoom + Slug(name) }

// TenantAgreementID returns the tenant_license agreement id for a tenant.
func TenantAgreementID(tenantID string) string { return "a:tenant:" + tenantID }

// RoomAgreementID returns the room_governance agreement id for a room.
func RoomAgreementID(roomID string) string { return "a:room:" + roomID }

// WorkspaceAgreementID returns the workspace_agreement id for a workspace.
func WorkspaceAgreementID(workspaceID string) string { return "a:workspace:" + workspaceID }
