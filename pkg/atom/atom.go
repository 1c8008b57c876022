// Package atom defines the two ledger atom variants, action.v1 and
// effect.v1, and their conversion to the generic form the ledger hashes
// and stores.
package atom

import (
	"time"

	"github.com/ubl-labs/ubl-core/pkg/canonicalize"
	"github.com/ubl-labs/ubl-core/pkg/contracts"
)

// Atom kinds.
const (
	KindAction = "action.v1"
	KindEffect = "effect.v1"
)

// Action verbs.
const (
	DidMessengerSend  = "messenger.send"
	DidRoomCreate     = "room.create"
	DidTenantCreate   = "tenant.create"
	DidDocumentCreate = "office.document.create"
	DidDocumentGet    = "office.document.get"
	DidDocumentSearch = "office.document.search"
	DidLLMComplete    = "office.llm.complete"
	DidPolicyEvaluate = "policy.evaluate"
)

// Action statuses.
const (
	StatusExecuted = "executed"
	StatusPending  = "pending"
	StatusFailed   = "failed"
)

// Effect outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Who identifies the principal behind an action.
type Who struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	IsService bool   `json:"is_service,omitempty"`
}

// Trace joins an atom to the request that produced it.
type Trace struct {
	RequestID string `json:"request_id"`
}

// Action is the "what was attempted" atom. PrevHash and CID are spliced
// in by the ledger at append time.
type Action struct {
	Kind        string         `json:"kind"`
	TenantID    string         `json:"tenant_id"`
	CID         string         `json:"cid,omitempty"`
	PrevHash    string         `json:"prev_hash,omitempty"`
	When        string         `json:"when"`
	Who         Who            `json:"who"`
	Did         string         `json:"did"`
	This        map[string]any `json:"this"`
	AgreementID *string        `json:"agreement_id"`
	Status      string         `json:"status"`
	Trace       Trace          `json:"trace"`
}

// ErrorInfo describes a failed effect.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Effect is the "what resulted" atom. It references its action one-way by
// cid; there are no cyclic object graphs.
type Effect struct {
	Kind         string            `json:"kind"`
	TenantID     string            `json:"tenant_id"`
	CID          string            `json:"cid,omitempty"`
	RefActionCID string            `json:"ref_action_cid"`
	When         string            `json:"when"`
	Outcome      string            `json:"outcome"`
	Effects      []map[string]any  `json:"effects"`
	Pointers     map[string]string `json:"pointers,omitempty"`
	Error        *ErrorInfo        `json:"error,omitempty"`
}

// NewAction builds an executed action atom for a verb.
func NewAction(tenantID string, ident contracts.Identity, did string, this map[string]any, agreementID, requestID string, now time.Time) Action {
	var agreement *string
	if agreementID != "" {
		agreement = &agreementID
	}
	return Action{
		Kind:     KindAction,
		TenantID: tenantID,
		When:     now.UTC().Format(time.RFC3339Nano),
		Who: Who{
			UserID:    ident.UserID,
			Email:     ident.Email,
			IsService: ident.IsService,
		},
		Did:         did,
		This:        this,
		AgreementID: agreement,
		Status:      StatusExecuted,
		Trace:       Trace{RequestID: requestID},
	}
}

// NewEffect builds an ok effect atom referencing an action cid.
func NewEffect(tenantID, refActionCID string, effects []map[string]any, pointers map[string]string, now time.Time) Effect {
	return Effect{
		Kind:         KindEffect,
		TenantID:     tenantID,
		RefActionCID: refActionCID,
		When:         now.UTC().Format(time.RFC3339Nano),
		Outcome:      OutcomeOK,
		Effects:      effects,
		Pointers:     pointers,
	}
}

// Generic converts a typed atom to the map form consumed by the ledger.
func Generic(v any) (map[string]any, error) {
	return canonicalize.GeneralizeMap(v)
}
