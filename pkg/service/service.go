// Package service composes the coordinators behind the operations both
// external surfaces expose. Every operation resolves the caller's tenant,
// ensures membership, then routes to the owning coordinator through the
// per-key registries.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/audit"
	"github.com/ubl-labs/ubl-core/pkg/config"
	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/ids"
	"github.com/ubl-labs/ubl-core/pkg/ledger"
	"github.com/ubl-labs/ubl-core/pkg/llm"
	"github.com/ubl-labs/ubl-core/pkg/observability"
	"github.com/ubl-labs/ubl-core/pkg/policy"
	"github.com/ubl-labs/ubl-core/pkg/room"
	"github.com/ubl-labs/ubl-core/pkg/runtime"
	"github.com/ubl-labs/ubl-core/pkg/store"
	"github.com/ubl-labs/ubl-core/pkg/tenants"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
	"github.com/ubl-labs/ubl-core/pkg/workspace"
)

// DefaultWorkspaceID is the workspace office tools operate on.
const DefaultWorkspaceID = "w:main"

// Service routes operations to their owning coordinators.
type Service struct {
	cfg        *config.Config
	kv         store.KV
	idx        store.Index
	tenantReg  *runtime.Registry[*tenants.Coordinator]
	roomReg    *runtime.Registry[*room.Coordinator]
	ledgerReg  *runtime.Registry[*ledger.Coordinator]
	wsReg      *runtime.Registry[*workspace.Coordinator]
	auditLog   *audit.Logger
	policyEval policy.Evaluator
	completer  llm.Completer
	logger     *slog.Logger
}

// New wires a service over the given stores. evaluator nil means
// allow-all; completer nil means the stub gateway.
func New(cfg *config.Config, kv store.KV, idx store.Index, evaluator policy.Evaluator, completer llm.Completer) *Service {
	if evaluator == nil {
		evaluator = policy.AllowAll{}
	}
	if completer == nil {
		completer = llm.StubCompleter{}
	}
	return &Service{
		cfg:        cfg,
		kv:         kv,
		idx:        idx,
		tenantReg:  runtime.NewRegistry[*tenants.Coordinator](),
		roomReg:    runtime.NewRegistry[*room.Coordinator](),
		ledgerReg:  runtime.NewRegistry[*ledger.Coordinator](),
		wsReg:      runtime.NewRegistry[*workspace.Coordinator](),
		auditLog:   audit.NewLogger(idx),
		policyEval: evaluator,
		completer:  completer,
		logger:     slog.Default().With("component", "service"),
	}
}

// ResolveTenantID maps an identity to its tenant: t:<email_domain>,
// except configured platform domains which map to the platform tenant.
func (s *Service) ResolveTenantID(ident contracts.Identity) string {
	domain := strings.ToLower(ident.EmailDomain)
	for _, platform := range s.cfg.PlatformDomains {
		if domain == strings.ToLower(platform) {
			return tenants.PlatformTenantID
		}
	}
	return ids.PrefixTenant + domain
}

// Policy returns the configured evaluator.
func (s *Service) Policy() policy.Evaluator { return s.policyEval }

// Audit returns the audit logger.
func (s *Service) Audit() *audit.Logger { return s.auditLog }

// Index returns the index store.
func (s *Service) Index() store.Index { return s.idx }

func (s *Service) tenantFor(tenantID string) *tenants.Coordinator {
	return s.tenantReg.Get(tenants.Key(tenantID), func() *tenants.Coordinator {
		return tenants.New(tenantID, s.kv, s.idx, s, contracts.TenantDefaults{
			RoomMode:        room.ModeInternal,
			RetentionDays:   90,
			MaxMessageBytes: s.cfg.MaxMessageBytes,
		})
	})
}

func (s *Service) ledgerFor(tenantID string) *ledger.Coordinator {
	return s.ledgerReg.Get(ledger.Key(tenantID, ledger.DefaultShard), func() *ledger.Coordinator {
		return ledger.New(tenantID, ledger.DefaultShard, s.kv, s.idx, ledger.Limits{
			HotLimit:   s.cfg.HotAtomsLimit,
			DedupLimit: s.cfg.DedupLimit,
		})
	})
}

func (s *Service) roomFor(tenantID, roomID string) *room.Coordinator {
	return s.roomReg.Get(room.Key(tenantID, roomID), func() *room.Coordinator {
		return room.New(tenantID, roomID, s.kv, s.idx, s.ledgerFor(tenantID), room.Limits{
			HotLimit:  s.cfg.HotMessagesLimit,
			SeenLimit: s.cfg.SeenLimit,
		})
	})
}

func (s *Service) workspaceFor(tenantID, workspaceID string) *workspace.Coordinator {
	return s.wsReg.Get(workspace.Key(tenantID, workspaceID), func() *workspace.Coordinator {
		return workspace.New(tenantID, workspaceID, s.kv, s.idx, s.ledgerFor(tenantID), s.completer)
	})
}

// InitRoom implements tenants.RoomService.
func (s *Service) InitRoom(ctx context.Context, tenantID, roomID string, in room.InitInput) error {
	return s.roomFor(tenantID, roomID).Init(ctx, in)
}

// ensure resolves the tenant and guarantees membership.
func (s *Service) ensure(ctx context.Context, ident contracts.Identity, requestID string) (string, contracts.Tenant, string, error) {
	if ident.UserID == "" {
		return "", contracts.Tenant{}, "", uerr.New(uerr.Unauthorized, "missing identity")
	}
	tenantID := s.ResolveTenantID(ident)
	tenant, role, err := s.tenantFor(tenantID).EnsureTenantAndMember(ctx, ident, requestID)
	if err != nil {
		return "", contracts.Tenant{}, "", err
	}
	return tenantID, tenant, role, nil
}

// WhoamiResult is the identity echo with tenant resolution.
type WhoamiResult struct {
	Identity contracts.Identity `json:"identity"`
	TenantID string             `json:"tenant_id"`
	Role     string             `json:"role"`
}

// Whoami resolves the caller's tenant and role, bootstrapping the tenant
// on first touch.
func (s *Service) Whoami(ctx context.Context, ident contracts.Identity, requestID string) (WhoamiResult, error) {
	tenantID, _, role, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return WhoamiResult{}, err
	}
	return WhoamiResult{Identity: ident, TenantID: tenantID, Role: role}, nil
}

// ListRooms returns the caller tenant's room summaries.
func (s *Service) ListRooms(ctx context.Context, ident contracts.Identity, requestID string) ([]contracts.RoomSummary, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return nil, err
	}
	return s.tenantFor(tenantID).ListRooms(ctx)
}

// CreateRoom creates (or idempotently returns) a room.
func (s *Service) CreateRoom(ctx context.Context, ident contracts.Identity, name, requestID string) (contracts.RoomSummary, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return contracts.RoomSummary{}, err
	}
	summary, err := s.tenantFor(tenantID).CreateRoom(ctx, name, ident, requestID)
	if err != nil {
		return contracts.RoomSummary{}, err
	}
	s.auditLog.Record(ctx, tenantID, ident.UserID, "room.create", summary.RoomID, map[string]any{"name": name})
	return summary, nil
}

// resolveRoom validates the room id and checks it exists in the tenant's
// index before handing out the coordinator.
func (s *Service) resolveRoom(ctx context.Context, tenantID, roomID string) (*room.Coordinator, error) {
	if !ids.ValidRoomID(roomID) {
		return nil, uerr.Newf(uerr.InvalidRoomID, "malformed room id %q", roomID)
	}
	if _, err := s.tenantFor(tenantID).GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.roomFor(tenantID, roomID), nil
}

// SendMessage submits one message to a room.
func (s *Service) SendMessage(ctx context.Context, ident contracts.Identity, roomID string, in room.SendInput, requestID string) (contracts.Message, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return contracts.Message{}, err
	}
	rc, err := s.resolveRoom(ctx, tenantID, roomID)
	if err != nil {
		return contracts.Message{}, err
	}
	msg, err := rc.SendMessage(ctx, in, ident, requestID)
	if err != nil {
		return contracts.Message{}, err
	}
	s.auditLog.Record(ctx, tenantID, ident.UserID, "messenger.send", roomID, map[string]any{
		"msg_id": msg.MsgID, "room_seq": msg.RoomSeq,
	})
	return msg, nil
}

// GetHistory pages a room's hot window.
func (s *Service) GetHistory(ctx context.Context, ident contracts.Identity, roomID string, cursor *int64, limit int, requestID string) ([]contracts.Message, *int64, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.resolveRoom(ctx, tenantID, roomID)
	if err != nil {
		return nil, nil, err
	}
	return rc.GetHistory(ctx, cursor, limit)
}

// Subscribe attaches a live stream to a room.
func (s *Service) Subscribe(ctx context.Context, ident contracts.Identity, roomID string, fromSeq *int64, requestID string) (*room.Subscription, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return nil, err
	}
	rc, err := s.resolveRoom(ctx, tenantID, roomID)
	if err != nil {
		return nil, err
	}
	return rc.Subscribe(ctx, ident, fromSeq)
}

// ReceiptResult is the atom pair behind one ledger seq.
type ReceiptResult struct {
	Seq   int64            `json:"seq"`
	Atoms []map[string]any `json:"atoms"`
}

// GetReceipt returns the atom at seq with its paired effect, if any.
func (s *Service) GetReceipt(ctx context.Context, ident contracts.Identity, seq int64, requestID string) (ReceiptResult, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return ReceiptResult{}, err
	}
	atoms, err := s.ledgerFor(tenantID).GetBySeq(ctx, seq)
	if err != nil {
		return ReceiptResult{}, err
	}
	return ReceiptResult{Seq: seq, Atoms: atoms}, nil
}

// VerifyChain recomputes the caller tenant's hash chain.
func (s *Service) VerifyChain(ctx context.Context, ident contracts.Identity, requestID string) (ledger.VerifyResult, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return ledger.VerifyResult{}, err
	}
	return s.ledgerFor(tenantID).VerifyChain(ctx)
}

// defaultWorkspace lazily initializes the tenant's office workspace.
func (s *Service) defaultWorkspace(ctx context.Context, tenantID string, ident contracts.Identity) (*workspace.Coordinator, error) {
	ws := s.workspaceFor(tenantID, DefaultWorkspaceID)
	if err := ws.Init(ctx, "main", ident); err != nil {
		return nil, err
	}
	return ws, nil
}

// CreateDocument stores a document in the default workspace.
func (s *Service) CreateDocument(ctx context.Context, ident contracts.Identity, title, content, requestID string) (contracts.Document, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return contracts.Document{}, err
	}
	ws, err := s.defaultWorkspace(ctx, tenantID, ident)
	if err != nil {
		return contracts.Document{}, err
	}
	doc, err := ws.CreateDocument(ctx, title, content, ident, requestID)
	if err != nil {
		return contracts.Document{}, err
	}
	s.auditLog.Record(ctx, tenantID, ident.UserID, "office.document.create", doc.DocumentID, map[string]any{"title": title})
	return doc, nil
}

// GetDocument reads a document from the default workspace.
func (s *Service) GetDocument(ctx context.Context, ident contracts.Identity, documentID, requestID string) (contracts.Document, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return contracts.Document{}, err
	}
	ws, err := s.defaultWorkspace(ctx, tenantID, ident)
	if err != nil {
		return contracts.Document{}, err
	}
	return ws.GetDocument(ctx, documentID, ident, requestID)
}

// SearchDocuments searches the default workspace.
func (s *Service) SearchDocuments(ctx context.Context, ident contracts.Identity, query, requestID string) ([]contracts.Document, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return nil, err
	}
	ws, err := s.defaultWorkspace(ctx, tenantID, ident)
	if err != nil {
		return nil, err
	}
	return ws.SearchDocuments(ctx, query, ident, requestID)
}

// CompletionResult pairs the completion with its receipt.
type CompletionResult struct {
	Completion string            `json:"completion"`
	Usage      contracts.Usage   `json:"usage"`
	Receipt    contracts.Receipt `json:"receipt"`
}

// LLMComplete runs the (stubbed) gateway in the default workspace.
func (s *Service) LLMComplete(ctx context.Context, ident contracts.Identity, prompt, requestID string) (CompletionResult, error) {
	tenantID, _, _, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return CompletionResult{}, err
	}
	ws, err := s.defaultWorkspace(ctx, tenantID, ident)
	if err != nil {
		return CompletionResult{}, err
	}
	completion, receipt, err := ws.LLMComplete(ctx, prompt, ident, requestID)
	if err != nil {
		return CompletionResult{}, err
	}
	return CompletionResult{Completion: completion.Text, Usage: completion.Usage, Receipt: receipt}, nil
}

// CheckToolPolicy evaluates the policy engine for one tool call and
// records the decision. Deny surfaces as forbidden.
func (s *Service) CheckToolPolicy(ctx context.Context, ident contracts.Identity, toolName, requestID string) error {
	tenantID, tenant, role, err := s.ensure(ctx, ident, requestID)
	if err != nil {
		return err
	}
	decision, err := s.policyEval.Evaluate(ctx, policy.Context{
		Identity: ident,
		Tenant:   policy.TenantRef{TenantID: tenantID, Type: tenant.Type},
		Resource: policy.Resource{Type: "tool", ID: toolName},
		Action:   policy.Action{Type: "execute", Name: toolName},
		Role:     role,
	})
	if err != nil {
		return err
	}
	s.recordPolicyDecision(ctx, tenantID, toolName, requestID, decision)
	if !decision.Allowed() {
		return uerr.Newf(uerr.Forbidden, "tool %s denied by policy: %s", toolName, decision.Reason)
	}
	return nil
}

func (s *Service) recordPolicyDecision(ctx context.Context, tenantID, toolName, requestID string, decision policy.PolicyDecision) {
	if decision.IsDefault && decision.Allowed() {
		return // allow-all evaluator, nothing worth caching
	}
	err := s.idx.InsertPolicyDecision(ctx, store.PolicyRow{
		ID:       requestID + ":" + toolName,
		TenantID: tenantID,
		Decision: string(decision.Decision),
		Reason:   decision.Reason,
		At:       time.Now().UTC(),
		Metadata: "{}",
	})
	if err != nil {
		s.logger.Error("policy decision insert failed", "tool", toolName, "request_id", requestID, "error", err)
		observability.GetMetrics().IndexWriteFailed(ctx, "policy_cache")
	}
}
