// Package workspace implements the per-workspace coordinator: document
// storage with content hashing, substring search and the stubbed LLM
// gateway, every operation receipted through the tenant's ledger shard.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/atom"
	"github.com/ubl-labs/ubl-core/pkg/canonicalize"
	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/ids"
	"github.com/ubl-labs/ubl-core/pkg/llm"
	"github.com/ubl-labs/ubl-core/pkg/observability"
	"github.com/ubl-labs/ubl-core/pkg/store"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

// Ledger is the slice of the ledger coordinator a workspace depends on.
type Ledger interface {
	AppendAtom(ctx context.Context, input map[string]any) (contracts.Receipt, error)
}

type state struct {
	Initialized bool                          `json:"initialized"`
	Config      contracts.WorkspaceConfig     `json:"config"`
	Documents   map[string]contracts.Document `json:"documents"`
	Order       []string                      `json:"order"` // document ids in creation order
}

// Coordinator is the single writer for one workspace.
type Coordinator struct {
	mu          sync.Mutex
	tenantID    string
	workspaceID string
	kv          store.KV
	idx         store.Index
	ledger      Ledger
	completer   llm.Completer
	logger      *slog.Logger
	clock       func() time.Time
	loaded      bool
	st          state
}

// New creates the coordinator for a (tenant, workspace) pair.
func New(tenantID, workspaceID string, kv store.KV, idx store.Index, ledger Ledger, completer llm.Completer) *Coordinator {
	if completer == nil {
		completer = llm.StubCompleter{}
	}
	return &Coordinator{
		tenantID:    tenantID,
		workspaceID: workspaceID,
		kv:          kv,
		idx:         idx,
		ledger:      ledger,
		completer:   completer,
		logger:      slog.Default().With("component", "workspace", "tenant_id", tenantID, "workspace_id", workspaceID),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Key returns the coordinator's deterministic registry key.
func Key(tenantID, workspaceID string) string {
	return tenantID + "|" + workspaceID
}

func (c *Coordinator) storeKey() string {
	return "workspace:" + c.tenantID + ":" + c.workspaceID
}

func (c *Coordinator) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	err := c.kv.Get(ctx, c.storeKey(), &c.st)
	if err == store.ErrNotFound {
		c.st = state{Documents: make(map[string]contracts.Document)}
		c.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("workspace load: %w", err)
	}
	if c.st.Documents == nil {
		c.st.Documents = make(map[string]contracts.Document)
	}
	c.loaded = true
	return nil
}

func (c *Coordinator) persist(ctx context.Context) error {
	return c.kv.Put(ctx, c.storeKey(), c.st)
}

// Init creates the config and the workspace_agreement. Idempotent.
func (c *Coordinator) Init(ctx context.Context, name string, creator contracts.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return err
	}
	if c.st.Initialized {
		return nil
	}

	now := c.clock().UTC()
	c.st.Initialized = true
	c.st.Config = contracts.WorkspaceConfig{
		TenantID:    c.tenantID,
		WorkspaceID: c.workspaceID,
		Name:        name,
		CreatedAt:   now,
		Members: map[string]contracts.Member{
			creator.UserID: {Role: contracts.RoleOwner, Email: creator.Email, JoinedAt: now},
		},
	}
	if err := c.persist(ctx); err != nil {
		c.st.Initialized = false
		return fmt.Errorf("workspace init persist: %w", err)
	}

	agreement := contracts.Agreement{
		ID:        ids.WorkspaceAgreementID(c.workspaceID),
		Type:      contracts.AgreementWorkspace,
		TenantID:  c.tenantID,
		CreatedAt: now,
		CreatedBy: creator.UserID,
		Metadata:  map[string]any{"workspace_id": c.workspaceID},
	}
	if err := c.idx.UpsertAgreement(ctx, agreement); err != nil {
		c.logger.Error("workspace agreement upsert failed", "agreement_id", agreement.ID, "error", err)
		observability.GetMetrics().IndexWriteFailed(ctx, "agreements")
	}
	return nil
}

// ensureMember auto-adds the caller, frictionless. Caller holds the mutex.
func (c *Coordinator) ensureMember(ctx context.Context, ident contracts.Identity) error {
	if !c.st.Initialized {
		return uerr.Newf(uerr.NotFound, "workspace %s not found", c.workspaceID)
	}
	if _, ok := c.st.Config.Members[ident.UserID]; ok {
		return nil
	}
	c.st.Config.Members[ident.UserID] = contracts.Member{
		Role:     contracts.RoleMember,
		Email:    ident.Email,
		JoinedAt: c.clock().UTC(),
	}
	if err := c.persist(ctx); err != nil {
		delete(c.st.Config.Members, ident.UserID)
		return fmt.Errorf("member persist: %w", err)
	}
	return nil
}

// appendAction receipts one office operation against the tenant's shard.
func (c *Coordinator) appendAction(ctx context.Context, ident contracts.Identity, did string, this map[string]any, requestID string, now time.Time) (contracts.Receipt, error) {
	action := atom.NewAction(c.tenantID, ident, did, this,
		ids.WorkspaceAgreementID(c.workspaceID), requestID, now)
	actionMap, err := atom.Generic(action)
	if err != nil {
		return contracts.Receipt{}, uerr.Newf(uerr.ValidationError, "non_canonicalizable action: %v", err)
	}
	return c.ledger.AppendAtom(ctx, actionMap)
}

// CreateDocument stores a document with its content hash and receipts the
// write as an action/effect pair.
func (c *Coordinator) CreateDocument(ctx context.Context, title, content string, ident contracts.Identity, requestID string) (contracts.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return contracts.Document{}, err
	}
	if err := c.ensureMember(ctx, ident); err != nil {
		return contracts.Document{}, err
	}
	if strings.TrimSpace(title) == "" {
		return contracts.Document{}, uerr.New(uerr.ValidationError, "document title is required")
	}

	now := c.clock().UTC()
	docID := ids.NewDocumentID()
	contentHash := canonicalize.ContentHash(content)

	receipt, err := c.appendAction(ctx, ident, atom.DidDocumentCreate, map[string]any{
		"workspace_id": c.workspaceID,
		"document_id":  docID,
		"title":        title,
		"content_hash": contentHash,
	}, requestID, now)
	if err != nil {
		return contracts.Document{}, err
	}

	effect := atom.NewEffect(c.tenantID, receipt.CID,
		[]map[string]any{{"op": "document.create", "workspace_id": c.workspaceID, "document_id": docID}},
		map[string]string{"document_id": docID}, now)
	effectMap, err := atom.Generic(effect)
	if err == nil {
		_, err = c.ledger.AppendAtom(ctx, effectMap)
	}
	if err != nil {
		c.logger.Error("effect append failed after committed action",
			"document_id", docID, "action_cid", receipt.CID, "error", err)
		observability.GetMetrics().EffectAppendFailed(ctx, c.tenantID)
	}

	doc := contracts.Document{
		DocumentID:  docID,
		WorkspaceID: c.workspaceID,
		TenantID:    c.tenantID,
		Title:       title,
		Content:     content,
		ContentHash: contentHash,
		CreatedBy:   ident.UserID,
		CreatedAt:   now.Format(time.RFC3339Nano),
		Receipt:     receipt,
	}
	c.st.Documents[docID] = doc
	c.st.Order = append(c.st.Order, docID)
	if err := c.persist(ctx); err != nil {
		delete(c.st.Documents, docID)
		c.st.Order = c.st.Order[:len(c.st.Order)-1]
		return contracts.Document{}, fmt.Errorf("workspace persist: %w", err)
	}
	if err := c.idx.InsertDocument(ctx, doc); err != nil {
		c.logger.Error("document mirror failed", "document_id", docID, "error", err)
		observability.GetMetrics().IndexWriteFailed(ctx, "documents")
	}
	return doc, nil
}

// GetDocument receipts the read and returns the document.
func (c *Coordinator) GetDocument(ctx context.Context, documentID string, ident contracts.Identity, requestID string) (contracts.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return contracts.Document{}, err
	}
	if err := c.ensureMember(ctx, ident); err != nil {
		return contracts.Document{}, err
	}
	if !ids.ValidDocumentID(documentID) {
		return contracts.Document{}, uerr.Newf(uerr.ValidationError, "malformed document id %q", documentID)
	}

	doc, ok := c.st.Documents[documentID]
	if !ok {
		return contracts.Document{}, uerr.Newf(uerr.NotFound, "document %s not found", documentID)
	}
	if _, err := c.appendAction(ctx, ident, atom.DidDocumentGet, map[string]any{
		"workspace_id": c.workspaceID,
		"document_id":  documentID,
	}, requestID, c.clock().UTC()); err != nil {
		return contracts.Document{}, err
	}
	return doc, nil
}

// SearchDocuments receipts the query and returns documents whose
// title or content contains it, case-insensitively, in creation order.
func (c *Coordinator) SearchDocuments(ctx context.Context, query string, ident contracts.Identity, requestID string) ([]contracts.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	if err := c.ensureMember(ctx, ident); err != nil {
		return nil, err
	}

	if _, err := c.appendAction(ctx, ident, atom.DidDocumentSearch, map[string]any{
		"workspace_id": c.workspaceID,
		"query":        query,
	}, requestID, c.clock().UTC()); err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	matches := make([]contracts.Document, 0)
	for _, id := range c.st.Order {
		doc := c.st.Documents[id]
		if strings.Contains(strings.ToLower(doc.Title), needle) ||
			strings.Contains(strings.ToLower(doc.Content), needle) {
			matches = append(matches, doc)
		}
	}
	return matches, nil
}

// LLMComplete receipts the prompt and returns the gateway's completion.
func (c *Coordinator) LLMComplete(ctx context.Context, prompt string, ident contracts.Identity, requestID string) (llm.Completion, contracts.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return llm.Completion{}, contracts.Receipt{}, err
	}
	if err := c.ensureMember(ctx, ident); err != nil {
		return llm.Completion{}, contracts.Receipt{}, err
	}
	if strings.TrimSpace(prompt) == "" {
		return llm.Completion{}, contracts.Receipt{}, uerr.New(uerr.ValidationError, "prompt is required")
	}

	receipt, err := c.appendAction(ctx, ident, atom.DidLLMComplete, map[string]any{
		"workspace_id": c.workspaceID,
		"prompt_hash":  canonicalize.ContentHash(prompt),
	}, requestID, c.clock().UTC())
	if err != nil {
		return llm.Completion{}, contracts.Receipt{}, err
	}

	completion, err := c.completer.Complete(ctx, prompt)
	if err != nil {
		return llm.Completion{}, contracts.Receipt{}, fmt.Errorf("llm complete: %w", err)
	}
	return completion, receipt, nil
}

// Config returns a copy of the workspace configuration.
func (c *Coordinator) Config(ctx context.Context) (contracts.WorkspaceConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return contracts.WorkspaceConfig{}, err
	}
	if !c.st.Initialized {
		return contracts.WorkspaceConfig{}, uerr.Newf(uerr.NotFound, "workspace %s not found", c.workspaceID)
	}
	return c.st.Config, nil
}
