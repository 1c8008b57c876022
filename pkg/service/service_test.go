package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubl-labs/ubl-core/pkg/config"
	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/policy"
	"github.com/ubl-labs/ubl-core/pkg/room"
	"github.com/ubl-labs/ubl-core/pkg/store"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

var alice = contracts.Identity{UserID: "u:alice", Email: "alice@ex.com", EmailDomain: "ex.com"}

func testConfig() *config.Config {
	return &config.Config{
		MaxMessageBytes:  8000,
		HotMessagesLimit: 500,
		HotAtomsLimit:    2000,
		SeenLimit:        2000,
		DedupLimit:       5000,
		PlatformDomains:  []string{"ubl.dev"},
	}
}

func newService(t *testing.T) (*Service, *store.MemoryIndex) {
	t.Helper()
	idx := store.NewMemoryIndex()
	return New(testConfig(), store.NewMemoryKV(), idx, nil, nil), idx
}

func TestResolveTenantID(t *testing.T) {
	svc, _ := newService(t)
	assert.Equal(t, "t:ex.com", svc.ResolveTenantID(alice))
	platform := contracts.Identity{UserID: "u:ops", Email: "ops@ubl.dev", EmailDomain: "ubl.dev"}
	assert.Equal(t, "t:ubl_core", svc.ResolveTenantID(platform))
}

func TestWhoamiBootstrapsTenant(t *testing.T) {
	svc, idx := newService(t)
	ctx := context.Background()

	res, err := svc.Whoami(ctx, alice, "req:1")
	require.NoError(t, err)
	assert.Equal(t, "t:ex.com", res.TenantID)
	assert.Equal(t, contracts.RoleOwner, res.Role)

	// bootstrap side effects: agreements, default room, span:1
	_, err = idx.GetAgreement(ctx, "a:tenant:t:ex.com")
	require.NoError(t, err)
	_, err = idx.GetAgreement(ctx, "a:room:r:general")
	require.NoError(t, err)
	rooms, err := svc.ListRooms(ctx, alice, "req:2")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r:general", rooms[0].RoomID)

	span, err := idx.SpanBySeq(ctx, "t:ex.com", 1)
	require.NoError(t, err)
	assert.Equal(t, "action.v1", span.Kind)
}

func TestWhoamiRequiresIdentity(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Whoami(context.Background(), contracts.Identity{}, "req:1")
	assert.Equal(t, uerr.Unauthorized, uerr.KindOf(err))
}

func TestSendAndReceiptNumbering(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Whoami(ctx, alice, "req:boot")
	require.NoError(t, err)

	msg, err := svc.SendMessage(ctx, alice, "r:general", room.SendInput{
		Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "hi"},
	}, "req:send")
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.RoomSeq)
	assert.Equal(t, int64(3), msg.Receipt.Seq)

	receipt, err := svc.GetReceipt(ctx, alice, msg.Receipt.Seq, "req:get")
	require.NoError(t, err)
	require.Len(t, receipt.Atoms, 2)
	assert.Equal(t, "action.v1", receipt.Atoms[0]["kind"])
	assert.Equal(t, "effect.v1", receipt.Atoms[1]["kind"])
	assert.Equal(t, receipt.Atoms[0]["cid"], receipt.Atoms[1]["ref_action_cid"])
}

func TestSendMessageRoomValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, alice, "R:General", room.SendInput{
		Type: contracts.MessageTypeText, Body: contracts.MessageBody{Text: "x"}}, "req:1")
	assert.Equal(t, uerr.InvalidRoomID, uerr.KindOf(err))

	_, err = svc.SendMessage(ctx, alice, "r:missing", room.SendInput{
		Type: contracts.MessageTypeText, Body: contracts.MessageBody{Text: "x"}}, "req:2")
	assert.Equal(t, uerr.NotFound, uerr.KindOf(err))
}

func TestVerifyChainAfterTraffic(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Whoami(ctx, alice, "req:boot")
	require.NoError(t, err)
	for _, text := range []string{"a", "b", "c"} {
		_, err := svc.SendMessage(ctx, alice, "r:general", room.SendInput{
			Type: contracts.MessageTypeText, Body: contracts.MessageBody{Text: text}}, "req:"+text)
		require.NoError(t, err)
	}

	res, err := svc.VerifyChain(ctx, alice, "req:verify")
	require.NoError(t, err)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestDocumentLifecycle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, alice, "Plan", "quarterly revenue targets", "req:1")
	require.NoError(t, err)

	got, err := svc.GetDocument(ctx, alice, doc.DocumentID, "req:2")
	require.NoError(t, err)
	assert.Equal(t, doc.ContentHash, got.ContentHash)

	docs, err := svc.SearchDocuments(ctx, alice, "QUARTERLY", "req:3")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.DocumentID, docs[0].DocumentID)
}

func TestLLMComplete(t *testing.T) {
	svc, _ := newService(t)
	res, err := svc.LLMComplete(context.Background(), alice, "one two three", "req:1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Completion)
	assert.Equal(t, 3, res.Usage.PromptTokens)
	assert.Equal(t, 20, res.Usage.CompletionTokens)
	assert.NotZero(t, res.Receipt.Seq)
}

func newFirewallEngine(t *testing.T) *policy.Engine {
	t.Helper()
	engine, err := policy.NewEngine()
	require.NoError(t, err)
	require.NoError(t, engine.LoadYAML([]byte(`
id: firewall
name: firewall
combining_algorithm: first_applicable
rules:
  - id: deny-llm
    priority: 10
    effect: deny
    conditions:
      - field: action.name
        operator: equals
        value: office.llm.complete
  - id: allow-rest
    priority: 1
    effect: allow
    conditions:
      - field: resource.type
        operator: equals
        value: tool
`)))
	return engine
}

func TestCheckToolPolicyDeny(t *testing.T) {
	svc := New(testConfig(), store.NewMemoryKV(), store.NewMemoryIndex(), newFirewallEngine(t), nil)
	ctx := context.Background()

	require.NoError(t, svc.CheckToolPolicy(ctx, alice, "messenger.send", "req:1"))

	err := svc.CheckToolPolicy(ctx, alice, "office.llm.complete", "req:2")
	assert.Equal(t, uerr.Forbidden, uerr.KindOf(err))
}

// policyCacheFailingIndex fails every policy decision insert.
type policyCacheFailingIndex struct {
	store.Index
}

func (policyCacheFailingIndex) InsertPolicyDecision(context.Context, store.PolicyRow) error {
	return errors.New("index down")
}

func TestCheckToolPolicyDecisionCacheBestEffort(t *testing.T) {
	idx := policyCacheFailingIndex{Index: store.NewMemoryIndex()}
	svc := New(testConfig(), store.NewMemoryKV(), idx, newFirewallEngine(t), nil)
	ctx := context.Background()

	// a failing decision cache never masks the outcome
	require.NoError(t, svc.CheckToolPolicy(ctx, alice, "messenger.send", "req:1"))

	err := svc.CheckToolPolicy(ctx, alice, "office.llm.complete", "req:2")
	assert.Equal(t, uerr.Forbidden, uerr.KindOf(err))
}

func TestAuditTrail(t *testing.T) {
	svc, idx := newService(t)
	ctx := context.Background()
	_, err := svc.Whoami(ctx, alice, "req:boot")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, alice, "r:general", room.SendInput{
		Type: contracts.MessageTypeText, Body: contracts.MessageBody{Text: "hi"}}, "req:send")
	require.NoError(t, err)

	assert.Greater(t, idx.AuditLen(), 0)
}
