package tenants

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/ledger"
	"github.com/ubl-labs/ubl-core/pkg/room"
	"github.com/ubl-labs/ubl-core/pkg/runtime"
	"github.com/ubl-labs/ubl-core/pkg/store"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

var alice = contracts.Identity{UserID: "u:alice", Email: "alice@ex.com", EmailDomain: "ex.com"}
var bob = contracts.Identity{UserID: "u:bob", Email: "bob@ex.com", EmailDomain: "ex.com"}

var testDefaults = contracts.TenantDefaults{
	RoomMode:        room.ModeInternal,
	RetentionDays:   90,
	MaxMessageBytes: 8000,
}

// roomSvc wires real room coordinators behind the RoomService interface.
type roomSvc struct {
	kv    *store.MemoryKV
	idx   *store.MemoryIndex
	led   *ledger.Coordinator
	rooms *runtime.Registry[*room.Coordinator]
}

func (s *roomSvc) InitRoom(ctx context.Context, tenantID, roomID string, in room.InitInput) error {
	rc := s.rooms.Get(room.Key(tenantID, roomID), func() *room.Coordinator {
		return room.New(tenantID, roomID, s.kv, s.idx, s.led, room.DefaultLimits())
	})
	return rc.Init(ctx, in)
}

func newFixture(t *testing.T, tenantID string) (*Coordinator, *roomSvc) {
	t.Helper()
	kv := store.NewMemoryKV()
	idx := store.NewMemoryIndex()
	svc := &roomSvc{
		kv:    kv,
		idx:   idx,
		led:   ledger.New(tenantID, ledger.DefaultShard, kv, idx, ledger.DefaultLimits()),
		rooms: runtime.NewRegistry[*room.Coordinator](),
	}
	return New(tenantID, kv, idx, svc, testDefaults), svc
}

func TestEnsureTenantBootstrap(t *testing.T) {
	c, svc := newFixture(t, "t:ex.com")
	ctx := context.Background()

	tenant, role, err := c.EnsureTenantAndMember(ctx, alice, "req:1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RoleOwner, role)
	assert.Equal(t, contracts.TenantTypeCustomer, tenant.Type)
	assert.Equal(t, "t:ex.com", tenant.TenantID)

	// index store carries the tenant, both agreements and the room mirror
	license, err := svc.idx.GetAgreement(ctx, "a:tenant:t:ex.com")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementTenantLicense, license.Type)
	governance, err := svc.idx.GetAgreement(ctx, "a:room:r:general")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementRoomGovernance, governance.Type)

	rooms, err := c.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r:general", rooms[0].RoomID)

	// span:1 is the bootstrap system message action
	span, err := svc.idx.SpanBySeq(ctx, "t:ex.com", 1)
	require.NoError(t, err)
	assert.Equal(t, "action.v1", span.Kind)
	var entry struct {
		Atom map[string]any `json:"atom"`
	}
	require.NoError(t, json.Unmarshal([]byte(span.Metadata), &entry))
	assert.Equal(t, "messenger.send", entry.Atom["did"])
}

func TestEnsurePlatformTenantType(t *testing.T) {
	c, _ := newFixture(t, PlatformTenantID)
	tenant, _, err := c.EnsureTenantAndMember(context.Background(), alice, "req:1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TenantTypePlatform, tenant.Type)
}

func TestEnsureAutoAddsLaterCallers(t *testing.T) {
	c, _ := newFixture(t, "t:ex.com")
	ctx := context.Background()

	_, _, err := c.EnsureTenantAndMember(ctx, alice, "req:1")
	require.NoError(t, err)

	tenant, role, err := c.EnsureTenantAndMember(ctx, bob, "req:2")
	require.NoError(t, err)
	assert.Equal(t, contracts.RoleMember, role)
	assert.Len(t, tenant.Members, 2)

	// no second bootstrap: still one room
	rooms, err := c.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestEnsureIsIdempotentForSameCaller(t *testing.T) {
	c, _ := newFixture(t, "t:ex.com")
	ctx := context.Background()

	_, role1, err := c.EnsureTenantAndMember(ctx, alice, "req:1")
	require.NoError(t, err)
	_, role2, err := c.EnsureTenantAndMember(ctx, alice, "req:2")
	require.NoError(t, err)
	assert.Equal(t, role1, role2)
	assert.Equal(t, contracts.RoleOwner, role2)
}

func TestCreateRoomIdempotent(t *testing.T) {
	c, _ := newFixture(t, "t:ex.com")
	ctx := context.Background()
	_, _, err := c.EnsureTenantAndMember(ctx, alice, "req:1")
	require.NoError(t, err)

	s1, err := c.CreateRoom(ctx, "Design Reviews", alice, "req:2")
	require.NoError(t, err)
	assert.Equal(t, "r:design-reviews", s1.RoomID)

	s2, err := c.CreateRoom(ctx, "Design Reviews", alice, "req:3")
	require.NoError(t, err)
	assert.Equal(t, s1.RoomID, s2.RoomID)

	rooms, err := c.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 2) // r:general + r:design-reviews
}

func TestCreateRoomRejectsEmptySlug(t *testing.T) {
	c, _ := newFixture(t, "t:ex.com")
	ctx := context.Background()
	_, _, err := c.EnsureTenantAndMember(ctx, alice, "req:1")
	require.NoError(t, err)

	_, err = c.CreateRoom(ctx, "!!!", alice, "req:2")
	assert.Equal(t, uerr.InvalidRoomID, uerr.KindOf(err))
}

func TestGetRoomNotFound(t *testing.T) {
	c, _ := newFixture(t, "t:ex.com")
	ctx := context.Background()
	_, _, err := c.EnsureTenantAndMember(ctx, alice, "req:1")
	require.NoError(t, err)

	_, err = c.GetRoom(ctx, "r:missing")
	assert.Equal(t, uerr.NotFound, uerr.KindOf(err))

	summary, err := c.GetRoom(ctx, "r:general")
	require.NoError(t, err)
	assert.Equal(t, DefaultRoomName, summary.Name)
}

func TestReadsBeforeBootstrapFail(t *testing.T) {
	c, _ := newFixture(t, "t:ex.com")
	ctx := context.Background()

	_, err := c.ListRooms(ctx)
	assert.Equal(t, uerr.NotFound, uerr.KindOf(err))
	_, err = c.GetTenant(ctx)
	assert.Equal(t, uerr.NotFound, uerr.KindOf(err))
	_, err = c.CreateRoom(ctx, "x", alice, "req:1")
	assert.Equal(t, uerr.NotFound, uerr.KindOf(err))
}
