// Package tenants implements the per-tenant coordinator: membership
// directory, room index and agreement creation. Tenants are created
// lazily on first touch and never destroyed.
package tenants

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/ids"
	"github.com/ubl-labs/ubl-core/pkg/observability"
	"github.com/ubl-labs/ubl-core/pkg/room"
	"github.com/ubl-labs/ubl-core/pkg/store"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

// PlatformTenantID is the single platform tenant; every other tenant is a
// customer.
const PlatformTenantID = "t:ubl_core"

// DefaultRoomName is auto-created on tenant bootstrap.
const DefaultRoomName = "general"

// RoomService initializes room coordinators on the tenant's behalf.
type RoomService interface {
	InitRoom(ctx context.Context, tenantID, roomID string, in room.InitInput) error
}

type state struct {
	Created bool                    `json:"created"`
	Tenant  contracts.Tenant        `json:"tenant"`
	Rooms   []contracts.RoomSummary `json:"rooms"`
}

// Coordinator is the single writer for one tenant record.
type Coordinator struct {
	mu       sync.Mutex
	tenantID string
	kv       store.KV
	idx      store.Index
	rooms    RoomService
	defaults contracts.TenantDefaults
	logger   *slog.Logger
	clock    func() time.Time
	loaded   bool
	st       state
}

// New creates the coordinator for a tenant. defaults seed the per-tenant
// limits applied to new rooms.
func New(tenantID string, kv store.KV, idx store.Index, rooms RoomService, defaults contracts.TenantDefaults) *Coordinator {
	if defaults.RoomMode == "" {
		defaults.RoomMode = room.ModeInternal
	}
	return &Coordinator{
		tenantID: tenantID,
		kv:       kv,
		idx:      idx,
		rooms:    rooms,
		defaults: defaults,
		logger:   slog.Default().With("component", "tenant", "tenant_id", tenantID),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Key returns the coordinator's deterministic registry key.
func Key(tenantID string) string { return tenantID }

func (c *Coordinator) storeKey() string {
	return "tenant:" + c.tenantID
}

func (c *Coordinator) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	err := c.kv.Get(ctx, c.storeKey(), &c.st)
	if err == store.ErrNotFound {
		c.st = state{}
		c.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("tenant load: %w", err)
	}
	c.loaded = true
	return nil
}

func (c *Coordinator) persist(ctx context.Context) error {
	return c.kv.Put(ctx, c.storeKey(), c.st)
}

// EnsureTenantAndMember creates the tenant on first touch (caller becomes
// owner, tenant_license agreement written, r:general auto-created) and
// auto-adds the caller as member on later touches. Returns the tenant and
// the caller's role.
func (c *Coordinator) EnsureTenantAndMember(ctx context.Context, ident contracts.Identity, requestID string) (contracts.Tenant, string, error) {
	c.mu.Lock()
	if err := c.load(ctx); err != nil {
		c.mu.Unlock()
		return contracts.Tenant{}, "", err
	}

	now := c.clock().UTC()
	bootstrap := !c.st.Created
	if bootstrap {
		tenantType := contracts.TenantTypeCustomer
		if c.tenantID == PlatformTenantID {
			tenantType = contracts.TenantTypePlatform
		}
		c.st.Created = true
		c.st.Tenant = contracts.Tenant{
			TenantID:  c.tenantID,
			Type:      tenantType,
			CreatedAt: now,
			Members: map[string]contracts.Member{
				ident.UserID: {Role: contracts.RoleOwner, Email: ident.Email, JoinedAt: now},
			},
			Defaults: c.defaults,
		}
		if err := c.persist(ctx); err != nil {
			c.st = state{}
			c.mu.Unlock()
			return contracts.Tenant{}, "", fmt.Errorf("tenant bootstrap persist: %w", err)
		}
		c.mirrorTenant(ctx, now, ident.UserID)
	} else if _, ok := c.st.Tenant.Members[ident.UserID]; !ok {
		c.st.Tenant.Members[ident.UserID] = contracts.Member{
			Role:     contracts.RoleMember,
			Email:    ident.Email,
			JoinedAt: now,
		}
		if err := c.persist(ctx); err != nil {
			delete(c.st.Tenant.Members, ident.UserID)
			c.mu.Unlock()
			return contracts.Tenant{}, "", fmt.Errorf("tenant member persist: %w", err)
		}
	}
	tenant := c.st.Tenant
	role := c.st.Tenant.Members[ident.UserID].Role
	c.mu.Unlock()

	if bootstrap {
		if _, err := c.CreateRoom(ctx, DefaultRoomName, ident, requestID); err != nil {
			return contracts.Tenant{}, "", fmt.Errorf("default room: %w", err)
		}
	}
	return tenant, role, nil
}

// mirrorTenant writes the tenant row and its tenant_license agreement to
// the index store. Best effort; the KV document is the source of truth.
func (c *Coordinator) mirrorTenant(ctx context.Context, now time.Time, creator string) {
	if err := c.idx.UpsertTenant(ctx, c.st.Tenant); err != nil {
		c.logger.Error("tenant mirror failed", "error", err)
		observability.GetMetrics().IndexWriteFailed(ctx, "tenants")
	}
	agreement := contracts.Agreement{
		ID:        ids.TenantAgreementID(c.tenantID),
		Type:      contracts.AgreementTenantLicense,
		TenantID:  c.tenantID,
		CreatedAt: now,
		CreatedBy: creator,
		Metadata:  map[string]any{"tenant_type": c.st.Tenant.Type},
	}
	if err := c.idx.UpsertAgreement(ctx, agreement); err != nil {
		c.logger.Error("tenant agreement upsert failed", "agreement_id", agreement.ID, "error", err)
		observability.GetMetrics().IndexWriteFailed(ctx, "agreements")
	}
}

// ListRooms returns the room summary index.
func (c *Coordinator) ListRooms(ctx context.Context) ([]contracts.RoomSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	if !c.st.Created {
		return nil, uerr.Newf(uerr.NotFound, "tenant %s not found", c.tenantID)
	}
	return append([]contracts.RoomSummary(nil), c.st.Rooms...), nil
}

// CreateRoom derives the room id from name, registers the summary and
// initializes the room coordinator. Idempotent: an existing room id
// returns its summary unchanged.
func (c *Coordinator) CreateRoom(ctx context.Context, name string, ident contracts.Identity, requestID string) (contracts.RoomSummary, error) {
	slug := ids.Slug(name)
	if slug == "" {
		return contracts.RoomSummary{}, uerr.Newf(uerr.InvalidRoomID, "name %q yields an empty room id", name)
	}
	roomID := ids.PrefixRoom + slug
	if !ids.ValidRoomID(roomID) {
		return contracts.RoomSummary{}, uerr.Newf(uerr.InvalidRoomID, "derived room id %q is malformed", roomID)
	}

	c.mu.Lock()
	if err := c.load(ctx); err != nil {
		c.mu.Unlock()
		return contracts.RoomSummary{}, err
	}
	if !c.st.Created {
		c.mu.Unlock()
		return contracts.RoomSummary{}, uerr.Newf(uerr.NotFound, "tenant %s not found", c.tenantID)
	}
	for _, existing := range c.st.Rooms {
		if existing.RoomID == roomID {
			c.mu.Unlock()
			return existing, nil
		}
	}

	summary := contracts.RoomSummary{
		RoomID:    roomID,
		Name:      name,
		Mode:      c.st.Tenant.Defaults.RoomMode,
		CreatedAt: c.clock().UTC(),
	}
	prior := len(c.st.Rooms)
	c.st.Rooms = append(c.st.Rooms, summary)
	if err := c.persist(ctx); err != nil {
		c.st.Rooms = c.st.Rooms[:prior]
		c.mu.Unlock()
		return contracts.RoomSummary{}, fmt.Errorf("room index persist: %w", err)
	}
	if err := c.idx.InsertRoom(ctx, c.tenantID, summary); err != nil {
		c.logger.Error("room mirror failed", "room_id", roomID, "error", err)
		observability.GetMetrics().IndexWriteFailed(ctx, "rooms")
	}
	defaults := c.st.Tenant.Defaults
	c.mu.Unlock()

	err := c.rooms.InitRoom(ctx, c.tenantID, roomID, room.InitInput{
		Name:    name,
		Mode:    summary.Mode,
		Creator: ident,
		Policy: contracts.RoomPolicy{
			MaxMessageBytes: defaults.MaxMessageBytes,
			RetentionDays:   defaults.RetentionDays,
		},
		RequestID: requestID,
	})
	if err != nil {
		return contracts.RoomSummary{}, fmt.Errorf("room init: %w", err)
	}
	return summary, nil
}

// GetRoom returns the summary for one room id.
func (c *Coordinator) GetRoom(ctx context.Context, roomID string) (contracts.RoomSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return contracts.RoomSummary{}, err
	}
	for _, summary := range c.st.Rooms {
		if summary.RoomID == roomID {
			return summary, nil
		}
	}
	return contracts.RoomSummary{}, uerr.Newf(uerr.NotFound, "room %s not found", roomID)
}

// GetTenant returns the tenant record.
func (c *Coordinator) GetTenant(ctx context.Context) (contracts.Tenant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return contracts.Tenant{}, err
	}
	if !c.st.Created {
		return contracts.Tenant{}, uerr.Newf(uerr.NotFound, "tenant %s not found", c.tenantID)
	}
	return c.st.Tenant, nil
}
