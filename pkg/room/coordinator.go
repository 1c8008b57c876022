// Package room implements the per-room coordinator: the sole writer for a
// (tenant, room) pair. It owns the room config, the strictly monotonic
// room_seq counter, the hot message window, the idempotency seen map and
// the in-memory subscriber set.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/atom"
	"github.com/ubl-labs/ubl-core/pkg/canonicalize"
	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/ids"
	"github.com/ubl-labs/ubl-core/pkg/observability"
	"github.com/ubl-labs/ubl-core/pkg/store"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

// Room modes.
const (
	ModeInternal = "internal"
	ModeExternal = "external"
	ModeE2EE     = "e2ee"
)

// SSE event names emitted by a room.
const (
	EventMessageCreated = "message.created"
	EventRoomGap        = "room.gap"
	EventRoomCreated    = "room.created"
	EventMemberJoined   = "room.member_joined"
)

// Ledger is the slice of the ledger coordinator a room depends on.
type Ledger interface {
	AppendAtom(ctx context.Context, input map[string]any) (contracts.Receipt, error)
}

// Limits bounds the room's in-memory windows.
type Limits struct {
	HotLimit  int // messages kept in the hot window (default 500)
	SeenLimit int // client_request_ids kept for idempotent replay (default 2000)
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{HotLimit: 500, SeenLimit: 2000}
}

// InitInput configures the uninitialized -> initialized transition.
type InitInput struct {
	Name      string
	Mode      string
	Creator   contracts.Identity
	Policy    contracts.RoomPolicy
	RequestID string
}

// SendInput is one message submission.
type SendInput struct {
	Type            string
	Body            contracts.MessageBody
	ReplyTo         string
	ClientRequestID string
}

// Event is one fan-out frame. ID carries the room_seq for message events
// and the last replayed seq for synthetic events.
type Event struct {
	ID    int64
	Event string
	Data  any
}

// GapData is the payload of a room.gap event: the client asked for
// FromSeq onward but the hot window only reaches back to AvailableFrom.
type GapData struct {
	FromSeq       int64 `json:"from_seq"`
	AvailableFrom int64 `json:"available_from"`
}

// Subscription is one live SSE attachment. Backlog holds the replayed
// events computed at subscribe time; C delivers everything after.
type Subscription struct {
	Backlog []Event
	C       <-chan Event
	cancel  func()
}

// Close detaches the subscription from the room.
func (s *Subscription) Close() { s.cancel() }

type subscriber struct {
	ch chan Event
}

// state is the coordinator's persisted document. Subscribers are
// deliberately absent: fan-out is memory-only.
type state struct {
	Initialized bool                           `json:"initialized"`
	Config      contracts.RoomConfig           `json:"config"`
	Seq         int64                          `json:"seq"`
	Hot         []contracts.Message            `json:"hot"`
	Seen        map[string]contracts.SeenEntry `json:"seen"`
	SeenOrder   []string                       `json:"seen_order"`
}

// Coordinator is the single writer for one room.
type Coordinator struct {
	mu       sync.Mutex
	tenantID string
	roomID   string
	kv       store.KV
	idx      store.Index
	ledger   Ledger
	limits   Limits
	logger   *slog.Logger
	clock    func() time.Time
	loaded   bool
	st       state
	subs     map[*subscriber]struct{}
}

// New creates the coordinator for a (tenant, room) pair. State is loaded
// lazily on first use.
func New(tenantID, roomID string, kv store.KV, idx store.Index, ledger Ledger, limits Limits) *Coordinator {
	if limits.HotLimit <= 0 {
		limits.HotLimit = DefaultLimits().HotLimit
	}
	if limits.SeenLimit <= 0 {
		limits.SeenLimit = DefaultLimits().SeenLimit
	}
	return &Coordinator{
		tenantID: tenantID,
		roomID:   roomID,
		kv:       kv,
		idx:      idx,
		ledger:   ledger,
		limits:   limits,
		logger:   slog.Default().With("component", "room", "tenant_id", tenantID, "room_id", roomID),
		clock:    time.Now,
		subs:     make(map[*subscriber]struct{}),
	}
}

// WithClock overrides the clock for testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Key returns the coordinator's deterministic registry key.
func Key(tenantID, roomID string) string {
	return tenantID + "|" + roomID
}

func (c *Coordinator) storeKey() string {
	return "room:" + c.tenantID + ":" + c.roomID
}

func (c *Coordinator) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	err := c.kv.Get(ctx, c.storeKey(), &c.st)
	if err == store.ErrNotFound {
		c.st = state{Seen: make(map[string]contracts.SeenEntry)}
		c.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("room load: %w", err)
	}
	if c.st.Seen == nil {
		c.st.Seen = make(map[string]contracts.SeenEntry)
	}
	c.loaded = true
	return nil
}

func (c *Coordinator) persist(ctx context.Context) error {
	return c.kv.Put(ctx, c.storeKey(), c.st)
}

// Init transitions the room to initialized: creates the config, upserts
// the room_governance agreement and sends the "Room created" system
// message. Idempotent; repeat calls are no-ops.
func (c *Coordinator) Init(ctx context.Context, in InitInput) error {
	c.mu.Lock()
	if err := c.load(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.st.Initialized {
		c.mu.Unlock()
		return nil
	}

	now := c.clock().UTC()
	mode := in.Mode
	if mode == "" {
		mode = ModeInternal
	}
	c.st.Initialized = true
	c.st.Config = contracts.RoomConfig{
		TenantID:  c.tenantID,
		RoomID:    c.roomID,
		Name:      in.Name,
		Mode:      mode,
		CreatedAt: now,
		Members: map[string]contracts.Member{
			in.Creator.UserID: {Role: contracts.RoleOwner, Email: in.Creator.Email, JoinedAt: now},
		},
		Policy:   in.Policy,
		HotLimit: c.limits.HotLimit,
	}
	if err := c.persist(ctx); err != nil {
		c.st = state{Seen: c.st.Seen}
		c.mu.Unlock()
		return fmt.Errorf("room init persist: %w", err)
	}

	agreement := contracts.Agreement{
		ID:        ids.RoomAgreementID(c.roomID),
		Type:      contracts.AgreementRoomGovernance,
		TenantID:  c.tenantID,
		CreatedAt: now,
		CreatedBy: in.Creator.UserID,
		Metadata:  map[string]any{"room_id": c.roomID, "mode": mode},
	}
	if err := c.idx.UpsertAgreement(ctx, agreement); err != nil {
		c.logger.Error("room agreement upsert failed", "agreement_id", agreement.ID, "error", err)
		observability.GetMetrics().IndexWriteFailed(ctx, "agreements")
	}
	c.broadcast(Event{ID: 0, Event: EventRoomCreated, Data: map[string]any{
		"room_id": c.roomID, "name": in.Name, "mode": mode,
	}})
	c.mu.Unlock()

	_, err := c.SendMessage(ctx, SendInput{
		Type:            contracts.MessageTypeSystem,
		Body:            contracts.MessageBody{Text: "Room created: " + in.Name},
		ClientRequestID: "init:" + c.roomID,
	}, in.Creator, in.RequestID)
	return err
}

// assertMember auto-adds the caller as member when absent and persists the
// config. Frictionless: it never rejects. Caller holds the mutex.
func (c *Coordinator) assertMember(ctx context.Context, ident contracts.Identity) error {
	if !c.st.Initialized {
		return uerr.Newf(uerr.NotFound, "room %s not found", c.roomID)
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
	c.broadcast(Event{ID: c.st.Seq, Event: EventMemberJoined, Data: map[string]any{
		"room_id": c.roomID, "user_id": ident.UserID, "role": contracts.RoleMember,
	}})
	return nil
}

// SendMessage runs the write pipeline: membership, idempotency, validation,
// room_seq assignment, the action/effect ledger pair, hot-window storage
// and broadcast. Replays of a seen client_request_id return the original
// message.
func (c *Coordinator) SendMessage(ctx context.Context, in SendInput, ident contracts.Identity, requestID string) (contracts.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return contracts.Message{}, err
	}
	if err := c.assertMember(ctx, ident); err != nil {
		return contracts.Message{}, err
	}

	clientRequestID := in.ClientRequestID
	if clientRequestID == "" {
		clientRequestID = requestID
	}
	if seen, ok := c.st.Seen[clientRequestID]; ok {
		if msg, ok := c.hotMessage(seen.RoomSeq); ok {
			return msg, nil
		}
		return contracts.Message{}, uerr.Newf(uerr.IdempotencyEvicted,
			"request %s was accepted as room_seq %d but the message left the hot window", clientRequestID, seen.RoomSeq)
	}

	msgType := in.Type
	if msgType == "" {
		msgType = contracts.MessageTypeText
	}
	if msgType != contracts.MessageTypeText && msgType != contracts.MessageTypeSystem {
		return contracts.Message{}, uerr.Newf(uerr.ValidationError, "unknown message type %q", msgType)
	}
	if in.ReplyTo != "" && !ids.ValidMessageID(in.ReplyTo) {
		return contracts.Message{}, uerr.Newf(uerr.ValidationError, "malformed reply_to %q", in.ReplyTo)
	}
	bodyBytes, err := canonicalize.Canonicalize(in.Body)
	if err != nil {
		return contracts.Message{}, uerr.Newf(uerr.ValidationError, "non_canonicalizable body: %v", err)
	}
	if max := c.st.Config.Policy.MaxMessageBytes; max > 0 && len(bodyBytes) > max {
		return contracts.Message{}, uerr.Newf(uerr.MessageTooLarge,
			"body is %d bytes, limit %d", len(bodyBytes), max)
	}

	roomSeq := c.st.Seq + 1
	msgID := ids.NewMessageID()
	bodyHash := "b:" + canonicalize.SHA256Hex(bodyBytes)
	now := c.clock().UTC()

	action := atom.NewAction(c.tenantID, ident, atom.DidMessengerSend, map[string]any{
		"room_id":   c.roomID,
		"msg_id":    msgID,
		"room_seq":  roomSeq,
		"body_hash": bodyHash,
	}, ids.RoomAgreementID(c.roomID), requestID, now)
	actionMap, err := atom.Generic(action)
	if err != nil {
		return contracts.Message{}, uerr.Newf(uerr.ValidationError, "non_canonicalizable action: %v", err)
	}
	receipt, err := c.ledger.AppendAtom(ctx, actionMap)
	if err != nil {
		return contracts.Message{}, err
	}

	// The action is committed; an effect failure does not unwind it. The
	// receipt stored on the message is proof-of-action.
	effect := atom.NewEffect(c.tenantID, receipt.CID,
		[]map[string]any{{"op": "room.append", "room_id": c.roomID, "room_seq": roomSeq}},
		map[string]string{"msg_id": msgID}, now)
	effectMap, err := atom.Generic(effect)
	if err == nil {
		_, err = c.ledger.AppendAtom(ctx, effectMap)
	}
	if err != nil {
		c.logger.Error("effect append failed after committed action",
			"room_seq", roomSeq, "action_cid", receipt.CID, "error", err)
		observability.GetMetrics().EffectAppendFailed(ctx, c.tenantID)
	}

	msg := contracts.Message{
		MsgID:       msgID,
		TenantID:    c.tenantID,
		RoomID:      c.roomID,
		RoomSeq:     roomSeq,
		SenderID:    ident.UserID,
		SentAt:      now.Format(time.RFC3339Nano),
		Type:        msgType,
		Body:        in.Body,
		ReplyTo:     in.ReplyTo,
		Attachments: []any{},
		Receipt:     receipt,
	}

	prior := c.st.snapshot()
	c.st.Seq = roomSeq
	c.st.Hot = append(c.st.Hot, msg)
	hotLimit := c.st.Config.HotLimit
	if hotLimit <= 0 {
		hotLimit = c.limits.HotLimit
	}
	for len(c.st.Hot) > hotLimit {
		c.st.Hot = c.st.Hot[1:]
	}
	c.st.Seen[clientRequestID] = contracts.SeenEntry{MsgID: msgID, RoomSeq: roomSeq, ReceiptSeq: receipt.Seq}
	c.st.SeenOrder = append(c.st.SeenOrder, clientRequestID)
	for len(c.st.SeenOrder) > c.limits.SeenLimit {
		delete(c.st.Seen, c.st.SeenOrder[0])
		c.st.SeenOrder = c.st.SeenOrder[1:]
	}
	if err := c.persist(ctx); err != nil {
		c.st = prior
		return contracts.Message{}, fmt.Errorf("room persist: %w", err)
	}

	c.broadcast(Event{ID: roomSeq, Event: EventMessageCreated, Data: msg})
	observability.GetMetrics().MessageSent(ctx, c.tenantID, c.roomID)
	return msg, nil
}

// GetHistory pages the hot window in ascending room_seq order. A nil
// cursor returns the newest page; otherwise messages with
// room_seq < cursor. next_cursor is the page's smallest room_seq when
// older messages remain in hot, nil otherwise.
func (c *Coordinator) GetHistory(ctx context.Context, cursor *int64, limit int) ([]contracts.Message, *int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return nil, nil, err
	}
	if !c.st.Initialized {
		return nil, nil, uerr.Newf(uerr.NotFound, "room %s not found", c.roomID)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	// Hot is ascending by room_seq; find the exclusive upper bound.
	end := len(c.st.Hot)
	if cursor != nil {
		for end > 0 && c.st.Hot[end-1].RoomSeq >= *cursor {
			end--
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := append([]contracts.Message(nil), c.st.Hot[start:end]...)

	var next *int64
	if len(page) > 0 && start > 0 {
		oldest := page[0].RoomSeq
		next = &oldest
	}
	return page, next, nil
}

// Subscribe attaches a live event stream. fromSeq nil means "new events
// only"; otherwise hot messages with room_seq > fromSeq are replayed in
// Backlog, preceded by a room.gap event when the hot window no longer
// reaches back to fromSeq+1.
func (c *Coordinator) Subscribe(ctx context.Context, ident contracts.Identity, fromSeq *int64) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	if err := c.assertMember(ctx, ident); err != nil {
		return nil, err
	}

	var backlog []Event
	if fromSeq != nil {
		if n := len(c.st.Hot); n > 0 && c.st.Hot[0].RoomSeq > *fromSeq+1 {
			backlog = append(backlog, Event{
				ID:    *fromSeq,
				Event: EventRoomGap,
				Data:  GapData{FromSeq: *fromSeq + 1, AvailableFrom: c.st.Hot[0].RoomSeq},
			})
		}
		for _, msg := range c.st.Hot {
			if msg.RoomSeq > *fromSeq {
				backlog = append(backlog, Event{ID: msg.RoomSeq, Event: EventMessageCreated, Data: msg})
			}
		}
	}

	sub := &subscriber{ch: make(chan Event, 64)}
	c.subs[sub] = struct{}{}
	observability.GetMetrics().SubscriberDelta(ctx, 1)

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[sub]; ok {
			delete(c.subs, sub)
			close(sub.ch)
			observability.GetMetrics().SubscriberDelta(context.Background(), -1)
		}
	}
	return &Subscription{Backlog: backlog, C: sub.ch, cancel: cancel}, nil
}

// broadcast delivers ev to every live subscriber without blocking. A full
// channel marks the subscriber dead and reaps it. Caller holds the mutex.
func (c *Coordinator) broadcast(ev Event) {
	for sub := range c.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(c.subs, sub)
			close(sub.ch)
			observability.GetMetrics().SubscriberDelta(context.Background(), -1)
			c.logger.Warn("dropped slow subscriber", "event", ev.Event)
		}
	}
}

// Config returns a copy of the room configuration.
func (c *Coordinator) Config(ctx context.Context) (contracts.RoomConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return contracts.RoomConfig{}, err
	}
	if !c.st.Initialized {
		return contracts.RoomConfig{}, uerr.Newf(uerr.NotFound, "room %s not found", c.roomID)
	}
	return c.st.Config, nil
}

func (c *Coordinator) hotMessage(roomSeq int64) (contracts.Message, bool) {
	if len(c.st.Hot) == 0 {
		return contracts.Message{}, false
	}
	first := c.st.Hot[0].RoomSeq
	i := roomSeq - first
	if i < 0 || i >= int64(len(c.st.Hot)) {
		return contracts.Message{}, false
	}
	return c.st.Hot[i], true
}

func (s state) snapshot() state {
	dup := state{
		Initialized: s.Initialized,
		Config:      s.Config,
		Seq:         s.Seq,
		Hot:         append([]contracts.Message(nil), s.Hot...),
		Seen:        make(map[string]contracts.SeenEntry, len(s.Seen)),
		SeenOrder:   append([]string(nil), s.SeenOrder...),
	}
	for k, v := range s.Seen {
		dup.Seen[k] = v
	}
	return dup
}
