package room

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/ledger"
	"github.com/ubl-labs/ubl-core/pkg/store"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

const tenant = "t:ex.com"

var alice = contracts.Identity{UserID: "u:alice", Email: "alice@ex.com", EmailDomain: "ex.com"}
var bob = contracts.Identity{UserID: "u:bob", Email: "bob@ex.com", EmailDomain: "ex.com"}

type fixture struct {
	room *Coordinator
	led  *ledger.Coordinator
	idx  *store.MemoryIndex
}

func newFixture(t *testing.T, limits Limits) *fixture {
	t.Helper()
	kv := store.NewMemoryKV()
	idx := store.NewMemoryIndex()
	led := ledger.New(tenant, ledger.DefaultShard, kv, idx, ledger.DefaultLimits())
	room := New(tenant, "r:general", kv, idx, led, limits)
	return &fixture{room: room, led: led, idx: idx}
}

func initRoom(t *testing.T, f *fixture) {
	t.Helper()
	err := f.room.Init(context.Background(), InitInput{
		Name:      "general",
		Creator:   alice,
		Policy:    contracts.RoomPolicy{MaxMessageBytes: 8000, RetentionDays: 90},
		RequestID: "req:init",
	})
	require.NoError(t, err)
}

func TestInitCreatesSystemMessageAndAgreement(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()

	msgs, next, err := f.room.GetHistory(ctx, nil, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, next)
	assert.Equal(t, int64(1), msgs[0].RoomSeq)
	assert.Equal(t, contracts.MessageTypeSystem, msgs[0].Type)
	assert.Equal(t, "Room created: general", msgs[0].Body.Text)
	assert.Equal(t, int64(1), msgs[0].Receipt.Seq)

	ag, err := f.idx.GetAgreement(ctx, "a:room:r:general")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementRoomGovernance, ag.Type)

	// bootstrap pair: action at span 1, effect at span 2
	assert.Equal(t, 2, f.idx.SpanCount(tenant))
}

func TestInitIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	initRoom(t, f)

	msgs, _, err := f.room.GetHistory(context.Background(), nil, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSendMessageAssignsDenseRoomSeq(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()

	m1, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "hi"}, ClientRequestID: "k1"}, alice, "req:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m1.RoomSeq)
	assert.Equal(t, int64(3), m1.Receipt.Seq)
	assert.True(t, strings.HasPrefix(m1.MsgID, "m:"))

	m2, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "again"}, ClientRequestID: "k2"}, alice, "req:2")
	require.NoError(t, err)
	assert.Equal(t, m1.RoomSeq+1, m2.RoomSeq)
}

func TestSendMessageStoresActionReceipt(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()

	m, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "hi"}, ClientRequestID: "k1"}, alice, "req:1")
	require.NoError(t, err)

	atoms, err := f.led.GetBySeq(ctx, m.Receipt.Seq)
	require.NoError(t, err)
	require.Len(t, atoms, 2)
	assert.Equal(t, "action.v1", atoms[0]["kind"])
	assert.Equal(t, "effect.v1", atoms[1]["kind"])
	assert.Equal(t, m.Receipt.CID, atoms[0]["cid"])
	assert.Equal(t, atoms[0]["cid"], atoms[1]["ref_action_cid"])

	this := atoms[0]["this"].(map[string]any)
	assert.Equal(t, m.MsgID, this["msg_id"])
	assert.Equal(t, "a:room:r:general", atoms[0]["agreement_id"])

	trace := atoms[0]["trace"].(map[string]any)
	assert.Equal(t, "req:1", trace["request_id"])
}

func TestSendMessageIdempotentReplay(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()

	m1, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "hi"}, ClientRequestID: "k1"}, alice, "req:1")
	require.NoError(t, err)
	spansAfterFirst := f.idx.SpanCount(tenant)

	m2, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "hi"}, ClientRequestID: "k1"}, alice, "req:retry")
	require.NoError(t, err)
	assert.Equal(t, m1.MsgID, m2.MsgID)
	assert.Equal(t, m1.RoomSeq, m2.RoomSeq)
	assert.Equal(t, m1.Receipt.Seq, m2.Receipt.Seq)

	// no new atoms appended for the replay
	assert.Equal(t, spansAfterFirst, f.idx.SpanCount(tenant))
}

func TestSendMessageIdempotencyEvicted(t *testing.T) {
	f := newFixture(t, Limits{HotLimit: 2, SeenLimit: 100})
	initRoom(t, f)
	ctx := context.Background()

	_, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "early"}, ClientRequestID: "k1"}, alice, "req:1")
	require.NoError(t, err)

	// push the k1 message out of the hot window
	for _, k := range []string{"k2", "k3", "k4"} {
		_, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
			Body: contracts.MessageBody{Text: "later"}, ClientRequestID: k}, alice, "req:x")
		require.NoError(t, err)
	}

	_, err = f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "early"}, ClientRequestID: "k1"}, alice, "req:retry")
	assert.Equal(t, uerr.IdempotencyEvicted, uerr.KindOf(err))
}

func TestSendMessageSizeBoundary(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	atLimit := strings.Repeat("x", 30)
	maxBytes := len(`{"text":""}`) + len(atLimit)
	err := f.room.Init(context.Background(), InitInput{
		Name:      "general",
		Creator:   alice,
		Policy:    contracts.RoomPolicy{MaxMessageBytes: maxBytes},
		RequestID: "req:init",
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: atLimit}, ClientRequestID: "ok"}, alice, "req:1")
	assert.NoError(t, err)

	_, err = f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: atLimit + "x"}, ClientRequestID: "big"}, alice, "req:2")
	assert.Equal(t, uerr.MessageTooLarge, uerr.KindOf(err))
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()

	_, err := f.room.SendMessage(ctx, SendInput{Type: "video",
		Body: contracts.MessageBody{Text: "x"}}, alice, "req:1")
	assert.Equal(t, uerr.ValidationError, uerr.KindOf(err))

	_, err = f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "x"}, ReplyTo: "not-an-id"}, alice, "req:2")
	assert.Equal(t, uerr.ValidationError, uerr.KindOf(err))
}

func TestSendMessageToUninitializedRoom(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	_, err := f.room.SendMessage(context.Background(), SendInput{
		Type: contracts.MessageTypeText, Body: contracts.MessageBody{Text: "x"}}, alice, "req:1")
	assert.Equal(t, uerr.NotFound, uerr.KindOf(err))
}

func TestFrictionlessMembership(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()

	_, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "hello from bob"}, ClientRequestID: "kb"}, bob, "req:b")
	require.NoError(t, err)

	cfg, err := f.room.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.RoleMember, cfg.Members[bob.UserID].Role)
	assert.Equal(t, contracts.RoleOwner, cfg.Members[alice.UserID].Role)
}

func TestGetHistoryPaging(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()
	for _, k := range []string{"k1", "k2", "k3", "k4"} {
		_, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
			Body: contracts.MessageBody{Text: k}, ClientRequestID: k}, alice, "req:"+k)
		require.NoError(t, err)
	}
	// room_seq 1 (system) .. 5

	page, next, err := f.room.GetHistory(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].RoomSeq)
	assert.Equal(t, int64(5), page[1].RoomSeq)
	require.NotNil(t, next)
	assert.Equal(t, int64(4), *next)

	page, next, err = f.room.GetHistory(ctx, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].RoomSeq)
	assert.Equal(t, int64(3), page[1].RoomSeq)
	require.NotNil(t, next)

	page, next, err = f.room.GetHistory(ctx, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].RoomSeq)
	assert.Nil(t, next)
}

func TestGetHistoryClampsLimit(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()

	page, _, err := f.room.GetHistory(ctx, nil, 201)
	require.NoError(t, err)
	assert.Len(t, page, 1) // clamp to 200, only one message exists

	page, _, err = f.room.GetHistory(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, page, 1) // default 50
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()

	sub, err := f.room.Subscribe(ctx, alice, nil)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, sub.Backlog)

	m, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "live"}, ClientRequestID: "k1"}, alice, "req:1")
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		assert.Equal(t, EventMessageCreated, ev.Event)
		assert.Equal(t, m.RoomSeq, ev.ID)
		got := ev.Data.(contracts.Message)
		assert.Equal(t, m.MsgID, got.MsgID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeReplaysWithGap(t *testing.T) {
	f := newFixture(t, Limits{HotLimit: 3, SeenLimit: 100})
	initRoom(t, f)
	ctx := context.Background()
	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		_, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
			Body: contracts.MessageBody{Text: k}, ClientRequestID: k}, alice, "req:"+k)
		require.NoError(t, err)
	}
	// room_seq 1..6 sent; hot holds 4..6

	from := int64(1)
	sub, err := f.room.Subscribe(ctx, alice, &from)
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, sub.Backlog, 4)
	gap := sub.Backlog[0]
	assert.Equal(t, EventRoomGap, gap.Event)
	assert.Equal(t, GapData{FromSeq: 2, AvailableFrom: 4}, gap.Data)
	for i, want := range []int64{4, 5, 6} {
		ev := sub.Backlog[i+1]
		assert.Equal(t, EventMessageCreated, ev.Event)
		assert.Equal(t, want, ev.ID)
	}
}

func TestSubscribeReplayWithoutGap(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()
	_, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "hi"}, ClientRequestID: "k1"}, alice, "req:1")
	require.NoError(t, err)

	from := int64(1)
	sub, err := f.room.Subscribe(ctx, alice, &from)
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, sub.Backlog, 1)
	assert.Equal(t, EventMessageCreated, sub.Backlog[0].Event)
	assert.Equal(t, int64(2), sub.Backlog[0].ID)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	initRoom(t, f)
	ctx := context.Background()

	sub, err := f.room.Subscribe(ctx, alice, nil)
	require.NoError(t, err)

	// never read; channel fills and the subscriber is reaped
	for i := 0; i < 70; i++ {
		_, err := f.room.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
			Body: contracts.MessageBody{Text: "flood"},
			ClientRequestID: "flood-" + strconv.Itoa(i)}, alice, "req:flood")
		require.NoError(t, err)
	}

	drained := 0
	for range sub.C {
		drained++
	}
	assert.LessOrEqual(t, drained, 64, "channel closed after overflow")
}

// effectRejectingLedger commits actions normally but fails every effect
// append, simulating a shard that dies between the two writes.
type effectRejectingLedger struct {
	inner *ledger.Coordinator
}

func (l *effectRejectingLedger) AppendAtom(ctx context.Context, input map[string]any) (contracts.Receipt, error) {
	if input["kind"] == "effect.v1" {
		return contracts.Receipt{}, errors.New("shard unavailable")
	}
	return l.inner.AppendAtom(ctx, input)
}

func TestSendMessageSurvivesEffectAppendFailure(t *testing.T) {
	kv := store.NewMemoryKV()
	idx := store.NewMemoryIndex()
	led := ledger.New(tenant, ledger.DefaultShard, kv, idx, ledger.DefaultLimits())
	r := New(tenant, "r:general", kv, idx, &effectRejectingLedger{inner: led}, DefaultLimits())
	ctx := context.Background()

	require.NoError(t, r.Init(ctx, InitInput{Name: "general", Creator: alice, RequestID: "req:init"}))

	m, err := r.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "hi"}, ClientRequestID: "k1"}, alice, "req:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.RoomSeq)

	// the committed action stands alone, with no paired effect
	atoms, err := led.GetBySeq(ctx, m.Receipt.Seq)
	require.NoError(t, err)
	require.Len(t, atoms, 1)
	assert.Equal(t, "action.v1", atoms[0]["kind"])
	assert.Equal(t, m.Receipt.CID, atoms[0]["cid"])

	// the message is persisted with that action receipt
	msgs, _, err := r.GetHistory(ctx, nil, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m.MsgID, msgs[1].MsgID)
	assert.Equal(t, m.Receipt.Seq, msgs[1].Receipt.Seq)
	assert.Equal(t, m.Receipt.CID, msgs[1].Receipt.CID)
}

func TestStateSurvivesReload(t *testing.T) {
	kv := store.NewMemoryKV()
	idx := store.NewMemoryIndex()
	led := ledger.New(tenant, ledger.DefaultShard, kv, idx, ledger.DefaultLimits())
	ctx := context.Background()

	r1 := New(tenant, "r:general", kv, idx, led, DefaultLimits())
	require.NoError(t, r1.Init(ctx, InitInput{Name: "general", Creator: alice, RequestID: "req:init"}))
	m, err := r1.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "persisted"}, ClientRequestID: "k1"}, alice, "req:1")
	require.NoError(t, err)

	r2 := New(tenant, "r:general", kv, idx, led, DefaultLimits())
	msgs, _, err := r2.GetHistory(ctx, nil, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m.MsgID, msgs[1].MsgID)

	// seen map survived: replay still returns the original
	m2, err := r2.SendMessage(ctx, SendInput{Type: contracts.MessageTypeText,
		Body: contracts.MessageBody{Text: "persisted"}, ClientRequestID: "k1"}, alice, "req:retry")
	require.NoError(t, err)
	assert.Equal(t, m.MsgID, m2.MsgID)
}
