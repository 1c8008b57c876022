// Package ledger implements the per-shard ledger coordinator: the sole
// writer for a (tenant, shard) pair. Every appended atom extends a
// SHA-256 hash chain seeded at h:genesis; bit-identical atoms dedup to
// their original sequence number.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/atom"
	"github.com/ubl-labs/ubl-core/pkg/canonicalize"
	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/observability"
	"github.com/ubl-labs/ubl-core/pkg/store"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

// DefaultShard is the only shard id in this core: one shard per tenant.
const DefaultShard = "0"

// Limits bounds the coordinator's in-memory windows.
type Limits struct {
	HotLimit   int // atoms kept in the hot window (default 2000)
	DedupLimit int // cids kept in the dedup map (default 5000)
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{HotLimit: 2000, DedupLimit: 5000}
}

// Entry is one appended atom with the head recorded after it. The same
// shape is mirrored into the index store's spans metadata.
type Entry struct {
	Seq      int64          `json:"seq"`
	HeadHash string         `json:"head_hash"`
	Atom     map[string]any `json:"atom"`
}

// state is the coordinator's persisted document.
type state struct {
	Seq        int64            `json:"seq"`
	Head       string           `json:"head"`
	Hot        []Entry          `json:"hot"`
	Dedup      map[string]int64 `json:"dedup"`
	DedupOrder []string         `json:"dedup_order"`
}

// State is the externally visible shard position.
type State struct {
	Seq  int64  `json:"seq"`
	Head string `json:"head"`
}

// VerifyResult reports chain verification over the hot window.
type VerifyResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Coordinator is the single writer for one ledger shard.
type Coordinator struct {
	mu       sync.Mutex
	tenantID string
	shard    string
	kv       store.KV
	idx      store.Index
	limits   Limits
	logger   *slog.Logger
	clock    func() time.Time
	loaded   bool
	st       state
}

// New creates the coordinator for a (tenant, shard) pair. State is loaded
// lazily on first use.
func New(tenantID, shard string, kv store.KV, idx store.Index, limits Limits) *Coordinator {
	if limits.HotLimit <= 0 {
		limits.HotLimit = DefaultLimits().HotLimit
	}
	if limits.DedupLimit <= 0 {
		limits.DedupLimit = DefaultLimits().DedupLimit
	}
	return &Coordinator{
		tenantID: tenantID,
		shard:    shard,
		kv:       kv,
		idx:      idx,
		limits:   limits,
		logger:   slog.Default().With("component", "ledger", "tenant_id", tenantID, "shard", shard),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Key returns the coordinator's deterministic registry key.
func Key(tenantID, shard string) string {
	return tenantID + "|ledger|" + shard
}

func (c *Coordinator) storeKey() string {
	return "ledger:" + c.tenantID + ":" + c.shard
}

func (c *Coordinator) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	err := c.kv.Get(ctx, c.storeKey(), &c.st)
	if err == store.ErrNotFound {
		c.st = state{Head: canonicalize.GenesisHead, Dedup: make(map[string]int64)}
		c.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}
	if c.st.Dedup == nil {
		c.st.Dedup = make(map[string]int64)
	}
	c.loaded = true
	return nil
}

// AppendAtom computes the atom's cid, extends the chain and persists the
// shard state atomically. For action atoms with no prev_hash the current
// head is spliced in before hashing. A cid already present in the dedup
// map returns the receipt recorded at original insertion.
func (c *Coordinator) AppendAtom(ctx context.Context, input map[string]any) (contracts.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return contracts.Receipt{}, err
	}

	a := make(map[string]any, len(input)+2)
	for k, v := range input {
		a[k] = v
	}
	kind, _ := a["kind"].(string)
	if prev, _ := a["prev_hash"].(string); kind == atom.KindAction && prev == "" {
		a["prev_hash"] = c.st.Head
	}

	cid, err := canonicalize.CID(a)
	if err != nil {
		return contracts.Receipt{}, uerr.Newf(uerr.ValidationError, "non_canonicalizable atom: %v", err)
	}

	if seq, ok := c.st.Dedup[cid]; ok {
		return c.duplicateReceipt(seq, cid), nil
	}

	prior := c.st.snapshot()

	seq := c.st.Seq + 1
	head := canonicalize.HeadHash(c.st.Head, cid)
	a["cid"] = cid
	entry := Entry{Seq: seq, HeadHash: head, Atom: a}

	c.st.Seq = seq
	c.st.Head = head
	c.st.Hot = append(c.st.Hot, entry)
	for len(c.st.Hot) > c.limits.HotLimit {
		c.st.Hot = c.st.Hot[1:]
	}
	c.st.Dedup[cid] = seq
	c.st.DedupOrder = append(c.st.DedupOrder, cid)
	for len(c.st.DedupOrder) > c.limits.DedupLimit {
		delete(c.st.Dedup, c.st.DedupOrder[0])
		c.st.DedupOrder = c.st.DedupOrder[1:]
	}

	if err := c.kv.Put(ctx, c.storeKey(), c.st); err != nil {
		c.st = prior
		return contracts.Receipt{}, fmt.Errorf("ledger persist: %w", err)
	}

	c.mirrorSpan(ctx, entry, cid)
	observability.GetMetrics().AtomAppended(ctx, c.tenantID, kind)

	return contracts.Receipt{
		LedgerShard: c.shard,
		Seq:         seq,
		CID:         cid,
		HeadHash:    head,
		Time:        c.atomTime(a),
	}, nil
}

// duplicateReceipt resolves a dedup hit. The head recorded at original
// insertion is preferred; when the atom has aged out of the hot window
// the current head is returned instead.
func (c *Coordinator) duplicateReceipt(seq int64, cid string) contracts.Receipt {
	receipt := contracts.Receipt{
		LedgerShard: c.shard,
		Seq:         seq,
		CID:         cid,
		HeadHash:    c.st.Head,
		Time:        c.clock().UTC().Format(time.RFC3339Nano),
		Duplicate:   true,
	}
	if entry, ok := c.hotEntry(seq); ok {
		receipt.HeadHash = entry.HeadHash
		receipt.Time = c.atomTime(entry.Atom)
	}
	return receipt
}

func (c *Coordinator) atomTime(a map[string]any) string {
	if when, ok := a["when"].(string); ok && when != "" {
		return when
	}
	return c.clock().UTC().Format(time.RFC3339Nano)
}

// mirrorSpan writes the atom into the index store. Best effort: the KV
// document is the source of truth, so failures are logged and counted but
// never fail the append.
func (c *Coordinator) mirrorSpan(ctx context.Context, entry Entry, cid string) {
	meta, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("span metadata marshal failed", "seq", entry.Seq, "error", err)
		return
	}
	userID, _ := nestedString(entry.Atom, "who", "user_id")
	kind, _ := entry.Atom["kind"].(string)
	row := store.SpanRow{
		ID:       "span:" + strconv.FormatInt(entry.Seq, 10),
		TenantID: c.tenantID,
		UserID:   userID,
		Seq:      entry.Seq,
		Kind:     kind,
		Hash:     cid,
		Size:     int64(len(meta)),
		Metadata: string(meta),
	}
	if err := c.idx.InsertSpan(ctx, row); err != nil {
		c.logger.Error("span mirror failed", "seq", entry.Seq, "error", err)
		observability.GetMetrics().IndexWriteFailed(ctx, "spans")
	}
}

// GetBySeq returns the atom at seq and, when it is an action, the
// immediately following effect if that effect references the action's cid.
func (c *Coordinator) GetBySeq(ctx context.Context, seq int64) ([]map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	if seq < 1 || seq > c.st.Seq {
		return nil, uerr.Newf(uerr.NotFound, "no atom at seq %d", seq)
	}

	entry, err := c.entryAt(ctx, seq)
	if err != nil {
		return nil, err
	}
	atoms := []map[string]any{entry.Atom}

	if kind, _ := entry.Atom["kind"].(string); kind == atom.KindAction && seq < c.st.Seq {
		next, err := c.entryAt(ctx, seq+1)
		if err == nil {
			ref, _ := next.Atom["ref_action_cid"].(string)
			cid, _ := entry.Atom["cid"].(string)
			nextKind, _ := next.Atom["kind"].(string)
			if nextKind == atom.KindEffect && ref == cid {
				atoms = append(atoms, next.Atom)
			}
		}
	}
	return atoms, nil
}

// entryAt reads one entry, consulting the hot window before the index.
func (c *Coordinator) entryAt(ctx context.Context, seq int64) (Entry, error) {
	if entry, ok := c.hotEntry(seq); ok {
		return entry, nil
	}
	row, err := c.idx.SpanBySeq(ctx, c.tenantID, seq)
	if err != nil {
		if err == store.ErrNotFound {
			return Entry{}, uerr.Newf(uerr.NotFound, "no atom at seq %d", seq)
		}
		return Entry{}, fmt.Errorf("index read: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(row.Metadata), &entry); err != nil {
		return Entry{}, fmt.Errorf("span metadata decode: %w", err)
	}
	return entry, nil
}

func (c *Coordinator) hotEntry(seq int64) (Entry, bool) {
	if len(c.st.Hot) == 0 {
		return Entry{}, false
	}
	first := c.st.Hot[0].Seq
	i := seq - first
	if i < 0 || i >= int64(len(c.st.Hot)) {
		return Entry{}, false
	}
	return c.st.Hot[i], true
}

// QueryRecent pages atoms in descending seq order. cursor nil starts at
// the head; limit is clamped to 200 and defaults to 50.
func (c *Coordinator) QueryRecent(ctx context.Context, cursor *int64, limit int) ([]Entry, *int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	from := c.st.Seq
	if cursor != nil {
		from = *cursor - 1
	}
	page := make([]Entry, 0, limit)
	for seq := from; seq >= 1 && len(page) < limit; seq-- {
		entry, err := c.entryAt(ctx, seq)
		if err != nil {
			if uerr.KindOf(err) == uerr.NotFound {
				break // older than both hot window and index
			}
			return nil, nil, err
		}
		page = append(page, entry)
	}

	var next *int64
	if len(page) == limit && page[len(page)-1].Seq > 1 {
		last := page[len(page)-1].Seq
		next = &last
	}
	return page, next, nil
}

// GetState returns the shard position.
func (c *Coordinator) GetState(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return State{}, err
	}
	return State{Seq: c.st.Seq, Head: c.st.Head}, nil
}

// VerifyChain recomputes every cid and head hash over the hot window,
// checks each action's prev_hash against the running head and the final
// head against the stored head.
func (c *Coordinator) VerifyChain(ctx context.Context) (VerifyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{Valid: true, Errors: []string{}}
	fail := func(format string, args ...any) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	prevHead := ""
	for i, entry := range c.st.Hot {
		cid, err := canonicalize.CID(entry.Atom)
		if err != nil {
			fail("atom %d (seq %d): cid recompute failed: %v", i, entry.Seq, err)
			continue
		}
		stored, _ := entry.Atom["cid"].(string)
		if cid != stored {
			fail("atom %d (seq %d): cid mismatch: stored %s, computed %s", i, entry.Seq, stored, cid)
		}

		if i == 0 {
			if entry.Seq == 1 {
				prevHead = canonicalize.GenesisHead
			} else if prev, ok := entry.Atom["prev_hash"].(string); ok && prev != "" {
				prevHead = prev
			}
		}
		if prevHead != "" {
			if kind, _ := entry.Atom["kind"].(string); kind == atom.KindAction {
				if prev, _ := entry.Atom["prev_hash"].(string); prev != prevHead {
					fail("atom %d (seq %d): prev_hash %s does not match running head %s", i, entry.Seq, prev, prevHead)
				}
			}
			if expected := canonicalize.HeadHash(prevHead, cid); expected != entry.HeadHash {
				fail("atom %d (seq %d): head hash mismatch: stored %s, computed %s", i, entry.Seq, entry.HeadHash, expected)
			}
		}
		prevHead = entry.HeadHash
	}
	if n := len(c.st.Hot); n > 0 && c.st.Hot[n-1].HeadHash != c.st.Head {
		fail("final head %s does not match stored head %s", c.st.Hot[n-1].HeadHash, c.st.Head)
	}
	return result, nil
}

// TamperHot mutates one hot atom in memory. Test hook for chain
// verification failure paths.
func (c *Coordinator) TamperHot(i int, mutate func(map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= 0 && i < len(c.st.Hot) {
		mutate(c.st.Hot[i].Atom)
	}
}

func (s state) snapshot() state {
	dup := state{
		Seq:        s.Seq,
		Head:       s.Head,
		Hot:        append([]Entry(nil), s.Hot...),
		Dedup:      make(map[string]int64, len(s.Dedup)),
		DedupOrder: append([]string(nil), s.DedupOrder...),
	}
	for k, v := range s.Dedup {
		dup.Dedup[k] = v
	}
	return dup
}

func nestedString(m map[string]any, keys ...string) (string, bool) {
	cur := any(m)
	for i, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur = obj[k]
		if i == len(keys)-1 {
			s, ok := cur.(string)
			return s, ok
		}
	}
	return "", false
}
