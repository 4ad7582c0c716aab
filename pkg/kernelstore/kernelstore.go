// Package kernelstore is the typed facade over pkg/store: it knows the
// kernel's key-space (vats, subclusters, the clist, the object and
// promise tables, the run queue, the acceptance queue) the way the
// teacher's manager package knew the cluster's node/service/task
// key-space, and is the only package that encodes/decodes those records.
package kernelstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

const (
	prefixVat        = "vat."
	prefixSub        = "sub."
	prefixClistKref  = "clist.kref."  // clist.kref.<vatID>.<kref> -> vref
	prefixClistVref  = "clist.vref."  // clist.vref.<vatID>.<vref> -> kref
	prefixObject     = "obj."
	prefixPromise    = "prom."
	prefixRunqueue   = "rq."
	prefixAcceptance = "accept."
	prefixNextID     = "nextid."
	prefixVatstore   = "vs." // vs.<vatID>.<userKey> -> vat's own persistent baggage
	keySysCA         = "sys.ca"
)

// kvHandle is the subset of pkg/store's Store/Tx surface every accessor
// below needs. Both *store.Store and *store.Tx satisfy it, so handle()
// can hand back whichever is active without any accessor caring which.
type kvHandle interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	IteratePrefix(prefix string, fn func(key string, value []byte) error) error
}

// Store wraps store.Store with typed kernel accessors. Every accessor
// below runs against whichever *store.Tx BeginCrank last opened, so one
// crank's whole sequence of writes commits or rolls back as a single
// unit via CommitCrank/RollbackCrank (spec.md §4.3 steps 2/5); with no
// open crank a call auto-commits immediately against the underlying
// store, same as before a crank ever opened one.
type Store struct {
	db *store.Store
	mu sync.Mutex // serializes counter allocation and the active-tx handle

	tx *store.Tx // set between BeginCrank and CommitCrank/RollbackCrank
}

// New wraps db as a kernel store.
func New(db *store.Store) *Store {
	return &Store{db: db}
}

// Underlying exposes the raw KV store, used by pkg/facade for
// executeDBQuery and by pkg/harft for snapshot/restore.
func (s *Store) Underlying() *store.Store { return s.db }

// handle returns the open crank transaction, if any, else the
// underlying store directly.
func (s *Store) handle() kvHandle {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx != nil {
		return tx
	}
	return s.db
}

// BeginCrank opens the store transaction every subsequent call on s will
// execute within, until CommitCrank or RollbackCrank ends it. Only the
// crank runner calls this, one crank at a time, matching the kernel's
// single-threaded scheduler (spec.md §5); pkg/store.Store.Begin already
// blocks any other direct writer against the store until the
// transaction ends, so nothing outside the crank can interleave with it.
func (s *Store) BeginCrank() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
	return nil
}

// CommitCrank commits the open crank transaction, persisting every
// mutation made since BeginCrank as one atomic unit (spec.md §4.3 step 5).
func (s *Store) CommitCrank() error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	if tx == nil {
		return kernelerr.New(kernelerr.TransactionFailure, "commit crank: no transaction open")
	}
	return s.db.Commit(tx)
}

// RollbackCrank discards every mutation made since BeginCrank, leaving
// the store exactly as it was before the crank started — spec.md §4.3's
// "entire induced state transition is persisted or none of it is".
func (s *Store) RollbackCrank() error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	if tx == nil {
		return kernelerr.New(kernelerr.TransactionFailure, "rollback crank: no transaction open")
	}
	return s.db.Rollback(tx)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("kernelstore: unmarshalable value: %v", err))
	}
	return b
}

// --- id allocation ---------------------------------------------------

// nextID atomically increments and returns the named counter.
func (s *Store) nextID(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prefixNextID + name
	raw, ok, err := s.handle().Get(key)
	if err != nil {
		return 0, err
	}
	var n uint64
	if ok {
		n, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, kernelerr.Wrap(kernelerr.SchemaViolation, "parse counter "+name, err)
		}
	}
	n++
	if err := s.handle().Set(key, []byte(strconv.FormatUint(n, 10))); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) NextKref(kind types.Kind) (types.Ref, error) {
	n, err := s.nextID("kref." + string(kind))
	if err != nil {
		return types.Ref{}, err
	}
	return types.KRef(kind, n), nil
}

func (s *Store) NextVatID() (string, error) {
	n, err := s.nextID("vat")
	if err != nil {
		return "", err
	}
	return types.KVat(n).String(), nil
}

func (s *Store) NextSubclusterID() (string, error) {
	n, err := s.nextID("sub")
	if err != nil {
		return "", err
	}
	return types.KSub(n).String(), nil
}

func (s *Store) NextRunqueueSeq() (uint64, error) {
	return s.nextID("runqueue")
}

// NextVrefNumber allocates the next vref number for vatID, scoped
// independently per vat: each vat numbers its own local references from 1.
func (s *Store) NextVrefNumber(vatID string) (uint64, error) {
	return s.nextID("vref." + vatID)
}

func (s *Store) NextAcceptanceSeq() (uint64, error) {
	return s.nextID("accept")
}

// --- vats --------------------------------------------------------------

func (s *Store) CreateVat(v *types.VatRecord) error {
	return s.handle().Set(prefixVat+v.ID, mustMarshal(v))
}

func (s *Store) GetVat(id string) (*types.VatRecord, error) {
	raw, ok, err := s.handle().Get(prefixVat + id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.New(kernelerr.VatNotFound, "vat not found: "+id)
	}
	var v types.VatRecord
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, kernelerr.Wrap(kernelerr.VatReadError, "decode vat record", err)
	}
	return &v, nil
}

func (s *Store) UpdateVat(v *types.VatRecord) error {
	if _, err := s.GetVat(v.ID); err != nil {
		return err
	}
	return s.handle().Set(prefixVat+v.ID, mustMarshal(v))
}

func (s *Store) DeleteVat(id string) error {
	return s.handle().Delete(prefixVat + id)
}

func (s *Store) ListVats() ([]*types.VatRecord, error) {
	var out []*types.VatRecord
	err := s.handle().IteratePrefix(prefixVat, func(_ string, value []byte) error {
		var v types.VatRecord
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		out = append(out, &v)
		return nil
	})
	return out, err
}

// --- subclusters ---------------------------------------------------------

func (s *Store) CreateSubcluster(sc *types.SubclusterRecord) error {
	return s.handle().Set(prefixSub+sc.ID, mustMarshal(sc))
}

func (s *Store) GetSubcluster(id string) (*types.SubclusterRecord, error) {
	raw, ok, err := s.handle().Get(prefixSub + id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.New(kernelerr.VatNotFound, "subcluster not found: "+id)
	}
	var sc types.SubclusterRecord
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, kernelerr.Wrap(kernelerr.VatReadError, "decode subcluster record", err)
	}
	return &sc, nil
}

func (s *Store) UpdateSubcluster(sc *types.SubclusterRecord) error {
	return s.handle().Set(prefixSub+sc.ID, mustMarshal(sc))
}

func (s *Store) DeleteSubcluster(id string) error {
	return s.handle().Delete(prefixSub + id)
}

func (s *Store) ListSubclusters() ([]*types.SubclusterRecord, error) {
	var out []*types.SubclusterRecord
	err := s.handle().IteratePrefix(prefixSub, func(_ string, value []byte) error {
		var sc types.SubclusterRecord
		if err := json.Unmarshal(value, &sc); err != nil {
			return err
		}
		out = append(out, &sc)
		return nil
	})
	return out, err
}

// --- clist ---------------------------------------------------------------
// Each vat has its own bijection between its local vrefs and kernel krefs.

func (s *Store) ClistExport(vatID string, kref types.Ref, vref types.Ref) error {
	if err := s.handle().Set(clistKrefKey(vatID, kref), []byte(vref.String())); err != nil {
		return err
	}
	return s.handle().Set(clistVrefKey(vatID, vref), []byte(kref.String()))
}

func (s *Store) ClistLookupByKref(vatID string, kref types.Ref) (types.Ref, bool, error) {
	raw, ok, err := s.handle().Get(clistKrefKey(vatID, kref))
	if err != nil || !ok {
		return types.Ref{}, false, err
	}
	vref, err := types.ParseRef(string(raw))
	return vref, err == nil, err
}

func (s *Store) ClistLookupByVref(vatID string, vref types.Ref) (types.Ref, bool, error) {
	raw, ok, err := s.handle().Get(clistVrefKey(vatID, vref))
	if err != nil || !ok {
		return types.Ref{}, false, err
	}
	kref, err := types.ParseRef(string(raw))
	return kref, err == nil, err
}

func (s *Store) ClistDrop(vatID string, kref types.Ref) error {
	vref, ok, err := s.ClistLookupByKref(vatID, kref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.handle().Delete(clistKrefKey(vatID, kref)); err != nil {
		return err
	}
	return s.handle().Delete(clistVrefKey(vatID, vref))
}

func clistKrefKey(vatID string, kref types.Ref) string {
	return prefixClistKref + vatID + "." + kref.String()
}

func clistVrefKey(vatID string, vref types.Ref) string {
	return prefixClistVref + vatID + "." + vref.String()
}

// --- object table (refcounts) --------------------------------------------

func (s *Store) GetObject(kref types.Ref) (*types.ObjectRecord, error) {
	raw, ok, err := s.handle().Get(prefixObject + kref.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.New(kernelerr.VatNotFound, "object not found: "+kref.String())
	}
	var o types.ObjectRecord
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) PutObject(o *types.ObjectRecord) error {
	return s.handle().Set(prefixObject+o.Kref, mustMarshal(o))
}

func (s *Store) DeleteObject(kref types.Ref) error {
	return s.handle().Delete(prefixObject + kref.String())
}

// CountObjects returns the number of kernel objects with a live refcount
// record, for the metrics collector's gauge.
func (s *Store) CountObjects() (int, error) {
	var n int
	err := s.handle().IteratePrefix(prefixObject, func(k string, value []byte) error {
		n++
		return nil
	})
	return n, err
}

// SaveCA persists the serialized kernel certificate authority, for
// pkg/security.CertAuthority.
func (s *Store) SaveCA(data []byte) error {
	return s.handle().Set(keySysCA, data)
}

// GetCA returns the serialized kernel certificate authority.
func (s *Store) GetCA() ([]byte, error) {
	raw, ok, err := s.handle().Get(keySysCA)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.New(kernelerr.Internal, "certificate authority not initialized")
	}
	return raw, nil
}

func vatstoreKey(vatID, userKey string) string {
	return prefixVatstore + vatID + "." + userKey
}

// VatstoreGet returns one entry from vatID's own persistent baggage map
// (the vatstoreGet syscall of spec §4.6).
func (s *Store) VatstoreGet(vatID, userKey string) ([]byte, bool, error) {
	return s.handle().Get(vatstoreKey(vatID, userKey))
}

// VatstoreSet writes one entry into vatID's baggage map.
func (s *Store) VatstoreSet(vatID, userKey string, value []byte) error {
	return s.handle().Set(vatstoreKey(vatID, userKey), value)
}

// VatstoreDelete removes one entry from vatID's baggage map.
func (s *Store) VatstoreDelete(vatID, userKey string) error {
	return s.handle().Delete(vatstoreKey(vatID, userKey))
}

// AdjustRefcount applies delta to the given tag's count on kref, creating
// the record if absent (delta must be positive in that case). It reports
// the object's existence after the adjustment so the GC pass can tell
// whether it just crossed zero.
func (s *Store) AdjustRefcount(kref types.Ref, tag types.RefTag, delta int64, ownerVat, exportVref string) (*types.ObjectRecord, error) {
	raw, ok, err := s.handle().Get(prefixObject + kref.String())
	if err != nil {
		return nil, err
	}
	var o types.ObjectRecord
	if ok {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	} else {
		if delta < 0 {
			return nil, kernelerr.New(kernelerr.InconsistentRefcount, "negative delta on absent object "+kref.String())
		}
		o = types.ObjectRecord{Kref: kref.String(), OwnerVat: ownerVat, ExportVref: exportVref}
	}

	switch tag {
	case types.Reachable:
		o.ReachableCount += delta
	case types.Recognizable:
		o.RecognizableCount += delta
	}
	if o.ReachableCount < 0 || o.RecognizableCount < 0 {
		return nil, kernelerr.New(kernelerr.InconsistentRefcount, fmt.Sprintf("refcount underflow on %s", kref.String()))
	}

	if err := s.handle().Set(prefixObject+kref.String(), mustMarshal(&o)); err != nil {
		return nil, err
	}
	return &o, nil
}

// --- promise table --------------------------------------------------------

func (s *Store) InitPromise(decider string) (*types.PromiseRecord, error) {
	n, err := s.nextID("promise")
	if err != nil {
		return nil, err
	}
	kref := types.KProm(n)
	p := &types.PromiseRecord{Kref: kref.String(), State: types.PromiseUnresolved, DeciderVat: decider}
	if err := s.handle().Set(prefixPromise+p.Kref, mustMarshal(p)); err != nil {
		return nil, err
	}
	return p, nil
}

// InitPromiseForKref creates the promise table row for a kref that was
// already allocated elsewhere (clist.Table.KrefFor, when a vat presents a
// syscall.send result promise the kernel has never seen), rather than
// minting a fresh kref the way InitPromise does.
func (s *Store) InitPromiseForKref(kref types.Ref, decider string) (*types.PromiseRecord, error) {
	p := &types.PromiseRecord{Kref: kref.String(), State: types.PromiseUnresolved, DeciderVat: decider}
	if err := s.handle().Set(prefixPromise+p.Kref, mustMarshal(p)); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) GetPromise(kref string) (*types.PromiseRecord, error) {
	raw, ok, err := s.handle().Get(prefixPromise + kref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.New(kernelerr.VatNotFound, "promise not found: "+kref)
	}
	var p types.PromiseRecord
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) putPromise(p *types.PromiseRecord) error {
	return s.handle().Set(prefixPromise+p.Kref, mustMarshal(p))
}

func (s *Store) EnqueueMessage(kref string, msg types.QueuedMessage) error {
	p, err := s.GetPromise(kref)
	if err != nil {
		return err
	}
	if p.State != types.PromiseUnresolved {
		return kernelerr.New(kernelerr.InvalidEnvelope, "cannot enqueue on resolved promise "+kref)
	}
	p.Queue = append(p.Queue, msg)
	return s.putPromise(p)
}

func (s *Store) Subscribe(kref string, vatID string) error {
	p, err := s.GetPromise(kref)
	if err != nil {
		return err
	}
	for _, v := range p.Subscribers {
		if v == vatID {
			return nil
		}
	}
	p.Subscribers = append(p.Subscribers, vatID)
	return s.putPromise(p)
}

// ResolvePromise transitions the promise to fulfilled or rejected,
// recording the resolution and draining its message queue: the stored
// record keeps no queue, and the returned record carries the drained
// messages. The caller (pkg/promise) is responsible for actually
// delivering them and the subscriber notifications onto the run queue.
func (s *Store) ResolvePromise(kref string, resolution types.CapData, isRejection bool) (*types.PromiseRecord, error) {
	p, err := s.GetPromise(kref)
	if err != nil {
		return nil, err
	}
	if p.State != types.PromiseUnresolved {
		return nil, kernelerr.New(kernelerr.InvalidEnvelope, "promise already resolved: "+kref)
	}
	p.State = types.PromiseFulfilled
	if isRejection {
		p.State = types.PromiseRejected
	}
	p.IsRejection = isRejection
	p.Resolution = &resolution
	drained := p.Queue
	p.Queue = nil
	if err := s.putPromise(p); err != nil {
		return nil, err
	}
	p.Queue = drained
	return p, nil
}

// RemovePromise deletes a promise once its resolution has reached every
// subscriber and its queue has drained.
func (s *Store) RemovePromise(kref string) error {
	return s.handle().Delete(prefixPromise + kref)
}

func (s *Store) ListPromises() ([]*types.PromiseRecord, error) {
	var out []*types.PromiseRecord
	err := s.handle().IteratePrefix(prefixPromise, func(_ string, value []byte) error {
		var p types.PromiseRecord
		if err := json.Unmarshal(value, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

// --- run queue -------------------------------------------------------------
// Entries are stored under a zero-padded sequence number so IteratePrefix's
// lexicographic order matches FIFO arrival order.

func runqueueKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", prefixRunqueue, seq)
}

func (s *Store) Enqueue(entry types.RunqueueEntry) error {
	seq, err := s.NextRunqueueSeq()
	if err != nil {
		return err
	}
	return s.handle().Set(runqueueKey(seq), mustMarshal(&entry))
}

// Dequeue pops the oldest run queue entry, or returns ok=false if empty.
func (s *Store) Dequeue() (types.RunqueueEntry, bool, error) {
	var key string
	var entry types.RunqueueEntry
	found := false
	err := s.handle().IteratePrefix(prefixRunqueue, func(k string, value []byte) error {
		if found {
			return nil
		}
		if err := json.Unmarshal(value, &entry); err != nil {
			return err
		}
		key = k
		found = true
		return nil
	})
	if err != nil {
		return types.RunqueueEntry{}, false, err
	}
	if !found {
		return types.RunqueueEntry{}, false, nil
	}
	if err := s.handle().Delete(key); err != nil {
		return types.RunqueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) RunqueueDepth() (int, error) {
	count := 0
	err := s.handle().IteratePrefix(prefixRunqueue, func(string, []byte) error {
		count++
		return nil
	})
	return count, err
}

// --- GC action queue --------------------------------------------------------
// GC actions (drop/retire per vat) coalesce: rather than one entry per
// kref, EnqueueGCAction merges newly-reported krefs into a single pending
// entry per (kind, vat) so a vat that accumulates many garbage objects
// between cranks receives one batched syscall instead of one per object.

func gcActionKey(kind types.GCActionKind, vat string) string {
	return prefixRunqueue + "gc." + string(kind) + "." + vat
}

func (s *Store) EnqueueGCAction(kind types.GCActionKind, vat string, krefs []string) error {
	key := gcActionKey(kind, vat)
	raw, ok, err := s.handle().Get(key)
	if err != nil {
		return err
	}
	existing := map[string]bool{}
	if ok {
		var prior []string
		if err := json.Unmarshal(raw, &prior); err != nil {
			return err
		}
		for _, k := range prior {
			existing[k] = true
		}
	}
	for _, k := range krefs {
		existing[k] = true
	}
	merged := make([]string, 0, len(existing))
	for k := range existing {
		merged = append(merged, k)
	}
	sort.Strings(merged)
	return s.handle().Set(key, mustMarshal(merged))
}

// DrainGCActions removes and returns every pending coalesced GC action.
func (s *Store) DrainGCActions() ([]types.RunqueueEntry, error) {
	var out []types.RunqueueEntry
	var keys []string
	err := s.handle().IteratePrefix(prefixRunqueue+"gc.", func(k string, value []byte) error {
		parts := strings.SplitN(strings.TrimPrefix(k, prefixRunqueue+"gc."), ".", 2)
		if len(parts) != 2 {
			return nil
		}
		var krefs []string
		if err := json.Unmarshal(value, &krefs); err != nil {
			return err
		}
		out = append(out, types.RunqueueEntry{
			Kind:   types.EntryGCAction,
			GCKind: types.GCActionKind(parts[0]),
			Vat:    parts[1],
			Krefs:  krefs,
		})
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := s.handle().Delete(k); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- acceptance queue (inbound remote deliveries) ---------------------------

func acceptanceKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", prefixAcceptance, seq)
}

// AcceptDelivery records an inbound remote delivery for later promotion
// onto the run queue by the crank runner. Remote deliveries land here
// rather than directly on the run queue so that a crank always pops from
// exactly one of the two queues per spec.md §4.3's alternation rule.
func (s *Store) AcceptDelivery(d types.AcceptedDelivery) error {
	seq, err := s.NextAcceptanceSeq()
	if err != nil {
		return err
	}
	return s.handle().Set(acceptanceKey(seq), mustMarshal(&d))
}

// DequeueAcceptance pops the oldest pending inbound remote delivery, if
// any, mirroring Dequeue's FIFO-by-key-order pop of the run queue.
func (s *Store) DequeueAcceptance() (types.AcceptedDelivery, bool, error) {
	var key string
	var raw []byte
	err := s.handle().IteratePrefix(prefixAcceptance, func(k string, v []byte) error {
		if key == "" {
			key, raw = k, v
		}
		return nil
	})
	if err != nil {
		return types.AcceptedDelivery{}, false, err
	}
	if key == "" {
		return types.AcceptedDelivery{}, false, nil
	}
	var d types.AcceptedDelivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return types.AcceptedDelivery{}, false, err
	}
	if err := s.handle().Delete(key); err != nil {
		return types.AcceptedDelivery{}, false, err
	}
	return d, true, nil
}

func (s *Store) AcceptanceQueueDepth() (int, error) {
	count := 0
	err := s.handle().IteratePrefix(prefixAcceptance, func(string, []byte) error {
		count++
		return nil
	})
	return count, err
}

// --- remote peers and incarnation -------------------------------------------

const (
	prefixPeer        = "peer."
	prefixSwissnum    = "swissnum."
	prefixRemoteBind  = "rbind." // rbind.<peerID>.<swissnum> -> local kref naming the remote presence
	keyIncarnation    = "sys.incarnation"
)

// SavePeer upserts a remembered remote kernel's identity, addresses, and
// last-known incarnation.
func (s *Store) SavePeer(p *types.PeerRecord) error {
	return s.handle().Set(prefixPeer+p.PeerID, mustMarshal(p))
}

// GetPeer looks up a remembered peer by ID.
func (s *Store) GetPeer(peerID string) (*types.PeerRecord, bool, error) {
	raw, ok, err := s.handle().Get(prefixPeer + peerID)
	if err != nil || !ok {
		return nil, false, err
	}
	var p types.PeerRecord
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

// ListPeers returns every remembered peer.
func (s *Store) ListPeers() ([]*types.PeerRecord, error) {
	var out []*types.PeerRecord
	err := s.handle().IteratePrefix(prefixPeer, func(_ string, value []byte) error {
		var p types.PeerRecord
		if err := json.Unmarshal(value, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

// SaveSwissnum persists one issued ocap URL's bearer token record.
func (s *Store) SaveSwissnum(r *types.SwissnumRecord) error {
	return s.handle().Set(prefixSwissnum+r.Swissnum, mustMarshal(r))
}

// GetSwissnum looks up an issued token by its bearer value.
func (s *Store) GetSwissnum(swissnum string) (*types.SwissnumRecord, bool, error) {
	raw, ok, err := s.handle().Get(prefixSwissnum + swissnum)
	if err != nil || !ok {
		return nil, false, err
	}
	var r types.SwissnumRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

// ListSwissnums returns every issued token record, revoked or not.
func (s *Store) ListSwissnums() ([]*types.SwissnumRecord, error) {
	var out []*types.SwissnumRecord
	err := s.handle().IteratePrefix(prefixSwissnum, func(_ string, value []byte) error {
		var r types.SwissnumRecord
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

func remoteBindKey(peerID, swissnum string) string {
	return prefixRemoteBind + peerID + "." + swissnum
}

// GetRemoteBinding returns the local kref already standing in for
// peerID's swissnum, if this kernel has redeemed that URL before.
func (s *Store) GetRemoteBinding(peerID, swissnum string) (string, bool, error) {
	raw, ok, err := s.handle().Get(remoteBindKey(peerID, swissnum))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// SaveRemoteBinding records that kref now represents peerID's swissnum
// locally, so a second redeem of the same URL reuses one clist entry
// rather than minting a duplicate remote presence.
func (s *Store) SaveRemoteBinding(peerID, swissnum, kref string) error {
	return s.handle().Set(remoteBindKey(peerID, swissnum), []byte(kref))
}

// Incarnation returns this kernel's current restart counter, defaulting
// to 0 for a never-bumped (first-run) kernel.
func (s *Store) Incarnation() (uint64, error) {
	raw, ok, err := s.handle().Get(keyIncarnation)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.SchemaViolation, "parse incarnation counter", err)
	}
	return n, nil
}

// BumpIncarnation increments and persists this kernel's restart counter,
// called once at startup before the remote comms subsystem announces
// remoteIncarnationChange to known peers.
func (s *Store) BumpIncarnation() (uint64, error) {
	n, err := s.Incarnation()
	if err != nil {
		return 0, err
	}
	n++
	if err := s.handle().Set(keyIncarnation, []byte(strconv.FormatUint(n, 10))); err != nil {
		return 0, err
	}
	return n, nil
}
