// Package clist implements the per-vat translation table between kernel
// object/promise/device references (krefs) and a vat's local references
// (vrefs), including deterministic vref allocation on export and the
// import/export refcount bookkeeping described in spec §4.3.
package clist

import (
	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// Table is the clist for a single vat, backed by the kernel store.
type Table struct {
	vatID string
	store *kernelstore.Store
}

// For returns the clist view for vatID.
func For(store *kernelstore.Store, vatID string) *Table {
	return &Table{vatID: vatID, store: store}
}

// Export assigns (or returns the existing) vref for kref in this vat's
// clist, its polarity derived from kref (polarityForExport), and bumps both the object's
// reachable and recognizable refcounts when a new mapping is created
// (spec §4.5: "every clist import/export of a kref adjusts both").
func (t *Table) Export(kref types.Ref) (types.Ref, error) {
	if existing, ok, err := t.store.ClistLookupByKref(t.vatID, kref); err != nil {
		return types.Ref{}, err
	} else if ok {
		return existing, nil
	}

	n, err := t.store.NextVrefNumber(t.vatID)
	if err != nil {
		return types.Ref{}, err
	}
	vref := types.VRef(kref.Kind, n, polarityForExport(kref))
	if err := t.store.ClistExport(t.vatID, kref, vref); err != nil {
		return types.Ref{}, err
	}
	if _, err := t.store.AdjustRefcount(kref, types.Recognizable, 1, t.vatID, vref.String()); err != nil {
		return types.Ref{}, err
	}
	if _, err := t.store.AdjustRefcount(kref, types.Reachable, 1, t.vatID, vref.String()); err != nil {
		return types.Ref{}, err
	}
	return vref, nil
}

// Import records an existing kernel object as newly visible to this vat
// (e.g. as a send argument), allocating a vref if this vat has never seen
// the kref before.
func (t *Table) Import(kref types.Ref) (types.Ref, error) {
	return t.Export(kref)
}

// Translate maps a local vref back to its kref, failing if this vat has
// no clist entry for it (a vat cannot forge a reference it never received).
func (t *Table) Translate(vref types.Ref) (types.Ref, error) {
	kref, ok, err := t.store.ClistLookupByVref(t.vatID, vref)
	if err != nil {
		return types.Ref{}, err
	}
	if !ok {
		return types.Ref{}, kernelerr.New(kernelerr.InvalidEnvelope, "unknown vref in vat "+t.vatID+": "+vref.String())
	}
	return kref, nil
}

// KrefFor returns the kref for a vref this vat already holds a mapping
// for, or — if the vat is presenting a reference the kernel has never
// seen (e.g. a promise it just originated locally) — allocates a fresh
// kref of the given kind and records the mapping, symmetric with Export's
// kernel-to-vat allocation but running in the vat-to-kernel direction.
func (t *Table) KrefFor(vref types.Ref, kind types.Kind) (types.Ref, error) {
	if kref, ok, err := t.store.ClistLookupByVref(t.vatID, vref); err != nil {
		return types.Ref{}, err
	} else if ok {
		return kref, nil
	}

	kref, err := t.store.NextKref(kind)
	if err != nil {
		return types.Ref{}, err
	}
	if err := t.store.ClistExport(t.vatID, kref, vref); err != nil {
		return types.Ref{}, err
	}
	return kref, nil
}

// Resolve maps a kref to this vat's vref, failing if never exported/imported.
func (t *Table) Resolve(kref types.Ref) (types.Ref, error) {
	vref, ok, err := t.store.ClistLookupByKref(t.vatID, kref)
	if err != nil {
		return types.Ref{}, err
	}
	if !ok {
		return types.Ref{}, kernelerr.New(kernelerr.InvalidEnvelope, "kref not present in vat "+t.vatID+" clist: "+kref.String())
	}
	return vref, nil
}

// Drop removes the clist entry for kref and decrements the object's
// reachable count by one, returning the post-adjustment record so the
// caller (pkg/gc) can decide whether the object is now collectible.
func (t *Table) Drop(kref types.Ref) (*types.ObjectRecord, error) {
	if err := t.store.ClistDrop(t.vatID, kref); err != nil {
		return nil, err
	}
	return t.store.AdjustRefcount(kref, types.Reachable, -1, t.vatID, "")
}

func polarityForExport(kref types.Ref) types.Direction {
	if kref.Kind == types.KindVat || kref.Kind == types.KindSub {
		return types.DirNone
	}
	return types.DirExported
}
