package facade

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/cuemby/ocapkernel/pkg/capdata"
	"github.com/cuemby/ocapkernel/pkg/clist"
	"github.com/cuemby/ocapkernel/pkg/crank"
	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/kevents"
	"github.com/cuemby/ocapkernel/pkg/metrics"
	"github.com/cuemby/ocapkernel/pkg/security"
	"github.com/cuemby/ocapkernel/pkg/types"
	"github.com/cuemby/ocapkernel/pkg/vatbundle"
	"github.com/cuemby/ocapkernel/pkg/workerservice"
)

// --- getStatus ---------------------------------------------------------

// StatusResult is getStatus's reply: a snapshot of kernel population and
// queue depths, plus HA and remote comms summaries when those
// subsystems are attached.
type StatusResult struct {
	VatCount             int            `json:"vatCount"`
	SubclusterCount      int            `json:"subclusterCount"`
	RunqueueDepth        int            `json:"runqueueDepth"`
	AcceptanceQueueDepth int            `json:"acceptanceQueueDepth"`
	Incarnation          uint64         `json:"incarnation"`
	PeerID               string         `json:"peerId,omitempty"`
	HA                   map[string]any `json:"ha,omitempty"`
}

func (s *Server) getStatus(ctx context.Context) (any, error) {
	vats, err := s.store.ListVats()
	if err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubclusters()
	if err != nil {
		return nil, err
	}
	rq, err := s.store.RunqueueDepth()
	if err != nil {
		return nil, err
	}
	aq, err := s.store.AcceptanceQueueDepth()
	if err != nil {
		return nil, err
	}
	incarnation, err := s.store.Incarnation()
	if err != nil {
		return nil, err
	}

	result := StatusResult{
		VatCount:             len(vats),
		SubclusterCount:      len(subs),
		RunqueueDepth:        rq,
		AcceptanceQueueDepth: aq,
		Incarnation:          incarnation,
	}

	s.mu.Lock()
	remoteMgr, ha := s.remote, s.ha
	s.mu.Unlock()

	if remoteMgr != nil {
		result.PeerID = remoteMgr.PeerID()
	}
	if ha != nil {
		result.HA = ha.Stats()
	}
	return result, nil
}

// --- vat lifecycle -------------------------------------------------------

// LaunchVatParams is the config for launchVat: a ready-to-run bundle plus
// the constructor parameters spec.md §4.2 says the bootstrap/root object
// receives on startVat.
type LaunchVatParams struct {
	Bundle     vatbundle.Bundle `json:"bundle"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	Subcluster string           `json:"subcluster,omitempty"`
}

// LaunchVatResult names the new vat and the kernel-space kref of its
// root object, allocated via clist.Table.KrefFor immediately after
// startVat succeeds (by convention the root object is the vat's vref
// o+0, the same convention spec.md's bootstrap object follows).
type LaunchVatResult struct {
	VatID      string `json:"vatId"`
	RootObject string `json:"rootObject"`
}

func (s *Server) launchVat(ctx context.Context, raw json.RawMessage) (any, error) {
	var params LaunchVatParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	vatID, rootKref, err := s.launchVatInternal(ctx, params.Bundle, params.Parameters, params.Subcluster)
	if err != nil {
		return nil, err
	}
	return LaunchVatResult{VatID: vatID, RootObject: rootKref}, nil
}

func (s *Server) launchVatInternal(ctx context.Context, bundle vatbundle.Bundle, parameters map[string]any, subcluster string) (vatID, rootKref string, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VatLaunchDuration)

	vatID, err = s.store.NextVatID()
	if err != nil {
		return "", "", err
	}

	certDir, err := security.GetCertDir("vat", vatID)
	if err != nil {
		return "", "", kernelerr.Wrap(kernelerr.Internal, "resolve vat cert dir", err)
	}
	cert, err := s.cfg.CertAuthority.IssueVatCertificate(vatID, "vat", []string{vatID}, nil)
	if err != nil {
		return "", "", kernelerr.Wrap(kernelerr.Internal, "issue vat certificate", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return "", "", kernelerr.Wrap(kernelerr.Internal, "save vat certificate", err)
	}
	if err := security.SaveCACertToFile(s.cfg.CertAuthority.GetRootCACert(), certDir); err != nil {
		return "", "", kernelerr.Wrap(kernelerr.Internal, "save vat CA certificate", err)
	}

	bundlePath := filepath.Join(s.cfg.BundleDir, vatID+".bundle")
	if err := vatbundle.Write(bundlePath, bundle); err != nil {
		return "", "", kernelerr.Wrap(kernelerr.Internal, "write vat bundle", err)
	}

	v := &types.VatRecord{
		ID: vatID, BundleRef: bundlePath, Parameters: parameters,
		Subcluster: subcluster, Status: types.VatStarting, CreatedAt: time.Now(),
	}
	if err := s.store.CreateVat(v); err != nil {
		return "", "", err
	}

	handle, err := s.cfg.Launcher.Launch(ctx, workerservice.LaunchSpec{
		VatID: vatID, KernelAddr: s.cfg.KernelAddr, CertDir: certDir, BundlePath: bundlePath,
	})
	if err != nil {
		return "", "", kernelerr.Wrap(kernelerr.SupervisorReadError, "launch vat supervisor process", err)
	}
	s.mu.Lock()
	s.handles[vatID] = handle
	s.mu.Unlock()

	if err := s.waitForSupervisor(ctx, vatID); err != nil {
		return "", "", err
	}

	if _, err := s.dispatcher.Deliver(ctx, vatID, crank.Delivery{Kind: crank.DeliverStartVat}); err != nil {
		return "", "", err
	}

	rootVref := types.VRef(types.KindObject, 0, types.DirExported)
	root, err := clist.For(s.store, vatID).KrefFor(rootVref, types.KindObject)
	if err != nil {
		return "", "", err
	}

	v.RootObject = root.String()
	v.Status = types.VatRunning
	if err := s.store.UpdateVat(v); err != nil {
		return "", "", err
	}

	if s.health != nil {
		s.health.Track(vatID)
	}
	if s.events != nil {
		s.events.Publish(&kevents.Event{Type: kevents.VatLaunched, Message: vatID})
	}
	return vatID, root.String(), nil
}

// waitForSupervisor blocks until vatID's supervisor process has dialed
// back into pkg/supervisor.Manager, polling the same Pinger pingVat
// uses rather than inventing a separate readiness signal.
func (s *Server) waitForSupervisor(ctx context.Context, vatID string) error {
	deadline := time.Now().Add(startVatTimeout)
	for {
		if s.pinger.Ping(ctx, vatID).Healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return kernelerr.New(kernelerr.SupervisorReadError, "vat "+vatID+" supervisor did not connect in time")
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type vatIDParams struct {
	VatID string `json:"vatId"`
}

func (s *Server) terminateVat(ctx context.Context, raw json.RawMessage) (any, error) {
	var params vatIDParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	return nil, s.terminateVatInternal(ctx, params.VatID)
}

func (s *Server) terminateVatInternal(ctx context.Context, vatID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VatTerminateDuration)

	v, err := s.store.GetVat(vatID)
	if err != nil {
		return err
	}

	_, _ = s.dispatcher.Deliver(ctx, vatID, crank.Delivery{Kind: crank.DeliverStopVat})

	s.mu.Lock()
	handle, ok := s.handles[vatID]
	delete(s.handles, vatID)
	s.mu.Unlock()
	if ok {
		_ = handle.Stop(ctx)
	}

	v.Status = types.VatTerminated
	if err := s.store.UpdateVat(v); err != nil {
		return err
	}
	if err := s.rejectPromisesDecidedBy(vatID); err != nil {
		return err
	}

	if s.health != nil {
		s.health.Forget(vatID)
	}
	if s.events != nil {
		s.events.Publish(&kevents.Event{Type: kevents.VatTerminated, Message: vatID})
	}
	return nil
}

// rejectPromisesDecidedBy settles every promise vatID was deciding with a
// vat-terminated rejection, mirroring pkg/crank.Runner.failVat's
// cancellation rule for an explicit Facade termination rather than a
// delivery failure.
func (s *Server) rejectPromisesDecidedBy(vatID string) error {
	rejection, err := capdata.Marshal(capdata.TaggedError{Name: "vat-terminated", Message: vatID + " terminated"})
	if err != nil {
		return err
	}
	promises, err := s.store.ListPromises()
	if err != nil {
		return err
	}
	for _, p := range promises {
		if p.DeciderVat == vatID && p.State == types.PromiseUnresolved {
			if err := s.promises.Resolve(p.Kref, rejection, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) restartVat(ctx context.Context, raw json.RawMessage) (any, error) {
	var params vatIDParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.restartVatInternal(ctx, params.VatID); err != nil {
		return nil, err
	}
	metrics.VatRestartsTotal.Inc()
	return nil, nil
}

// restartVatInternal bounces a vat's worker process in place: same vat
// ID, same clist and krefs (those live in the kernel store, independent
// of the supervisor process's liveness), just a fresh StopVat/StartVat
// pair. This is distinct from a whole-kernel-process restart, which is
// just the store surviving process restart and needs no vat-level
// replay at all.
func (s *Server) restartVatInternal(ctx context.Context, vatID string) error {
	v, err := s.store.GetVat(vatID)
	if err != nil {
		return err
	}

	_, _ = s.dispatcher.Deliver(ctx, vatID, crank.Delivery{Kind: crank.DeliverStopVat})

	s.mu.Lock()
	handle, ok := s.handles[vatID]
	delete(s.handles, vatID)
	s.mu.Unlock()
	if ok {
		_ = handle.Stop(ctx)
	}
	if s.health != nil {
		s.health.Forget(vatID)
	}

	certDir, err := security.GetCertDir("vat", vatID)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "resolve vat cert dir", err)
	}
	newHandle, err := s.cfg.Launcher.Launch(ctx, workerservice.LaunchSpec{
		VatID: vatID, KernelAddr: s.cfg.KernelAddr, CertDir: certDir, BundlePath: v.BundleRef,
	})
	if err != nil {
		return kernelerr.Wrap(kernelerr.SupervisorReadError, "relaunch vat supervisor process", err)
	}
	s.mu.Lock()
	s.handles[vatID] = newHandle
	s.mu.Unlock()

	if err := s.waitForSupervisor(ctx, vatID); err != nil {
		return err
	}
	if _, err := s.dispatcher.Deliver(ctx, vatID, crank.Delivery{Kind: crank.DeliverStartVat}); err != nil {
		return err
	}

	v.Status = types.VatRunning
	if err := s.store.UpdateVat(v); err != nil {
		return err
	}
	if s.health != nil {
		s.health.Track(vatID)
	}
	return nil
}

func (s *Server) pingVat(ctx context.Context, raw json.RawMessage) (any, error) {
	var params vatIDParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	result := s.health.Ping(ctx, params.VatID)
	return result, nil
}

// --- subclusters ---------------------------------------------------------

// LaunchSubclusterParams launches a subcluster's bootstrap vat and groups
// every vat it goes on to create under the returned subcluster ID.
type LaunchSubclusterParams struct {
	Bundle     vatbundle.Bundle `json:"bundle"`
	Parameters map[string]any   `json:"parameters,omitempty"`
}

// LaunchSubclusterResult names the new subcluster and the kernel kref of
// its bootstrap vat's root object.
type LaunchSubclusterResult struct {
	SubclusterID      string `json:"subclusterId"`
	BootstrapRootKref string `json:"bootstrapRootKref"`
}

func (s *Server) launchSubcluster(ctx context.Context, raw json.RawMessage) (any, error) {
	var params LaunchSubclusterParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}

	subID, err := s.store.NextSubclusterID()
	if err != nil {
		return nil, err
	}
	sc := &types.SubclusterRecord{ID: subID, Config: params.Parameters, CreatedAt: time.Now()}
	if err := s.store.CreateSubcluster(sc); err != nil {
		return nil, err
	}

	vatID, rootKref, err := s.launchVatInternal(ctx, params.Bundle, params.Parameters, subID)
	if err != nil {
		return nil, err
	}

	sc.BootstrapVat = vatID
	sc.ChildVats = []string{vatID}
	if err := s.store.UpdateSubcluster(sc); err != nil {
		return nil, err
	}
	if s.events != nil {
		s.events.Publish(&kevents.Event{Type: kevents.SubclusterUp, Message: subID})
	}

	return LaunchSubclusterResult{SubclusterID: subID, BootstrapRootKref: rootKref}, nil
}

type subclusterIDParams struct {
	SubclusterID string `json:"subclusterId"`
}

func (s *Server) terminateSubcluster(ctx context.Context, raw json.RawMessage) (any, error) {
	var params subclusterIDParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	sc, err := s.store.GetSubcluster(params.SubclusterID)
	if err != nil {
		return nil, err
	}
	for _, vatID := range sc.ChildVats {
		if err := s.terminateVatInternal(ctx, vatID); err != nil {
			return nil, err
		}
	}
	if err := s.store.DeleteSubcluster(params.SubclusterID); err != nil {
		return nil, err
	}
	if s.events != nil {
		s.events.Publish(&kevents.Event{Type: kevents.SubclusterDown, Message: params.SubclusterID})
	}
	return nil, nil
}

// reloadSubcluster restarts every vat in the subcluster in place (each
// vat keeps its ID, clist, and krefs), the subcluster-scoped analogue of
// restartVat.
func (s *Server) reloadSubcluster(ctx context.Context, raw json.RawMessage) (any, error) {
	var params subclusterIDParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	sc, err := s.store.GetSubcluster(params.SubclusterID)
	if err != nil {
		return nil, err
	}
	for _, vatID := range sc.ChildVats {
		if err := s.restartVatInternal(ctx, vatID); err != nil {
			return nil, err
		}
		metrics.VatRestartsTotal.Inc()
	}
	return nil, nil
}

// --- messaging & inspection ----------------------------------------------

const queueMessageTimeout = 10 * time.Second

// QueueMessageParams is an external, non-vat send: targetKref names any
// krefed object or promise, exactly the way a vat's syscall.send does.
type QueueMessageParams struct {
	TargetKref string        `json:"targetKref"`
	Method     string        `json:"method"`
	Args       types.CapData `json:"args"`
}

// QueueMessageResult is the settled result promise's resolution.
type QueueMessageResult struct {
	Resolution  any  `json:"resolution"`
	IsRejection bool `json:"isRejection"`
}

func (s *Server) queueMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var params QueueMessageParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	target, err := types.ParseRef(params.TargetKref)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvalidEnvelope, "parse target kref", err)
	}

	// The Facade itself is not a vat and holds no decidership of its own,
	// so the result promise it allocates here has no DeciderVat: nothing
	// but this call is ever entitled to resolve it.
	resultPromise, err := s.store.InitPromise("")
	if err != nil {
		return nil, err
	}
	if err := s.promises.Send(target, params.Method, params.Args, resultPromise.Kref); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, queueMessageTimeout)
	defer cancel()
	for {
		p, err := s.store.GetPromise(resultPromise.Kref)
		if err != nil {
			return nil, err
		}
		if p.State != types.PromiseUnresolved {
			val, err := capdata.Unmarshal(*p.Resolution)
			if err != nil {
				return nil, err
			}
			return QueueMessageResult{Resolution: val, IsRejection: p.IsRejection}, nil
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, kernelerr.New(kernelerr.Internal, "queueMessage timed out waiting for "+resultPromise.Kref)
		}
	}
}

type inspectParams struct {
	Kref string `json:"kref"`
}

// inspect returns whatever typed record kref's kind resolves to, for
// debugging and test assertions — never exposed to a vat, only to the
// operator surface.
func (s *Server) inspect(ctx context.Context, raw json.RawMessage) (any, error) {
	var params inspectParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	ref, err := types.ParseRef(params.Kref)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvalidEnvelope, "parse kref", err)
	}

	switch ref.Kind {
	case types.KindObject, types.KindDevice, types.KindRemote:
		return s.store.GetObject(ref)
	case types.KindPromise:
		return s.store.GetPromise(ref.String())
	case types.KindVat:
		return s.store.GetVat(ref.String())
	case types.KindSub:
		return s.store.GetSubcluster(ref.String())
	default:
		return nil, kernelerr.New(kernelerr.InvalidEnvelope, "cannot inspect ref kind "+string(ref.Kind))
	}
}

// clearState wipes the entire kernel store. It is an operator/test-only
// reset (no running vat can trigger it) implemented by replaying an
// empty LoadAll over pkg/store, the same bypass path pkg/harft's FSM
// uses to materialize a raft snapshot.
func (s *Server) clearState(ctx context.Context) (any, error) {
	return nil, s.store.Underlying().LoadAll(map[string][]byte{})
}

type executeDBQueryParams struct {
	Query string `json:"query"`
}

// executeDBQuery runs an ad-hoc read-only SQL statement against the
// kernel's kv store, for operator inspection; pkg/store.ExecuteQuery
// itself rejects anything but a SELECT, PRAGMA or EXPLAIN statement.
func (s *Server) executeDBQuery(ctx context.Context, raw json.RawMessage) (any, error) {
	var params executeDBQueryParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	return s.store.Underlying().ExecuteQuery(params.Query)
}

// --- ocap URL issuance (expansion: spec.md §4.9's issuing-kernel side) ---

type issueURLParams struct {
	Kref string `json:"kref"`
}

// issueURL mints a fresh ocap URL bound to kref, for handing a capability
// to a process outside this kernel. Not part of spec.md §6's explicit
// Facade method list, but the only way anything outside a vat can ever
// obtain a swissnum in the first place — pkg/remote's SwissnumIssuer has
// no other caller.
func (s *Server) issueURL(ctx context.Context, raw json.RawMessage) (any, error) {
	s.mu.Lock()
	remoteMgr := s.remote
	s.mu.Unlock()
	if remoteMgr == nil {
		return nil, kernelerr.New(kernelerr.Internal, "remote comms is not enabled on this kernel")
	}
	var params issueURLParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	kref, err := types.ParseRef(params.Kref)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvalidEnvelope, "parse kref", err)
	}
	url, err := remoteMgr.Swissnum().Issue(kref)
	if err != nil {
		return nil, err
	}
	return map[string]string{"url": url}, nil
}

type redeemURLParams struct {
	URL         string   `json:"url"`
	PeerPubKey  []byte   `json:"peerPubKey,omitempty"`
	PeerAddrs   []string `json:"peerAddrs,omitempty"`
}

func (s *Server) redeemURL(ctx context.Context, raw json.RawMessage) (any, error) {
	s.mu.Lock()
	remoteMgr := s.remote
	s.mu.Unlock()
	if remoteMgr == nil {
		return nil, kernelerr.New(kernelerr.Internal, "remote comms is not enabled on this kernel")
	}
	var params redeemURLParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	ref, err := remoteMgr.Redeem(params.URL, params.PeerPubKey, params.PeerAddrs)
	if err != nil {
		return nil, err
	}
	return map[string]string{"kref": ref.String()}, nil
}
