package supervisor

import (
	"github.com/cuemby/ocapkernel/pkg/crank"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// EnvelopeKind tags which of the wire message families an Envelope
// carries; the DeliveryStream is a single untyped gRPC stream of
// Envelopes in both directions.
type EnvelopeKind string

const (
	EnvelopeHello         EnvelopeKind = "hello"
	EnvelopeDelivery      EnvelopeKind = "delivery"
	EnvelopeSyscall       EnvelopeKind = "syscall"
	EnvelopeSyscallResult EnvelopeKind = "syscallResult"
	EnvelopeReply         EnvelopeKind = "reply"
)

// Envelope is the one message type the DeliveryStream's "json" codec
// marshals; Kind selects which embedded payload is populated.
type Envelope struct {
	Kind EnvelopeKind

	Hello         *Hello         `json:"hello,omitempty"`
	Delivery      *WireDelivery  `json:"delivery,omitempty"`
	Syscall       *Syscall       `json:"syscall,omitempty"`
	SyscallResult *SyscallResult `json:"syscallResult,omitempty"`
	Reply         *Reply         `json:"reply,omitempty"`
}

// Hello is the first message a vat supervisor sends after dialing,
// identifying which vat it is speaking for.
type Hello struct {
	VatID string `json:"vatID"`
}

// WireDelivery is the wire form of crank.Delivery plus the correlation ID
// its eventual Reply must echo.
type WireDelivery struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	Target        string        `json:"target,omitempty"`
	Method        string        `json:"method,omitempty"`
	Args          types.CapData `json:"args,omitempty"`
	ResultPromise string        `json:"resultPromise,omitempty"`
	Subscriber    string        `json:"subscriber,omitempty"`
	Promise       string        `json:"promise,omitempty"`
	Krefs         []string      `json:"krefs,omitempty"`
}

// Syscall is a vat->kernel message issued while a delivery is in flight
// (spec §4.6's "syscalls are interleaved within a delivery window").
type Syscall struct {
	ID      string        `json:"id"`
	Kind    string        `json:"kind"` // send, resolve, subscribe, exit, vatstoreGet/Set/Delete, dropImports, retireImports, retireExports
	Target  string        `json:"target,omitempty"`
	Method  string        `json:"method,omitempty"`
	Args    types.CapData `json:"args,omitempty"`
	Promise string        `json:"promise,omitempty"`
	Key     string        `json:"key,omitempty"`
	Value   []byte        `json:"value,omitempty"`
	Vrefs   []string      `json:"vrefs,omitempty"`
	Reason  string        `json:"reason,omitempty"` // exit; resolve rejects when "reject"
}

// SyscallResult is the kernel's synchronous reply to one Syscall.
type SyscallResult struct {
	ID    string `json:"id"`
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found,omitempty"`
	Error string `json:"error,omitempty"`
}

// Reply pairs a WireDelivery by ID.
type Reply struct {
	ID          string        `json:"id"`
	Resolved    bool          `json:"resolved,omitempty"`
	Resolution  types.CapData `json:"resolution,omitempty"`
	IsRejection bool          `json:"isRejection,omitempty"`
	DropVrefs   []string      `json:"dropVrefs,omitempty"`
	RetireVrefs []string      `json:"retireVrefs,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func toWireDelivery(id string, d crank.Delivery) WireDelivery {
	return WireDelivery{
		ID:            id,
		Kind:          string(d.Kind),
		Target:        d.Target,
		Method:        d.Method,
		Args:          d.Args,
		ResultPromise: d.ResultPromise,
		Subscriber:    d.Subscriber,
		Promise:       d.Promise,
		Krefs:         d.Krefs,
	}
}

func fromWireDelivery(w WireDelivery) crank.Delivery {
	return crank.Delivery{
		Kind:          crank.DeliveryKind(w.Kind),
		Target:        w.Target,
		Method:        w.Method,
		Args:          w.Args,
		ResultPromise: w.ResultPromise,
		Subscriber:    w.Subscriber,
		Promise:       w.Promise,
		Krefs:         w.Krefs,
	}
}

func fromWireReply(r Reply) (crank.DeliveryResult, error) {
	drop, err := parseRefs(r.DropVrefs)
	if err != nil {
		return crank.DeliveryResult{}, err
	}
	retire, err := parseRefs(r.RetireVrefs)
	if err != nil {
		return crank.DeliveryResult{}, err
	}
	return crank.DeliveryResult{
		Resolved:    r.Resolved,
		Resolution:  r.Resolution,
		IsRejection: r.IsRejection,
		DropVrefs:   drop,
		RetireVrefs: retire,
	}, nil
}

func toWireReply(id string, res crank.DeliveryResult, errMsg string) Reply {
	return Reply{
		ID:          id,
		Resolved:    res.Resolved,
		Resolution:  res.Resolution,
		IsRejection: res.IsRejection,
		DropVrefs:   refStrings(res.DropVrefs),
		RetireVrefs: refStrings(res.RetireVrefs),
		Error:       errMsg,
	}
}

func parseRefs(ss []string) ([]types.Ref, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	refs := make([]types.Ref, len(ss))
	for i, s := range ss {
		r, err := types.ParseRef(s)
		if err != nil {
			return nil, err
		}
		refs[i] = r
	}
	return refs, nil
}

func refStrings(refs []types.Ref) []string {
	if len(refs) == 0 {
		return nil
	}
	ss := make([]string, len(refs))
	for i, r := range refs {
		ss[i] = r.String()
	}
	return ss
}
