package types

import "time"

// RefTag distinguishes the two refcount axes a kref carries.
type RefTag string

const (
	Reachable    RefTag = "reachable"
	Recognizable RefTag = "recognizable"
)

// VatStatus tracks a vat's lifecycle state.
type VatStatus string

const (
	VatStarting    VatStatus = "starting"
	VatRunning     VatStatus = "running"
	VatTerminated  VatStatus = "terminated"
)

// VatRecord is the description of a compartment. Most fields are set once
// at creation; Status and RootObject are updated as the vat starts up and
// (eventually) terminates.
type VatRecord struct {
	ID         string // "v<N>"
	BundleRef  string // content-addressed reference to the vat bundle
	Parameters map[string]any
	Subcluster string // "s<N>", empty if launched standalone
	RootObject string // "ko<N>" of the vat's root object, set after startVat
	Status     VatStatus
	CreatedAt  time.Time
}

// SubclusterRecord groups vats launched and terminated together.
type SubclusterRecord struct {
	ID            string
	Config        map[string]any
	BootstrapVat  string // vat ID
	ChildVats     []string
	CreatedAt     time.Time
}

// ClistEntry is one (vat, kref<->vref) mapping.
type ClistEntry struct {
	VatID       string
	Kref        string
	Vref        string
	Reachable   bool
	Recognizable bool
}

// ObjectRecord tracks ownership and refcounts for one kernel object.
type ObjectRecord struct {
	Kref              string
	OwnerVat          string
	ExportVref        string
	ReachableCount    int64
	RecognizableCount int64
}

// PromiseState is the lifecycle state of a PromiseRecord.
type PromiseState string

const (
	PromiseUnresolved PromiseState = "unresolved"
	PromiseFulfilled  PromiseState = "fulfilled"
	PromiseRejected   PromiseState = "rejected"
)

// QueuedMessage is a send that targeted an unresolved promise.
type QueuedMessage struct {
	Target       string // promise kref this was queued on
	Method       string
	Args         CapData
	ResultPromise string // kref of the result promise, if any
}

// PromiseRecord is the persisted state of one promise.
type PromiseRecord struct {
	Kref        string
	State       PromiseState
	DeciderVat  string // empty if undecided
	Subscribers []string
	Queue       []QueuedMessage
	Resolution  *CapData // set once State != PromiseUnresolved
	IsRejection bool
}

// CapData is the wire form for cross-vat values: a body encoding plus a
// parallel slot list of krefs/vrefs referenced by placeholders in the body.
type CapData struct {
	Body  string `json:"body"`
	Slots []Ref  `json:"slots"`
}

// RunqueueEntryKind tags the variant of a RunqueueEntry.
type RunqueueEntryKind string

const (
	EntrySend                RunqueueEntryKind = "send"
	EntryNotify              RunqueueEntryKind = "notify"
	EntryGCAction            RunqueueEntryKind = "gc-action"
	EntryBringOutYourDead    RunqueueEntryKind = "bringOutYourDead"
)

// GCActionKind distinguishes a drop from a retire.
type GCActionKind string

const (
	GCDrop   GCActionKind = "drop"
	GCRetire GCActionKind = "retire"
)

// RunqueueEntry is one unit of work a crank will dispatch.
type RunqueueEntry struct {
	Kind RunqueueEntryKind

	// send
	Target        string
	Method        string
	Args          CapData
	ResultPromise string

	// notify
	Subscriber string
	Promise    string

	// gc-action
	GCKind GCActionKind
	Krefs  []string
	Vat    string
}

// Command is the envelope pkg/harft commits to its raft log: Op names one
// key-value edit ("set" or "delete") and Data carries that edit as JSON.
type Command struct {
	Op   string `json:"op"`
	Data []byte `json:"data"`
}

// PeerRecord is a remembered remote kernel peer.
type PeerRecord struct {
	PeerID      string
	PublicKey   []byte
	Multiaddrs  []string
	Incarnation uint64
	LastSeen    time.Time
}

// SwissnumRecord backs one issued ocap URL.
type SwissnumRecord struct {
	Swissnum  string
	Kref      string
	IssuedAt  time.Time
	Revoked   bool
}

// AcceptedDelivery is one inbound remoteDeliver envelope waiting on the
// acceptance queue for promotion onto the run queue. It carries enough of
// a send to reconstruct a RunqueueEntry once promoted: the remote peer it
// arrived from, the incarnation the sender claimed, and the send payload
// itself (a local target kref the peer is allowed to address, method,
// arguments, and an optional result promise kref).
type AcceptedDelivery struct {
	FromPeer      string
	Incarnation   uint64
	Target        string
	Method        string
	Args          CapData
	ResultPromise string
}
