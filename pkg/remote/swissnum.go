package remote

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// swissnumEntropyBytes gives 256 bits of entropy, comfortably above
// spec.md's 128-bit minimum for an ocap URL's bearer token.
const swissnumEntropyBytes = 32

// SwissnumStore is the persistence this package needs for issued ocap
// URLs; *kernelstore.Store satisfies it.
type SwissnumStore interface {
	SaveSwissnum(r *types.SwissnumRecord) error
	GetSwissnum(swissnum string) (*types.SwissnumRecord, bool, error)
	ListSwissnums() ([]*types.SwissnumRecord, error)
}

// SwissnumIssuer issues and redeems ocap URLs, reusing the teacher's
// TokenManager generate/validate/revoke shape (pkg/manager/token.go)
// generalized from time-bound join tokens to kref-bound bearer
// capabilities that, unlike a join token, never expire on their own —
// only an explicit Revoke or a kernel restart's re-issue invalidates one.
type SwissnumIssuer struct {
	store  SwissnumStore
	selfID string // this kernel's peerID, embedded in every URL it issues
}

// NewSwissnumIssuer returns an issuer for ocap URLs naming selfID as the
// issuing peer.
func NewSwissnumIssuer(store SwissnumStore, selfID string) *SwissnumIssuer {
	return &SwissnumIssuer{store: store, selfID: selfID}
}

// Issue mints a fresh ocap URL bound to kref and persists the binding.
func (si *SwissnumIssuer) Issue(kref types.Ref) (string, error) {
	raw := make([]byte, swissnumEntropyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate swissnum: %w", err)
	}
	swissnum := hex.EncodeToString(raw)

	record := &types.SwissnumRecord{
		Swissnum: swissnum,
		Kref:     kref.String(),
		IssuedAt: time.Now(),
	}
	if err := si.store.SaveSwissnum(record); err != nil {
		return "", err
	}
	return fmt.Sprintf("ocap://%s/%s", si.selfID, swissnum), nil
}

// Revoke marks a previously issued swissnum as no longer redeemable,
// e.g. when the kernel re-issues a URL after an incarnation bump.
func (si *SwissnumIssuer) Revoke(swissnum string) error {
	record, ok, err := si.store.GetSwissnum(swissnum)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerr.New(kernelerr.UnknownPeer, "swissnum not found: "+swissnum)
	}
	record.Revoked = true
	return si.store.SaveSwissnum(record)
}

// ParsedURL is an ocap URL split into its peer and swissnum parts.
type ParsedURL struct {
	PeerID   string
	Swissnum string
}

// ParseURL validates and splits "ocap://<peerId>/<swissnum>".
func ParseURL(url string) (ParsedURL, error) {
	const scheme = "ocap://"
	if len(url) <= len(scheme) || url[:len(scheme)] != scheme {
		return ParsedURL{}, kernelerr.New(kernelerr.InvalidEnvelope, "not an ocap URL: "+url)
	}
	rest := url[len(scheme):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return ParsedURL{PeerID: rest[:i], Swissnum: rest[i+1:]}, nil
		}
	}
	return ParsedURL{}, kernelerr.New(kernelerr.InvalidEnvelope, "malformed ocap URL: "+url)
}

// RedeemLocal resolves a swissnum this kernel itself issued to the local
// kref it is bound to. Redeeming a URL issued by a different peer instead
// produces a remote presence — that path is Manager.Redeem, which also
// needs the peer transport to confirm the remote kernel still honors it.
func (si *SwissnumIssuer) RedeemLocal(swissnum string) (types.Ref, error) {
	record, ok, err := si.store.GetSwissnum(swissnum)
	if err != nil {
		return types.Ref{}, err
	}
	if !ok {
		return types.Ref{}, kernelerr.New(kernelerr.URLRevoked, "unknown swissnum")
	}
	if record.Revoked {
		return types.Ref{}, kernelerr.New(kernelerr.URLRevoked, "swissnum revoked")
	}
	return types.ParseRef(record.Kref)
}
