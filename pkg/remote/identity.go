package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/cuemby/ocapkernel/pkg/security"
)

const identityFileName = "remote_identity.key"

// fingerprintEncoding renders a peerID as unpadded RFC 4648 base32, in
// its upper-case standard alphabet.
var fingerprintEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Identity is one kernel instance's Ed25519 keypair and the derived
// application-facing peerID used in ocap URLs and PeerRecord.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	PeerID     string
}

// GenerateIdentity creates a fresh Ed25519 keypair and derives its peerID.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 identity: %w", err)
	}
	return &Identity{PrivateKey: priv, PublicKey: pub, PeerID: Fingerprint(pub)}, nil
}

// Fingerprint is the base32 SHA-256 fingerprint of an Ed25519 public key,
// the canonical peerID form used throughout this package.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return fingerprintEncoding.EncodeToString(sum[:])
}

// LoadOrCreateIdentity loads the kernel's persisted identity from
// certDir, generating and saving a fresh one on first run — the same
// bootstrap shape pkg/security.CertAuthority uses for the root CA key.
// The private key never touches disk in the clear: it is sealed under
// the cluster-wide encryption key (pkg/security.SealWithClusterKey)
// before being written, since this key is what every ocap URL this
// kernel issues is ultimately backed by — compromising it lets an
// attacker impersonate the kernel to every peer holding one of its
// swissnums (spec.md §4.9).
func LoadOrCreateIdentity(certDir string) (*Identity, error) {
	path := filepath.Join(certDir, identityFileName)

	raw, err := os.ReadFile(path)
	if err == nil {
		priv, unsealErr := unsealIdentityFile(raw)
		if unsealErr != nil {
			return nil, fmt.Errorf("unseal identity file %s: %w", path, unsealErr)
		}
		pub := priv.Public().(ed25519.PublicKey)
		return &Identity{PrivateKey: priv, PublicKey: pub, PeerID: Fingerprint(pub)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return nil, fmt.Errorf("create cert dir %s: %w", certDir, err)
	}
	sealed, err := sealIdentityFile(certDir, id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("seal identity key: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("write identity file %s: %w", path, err)
	}
	return id, nil
}

// sealIdentityFile seals priv under the cluster encryption key and
// marshals the resulting Sealed value for on-disk storage.
func sealIdentityFile(certDir string, priv ed25519.PrivateKey) ([]byte, error) {
	secret, err := security.SealWithClusterKey(certDir, priv)
	if err != nil {
		return nil, err
	}
	return json.Marshal(secret)
}

// unsealIdentityFile reverses sealIdentityFile.
func unsealIdentityFile(raw []byte) (ed25519.PrivateKey, error) {
	var secret security.Sealed
	if err := json.Unmarshal(raw, &secret); err != nil {
		return nil, fmt.Errorf("unmarshal sealed identity: %w", err)
	}
	plaintext, err := security.UnsealWithClusterKey(&secret)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sealed identity has unexpected length %d", len(plaintext))
	}
	return ed25519.PrivateKey(plaintext), nil
}

// Libp2pPrivKey converts the stdlib Ed25519 key into libp2p's own PrivKey
// type, which host construction needs. Go's ed25519.PrivateKey is
// already the 64-byte seed||public encoding libp2p's unmarshaler expects.
func (id *Identity) Libp2pPrivKey() (libp2pcrypto.PrivKey, error) {
	key, err := libp2pcrypto.UnmarshalEd25519PrivateKey(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("convert identity to libp2p key: %w", err)
	}
	return key, nil
}
