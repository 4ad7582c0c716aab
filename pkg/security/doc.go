/*
Package security provides cryptographic services for the kernel: secrets
encryption using AES-256-GCM, a Certificate Authority (CA) for mutual TLS
between the kernel and vat supervisors, and certificate lifecycle
management.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    Security Architecture                    │
	└─────┬───────────────────────┬──────────────────┬────────────┘
	      │                       │                  │
	      ▼                       ▼                  ▼
	┌─────────────┐      ┌────────────────┐   ┌──────────────┐
	│   Secrets   │      │       CA       │   │ Certificate  │
	│ Encryption  │      │  (Root + Sub)  │   │  Management  │
	└─────┬───────┘      └────────┬───────┘   └──────┬───────┘
	      │                       │                   │
	      ▼                       ▼                   ▼
	  AES-256-GCM         RSA 4096-bit          90-day rotation
	  Sealed values       10-year validity      Automatic renewal

# Kernel Encryption Key

All security is rooted in the kernel's encryption key, a 32-byte key
derived from the kernel's cluster ID during initialization:

	clusterKey = SHA-256(clusterID)  // 32 bytes for AES-256

This key encrypts the CA's root private key before it is handed to
pkg/kernelstore for persistence, and any other value sealed through
SecretsManager (e.g. pkg/remote's Ed25519 identity key, sealed through
SealWithClusterKey).

# Secrets Encryption

SecretsManager wraps AES-256-GCM, giving authenticated encryption:
modified ciphertext, a wrong key, or a wrong nonce all fail decryption
rather than silently returning corrupt plaintext. Sealed values carry an
ID derived from their name, a name, and ciphertext with the nonce
prepended.

# Certificate Authority

The CA issues vat-identity certificates for mTLS between the kernel's
supervisor endpoint and each vat's supervisor process
(pkg/security.CertAuthority.IssueVatCertificate), and client
certificates for the CLI's Facade connections
(IssueClientCertificate). Both chain to one long-lived, self-signed
root:

	Root CA (self-signed, RSA 4096, 10-year validity)
	└── Subject: CN=OCAP Kernel Root CA, O=OCAP Kernel

	Vat Certificate (RSA 2048, 90-day validity)
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ServerAuth, ClientAuth
	└── Subject: CN={role}-{vatID}, O=OCAP Kernel

The root certificate and its (encrypted) private key are persisted via
the CAStore interface this package defines — *kernelstore.Store
satisfies it — keeping this package free of a direct dependency on the
storage layer's concrete type.

# Certificate Rotation

CertNeedsRotation reports true once fewer than 30 days remain before a
certificate's expiry; callers re-issue via IssueVatCertificate and
replace the file on disk with SaveCertToFile.

# Threat Model

This package protects against network eavesdropping (TLS), unauthorized
connections (mTLS — both the kernel and the vat present certificates),
secret tampering (GCM's authentication tag), and impersonation
(CA-signed certificates only). It does not protect against a compromised
kernel encryption key, a compromised CA private key, or physical access
to a running kernel process's memory.
*/
package security
