// Package identity manages the device's persistent key pair and the
// signing oracle the authentication flow uses to prove possession of the
// private key without the deployment engine ever touching raw key
// material directly. Key generation follows the RSA-over-crypto/rsa
// pattern used throughout this codebase's former certificate authority,
// narrowed from a full CA to a single device key pair.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/cuemby/mender-agent/pkg/store"
)

// KeySize is the RSA modulus size for the device identity key pair.
const KeySize = 2048

// ErrNoKey is returned by Signer-facing calls when the identity has not
// been loaded or generated yet.
var ErrNoKey = errors.New("identity: no key pair loaded")

// Attributes is an unordered set of string identity attributes (device
// type, MAC address, serial number, and similar) submitted with every
// authentication request.
type Attributes map[string]string

// Signer is the signing oracle contract: it proves possession of the
// device private key without exposing it. Implementations MAY live on a
// hardware security element; the default Identity type signs in-process.
type Signer interface {
	// Sign returns a signature over data suitable for the
	// X-MEN-Signature request header.
	Sign(data []byte) ([]byte, error)
	// PublicKeyDER returns the public key in DER (PKIX) form.
	PublicKeyDER() ([]byte, error)
}

// Identity owns the device's persistent RSA key pair, lazily generating
// one on first use and persisting it through a Store (C1).
type Identity struct {
	store store.Store
	key   *rsa.PrivateKey
}

// New wraps a Store with key lifecycle management. It does not touch the
// store until Load is called.
func New(s store.Store) *Identity {
	return &Identity{store: s}
}

// Load reads the persisted private key, generating and persisting a new
// key pair if no private key is stored yet. It never rotates an existing
// key.
func (id *Identity) Load() error {
	der, err := id.store.Get(store.KeyPrivateKey)
	switch {
	case err == nil:
		key, perr := x509.ParsePKCS1PrivateKey(der)
		if perr != nil {
			return fmt.Errorf("identity: decoding stored private key: %w", perr)
		}
		id.key = key
		return nil
	case errors.Is(err, store.ErrNotFound):
		return id.generate()
	default:
		return fmt.Errorf("identity: reading private key: %w", err)
	}
}

func (id *Identity) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return fmt.Errorf("identity: generating key pair: %w", err)
	}
	privDER := x509.MarshalPKCS1PrivateKey(key)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("identity: marshaling public key: %w", err)
	}
	if err := id.store.Set(store.KeyPrivateKey, privDER); err != nil {
		return fmt.Errorf("identity: persisting private key: %w", err)
	}
	if err := id.store.Set(store.KeyPublicKey, pubDER); err != nil {
		return fmt.Errorf("identity: persisting public key: %w", err)
	}
	id.key = key
	return nil
}

// Sign implements Signer.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id.key == nil {
		return nil, ErrNoKey
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("identity: signing: %w", err)
	}
	return sig, nil
}

// PublicKeyDER implements Signer.
func (id *Identity) PublicKeyDER() ([]byte, error) {
	if id.key == nil {
		return nil, ErrNoKey
	}
	return x509.MarshalPKIXPublicKey(&id.key.PublicKey)
}
