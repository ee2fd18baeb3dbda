// Package keystore owns the device identity: an ECDSA P-256 keypair that is
// generated once, persisted to a user-local file, and used to sign
// authentication payloads. Only the public half and signatures derived from
// the private half ever leave this package.
package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/protocol"
)

// Identity is the device keypair plus its creation time.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	CreatedAt  time.Time
}

// identityFile is the on-disk shape. The private key is stored as
// base64-encoded SEC 1 DER; the file itself is mode 0600.
type identityFile struct {
	PrivateKey string    `json:"private_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store reads and writes the identity file.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store { return &Store{path: path} }

// Load reads the persisted identity. A missing file returns (nil, nil):
// that is the first-run signal, not an error.
func (s *Store) Load() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: read %s: %w", s.path, err)
	}

	var f identityFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &protocol.SigningError{Op: "decode identity file", Err: err}
	}
	der, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, &protocol.SigningError{Op: "decode private key", Err: err}
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, &protocol.SigningError{Op: "parse private key", Err: err}
	}

	return &Identity{PrivateKey: key, CreatedAt: f.CreatedAt}, nil
}

// Generate creates a fresh P-256 identity and persists it.
func (s *Store) Generate() (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate keypair: %w", err)
	}
	id := &Identity{PrivateKey: key, CreatedAt: time.Now().UTC()}
	if err := s.persist(id); err != nil {
		return nil, err
	}
	return id, nil
}

// LoadOrCreate returns the persisted identity, generating one on first run.
func (s *Store) LoadOrCreate() (*Identity, error) {
	id, err := s.Load()
	if err != nil {
		return nil, err
	}
	if id != nil {
		return id, nil
	}
	return s.Generate()
}

// Regenerate discards the current identity and creates a new one. Used
// when the key material on disk turns out to be corrupt.
func (s *Store) Regenerate() (*Identity, error) {
	s.mu.Lock()
	_ = os.Remove(s.path)
	s.mu.Unlock()
	return s.Generate()
}

func (s *Store) persist(id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	der, err := x509.MarshalECPrivateKey(id.PrivateKey)
	if err != nil {
		return &protocol.SigningError{Op: "encode private key", Err: err}
	}
	f := identityFile{
		PrivateKey: base64.StdEncoding.EncodeToString(der),
		CreatedAt:  id.CreatedAt,
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: encode identity file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("keystore: create config dir: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	return nil
}

// Sign produces a base64 ECDSA signature over the SHA-512 digest of the
// message, in the encoding the backend expects for signed auth payloads.
func Sign(id *Identity, message []byte) (string, error) {
	if id == nil || id.PrivateKey == nil {
		return "", &protocol.SigningError{Op: "sign", Err: errors.New("no key material")}
	}
	digest := sha512.Sum512(message)
	sig, err := ecdsa.SignASN1(rand.Reader, id.PrivateKey, digest[:])
	if err != nil {
		return "", &protocol.SigningError{Op: "sign", Err: err}
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKeyEncoded returns the public key as base64 PKIX DER, the wire
// encoding used in device-registration payloads.
func PublicKeyEncoded(id *Identity) (string, error) {
	if id == nil || id.PrivateKey == nil {
		return "", &protocol.SigningError{Op: "encode public key", Err: errors.New("no key material")}
	}
	der, err := x509.MarshalPKIXPublicKey(&id.PrivateKey.PublicKey)
	if err != nil {
		return "", &protocol.SigningError{Op: "encode public key", Err: err}
	}
	return base64.StdEncoding.EncodeToString(der), nil
}
