package trust

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"flowkvm/crypto"
	"flowkvm/models"
)

const (
	certificateExt = ".crt"
	privateKeyExt  = ".key"
	tokenExt       = ".token"
)

// Store keeps the credentials a client holds for each server it paired with.
type Store struct {
	dir string
}

// NewStore returns a credential store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("trust directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create trust directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory holding credential files.
func (s *Store) Dir() string {
	return s.dir
}

// SafeName maps a declared peer name onto a filename stem.
func SafeName(peer string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(peer)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

// Load returns the stored credential for peer. Both the certificate and the
// token must be present, otherwise the peer is reported as unknown.
func (s *Store) Load(peer string) (models.PeerCredential, bool, error) {
	base := filepath.Join(s.dir, SafeName(peer))

	certPEM, err := os.ReadFile(base + certificateExt)
	if errors.Is(err, fs.ErrNotExist) {
		return models.PeerCredential{}, false, nil
	}
	if err != nil {
		return models.PeerCredential{}, false, fmt.Errorf("read peer certificate: %w", err)
	}

	token, err := os.ReadFile(base + tokenExt)
	if errors.Is(err, fs.ErrNotExist) {
		return models.PeerCredential{}, false, nil
	}
	if err != nil {
		return models.PeerCredential{}, false, fmt.Errorf("read peer token: %w", err)
	}

	keyPEM, err := os.ReadFile(base + privateKeyExt)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return models.PeerCredential{}, false, fmt.Errorf("read peer key: %w", err)
	}

	cred := models.PeerCredential{
		PeerName:    peer,
		Certificate: certPEM,
		PrivateKey:  keyPEM,
		Token:       strings.TrimSpace(string(token)),
	}
	if !cred.Complete() {
		return models.PeerCredential{}, false, nil
	}
	return cred, true, nil
}

// Save writes cred atomically, replacing any credential stored for the same peer.
func (s *Store) Save(cred models.PeerCredential) error {
	if strings.TrimSpace(cred.PeerName) == "" {
		return errors.New("peer name is required")
	}
	if !cred.Complete() {
		return errors.New("credential needs both a certificate and a token")
	}
	if _, err := crypto.ParseCertificate(cred.Certificate); err != nil {
		return err
	}

	base := filepath.Join(s.dir, SafeName(cred.PeerName))
	if err := crypto.WriteFileAtomic(base+certificateExt, cred.Certificate, 0o644); err != nil {
		return fmt.Errorf("write peer certificate: %w", err)
	}
	if len(cred.PrivateKey) > 0 {
		if err := crypto.WriteFileAtomic(base+privateKeyExt, cred.PrivateKey, 0o600); err != nil {
			return fmt.Errorf("write peer key: %w", err)
		}
	}
	if err := crypto.WriteFileAtomic(base+tokenExt, []byte(cred.Token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write peer token: %w", err)
	}

	return nil
}

// Delete removes every file stored for peer.
func (s *Store) Delete(peer string) error {
	base := filepath.Join(s.dir, SafeName(peer))
	for _, ext := range []string{certificateExt, privateKeyExt, tokenExt} {
		if err := os.Remove(base + ext); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(base+ext), err)
		}
	}
	return nil
}
