package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowkvm/crypto"
	"flowkvm/storage"
)

const (
	// DefaultPairingTimeout expires pending pairing sessions.
	DefaultPairingTimeout = 2 * time.Minute

	pendingBacklog = 16
	maxNameLength  = 128
)

var errPairingBacklog = errors.New("too many pending pairing requests")

// TokenStore persists bearer token digests and security events.
type TokenStore interface {
	UpsertAuthToken(name, tokenDigest string) error
	FindAuthTokenByDigest(tokenDigest string) (*storage.AuthToken, error)
	TouchAuthToken(name string, timestamp int64) error
	HasAuthTokens() (bool, error)
	LogSecurityEvent(event storage.SecurityEvent) error
}

// PendingPairing is a pairing request waiting for the server operator.
type PendingPairing struct {
	SessionID  string
	Name       string
	RemoteAddr string
	ExpiresAt  time.Time
}

// PairingOptions configures a PairingManager.
type PairingOptions struct {
	Logger         *zap.Logger
	Tokens         TokenStore
	CertificatePEM []byte
	Timeout        time.Duration
	Now            func() time.Time
}

func (o PairingOptions) withDefaults() PairingOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultPairingTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

type pairingSession struct {
	id         string
	name       string
	code       string
	remoteAddr string
	status     PairingStatus
	token      string
	expiresAt  time.Time
}

// PairingManager runs the server side of the two-phase pairing handshake.
// Submit records a client's code and returns at once; the operator's typed
// code arrives later through Resolve and decides the outcome.
type PairingManager struct {
	opts        PairingOptions
	log         *zap.Logger
	fingerprint string

	mu       sync.Mutex
	sessions map[string]*pairingSession

	pending chan PendingPairing
}

// NewPairingManager returns a PairingManager issuing tokens into opts.Tokens.
func NewPairingManager(opts PairingOptions) (*PairingManager, error) {
	opts = opts.withDefaults()
	if opts.Tokens == nil {
		return nil, errors.New("token store is required")
	}
	fingerprint, err := crypto.CertificateFingerprint(opts.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("server certificate: %w", err)
	}

	return &PairingManager{
		opts:        opts,
		log:         opts.Logger,
		fingerprint: fingerprint,
		sessions:    make(map[string]*pairingSession),
		pending:     make(chan PendingPairing, pendingBacklog),
	}, nil
}

// Pending delivers sessions that wait for the operator's code.
func (m *PairingManager) Pending() <-chan PendingPairing {
	return m.pending
}

// Submit opens a pairing session for name with the code the client displayed.
func (m *PairingManager) Submit(name, code, remoteAddr string) (PairingSession, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return PairingSession{}, errors.New("name must be 1-128 characters")
	}
	if crypto.NormalizePairingCode(code) == "" {
		return PairingSession{}, errors.New("pairing code is required")
	}

	session := &pairingSession{
		id:         uuid.NewString(),
		name:       name,
		code:       code,
		remoteAddr: remoteAddr,
		status:     PairingPending,
		expiresAt:  m.opts.Now().Add(m.opts.Timeout),
	}

	m.mu.Lock()
	m.sessions[session.id] = session
	m.mu.Unlock()

	m.logEvent(storage.SecurityEventPairingRequested, storage.SecuritySeverityInfo, session, nil)

	select {
	case m.pending <- PendingPairing{SessionID: session.id, Name: name, RemoteAddr: remoteAddr, ExpiresAt: session.expiresAt}:
	default:
		m.mu.Lock()
		delete(m.sessions, session.id)
		m.mu.Unlock()
		return PairingSession{}, errPairingBacklog
	}

	m.log.Info("pairing requested", zap.String("name", name), zap.String("remote_addr", remoteAddr))
	return m.view(session), nil
}

// Resolve completes a pending session with the code the server operator typed.
// A mismatch rejects the session and issues nothing.
func (m *PairingManager) Resolve(sessionID, typedCode string) (PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return PairingSession{}, ErrPairingNotFound
	}
	m.expireLocked(session)

	switch session.status {
	case PairingExpired:
		return m.view(session), ErrPairingExpired
	case PairingPending:
	default:
		return m.view(session), ErrPairingResolved
	}

	if !crypto.PairingCodesEqual(session.code, typedCode) {
		session.status = PairingRejected
		m.logEvent(storage.SecurityEventPairingRejected, storage.SecuritySeverityWarning, session, nil)
		m.log.Warn("pairing code mismatch", zap.String("name", session.name))
		return m.view(session), nil
	}

	token, err := crypto.NewToken()
	if err != nil {
		return PairingSession{}, err
	}
	if err := m.opts.Tokens.UpsertAuthToken(session.name, crypto.TokenDigest(token)); err != nil {
		return PairingSession{}, fmt.Errorf("store auth token: %w", err)
	}

	session.status = PairingAccepted
	session.token = token
	m.logEvent(storage.SecurityEventPairingAccepted, storage.SecuritySeverityInfo, session, nil)
	m.log.Info("pairing accepted", zap.String("name", session.name))
	return m.view(session), nil
}

// Status returns the current state of a session.
func (m *PairingManager) Status(sessionID string) (PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return PairingSession{}, ErrPairingNotFound
	}
	m.expireLocked(session)
	return m.view(session), nil
}

// Sweep expires overdue sessions and forgets finished ones past twice the timeout.
func (m *PairingManager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	forgetBefore := m.opts.Now().Add(-m.opts.Timeout)
	for id, session := range m.sessions {
		m.expireLocked(session)
		if session.status != PairingPending && session.expiresAt.Before(forgetBefore) {
			delete(m.sessions, id)
		}
	}
}

// Run sweeps sessions until ctx ends.
func (m *PairingManager) Run(ctx context.Context) error {
	interval := m.opts.Timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *PairingManager) expireLocked(session *pairingSession) {
	if session.status != PairingPending || m.opts.Now().Before(session.expiresAt) {
		return
	}
	session.status = PairingExpired
	m.logEvent(storage.SecurityEventPairingExpired, storage.SecuritySeverityInfo, session, nil)
	m.log.Info("pairing expired", zap.String("name", session.name))
}

func (m *PairingManager) view(session *pairingSession) PairingSession {
	out := PairingSession{
		ProtocolVersion: ProtocolVersion,
		SessionID:       session.id,
		Status:          session.status,
		ExpiresAt:       session.expiresAt,
	}
	if session.status == PairingAccepted {
		out.Token = session.token
		out.Certificate = string(m.opts.CertificatePEM)
		out.Fingerprint = m.fingerprint
	}
	return out
}

func (m *PairingManager) logEvent(eventType, severity string, session *pairingSession, extra map[string]any) {
	details := map[string]any{"session_id": session.id}
	for k, v := range extra {
		details[k] = v
	}
	raw, _ := json.Marshal(details)

	name := session.name
	remote := session.remoteAddr
	if err := m.opts.Tokens.LogSecurityEvent(storage.SecurityEvent{
		EventType:  eventType,
		PeerName:   &name,
		RemoteAddr: &remote,
		Details:    string(raw),
		Severity:   severity,
	}); err != nil {
		m.log.Warn("log security event failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
