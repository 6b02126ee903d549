package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"flowkvm/crypto"
	"flowkvm/models"
	"flowkvm/registry"
	"flowkvm/storage"
)

const testPollInterval = 10 * time.Millisecond

type testAPI struct {
	url      string
	certPEM  []byte
	store    *storage.Store
	registry *registry.Registry
	pairing  *PairingManager
	server   *Server

	mu      sync.Mutex
	changes []models.DeviceStatus
}

func (a *testAPI) leaderChanges() []models.DeviceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.DeviceStatus(nil), a.changes...)
}

func newTestAPI(t *testing.T, cfg models.Configuration, clipboardMax int64) *testAPI {
	t.Helper()

	certPEM, keyPEM, err := crypto.MintCertificate("flowkvm-test", nil, time.Hour)
	if err != nil {
		t.Fatalf("mint certificate: %v", err)
	}
	return newTestAPIWithCertificate(t, cfg, clipboardMax, certPEM, keyPEM)
}

func newTestAPIWithCertificate(t *testing.T, cfg models.Configuration, clipboardMax int64, certPEM, keyPEM []byte) *testAPI {
	t.Helper()

	store, _, err := storage.Open(t.TempDir(), storage.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("parse certificate pair: %v", err)
	}

	logger := zaptest.NewLogger(t)
	pairing, err := NewPairingManager(PairingOptions{
		Logger:         logger.Named("pairing"),
		Tokens:         store,
		CertificatePEM: certPEM,
	})
	if err != nil {
		t.Fatalf("NewPairingManager failed: %v", err)
	}

	api := &testAPI{
		certPEM:  certPEM,
		store:    store,
		registry: registry.New(cfg.Devices()...),
		pairing:  pairing,
	}
	api.server, err = NewServer(ServerOptions{
		Logger:        logger.Named("api"),
		Registry:      api.registry,
		Configuration: cfg,
		Tokens:        store,
		Pairing:       pairing,
		OnLeaderChange: func(_ context.Context, status models.DeviceStatus) {
			api.mu.Lock()
			api.changes = append(api.changes, status)
			api.mu.Unlock()
		},
		Certificate:       pair,
		ClipboardMaxBytes: clipboardMax,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ts := httptest.NewUnstartedServer(api.server.Handler())
	ts.TLS = &tls.Config{Certificates: []tls.Certificate{pair}}
	ts.StartTLS()
	t.Cleanup(ts.Close)
	api.url = ts.URL

	return api
}

// mintForOtherAddress returns a self-signed certificate whose names do not
// cover the loopback address the test server listens on.
func mintForOtherAddress(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "desk.example"},
		DNSNames:              []string{"desk.example"},
		IPAddresses:           []net.IP{net.ParseIP("192.0.2.10")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// openClient trusts the server certificate without a token; valid until a pairing succeeds.
func (a *testAPI) openClient(t *testing.T) *Client {
	t.Helper()
	return a.clientWith(t, &models.PeerCredential{PeerName: "test", Certificate: a.certPEM})
}

func (a *testAPI) clientWith(t *testing.T, cred *models.PeerCredential) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		BaseURL:      a.url,
		Logger:       zaptest.NewLogger(t),
		Timeout:      2 * time.Second,
		Credential:   cred,
		PollInterval: testPollInterval,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type pairResult struct {
	cred models.PeerCredential
	err  error
}

// pairAsOperator runs a client pairing with clientCode while the operator types operatorCode.
func (a *testAPI) pairAsOperator(t *testing.T, name, clientCode, operatorCode string) pairResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := a.clientWith(t, nil)
	results := make(chan pairResult, 1)
	go func() {
		cred, err := client.Pair(ctx, name, clientCode)
		results <- pairResult{cred: cred, err: err}
	}()

	select {
	case pending := <-a.pairing.Pending():
		if pending.Name != name {
			t.Fatalf("expected pending pairing from %q, got %q", name, pending.Name)
		}
		if _, err := a.pairing.Resolve(pending.SessionID, operatorCode); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for pending pairing")
	}

	select {
	case res := <-results:
		return res
	case <-ctx.Done():
		t.Fatalf("timed out waiting for pairing result")
		return pairResult{}
	}
}
