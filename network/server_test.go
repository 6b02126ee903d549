package network

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flowkvm/crypto"
	"flowkvm/models"
	"flowkvm/registry"
	"flowkvm/storage"
)

var testConfiguration = models.Configuration{
	Leader:    "receiver-a:1",
	Followers: []models.DeviceID{"receiver-a:2", "receiver-b:1"},
}

func TestDeviceHostRoundTrip(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 0)
	client := api.openClient(t)
	ctx := context.Background()

	if _, ok, err := client.DeviceHost(ctx, "receiver-a:2"); err != nil || ok {
		t.Fatalf("expected no recorded host before any write, got ok=%v err=%v", ok, err)
	}

	for _, host := range []models.HostIndex{2, 3, 1} {
		if err := client.PushDeviceHost(ctx, "receiver-a:2", host); err != nil {
			t.Fatalf("PushDeviceHost(%d) failed: %v", host, err)
		}
		got, ok, err := client.DeviceHost(ctx, "receiver-a:2")
		if err != nil || !ok {
			t.Fatalf("DeviceHost failed: ok=%v err=%v", ok, err)
		}
		if got != host {
			t.Fatalf("expected host %d, got %d", host, got)
		}
	}

	statuses, err := client.DeviceStatuses(ctx)
	if err != nil {
		t.Fatalf("DeviceStatuses failed: %v", err)
	}
	if len(statuses) != 1 || statuses["receiver-a:2"] != 1 {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
}

func TestUnknownDeviceWriteIsNotFound(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 0)
	client := api.openClient(t)

	err := client.PushDeviceHost(context.Background(), "does-not-exist", 2)
	if !errors.Is(err, registry.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if api.registry.Known("does-not-exist") {
		t.Fatalf("expected registry to stay unmodified")
	}
	if snapshot := api.registry.Snapshot(); len(snapshot) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snapshot)
	}
}

func TestLeaderWriteTriggersPropagationOnce(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 0)
	client := api.openClient(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := client.PushDeviceHost(ctx, testConfiguration.Leader, 2); err != nil {
			t.Fatalf("PushDeviceHost failed: %v", err)
		}
	}
	if err := client.PushDeviceHost(ctx, "receiver-b:1", 3); err != nil {
		t.Fatalf("PushDeviceHost follower failed: %v", err)
	}

	changes := api.leaderChanges()
	if len(changes) != 1 {
		t.Fatalf("expected exactly one leader change, got %v", changes)
	}
	if changes[0].Device != testConfiguration.Leader || changes[0].Host != 2 {
		t.Fatalf("unexpected leader change %+v", changes[0])
	}
}

func TestConfigurationEndpoint(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 0)

	cfg, err := api.openClient(t).Configuration(context.Background())
	if err != nil {
		t.Fatalf("Configuration failed: %v", err)
	}
	if cfg.Leader != testConfiguration.Leader || len(cfg.Followers) != 2 || cfg.Followers[1] != "receiver-b:1" {
		t.Fatalf("unexpected configuration %+v", cfg)
	}
}

func TestPairingRejectsMismatchedCode(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 0)

	res := api.pairAsOperator(t, "laptop", "123456", "654321")
	if !errors.Is(res.err, ErrPairingRejected) {
		t.Fatalf("expected ErrPairingRejected, got %v", res.err)
	}
	if res.cred.Token != "" || len(res.cred.Certificate) != 0 {
		t.Fatalf("expected no trust material, got %+v", res.cred)
	}

	established, err := api.store.HasAuthTokens()
	if err != nil {
		t.Fatalf("HasAuthTokens failed: %v", err)
	}
	if established {
		t.Fatalf("expected no token to be issued")
	}

	events, err := api.store.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.SecurityEventPairingRejected})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one pairing_rejected event, got %d", len(events))
	}
}

func TestPairingSuccessRequiresTokenAfterwards(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 0)

	res := api.pairAsOperator(t, "laptop", "048213", " 048213\n")
	if res.err != nil {
		t.Fatalf("Pair failed: %v", res.err)
	}
	if res.cred.Token == "" {
		t.Fatalf("expected a token")
	}
	if !bytes.Equal(res.cred.Certificate, api.certPEM) {
		t.Fatalf("expected the server certificate to be returned")
	}

	record, err := api.store.GetAuthToken("laptop")
	if err != nil {
		t.Fatalf("GetAuthToken failed: %v", err)
	}
	if record.TokenDigest != crypto.TokenDigest(res.cred.Token) {
		t.Fatalf("expected stored digest to match issued token")
	}

	ctx := context.Background()
	if _, err := api.clientWith(t, &res.cred).Configuration(ctx); err != nil {
		t.Fatalf("authenticated Configuration failed: %v", err)
	}

	if _, err := api.openClient(t).Configuration(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without a token, got %v", err)
	}

	randomToken, err := crypto.NewToken()
	if err != nil {
		t.Fatalf("NewToken failed: %v", err)
	}
	forged := models.PeerCredential{PeerName: "laptop", Certificate: api.certPEM, Token: randomToken}
	if _, err := api.clientWith(t, &forged).Configuration(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized with a random token, got %v", err)
	}

	events, err := api.store.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.SecurityEventAuthFailed})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two auth_failed events, got %d", len(events))
	}
}

func TestRepairingOverwritesToken(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 0)

	first := api.pairAsOperator(t, "laptop", "111111", "111111")
	if first.err != nil {
		t.Fatalf("first Pair failed: %v", first.err)
	}
	second := api.pairAsOperator(t, "laptop", "222222", "222222")
	if second.err != nil {
		t.Fatalf("second Pair failed: %v", second.err)
	}

	ctx := context.Background()
	if _, err := api.clientWith(t, &first.cred).Configuration(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected the replaced token to be rejected, got %v", err)
	}
	if _, err := api.clientWith(t, &second.cred).Configuration(ctx); err != nil {
		t.Fatalf("expected the new token to work, got %v", err)
	}
}

func TestPinnedClientRejectsOtherCertificate(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 0)

	otherPEM, _, err := crypto.MintCertificate("other", nil, time.Hour)
	if err != nil {
		t.Fatalf("mint certificate: %v", err)
	}
	client := api.clientWith(t, &models.PeerCredential{PeerName: "test", Certificate: otherPEM, Token: "x"})

	if _, err := client.Configuration(context.Background()); !errors.Is(err, ErrCertificateMismatch) {
		t.Fatalf("expected ErrCertificateMismatch, got %v", err)
	}
}

func TestClipboardRelay(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 16)
	client := api.openClient(t)
	ctx := context.Background()

	data, _, err := client.Clipboard(ctx)
	if err != nil || data != nil {
		t.Fatalf("expected empty clipboard, got %q err=%v", data, err)
	}

	if err := client.SetClipboard(ctx, []byte("hello"), "text/plain"); err != nil {
		t.Fatalf("SetClipboard failed: %v", err)
	}
	data, contentType, err := client.Clipboard(ctx)
	if err != nil {
		t.Fatalf("Clipboard failed: %v", err)
	}
	if string(data) != "hello" || contentType != "text/plain" {
		t.Fatalf("unexpected clipboard %q (%s)", data, contentType)
	}

	if err := client.SetClipboard(ctx, bytes.Repeat([]byte("x"), 17), "text/plain"); err == nil {
		t.Fatalf("expected oversized clipboard to be rejected")
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	api := newTestAPI(t, testConfiguration, 0)
	handler := api.server.Handler()

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		version string
		status  int
	}{
		{name: "junk host", method: http.MethodPut, path: "/device/receiver-a:1", body: "two", status: http.StatusBadRequest},
		{name: "zero host", method: http.MethodPut, path: "/device/receiver-a:1", body: "0", status: http.StatusBadRequest},
		{name: "unknown device", method: http.MethodPut, path: "/device/nope", body: "2", status: http.StatusNotFound},
		{name: "unobserved device", method: http.MethodGet, path: "/device/receiver-a:1", status: http.StatusNotFound},
		{name: "future protocol", method: http.MethodGet, path: "/configuration", version: "2", status: http.StatusUpgradeRequired},
		{name: "old pairing payload", method: http.MethodPost, path: "/pairing", body: `{"name":"x","pairing_code":"1"}`, status: http.StatusUpgradeRequired},
		{name: "unknown session", method: http.MethodGet, path: "/pairing/missing", status: http.StatusNotFound},
		{name: "probe", method: http.MethodOptions, path: "/pairing", status: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.version != "" {
				req.Header.Set(ProtocolHeader, tt.version)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if rec.Header().Get(ProtocolHeader) != "1" {
				t.Fatalf("expected protocol header on every response")
			}
		})
	}
}
