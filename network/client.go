package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"flowkvm/crypto"
	"flowkvm/models"
	"flowkvm/registry"
)

const (
	pushAttempts     = 3
	pushInitialDelay = 100 * time.Millisecond
	pushMaxDelay     = time.Second
	maxResponseBytes = 16 << 20
)

// ClientOptions configures a Sync API client.
type ClientOptions struct {
	BaseURL      string
	Logger       *zap.Logger
	Timeout      time.Duration
	Credential   *models.PeerCredential
	PollInterval time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultRequestTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPairingPollInterval
	}
	return out
}

// Client talks to a Sync API server. Authenticated calls trust only the
// pinned certificate of its credential.
type Client struct {
	opts    ClientOptions
	log     *zap.Logger
	baseURL *url.URL

	pinned   *http.Client
	unpinned *http.Client
}

// BaseURL returns the Sync API URL for an address, adding port when address has none.
func BaseURL(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return "https://" + address
	}
	return "https://" + net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(port))
}

// NewClient returns a client for opts.BaseURL.
func NewClient(opts ClientOptions) (*Client, error) {
	opts = opts.withDefaults()
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("server url %q must be https://host:port", opts.BaseURL)
	}

	c := &Client{
		opts:    opts,
		log:     opts.Logger,
		baseURL: base,
		unpinned: &http.Client{Transport: newTransport(&tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // pairing payload is the trust anchor
			MinVersion:         tls.VersionTLS12,
		})},
	}

	if opts.Credential != nil {
		cert, err := crypto.ParseCertificate(opts.Credential.Certificate)
		if err != nil {
			return nil, fmt.Errorf("pinned certificate: %w", err)
		}
		c.pinned = &http.Client{Transport: newTransport(&tls.Config{
			// The pinned certificate replaces chain and host name checks,
			// so a server keeps its identity when its address changes.
			InsecureSkipVerify: true, //nolint:gosec // verified by VerifyConnection
			VerifyConnection:   pinnedCertificate(cert),
			MinVersion:         tls.VersionTLS12,
		})}
	}

	return c, nil
}

// errPinMismatch is returned from the TLS handshake when the server presents
// another certificate than the pinned one.
var errPinMismatch = errors.New("server presented a different certificate")

func pinnedCertificate(cert *x509.Certificate) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 || !bytes.Equal(cs.PeerCertificates[0].Raw, cert.Raw) {
			return errPinMismatch
		}
		return nil
	}
}

func newTransport(cfg *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy:               nil,
		TLSClientConfig:     cfg,
		TLSHandshakeTimeout: DefaultRequestTimeout,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Address returns host:port of the server.
func (c *Client) Address() string {
	return c.baseURL.Host
}

// Close releases idle connections.
func (c *Client) Close() {
	c.unpinned.CloseIdleConnections()
	if c.pinned != nil {
		c.pinned.CloseIdleConnections()
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
	tls    *tls.ConnectionState
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body []byte, contentType string) (*response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL.JoinPath(path).String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(ProtocolHeader, strconv.Itoa(ProtocolVersion))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if client == c.pinned && c.opts.Credential != nil && c.opts.Credential.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Credential.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	out := &response{status: resp.StatusCode, header: resp.Header, body: raw, tls: resp.TLS}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if !strings.HasPrefix(path, "/pairing") {
			return out, ErrUnauthorized
		}
	case http.StatusUpgradeRequired:
		return out, fmt.Errorf("%w: %w", ErrUnsupportedVersion, decodeError(resp.StatusCode, raw))
	}
	return out, nil
}

func (c *Client) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var (
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
	)
	if errors.Is(err, errPinMismatch) || errors.As(err, &verifyErr) || errors.As(err, &authorityErr) || errors.As(err, &hostnameErr) {
		return fmt.Errorf("%w: %v", ErrCertificateMismatch, err)
	}
	return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
}

func (c *Client) authenticated() (*http.Client, error) {
	if c.pinned == nil {
		return nil, ErrNoCredential
	}
	return c.pinned, nil
}

// Probe checks that the pairing endpoint answers, without verifying the certificate.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.do(ctx, c.unpinned, http.MethodOptions, "/pairing", nil, "")
	if err != nil {
		return err
	}
	if resp.status >= 300 {
		return fmt.Errorf("%w: %w", ErrServerUnavailable, decodeError(resp.status, resp.body))
	}
	return nil
}

// Pair submits code under name and waits until the server operator resolves it.
// The returned credential pins the certificate the server presented.
func (c *Client) Pair(ctx context.Context, name, code string) (models.PeerCredential, error) {
	payload, err := json.Marshal(PairingRequest{ProtocolVersion: ProtocolVersion, Name: name, PairingCode: code})
	if err != nil {
		return models.PeerCredential{}, fmt.Errorf("encode pairing request: %w", err)
	}

	resp, err := c.do(ctx, c.unpinned, http.MethodPost, "/pairing", payload, "application/json")
	if err != nil {
		return models.PeerCredential{}, err
	}
	if resp.status != http.StatusAccepted {
		return models.PeerCredential{}, fmt.Errorf("submit pairing: %w", decodeError(resp.status, resp.body))
	}
	var session PairingSession
	if err := json.Unmarshal(resp.body, &session); err != nil {
		return models.PeerCredential{}, fmt.Errorf("decode pairing session: %w", err)
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return models.PeerCredential{}, ctx.Err()
		case <-ticker.C:
		}

		resp, err := c.do(ctx, c.unpinned, http.MethodGet, "/pairing/"+url.PathEscape(session.SessionID), nil, "")
		if err != nil {
			return models.PeerCredential{}, err
		}

		switch resp.status {
		case http.StatusAccepted:
			continue
		case http.StatusNotFound:
			return models.PeerCredential{}, ErrPairingNotFound
		case http.StatusGone:
			return models.PeerCredential{}, ErrPairingExpired
		case http.StatusUnauthorized:
			return models.PeerCredential{}, ErrPairingRejected
		case http.StatusOK:
			return c.acceptPairing(resp)
		default:
			return models.PeerCredential{}, fmt.Errorf("poll pairing: %w", decodeError(resp.status, resp.body))
		}
	}
}

func (c *Client) acceptPairing(resp *response) (models.PeerCredential, error) {
	var session PairingSession
	if err := json.Unmarshal(resp.body, &session); err != nil {
		return models.PeerCredential{}, fmt.Errorf("decode pairing session: %w", err)
	}
	if session.Status != PairingAccepted || session.Token == "" || session.Certificate == "" {
		return models.PeerCredential{}, errors.New("pairing response is missing trust material")
	}

	cert, err := crypto.ParseCertificate([]byte(session.Certificate))
	if err != nil {
		return models.PeerCredential{}, err
	}
	if resp.tls == nil || len(resp.tls.PeerCertificates) == 0 || !bytes.Equal(resp.tls.PeerCertificates[0].Raw, cert.Raw) {
		return models.PeerCredential{}, fmt.Errorf("%w: pairing certificate differs from the TLS peer", ErrCertificateMismatch)
	}

	c.log.Info("paired with server", zap.String("server", c.Address()), zap.String("fingerprint", session.Fingerprint))
	return models.PeerCredential{
		PeerName:    c.Address(),
		Certificate: []byte(session.Certificate),
		Token:       session.Token,
	}, nil
}

// Configuration fetches the leader/follower assignment.
func (c *Client) Configuration(ctx context.Context) (models.Configuration, error) {
	client, err := c.authenticated()
	if err != nil {
		return models.Configuration{}, err
	}
	resp, err := c.do(ctx, client, http.MethodGet, "/configuration", nil, "")
	if err != nil {
		return models.Configuration{}, err
	}
	if resp.status != http.StatusOK {
		return models.Configuration{}, fmt.Errorf("get configuration: %w", decodeError(resp.status, resp.body))
	}

	var body ConfigurationResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return models.Configuration{}, fmt.Errorf("decode configuration: %w", err)
	}
	out := models.Configuration{Leader: models.DeviceID(body.Leader)}
	for _, id := range body.Followers {
		out.Followers = append(out.Followers, models.DeviceID(id))
	}
	return out, nil
}

// DeviceStatuses fetches every recorded host.
func (c *Client) DeviceStatuses(ctx context.Context) (map[models.DeviceID]models.HostIndex, error) {
	client, err := c.authenticated()
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, client, http.MethodGet, "/device", nil, "")
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("get devices: %w", decodeError(resp.status, resp.body))
	}

	var body map[string]int
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	out := make(map[models.DeviceID]models.HostIndex, len(body))
	for id, host := range body {
		out[models.DeviceID(id)] = models.HostIndex(host)
	}
	return out, nil
}

// DeviceHost fetches the recorded host of one device. It reports false when
// the server has none.
func (c *Client) DeviceHost(ctx context.Context, id models.DeviceID) (models.HostIndex, bool, error) {
	client, err := c.authenticated()
	if err != nil {
		return 0, false, err
	}
	resp, err := c.do(ctx, client, http.MethodGet, devicePath(id), nil, "")
	if err != nil {
		return 0, false, err
	}
	switch resp.status {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("get device %s: %w", id, decodeError(resp.status, resp.body))
	}

	value, err := strconv.Atoi(strings.TrimSpace(string(resp.body)))
	if err != nil {
		return 0, false, fmt.Errorf("parse host of %s: %w", id, err)
	}
	return models.HostIndex(value), true, nil
}

// PushDeviceHost records host for id on the server, retrying transient failures.
func (c *Client) PushDeviceHost(ctx context.Context, id models.DeviceID, host models.HostIndex) error {
	client, err := c.authenticated()
	if err != nil {
		return err
	}

	err = retry.Do(func() error {
		resp, err := c.do(ctx, client, http.MethodPut, devicePath(id), []byte(host.String()), "text/plain")
		if err != nil {
			if errors.Is(err, ErrServerUnavailable) {
				return err
			}
			return retry.Unrecoverable(err)
		}
		switch {
		case resp.status == http.StatusNoContent || resp.status == http.StatusOK:
			return nil
		case resp.status == http.StatusNotFound:
			return retry.Unrecoverable(fmt.Errorf("push %s: %w", id, registry.ErrUnknownDevice))
		case resp.status < 500:
			return retry.Unrecoverable(fmt.Errorf("push %s: %w", id, decodeError(resp.status, resp.body)))
		default:
			return fmt.Errorf("push %s: %w", id, decodeError(resp.status, resp.body))
		}
	},
		retry.Context(ctx),
		retry.Attempts(pushAttempts),
		retry.Delay(pushInitialDelay),
		retry.MaxDelay(pushMaxDelay),
		retry.LastErrorOnly(true),
	)
	return err
}

// Clipboard returns the last relayed clipboard payload and its content type.
// An empty payload means nothing was relayed yet.
func (c *Client) Clipboard(ctx context.Context) ([]byte, string, error) {
	client, err := c.authenticated()
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(ctx, client, http.MethodGet, "/clipboard", nil, "")
	if err != nil {
		return nil, "", err
	}
	switch resp.status {
	case http.StatusOK:
		return resp.body, resp.header.Get("Content-Type"), nil
	case http.StatusNoContent:
		return nil, "", nil
	default:
		return nil, "", fmt.Errorf("get clipboard: %w", decodeError(resp.status, resp.body))
	}
}

// SetClipboard replaces the relayed clipboard payload.
func (c *Client) SetClipboard(ctx context.Context, data []byte, contentType string) error {
	client, err := c.authenticated()
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if data == nil {
		data = []byte{}
	}
	resp, err := c.do(ctx, client, http.MethodPut, "/clipboard", data, contentType)
	if err != nil {
		return err
	}
	if resp.status != http.StatusNoContent && resp.status != http.StatusOK {
		return fmt.Errorf("set clipboard: %w", decodeError(resp.status, resp.body))
	}
	return nil
}

func devicePath(id models.DeviceID) string {
	return "/device/" + url.PathEscape(string(id))
}
