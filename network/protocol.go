package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	// ProtocolVersion is the current Sync API version.
	ProtocolVersion = 1
	// ProtocolHeader carries ProtocolVersion on every request and response.
	ProtocolHeader = "X-Flowkvm-Protocol"
	// DefaultRequestTimeout bounds each outbound Sync API call.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultPairingPollInterval is how often a client asks for the outcome of a pairing.
	DefaultPairingPollInterval = 500 * time.Millisecond

	maxJSONBodyBytes   = 64 * 1024
	maxDeviceBodyBytes = 32
)

var (
	// ErrUnauthorized means the server rejected the bearer token.
	ErrUnauthorized = errors.New("network: unauthorized")
	// ErrServerUnavailable means the server could not be reached.
	ErrServerUnavailable = errors.New("network: server not available")
	// ErrCertificateMismatch means the server no longer presents the pinned certificate.
	ErrCertificateMismatch = errors.New("network: server certificate does not match the pinned certificate")
	// ErrPairingRejected means the server operator typed a different code.
	ErrPairingRejected = errors.New("network: pairing rejected")
	// ErrPairingExpired means nobody resolved the pairing in time.
	ErrPairingExpired = errors.New("network: pairing expired")
	// ErrPairingNotFound means the pairing session is unknown.
	ErrPairingNotFound = errors.New("network: pairing session not found")
	// ErrPairingResolved means a pairing session already has an outcome.
	ErrPairingResolved = errors.New("network: pairing session already resolved")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrNoCredential means the client was built without trust material.
	ErrNoCredential = errors.New("network: client has no credential")
)

// PairingStatus is the state of a pairing session.
type PairingStatus string

const (
	PairingPending  PairingStatus = "pending"
	PairingAccepted PairingStatus = "accepted"
	PairingRejected PairingStatus = "rejected"
	PairingExpired  PairingStatus = "expired"
)

// PairingRequest is sent by a client to start pairing.
type PairingRequest struct {
	ProtocolVersion int    `json:"protocol_version"`
	Name            string `json:"name"`
	PairingCode     string `json:"pairing_code"`
}

// PairingSession reports the state of a pairing. Token and Certificate are
// only set once the session is accepted.
type PairingSession struct {
	ProtocolVersion int           `json:"protocol_version"`
	SessionID       string        `json:"session_id"`
	Status          PairingStatus `json:"status"`
	Token           string        `json:"token,omitempty"`
	Certificate     string        `json:"certificate,omitempty"`
	Fingerprint     string        `json:"fingerprint,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at"`
}

// ConfigurationResponse is the body of GET /configuration.
type ConfigurationResponse struct {
	Leader    string   `json:"leader"`
	Followers []string `json:"followers"`
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
}

const (
	errCodeBadRequest   = "bad_request"
	errCodeUnauthorized = "unauthorized"
	errCodeNotFound     = "not_found"
	errCodeUnsupported  = "unsupported_version"
	errCodeTooLarge     = "too_large"
	errCodeBusy         = "busy"
	errCodeInternal     = "internal"
)

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func writeHost(w http.ResponseWriter, host int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strconv.Itoa(host)))
}

// decodeError turns an error reply into a Go error.
func decodeError(status int, body []byte) error {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Message == "" {
		return fmt.Errorf("server returned %d", status)
	}
	return fmt.Errorf("server returned %d: %s", status, resp.Message)
}
