package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	// SecurityEventPairingRequested is logged when a client submits a pairing code.
	SecurityEventPairingRequested = "pairing_requested"
	// SecurityEventPairingAccepted is logged when a token is issued.
	SecurityEventPairingAccepted = "pairing_accepted"
	// SecurityEventPairingRejected is logged when the typed code does not match.
	SecurityEventPairingRejected = "pairing_rejected"
	// SecurityEventPairingExpired is logged when nobody resolved a session in time.
	SecurityEventPairingExpired = "pairing_expired"
	// SecurityEventAuthFailed is logged when a request carries no valid bearer token.
	SecurityEventAuthFailed = "auth_failed"
	// SecurityEventTokenRevoked is logged when the operator revokes a client's token.
	SecurityEventTokenRevoked = "token_revoked"
)

// AuthToken is the SQLite representation of a bearer token issued to a paired client.
//
// Only the digest of the token is stored.
type AuthToken struct {
	Name        string
	TokenDigest string
	CreatedAt   int64
	UpdatedAt   int64
	LastUsedAt  *int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID         int64
	EventType  string
	PeerName   *string
	RemoteAddr *string
	Details    string
	Severity   string
	Timestamp  int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	PeerName      string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
