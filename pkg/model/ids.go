// Package model holds the data types shared by the synchronization core:
// identifiers, coordinates, timestamps, case status graph, and the local/
// server case projections the reducer and outbox operate over.
package model

import (
	"fmt"
	"strings"
)

// maxIDBytes bounds the validated string identifiers that carry no control
// characters (ServerCaseId, UserId, CaseId).
const maxIDBytes = 256

// maxTokenBytes bounds the ASCII-alphanumeric token identifiers (OpId,
// IdempotencyKey).
const maxTokenBytes = 128

// OpId is an opaque, validated outbox operation identifier.
type OpId string

// IdempotencyKey is a client-chosen token bounding server-side replay to a
// single effective write.
type IdempotencyKey string

// LocalOpId identifies a local case prior to server acknowledgement.
type LocalOpId string

// ServerCaseId identifies a case as known to the server.
type ServerCaseId string

// UserId identifies the authenticated reporter or rescuer.
type UserId string

// CaseId is the server-assigned case identifier used once synced.
type CaseId string

// ValidateToken checks the ASCII-alphanumeric-plus-"-_" token rule used by
// OpId and IdempotencyKey: 1-128 bytes after trimming, no other characters.
func ValidateToken(s string) error {
	t := strings.TrimSpace(s)
	if len(t) == 0 {
		return fmt.Errorf("token is empty")
	}
	if len(t) > maxTokenBytes {
		return fmt.Errorf("token exceeds %d bytes", maxTokenBytes)
	}
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("token contains invalid character %q", r)
		}
	}
	return nil
}

// NewOpId validates and constructs an OpId.
func NewOpId(s string) (OpId, error) {
	if err := ValidateToken(s); err != nil {
		return "", fmt.Errorf("op id: %w", err)
	}
	return OpId(strings.TrimSpace(s)), nil
}

// NewIdempotencyKey validates and constructs an IdempotencyKey.
func NewIdempotencyKey(s string) (IdempotencyKey, error) {
	if err := ValidateToken(s); err != nil {
		return "", fmt.Errorf("idempotency key: %w", err)
	}
	return IdempotencyKey(strings.TrimSpace(s)), nil
}

// ValidateID checks the "no control chars, <= 256 bytes" rule used by
// ServerCaseId, UserId, and CaseId.
func ValidateID(s string) error {
	if len(s) == 0 {
		return fmt.Errorf("id is empty")
	}
	if len(s) > maxIDBytes {
		return fmt.Errorf("id exceeds %d bytes", maxIDBytes)
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("id contains control character")
		}
	}
	return nil
}

// NewServerCaseId validates and constructs a ServerCaseId.
func NewServerCaseId(s string) (ServerCaseId, error) {
	if err := ValidateID(s); err != nil {
		return "", fmt.Errorf("server case id: %w", err)
	}
	return ServerCaseId(s), nil
}
