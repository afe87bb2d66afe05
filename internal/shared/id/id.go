// Package id provides centralized ID generation for the host.
//
// Sessions and in-flight remote calls get prefixed UUIDs so logs stay
// readable and types prevent ID misuse across namespaces.
package id

import (
	"github.com/google/uuid"
)

// SessionID identifies an app session.
type SessionID string

// RequestID identifies one in-flight remote call on a transport.
type RequestID string

const (
	sessionPrefix = "sess"
	requestPrefix = "req"
)

// NewSessionID generates a new session ID.
func NewSessionID() SessionID {
	return SessionID(sessionPrefix + "_" + uuid.NewString())
}

// NewRequestID generates a new request ID.
func NewRequestID() RequestID {
	return RequestID(requestPrefix + "_" + uuid.NewString())
}

// String methods for ID types
func (id SessionID) String() string { return string(id) }
func (id RequestID) String() string { return string(id) }
