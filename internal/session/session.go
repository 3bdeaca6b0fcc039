// Package session talks to the messaging session API that runs inside every tenant runtime.
package session

import (
	"context"
)

// State is the upstream state of one session.
type State string

const (
	StateStarting State = "STARTING"
	StateScanQR   State = "SCAN_QR_CODE"
	StateWorking  State = "WORKING"
	StateFailed   State = "FAILED"
	StateStopped  State = "STOPPED"
)

// CreateRequest describes a session to create inside a runtime.
type CreateRequest struct {
	Name        string
	Fingerprint Fingerprint
	EgressURL   string // Proxy URL carrying the sticky token; empty means direct egress
}

// Status is the upstream view of a session.
type Status struct {
	Name  string `json:"name"`
	State State  `json:"status"`
	Phone string `json:"phone,omitempty"` // Paired account, once connected
}

// QR is the pairing artifact a user scans to link a chip.
type QR struct {
	Value    string `json:"value"`
	Mimetype string `json:"mimetype,omitempty"`
}

// Client is the behavioral contract of the session API. Implementations map transport
// failures onto the error kinds in internal/errors: missing sessions are NotFound,
// duplicates are AlreadyExists, timeouts and 5xx are TransientUpstream and every other
// refusal is UpstreamRejected.
type Client interface {
	// Version is the lightweight readiness and health probe.
	Version(ctx context.Context) (string, error)
	CreateSession(ctx context.Context, req CreateRequest) error
	GetQR(ctx context.Context, name string) (*QR, error)
	GetStatus(ctx context.Context, name string) (*Status, error)
	// SendText returns the upstream message id.
	SendText(ctx context.Context, name, to, text string) (string, error)
	StopSession(ctx context.Context, name string) error
	DeleteSession(ctx context.Context, name string) error
}
