package domain

import "time"

// SessionStatus is the lifecycle state of a handoff session. Transitions
// only move forward: pending -> approved -> consumed, with pending or
// approved able to lapse into expired. Expired and consumed are terminal.
type SessionStatus string

const (
	StatusPending  SessionStatus = "pending"
	StatusApproved SessionStatus = "approved"
	StatusExpired  SessionStatus = "expired"
	StatusConsumed SessionStatus = "consumed"
)

// Terminal reports whether no further transition is permitted from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusConsumed
}

// AuthSession is a single cross-device QR handoff. The row is keyed by ID
// but every lookup matches on (ID, Challenge, TokenHash) together so a
// guessed or substituted token never reaches a real session.
type AuthSession struct {
	ID        string // ULID, never recycled
	Challenge string // random value bound into every token for this session
	TokenHash string // secret-keyed hash of the currently valid token
	Status    SessionStatus

	// Requester metadata captured at creation.
	IPAddress     string
	UserAgentHint string

	// BoundCredential is attached at approval and cleared at consumption.
	// Non-nil iff Status == approved.
	BoundCredential *string

	// Write-once audit metadata set at approval.
	ApproverIdentity  string
	DeviceFingerprint string
	ApproverIP        string
	ApprovedAt        *time.Time

	// ExpiresAt is fixed at creation and is the authoritative deadline for
	// the entire handoff, pickup window included.
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Approval groups the payload and audit metadata attached when an
// authenticated party approves a pending session.
type Approval struct {
	Credential        string
	ApproverIdentity  string
	DeviceFingerprint string
	IPAddress         string
}
