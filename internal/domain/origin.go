package domain

import "time"

// OriginRecord is a paired browser origin. TokenHash is a salted hash of the
// pairing secret; the secret itself is never stored.
type OriginRecord struct {
	Origin    string    `json:"origin"`
	TokenHash string    `json:"tokenHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	Note      string    `json:"note,omitempty"`
}

// PendingRequest is an unrecognised origin waiting for an operator decision.
type PendingRequest struct {
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
	HasSecret bool      `json:"hasSecret"`
}

// SessionRequest is the audit record of one session start attempt.
type SessionRequest struct {
	RequestID    string     `json:"requestId"`
	Origin       string     `json:"origin"`
	Com          string     `json:"com"`
	Baud         int        `json:"baud"`
	Profile      string     `json:"profile,omitempty"`
	SessionToken *string    `json:"sessionToken"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	Accepted     bool       `json:"accepted"`
	CreatedAt    time.Time  `json:"createdAt"`
}
