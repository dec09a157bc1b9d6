package domain

import "time"

// Idempotency is a stored check-in response, keyed by (Scope, Key) where
// Scope is the business slug. Fingerprint is a SHA-256 over the request
// fields that identify the visit; a retry must match it to be replayed.
// No phone number is kept in clear.
type Idempotency struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Scope       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_scope_key,priority:1"`
	Key         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_scope_key,priority:2;index:ix_idem_key"`
	Fingerprint string    `gorm:"type:TEXT NOT NULL;default:''"`
	Status      int       `gorm:"type:INTEGER NOT NULL"`
	Body        []byte    `gorm:"type:BLOB"`
	CreatedAt   time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt   time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

func (Idempotency) TableName() string { return "idempotency" }

// Matches reports whether fingerprint identifies the stored request. Records
// written without a fingerprint match anything.
func (i Idempotency) Matches(fingerprint string) bool {
	return i.Fingerprint == "" || i.Fingerprint == fingerprint
}

