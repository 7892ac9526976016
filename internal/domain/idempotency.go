package domain

import "time"

// Idempotency remembers which primary contact a previously completed
// identify request resolved to, keyed by (client_id, key). Replays within the
// TTL are answered from the current state of that cluster instead of running
// the merge pipeline again.
type Idempotency struct {
	ID               string    `gorm:"type:varchar(36);primaryKey"`
	ClientID         string    `gorm:"type:varchar(192);not null;uniqueIndex:ux_client_key,priority:1"`
	Key              string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_client_key,priority:2"`
	PrimaryContactID int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt        time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
