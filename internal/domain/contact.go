// Package domain defines the persistence models for identity reconciliation.
// These types are mapped with GORM and shared by the repository and service
// layers.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Precedence marks a contact as the canonical record of its cluster or as a
// record linked to it.
type Precedence string

const (
	PrecedencePrimary   Precedence = "primary"
	PrecedenceSecondary Precedence = "secondary"
)

// Valid reports whether p is one of the known precedence values.
func (p Precedence) Valid() bool {
	return p == PrecedencePrimary || p == PrecedenceSecondary
}

// Contact is a single observed identity fact (an email, a phone number, or
// both) recorded for a customer.
//
// Fields:
//   - ID: autoincrement primary key, assigned by the store.
//   - Email: case-folded, trimmed email; nil when unknown.
//   - PhoneNumber: trimmed phone number; nil when unknown.
//   - LinkedID: id of the cluster's primary; set only for secondaries.
//   - LinkPrecedence: "primary" or "secondary" (enforced by DB constraint).
//   - CreatedAt: immutable; the oldest contact of a cluster is its primary.
//   - UpdatedAt: refreshed whenever the link changes.
//   - DeletedAt: soft deletion marker, honoured by every query.
type Contact struct {
	ID             int64          `json:"id"              gorm:"primaryKey;autoIncrement"`
	PhoneNumber    *string        `json:"phoneNumber"     gorm:"type:varchar(64);index:idx_contacts_phone"`
	Email          *string        `json:"email"           gorm:"type:varchar(320);index:idx_contacts_email"`
	LinkedID       *int64         `json:"linkedId"        gorm:"index:idx_contacts_linked"`
	LinkPrecedence Precedence     `json:"linkPrecedence"  gorm:"type:varchar(16);not null;check:chk_contacts_precedence,link_precedence IN ('primary','secondary')"`
	CreatedAt      time.Time      `json:"createdAt"       gorm:"index:idx_contacts_created"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`
}

// TableName returns the database table name for Contact.
func (Contact) TableName() string { return "contacts" }

// IsPrimary reports whether c is marked as the primary of its cluster.
func (c *Contact) IsPrimary() bool { return c.LinkPrecedence == PrecedencePrimary }

// EmailValue returns the email or "" when absent.
func (c *Contact) EmailValue() string {
	if c.Email == nil {
		return ""
	}
	return *c.Email
}

// PhoneValue returns the phone number or "" when absent.
func (c *Contact) PhoneValue() string {
	if c.PhoneNumber == nil {
		return ""
	}
	return *c.PhoneNumber
}

// Older reports whether c is senior to other: earlier CreatedAt wins and the
// smaller id breaks timestamp collisions.
func (c *Contact) Older(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}
