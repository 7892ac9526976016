// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the contact store operations used by the
// identity reconciliation pipeline.
//
// All functions are context-aware and accept a *gorm.DB handle. They follow
// the "thin repository" approach: point lookups, one insert, one update, no
// business rules. Every query is scoped to live rows by GORM's soft-delete
// handling and ordered (created_at ASC, id ASC) so callers observe a
// deterministic sequence.
//
// Error semantics:
//   - A missing contact yields ErrNotFound.
//   - An insert rejected by the (email, phone) unique index yields ErrDuplicate.
//   - Other DB errors are returned unchanged.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for consistency across layers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrEmptyContact is returned when an insert carries neither email nor phone.
var ErrEmptyContact = errors.New("contact needs an email or a phone number")

const contactOrder = "created_at ASC, id ASC"

// FindMatching returns every contact whose email equals email or whose phone
// equals phone. Empty arguments do not participate; when both are empty the
// result is empty and no query is issued.
func FindMatching(ctx context.Context, db *gorm.DB, email, phone string) ([]domain.Contact, error) {
	clauses, args := matchClauses(email, phone)
	if len(clauses) == 0 {
		return nil, nil
	}
	var out []domain.Contact
	err := db.WithContext(ctx).
		Where(strings.Join(clauses, " OR "), args...).
		Order(contactOrder).
		Find(&out).Error
	return out, err
}

// FindByID fetches one contact or returns ErrNotFound.
func FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Contact, error) {
	var c domain.Contact
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// FindRelated returns the contact id itself, every contact linked to it, and
// every contact sharing email or phone (when non-empty).
func FindRelated(ctx context.Context, db *gorm.DB, id int64, email, phone string) ([]domain.Contact, error) {
	clauses, args := matchClauses(email, phone)
	clauses = append([]string{"id = ?", "linked_id = ?"}, clauses...)
	args = append([]any{id, id}, args...)

	var out []domain.Contact
	err := db.WithContext(ctx).
		Where(strings.Join(clauses, " OR "), args...).
		Order(contactOrder).
		Find(&out).Error
	return out, err
}

// InsertContact stores a new contact and returns it with its generated id.
// A row with the same (email, phone) pair already present yields ErrDuplicate.
func InsertContact(ctx context.Context, db *gorm.DB, email, phone *string, linkedID *int64, precedence domain.Precedence) (*domain.Contact, error) {
	if email == nil && phone == nil {
		return nil, ErrEmptyContact
	}
	now := time.Now().UTC()
	c := &domain.Contact{
		Email:          email,
		PhoneNumber:    phone,
		LinkedID:       linkedID,
		LinkPrecedence: precedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// UpdateLink repoints contact id at linkedID with the given precedence and
// refreshes updated_at. It returns ErrNotFound when no live row matched.
func UpdateLink(ctx context.Context, db *gorm.DB, id int64, linkedID *int64, precedence domain.Precedence) error {
	res := db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"linked_id":       linkedID,
			"link_precedence": precedence,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies the underlying connection is usable.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func matchClauses(email, phone string) ([]string, []any) {
	var (
		clauses []string
		args    []any
	)
	if email != "" {
		clauses = append(clauses, "email = ?")
		args = append(args, email)
	}
	if phone != "" {
		clauses = append(clauses, "phone_number = ?")
		args = append(args, phone)
	}
	return clauses, args
}
