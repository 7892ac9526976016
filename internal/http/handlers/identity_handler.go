// Identity HTTP handlers.
//
// This file exposes the reconciliation endpoints:
//   - POST /identify        (reconcile an email and/or phone into a cluster)
//   - GET  /contacts/{id}   (read-only consolidated view, ETag support)
//
// Handlers are transport-thin: they decode the lenient request body, call
// the IdentityService, and map its sentinel errors onto the stable codes in
// errors.go.
//
// Idempotency:
// When the client sends an Idempotency-Key that was already used successfully
// by the same client, POST /identify skips reconciliation and answers with
// the current view of the recorded primary, setting `Idempotency-Replayed: true`.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/internal/http/middleware"
	"github.com/tbourn/identity-reconciler/internal/keylock"
	"github.com/tbourn/identity-reconciler/internal/repo"
	"github.com/tbourn/identity-reconciler/internal/services"
)

// IdentityService defines the reconciliation operations consumed by the
// handlers. Implementations must be safe for concurrent use and honor ctx.
type IdentityService interface {
	// Identify reconciles the facts and returns the consolidated identity.
	Identify(ctx context.Context, email, phone string) (*services.Identity, error)
	// View returns the consolidated identity of the cluster containing id.
	View(ctx context.Context, id int64) (*services.Identity, error)
}

// Handlers groups the identity endpoints.
type Handlers struct {
	idSvc IdentityService

	// db stores idempotency records; nil disables replays.
	db      *gorm.DB
	idemTTL time.Duration
}

// New constructs Handlers. A nil db disables Idempotency-Key replays; a
// non-positive ttl defaults to 24h.
func New(idSvc IdentityService, db *gorm.DB, idemTTL time.Duration) *Handlers {
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Handlers{idSvc: idSvc, db: db, idemTTL: idemTTL}
}

// retryAfterLocked is sent with 503 responses caused by lock contention.
const retryAfterLocked = "1"

//
// DTOs
//

// IdentifyRequest is the JSON payload of POST /identify. At least one field
// must be non-blank. phoneNumber may be a JSON string or a JSON number.
type IdentifyRequest struct {
	Email       *string         `json:"email" example:"lorraine@hillvalley.edu"`
	PhoneNumber json.RawMessage `json:"phoneNumber" swaggertype:"string" example:"123456"`
}

// IdentifyResponse wraps the consolidated identity.
type IdentifyResponse struct {
	Contact *services.Identity `json:"contact"`
}

//
// Helpers
//

// phoneText renders a raw phoneNumber value as text. JSON null and absent
// values yield "". Numbers are rendered in plain decimal, never with an
// exponent.
func phoneText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		lit := string(raw)
		if !strings.ContainsAny(lit, ".eE") {
			if _, err := strconv.ParseInt(lit, 10, 64); err == nil {
				return lit, nil
			}
		}
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	default:
		return "", errors.New("phoneNumber must be a string or a number")
	}
}

// contactETag derives the weak validator for a consolidated identity.
func contactETag(id *services.Identity) string {
	return `W/"contact:` + id.Version + `"`
}

// writeServiceError maps service errors onto HTTP responses.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidIdentity):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrContactNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "contact not found")
	case errors.Is(err, keylock.ErrLockTimeout):
		c.Header("Retry-After", retryAfterLocked)
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "identity is busy, retry shortly")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "request cancelled")
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("identify failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

//
// Handlers
//

// Identify godoc
// @ID          identify
// @Summary     Reconcile contact facts into one identity
// @Description Links the given email and/or phone number to existing contacts, creating or merging
// @Description records as needed, and returns the consolidated identity of the resulting cluster.
// @Description Supports idempotency via the Idempotency-Key header (same key, same client, same primary).
// @Tags        Identity
// @Accept      json
// @Produce     json
//
// @Param       X-Client-ID      header  string  false "Partitions idempotency keys between callers sharing an IP"  example(checkout)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.IdentifyRequest  true  "Identity facts"
//
// @Success     200  {object}  handlers.IdentifyResponse  "Consolidated identity"
// @Header      200  {string}  Idempotency-Replayed       "true when served from a previous request"
// @Failure     400  {object}  handlers.ErrorResponse     "Bad request"
// @Failure     429  {object}  handlers.ErrorResponse     "Rate limited"
// @Failure     503  {object}  handlers.ErrorResponse     "Identity busy"
// @Failure     500  {object}  handlers.ErrorResponse     "Internal error"
// @Router      /identify [post]
func (h *Handlers) Identify(c *gin.Context) {
	ctx := c.Request.Context()

	var req IdentifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	phone, err := phoneText(req.PhoneNumber)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "phoneNumber must be a string or a number")
		return
	}
	var email string
	if req.Email != nil {
		email = *req.Email
	}

	// Replay path: the recorded primary may since have been merged into an
	// older cluster; View follows the link.
	if id, replay := middleware.ReplayTarget(c); replay {
		ident, err := h.idSvc.View(ctx, id)
		if err == nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, IdentifyResponse{Contact: ident})
			return
		}
		middleware.LoggerFrom(c).Warn().Err(err).Int64("contact_id", id).Msg("idempotent replay failed, reconciling")
	}

	ident, err := h.idSvc.Identify(ctx, email, phone)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	if key, has := middleware.GetIdempotencyKey(c); has && h.db != nil {
		if _, err := repo.CreateIdempotency(ctx, h.db, middleware.ClientID(c), key, ident.PrimaryContactID, h.idemTTL); err != nil &&
			!errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("store idempotency record")
		}
	}

	ok(c, http.StatusOK, IdentifyResponse{Contact: ident})
}

// GetContact godoc
// @ID          getContact
// @Summary     Consolidated identity of a contact's cluster
// @Description Returns the consolidated identity of the cluster containing the contact, without
// @Description modifying any records. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Identity
// @Produce     json
//
// @Param       id             path    int     true  "Contact ID"  minimum(1)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"contact:1.2-lz2v3k\")
//
// @Success     200  {object}  handlers.IdentifyResponse
// @Header      200  {string}  ETag  "Weak ETag for the cluster state"
// @Success     304  {string}  string "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse "Contact not found"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /contacts/{id} [get]
func (h *Handlers) GetContact(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "contact id must be a positive integer")
		return
	}

	ident, err := h.idSvc.View(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	etag := contactETag(ident)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		notModified(c, etag)
		return
	}
	c.Header("ETag", etag)
	ok(c, http.StatusOK, IdentifyResponse{Contact: ident})
}

// Health godoc
// @ID          health
// @Summary     Liveness probe
// @Tags        Health
// @Produce     json
// @Success     200  {object}  map[string]string
// @Router      /health [get]
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

// Ready returns a readiness probe that runs every check with a short
// deadline. Any failure yields 503 with the failing dependency's name.
//
// @ID          ready
// @Summary     Readiness probe
// @Tags        Health
// @Produce     json
// @Success     200  {object}  map[string]string
// @Failure     503  {object}  map[string]string
// @Router      /ready [get]
func Ready(checks map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				middleware.LoggerFrom(c).Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "dependency": name})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
