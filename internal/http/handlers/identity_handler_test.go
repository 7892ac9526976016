package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/identity-reconciler/internal/http/middleware"
	"github.com/tbourn/identity-reconciler/internal/keylock"
	"github.com/tbourn/identity-reconciler/internal/repo"
	"github.com/tbourn/identity-reconciler/internal/services"
)

// ---------- test plumbing ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

type identifyCall struct{ email, phone string }

type stubIdentitySvc struct {
	identify func(ctx context.Context, email, phone string) (*services.Identity, error)
	view     func(ctx context.Context, id int64) (*services.Identity, error)

	calls []identifyCall
	views []int64
}

func (s *stubIdentitySvc) Identify(ctx context.Context, email, phone string) (*services.Identity, error) {
	s.calls = append(s.calls, identifyCall{email, phone})
	return s.identify(ctx, email, phone)
}

func (s *stubIdentitySvc) View(ctx context.Context, id int64) (*services.Identity, error) {
	s.views = append(s.views, id)
	return s.view(ctx, id)
}

func sampleIdentity(primary int64) *services.Identity {
	return &services.Identity{
		PrimaryContactID:    primary,
		Emails:              []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{23},
		Version:             "1.n-abc",
	}
}

func newRouter(h *Handlers, idem middleware.IdempotencyLookup) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, idem))
	r.POST("/identify", h.Identify)
	r.GET("/contacts/:id", h.GetContact)
	return r
}

func postIdentify(r http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/identify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return er
}

// ---------- helpers-only unit tests ----------

func Test_phoneText(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{``, "", false},
		{`null`, "", false},
		{`"123456"`, "123456", false},
		{`" 555 "`, " 555 ", false},
		{`123456`, "123456", false},
		{`-42`, "-42", false},
		{`1e6`, "1000000", false},
		{`12.5`, "12.5", false},
		{`99999999999999999999`, "100000000000000000000", false},
		{`true`, "", true},
		{`{"n":1}`, "", true},
		{`[1]`, "", true},
	}
	for _, tt := range tests {
		got, err := phoneText(json.RawMessage(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Errorf("phoneText(%s) err=%v wantErr=%v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("phoneText(%s)=%q want %q", tt.raw, got, tt.want)
		}
	}
}

func Test_New_DefaultTTL(t *testing.T) {
	h := New(&stubIdentitySvc{}, nil, 0)
	if h.idemTTL != 24*time.Hour {
		t.Fatalf("idemTTL=%v", h.idemTTL)
	}
	if h := New(&stubIdentitySvc{}, nil, time.Minute); h.idemTTL != time.Minute {
		t.Fatalf("explicit idemTTL=%v", h.idemTTL)
	}
}

// ---------- POST /identify ----------

func TestIdentify_Success_EnvelopeAndArgs(t *testing.T) {
	svc := &stubIdentitySvc{identify: func(context.Context, string, string) (*services.Identity, error) {
		return sampleIdentity(1), nil
	}}
	r := newRouter(New(svc, nil, 0), nil)

	w := postIdentify(r, `{"email":"mcfly@hillvalley.edu","phoneNumber":123456}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if len(svc.calls) != 1 || svc.calls[0] != (identifyCall{"mcfly@hillvalley.edu", "123456"}) {
		t.Fatalf("service calls: %+v", svc.calls)
	}

	want := `{"contact":{"primaryContactId":1,"emails":["lorraine@hillvalley.edu","mcfly@hillvalley.edu"],"phoneNumbers":["123456"],"secondaryContactIds":[23]}}`
	if got := strings.TrimSpace(w.Body.String()); got != want {
		t.Fatalf("body:\n got %s\nwant %s", got, want)
	}
	if w.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("fresh request must not be marked replayed")
	}
}

func TestIdentify_NullFieldsReachService(t *testing.T) {
	svc := &stubIdentitySvc{identify: func(_ context.Context, email, phone string) (*services.Identity, error) {
		return sampleIdentity(1), nil
	}}
	r := newRouter(New(svc, nil, 0), nil)

	w := postIdentify(r, `{"email":null,"phoneNumber":"123456"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if svc.calls[0] != (identifyCall{"", "123456"}) {
		t.Fatalf("call=%+v", svc.calls[0])
	}
}

func TestIdentify_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"malformed json", `{"email":`, "invalid JSON body"},
		{"empty body", ``, "invalid JSON body"},
		{"email not a string", `{"email":42}`, "invalid JSON body"},
		{"phone is bool", `{"phoneNumber":true}`, "phoneNumber must be a string or a number"},
		{"no identity", `{}`, services.ErrInvalidIdentity.Error()},
		{"blank identity", `{"email":"  ","phoneNumber":" "}`, services.ErrInvalidIdentity.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubIdentitySvc{identify: func(context.Context, string, string) (*services.Identity, error) {
				return nil, services.ErrInvalidIdentity
			}}
			r := newRouter(New(svc, nil, 0), nil)

			w := postIdentify(r, tt.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			er := decodeError(t, w)
			if er.Code != ErrCodeBadRequest || er.Message != tt.msg || er.RequestID == "" {
				t.Fatalf("unexpected body: %+v", er)
			}
		})
	}
}

func TestIdentify_ServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"lock timeout", fmt.Errorf("lock: %w", keylock.ErrLockTimeout), http.StatusServiceUnavailable, ErrCodeUnavailable, "1"},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, ErrCodeUnavailable, ""},
		{"invariant", services.ErrInvariantViolation, http.StatusInternalServerError, ErrCodeInternal, ""},
		{"too large", services.ErrClusterTooLarge, http.StatusInternalServerError, ErrCodeInternal, ""},
		{"conflicts", services.ErrConflictRetriesExhausted, http.StatusInternalServerError, ErrCodeInternal, ""},
		{"store", errors.New("disk I/O error"), http.StatusInternalServerError, ErrCodeInternal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := captureLogs(t)
			svc := &stubIdentitySvc{identify: func(context.Context, string, string) (*services.Identity, error) {
				return nil, tt.err
			}}
			r := newRouter(New(svc, nil, 0), nil)

			w := postIdentify(r, `{"email":"doc@brown.com"}`, nil)
			if w.Code != tt.status {
				t.Fatalf("status=%d want %d", w.Code, tt.status)
			}
			er := decodeError(t, w)
			if er.Code != tt.code {
				t.Fatalf("code=%q want %q", er.Code, tt.code)
			}
			if got := w.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Fatalf("Retry-After=%q want %q", got, tt.retryAfter)
			}
			if tt.status == http.StatusInternalServerError {
				if strings.Contains(er.Message, tt.err.Error()) {
					t.Fatalf("internal error detail leaked: %q", er.Message)
				}
				if !strings.Contains(logs.String(), tt.err.Error()) {
					t.Fatalf("expected error to be logged, got %s", logs.String())
				}
			}
		})
	}
}

func TestIdentify_IdempotencyRecordAndReplay(t *testing.T) {
	db := newTestDB(t)
	svc := &stubIdentitySvc{
		identify: func(context.Context, string, string) (*services.Identity, error) {
			return sampleIdentity(7), nil
		},
		view: func(_ context.Context, id int64) (*services.Identity, error) {
			// The recorded primary was merged into an older cluster.
			return sampleIdentity(3), nil
		},
	}
	lookup := func(ctx context.Context, client, key string, now time.Time) (int64, bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, client, key, now)
		if errors.Is(err, repo.ErrNotFound) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		return rec.PrimaryContactID, true, nil
	}
	r := newRouter(New(svc, db, time.Hour), lookup)
	hdr := map[string]string{middleware.HeaderIdempotencyKey: "k-1", middleware.HeaderClientID: "shop"}

	w := postIdentify(r, `{"email":"doc@brown.com"}`, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("first status=%d", w.Code)
	}
	rec, err := repo.GetIdempotency(context.Background(), db, "ip:192.0.2.1|client:shop", "k-1", time.Now().UTC())
	if err != nil || rec.PrimaryContactID != 7 {
		t.Fatalf("record=%+v err=%v", rec, err)
	}

	w = postIdentify(r, `{"email":"doc@brown.com"}`, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status=%d", w.Code)
	}
	if w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}
	if len(svc.calls) != 1 {
		t.Fatalf("replay must not reconcile again, calls=%d", len(svc.calls))
	}
	if len(svc.views) != 1 || svc.views[0] != 7 {
		t.Fatalf("views=%v", svc.views)
	}
	var resp IdentifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Contact.PrimaryContactID != 3 {
		t.Fatalf("replay should follow the merged primary, got %d", resp.Contact.PrimaryContactID)
	}

	// Same key, different client: not a replay.
	hdr[middleware.HeaderClientID] = "other"
	w = postIdentify(r, `{"email":"doc@brown.com"}`, hdr)
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("other client: status=%d replayed=%q", w.Code, w.Header().Get("Idempotency-Replayed"))
	}
	if len(svc.calls) != 2 {
		t.Fatalf("calls=%d", len(svc.calls))
	}
}

func TestIdentify_ReplayTargetGoneFallsBackToIdentify(t *testing.T) {
	svc := &stubIdentitySvc{
		identify: func(context.Context, string, string) (*services.Identity, error) { return sampleIdentity(9), nil },
		view: func(context.Context, int64) (*services.Identity, error) {
			return nil, services.ErrContactNotFound
		},
	}
	lookup := func(context.Context, string, string, time.Time) (int64, bool, error) { return 5, true, nil }
	r := newRouter(New(svc, nil, 0), lookup)

	w := postIdentify(r, `{"phoneNumber":"717171"}`, map[string]string{middleware.HeaderIdempotencyKey: "k"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Header().Get("Idempotency-Replayed") != "" || len(svc.calls) != 1 {
		t.Fatalf("expected normal processing after failed replay")
	}
}

// ---------- GET /contacts/:id ----------

func TestGetContact(t *testing.T) {
	svc := &stubIdentitySvc{view: func(_ context.Context, id int64) (*services.Identity, error) {
		if id == 404 {
			return nil, services.ErrContactNotFound
		}
		if id == 500 {
			return nil, errors.New("boom")
		}
		return sampleIdentity(1), nil
	}}
	r := newRouter(New(svc, nil, 0), nil)

	get := func(path, inm string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if inm != "" {
			req.Header.Set("If-None-Match", inm)
		}
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("ok with etag", func(t *testing.T) {
		w := get("/contacts/23", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status=%d", w.Code)
		}
		if got := w.Header().Get("ETag"); got != `W/"contact:1.n-abc"` {
			t.Fatalf("etag=%q", got)
		}
		var resp IdentifyResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Contact.PrimaryContactID != 1 {
			t.Fatalf("resp=%+v err=%v", resp, err)
		}
	})

	t.Run("not modified", func(t *testing.T) {
		w := get("/contacts/23", `W/"contact:1.n-abc"`)
		if w.Code != http.StatusNotModified || w.Body.Len() != 0 {
			t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
		}
	})

	t.Run("stale etag", func(t *testing.T) {
		if w := get("/contacts/23", `W/"contact:old"`); w.Code != http.StatusOK {
			t.Fatalf("status=%d", w.Code)
		}
	})

	t.Run("bad ids", func(t *testing.T) {
		for _, p := range []string{"/contacts/abc", "/contacts/0", "/contacts/-3", "/contacts/1.5"} {
			w := get(p, "")
			if w.Code != http.StatusBadRequest || decodeError(t, w).Code != ErrCodeBadRequest {
				t.Fatalf("%s: status=%d", p, w.Code)
			}
		}
	})

	t.Run("not found", func(t *testing.T) {
		w := get("/contacts/404", "")
		if w.Code != http.StatusNotFound || decodeError(t, w).Code != ErrCodeNotFound {
			t.Fatalf("status=%d", w.Code)
		}
	})

	t.Run("internal", func(t *testing.T) {
		_ = captureLogs(t)
		w := get("/contacts/500", "")
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status=%d", w.Code)
		}
	})
}

// ---------- health ----------

func TestHealthAndReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_ = captureLogs(t)

	healthy := func(context.Context) error { return nil }
	broken := func(context.Context) error { return errors.New("connection refused") }

	r := gin.New()
	r.GET("/health", Health)
	r.GET("/ready", Ready(map[string]Pinger{"db": healthy}))
	r.GET("/ready-broken", Ready(map[string]Pinger{"db": healthy, "redis": broken}))

	serve := func(path string) (*httptest.ResponseRecorder, map[string]string) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		return w, body
	}

	if w, body := serve("/health"); w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", w.Code, body)
	}
	if w, body := serve("/ready"); w.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready: %d %v", w.Code, body)
	}
	w, body := serve("/ready-broken")
	if w.Code != http.StatusServiceUnavailable || body["dependency"] != "redis" {
		t.Fatalf("ready-broken: %d %v", w.Code, body)
	}
}
