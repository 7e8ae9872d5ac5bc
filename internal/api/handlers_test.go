package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/hauslist/viewing-booking/internal/booking"
	redisclient "github.com/hauslist/viewing-booking/internal/redis"
)

func TestWriteBookingErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "appointment not found", err: booking.ErrAppointmentNotFound, wantStatus: http.StatusNotFound, wantCode: "appointment_not_found"},
		{name: "property not found", err: booking.ErrPropertyNotFound, wantStatus: http.StatusNotFound, wantCode: "property_not_found"},
		{name: "invalid slot", err: fmt.Errorf("%w: bad date", booking.ErrInvalidSlotKind), wantStatus: http.StatusUnprocessableEntity, wantCode: "invalid_slot"},
		{name: "property unavailable", err: fmt.Errorf("%w: property is sold", booking.ErrPropertyUnavailable), wantStatus: http.StatusConflict, wantCode: "property_unavailable"},
		{name: "slot blocked", err: fmt.Errorf("%w: under maintenance", booking.ErrSlotBlocked), wantStatus: http.StatusConflict, wantCode: "slot_blocked"},
		{name: "duplicate booking", err: booking.ErrDuplicateActiveBooking, wantStatus: http.StatusConflict, wantCode: "duplicate_active_booking"},
		{name: "already terminal", err: fmt.Errorf("%w: cancelled", booking.ErrAlreadyTerminal), wantStatus: http.StatusConflict, wantCode: "already_terminal"},
		{name: "invalid transition", err: fmt.Errorf("%w: queued -> confirmed", booking.ErrInvalidTransition), wantStatus: http.StatusConflict, wantCode: "invalid_transition"},
		{name: "concurrency conflict", err: fmt.Errorf("lost race: %w", booking.ErrConcurrencyConflict), wantStatus: http.StatusConflict, wantCode: "concurrency_conflict"},
		{name: "gate busy", err: redisclient.ErrLockNotAcquired, wantStatus: http.StatusConflict, wantCode: "concurrency_conflict"},
		{name: "role not permitted", err: fmt.Errorf("%w: customer may not confirm", booking.ErrRoleNotPermitted), wantStatus: http.StatusForbidden, wantCode: "role_not_permitted"},
		{name: "not owner", err: booking.ErrNotOwner, wantStatus: http.StatusForbidden, wantCode: "not_owner"},
		{name: "anything else", err: errors.New("connection reset"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeBookingError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if resp.Error != tt.wantCode {
				t.Errorf("error code = %q, want %q", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestRouterHealthAndAuthWiring(t *testing.T) {
	router := NewRouter(RouterConfig{
		Logger:     zap.NewNop(),
		AuthSecret: testSecret,
		Env:        "dev",
		Version:    "test",
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health/live status = %d, want 200", rec.Code)
	}
	var live LivenessResponse
	if err := json.NewDecoder(rec.Body).Decode(&live); err != nil {
		t.Fatalf("decode liveness: %v", err)
	}
	if live.Status != "ok" || live.Version != "test" {
		t.Errorf("liveness = %+v", live)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID header")
	}

	// Everything under /v1 sits behind the bearer check.
	protected := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/viewings"},
		{http.MethodGet, "/v1/viewings"},
		{http.MethodGet, "/v1/viewings/9f1e8a50-0000-0000-0000-000000000000"},
		{http.MethodPost, "/v1/viewings/9f1e8a50-0000-0000-0000-000000000000/confirm"},
		{http.MethodGet, "/v1/properties/9f1e8a50-0000-0000-0000-000000000000/slots"},
		{http.MethodGet, "/v1/properties/9f1e8a50-0000-0000-0000-000000000000/queue"},
	}
	for _, p := range protected {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(p.method, p.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token status = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestRequestIDMiddlewarePropagatesInbound(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "trace-1234")
	rec := httptest.NewRecorder()
	RequestIDMiddleware(next).ServeHTTP(rec, req)

	if seen != "trace-1234" {
		t.Errorf("request id in context = %q, want trace-1234", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "trace-1234" {
		t.Errorf("request id on response = %q, want trace-1234", got)
	}
}

func TestRequestIDMiddlewareGeneratesWhenAbsent(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	})

	rec := httptest.NewRecorder()
	RequestIDMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("no request id generated")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header %q does not match context value %q", got, seen)
	}
}
