package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Enabled: true,
		Keys: []KeyConfig{
			{Name: "ops", Key: "ops-secret", Permissions: []string{PermissionStress, PermissionOperations}},
			{Name: "viewer", KeyEnv: "VIEWER_KEY", Permissions: []string{PermissionEvents}},
			{Name: "old", Key: "old-secret", Permissions: []string{PermissionAll}, Disabled: true},
		},
	}, func(k string) string {
		if k == "VIEWER_KEY" {
			return "viewer-secret"
		}
		return ""
	})
	if err != nil {
		t.Fatalf("NewService 返回错误: %v", err)
	}
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Enabled: true}, nil); err == nil {
		t.Fatalf("expected error without keys")
	}
	if _, err := NewService(Config{Enabled: true, Keys: []KeyConfig{{Name: "empty"}}}, nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
	svc, err := NewService(Config{}, nil)
	if err != nil {
		t.Fatalf("disabled service should build: %v", err)
	}
	if svc.Enabled() {
		t.Fatalf("service should be disabled")
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	cases := []struct {
		name          string
		authorization string
		apiKey        string
		want          string
		err           error
	}{
		{name: "bearer", authorization: "Bearer ops-secret", want: "ops"},
		{name: "lowercase bearer", authorization: "bearer ops-secret", want: "ops"},
		{name: "header", apiKey: "viewer-secret", want: "viewer"},
		{name: "missing", err: ErrMissingToken},
		{name: "basic scheme", authorization: "Basic ops-secret", err: ErrMissingToken},
		{name: "wrong", apiKey: "nope", err: ErrInvalidToken},
		{name: "disabled", apiKey: "old-secret", err: ErrSubjectRevoked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			subject, err := svc.AuthenticateRequest(ctx, tc.authorization, tc.apiKey)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if subject.Name != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, subject.Name)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	s := &Subject{Name: "ops", Permissions: []string{" Relay:Stress "}}
	if err := s.Authorize(PermissionStress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Authorize(PermissionEvents); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	admin := &Subject{Permissions: []string{PermissionAll}}
	if err := admin.Authorize(PermissionEvents, PermissionStress); err != nil {
		t.Fatalf("wildcard should grant everything: %v", err)
	}
	var nilSubject *Subject
	if err := nilSubject.Authorize(); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newService(t)
	var caller string
	handler := svc.Middleware(PermissionStress)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerName(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{name: "no key", status: http.StatusUnauthorized},
		{name: "wrong key", header: "X-API-Key", value: "bad", status: http.StatusUnauthorized},
		{name: "lacking permission", header: "X-API-Key", value: "viewer-secret", status: http.StatusForbidden},
		{name: "revoked", header: "X-API-Key", value: "old-secret", status: http.StatusForbidden},
		{name: "allowed", header: "Authorization", value: "Bearer ops-secret", status: http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller = ""
			req := httptest.NewRequest(http.MethodPost, "/stress", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.status == http.StatusAccepted && caller != "ops" {
				t.Fatalf("expected caller ops, got %q", caller)
			}
			if tc.status == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatalf("missing WWW-Authenticate header")
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{}, nil)
	if err != nil {
		t.Fatalf("NewService 返回错误: %v", err)
	}
	var caller string
	handler := svc.Middleware(PermissionStress)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerName(r.Context())
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stress", nil))
	if rec.Code != http.StatusOK || caller != "anonymous" {
		t.Fatalf("expected pass-through, got %d caller=%q", rec.Code, caller)
	}

	var nilSvc *Service
	rec = httptest.NewRecorder()
	nilSvc.Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("nil service should pass through")
	}
}
