package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	tm, err := NewTokenManager("clawd-test")
	if err != nil {
		t.Fatal(err)
	}

	token, err := tm.GenerateToken("alice", ScopeAPI, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := tm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "alice" {
		t.Errorf("UserID = %s", claims.UserID)
	}
	if claims.Scope != ScopeAPI {
		t.Errorf("Scope = %s", claims.Scope)
	}
	if claims.Issuer != "clawd-test" {
		t.Errorf("Issuer = %s", claims.Issuer)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	tm, _ := NewTokenManager("clawd-test")
	token, err := tm.GenerateToken("alice", ScopeAPI, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tm.ValidateToken(token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestForeignKeyRejected(t *testing.T) {
	tm1, _ := NewTokenManager("clawd-test")
	tm2, _ := NewTokenManager("clawd-test")

	token, err := tm1.GenerateToken("alice", ScopeAPI, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tm2.ValidateToken(token); err == nil {
		t.Fatal("token signed with a different key accepted")
	}
}

func TestWrongIssuerRejected(t *testing.T) {
	tm, _ := NewTokenManager("clawd-test")
	pemKey, err := tm.PrivateKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	other, err := NewTokenManagerFromKey(pemKey, "someone-else")
	if err != nil {
		t.Fatal(err)
	}

	token, _ := tm.GenerateToken("alice", ScopeAPI, time.Hour)
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatal("token with wrong issuer accepted")
	}
}

func TestKeyRoundTripThroughPEM(t *testing.T) {
	tm, _ := NewTokenManager("clawd-test")
	pemKey, err := tm.PrivateKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := NewTokenManagerFromKey(pemKey, "clawd-test")
	if err != nil {
		t.Fatal(err)
	}

	token, _ := tm.GenerateToken("alice", ScopeTerminal, time.Hour)
	claims, err := restored.ValidateToken(token)
	if err != nil {
		t.Fatalf("restored manager rejected token: %v", err)
	}
	if claims.UserID != "alice" || claims.Scope != ScopeTerminal {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestMiddlewareSetsUserID(t *testing.T) {
	tm, _ := NewTokenManager("clawd-test")
	token, _ := tm.GenerateToken("alice", ScopeAPI, time.Hour)

	var got string
	h := Middleware(tm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/setup/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got != "alice" {
		t.Fatalf("user id = %q", got)
	}
}

func TestMiddlewareQueryParamToken(t *testing.T) {
	tm, _ := NewTokenManager("clawd-test")
	token, _ := tm.GenerateToken("alice", ScopeTerminal, time.Hour)

	var got string
	h := Middleware(tm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/terminal/stream?token="+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || got != "alice" {
		t.Fatalf("status = %d, user = %q", rec.Code, got)
	}
}

func TestMiddlewareRejectsBadRequests(t *testing.T) {
	tm, _ := NewTokenManager("clawd-test")
	h := Middleware(tm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached without valid token")
	}))

	cases := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"malformed", "Token abc"},
		{"garbage", "Bearer not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/setup/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "authorization") && !strings.Contains(rec.Body.String(), "token") {
				t.Fatalf("body = %q", rec.Body.String())
			}
		})
	}
}
