package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseAuthorizationInput(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCode  string
		wantState string
	}{
		{name: "bare code", input: "abc123", wantCode: "abc123"},
		{name: "code hash state", input: "abc#mystate", wantCode: "abc", wantState: "mystate"},
		{name: "redirect url", input: "http://localhost:1455/auth/callback?code=xyz&state=st9", wantCode: "xyz", wantState: "st9"},
		{name: "whitespace trimmed", input: "  abc  ", wantCode: "abc"},
		{name: "empty", input: "   ", wantCode: "", wantState: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, state := parseAuthorizationInput(tt.input)
			if code != tt.wantCode || state != tt.wantState {
				t.Fatalf("got (%q, %q), want (%q, %q)", code, state, tt.wantCode, tt.wantState)
			}
		})
	}
}

func TestBuiltinFlowsRegistered(t *testing.T) {
	for _, id := range []string{"anthropic", "openai-codex"} {
		flow, ok := FlowFor(id)
		if !ok {
			t.Fatalf("flow %s not registered", id)
		}
		if flow.Login == nil || flow.Refresh == nil || flow.APIKey == nil {
			t.Fatalf("flow %s incomplete", id)
		}
	}
}

func TestRefreshAnthropic(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	orig := anthropicTokenURL
	anthropicTokenURL = srv.URL
	defer func() { anthropicTokenURL = orig }()

	before := time.Now()
	creds, err := refreshAnthropic(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("refreshAnthropic: %v", err)
	}
	if creds.Access != "new-access" || creds.Refresh != "new-refresh" {
		t.Fatalf("got %+v", creds)
	}
	if gotBody["grant_type"] != "refresh_token" || gotBody["refresh_token"] != "old-refresh" || gotBody["client_id"] != anthropicClientID {
		t.Fatalf("request body = %v", gotBody)
	}

	// Expiry lands 5 minutes before the server deadline.
	want := before.Add(time.Hour - anthropicExpirySkew).UnixMilli()
	if diff := creds.Expires - want; diff < 0 || diff > int64(5*time.Second/time.Millisecond) {
		t.Fatalf("Expires = %d, want about %d", creds.Expires, want)
	}
}

func TestRefreshAnthropicErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad refresh token", http.StatusBadRequest)
	}))
	defer srv.Close()

	orig := anthropicTokenURL
	anthropicTokenURL = srv.URL
	defer func() { anthropicTokenURL = orig }()

	if _, err := refreshAnthropic(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestRefreshCodexExtractsAccountID(t *testing.T) {
	access := signedCodexToken(t, "acct_42")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "rt" {
			t.Errorf("form = %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "rt2",
			"expires_in":    600,
			"token_type":    "Bearer",
		})
	}))
	defer srv.Close()

	orig := codexTokenURL
	codexTokenURL = srv.URL
	defer func() { codexTokenURL = orig }()

	creds, err := refreshCodex(context.Background(), "rt")
	if err != nil {
		t.Fatalf("refreshCodex: %v", err)
	}
	if creds.AccountID != "acct_42" {
		t.Fatalf("AccountID = %q, want acct_42", creds.AccountID)
	}
	if creds.Refresh != "rt2" {
		t.Fatalf("Refresh = %q, want rt2", creds.Refresh)
	}
	if creds.Expires <= time.Now().UnixMilli() {
		t.Fatalf("Expires = %d, want in the future", creds.Expires)
	}
}

func TestCodexAccountIDMissingClaim(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if got := codexAccountID(token); got != "" {
		t.Fatalf("got %q, want empty for token without claim", got)
	}
	if got := codexAccountID("not-a-jwt"); got != "" {
		t.Fatalf("got %q, want empty for malformed token", got)
	}
}

func TestCodexCallbackServer(t *testing.T) {
	codeCh, stop, err := startCodexCallback("expected-state")
	if err != nil {
		t.Skipf("callback port unavailable: %v", err)
	}
	defer stop()

	resp, err := http.Get("http://" + codexListenAddr + "/auth/callback?state=wrong&code=c1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("state mismatch status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get("http://" + codexListenAddr + "/auth/callback?state=expected-state&code=c1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", resp.StatusCode)
	}

	select {
	case code := <-codeCh:
		if code != "c1" {
			t.Fatalf("code = %q, want c1", code)
		}
	case <-time.After(time.Second):
		t.Fatal("no code delivered")
	}
}

func signedCodexToken(t *testing.T, accountID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		codexJWTClaim: map[string]any{"chatgpt_account_id": accountID},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}
