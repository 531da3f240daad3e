package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Anthropic OAuth (Claude Pro/Max). The authorize endpoint returns the
// code for manual paste instead of redirecting, so the flow has no
// local callback server; the PKCE verifier doubles as the state value.
const (
	anthropicClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicAuthorizeURL = "https://claude.ai/oauth/authorize"
	anthropicRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	anthropicScopes       = "org:create_api_key user:profile user:inference"

	// Tokens are treated as expired this long before the server says
	// so, to avoid racing the deadline mid-request.
	anthropicExpirySkew = 5 * time.Minute
)

var anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"

func init() {
	RegisterFlow(&Flow{
		ID:      "anthropic",
		Name:    "Anthropic (Claude Pro/Max)",
		Login:   loginAnthropic,
		Refresh: refreshAnthropic,
		APIKey:  func(creds Credentials) string { return creds.Access },
	})
}

func anthropicAuthorizeLink(state, challenge string) string {
	params := url.Values{
		"code":                  {"true"},
		"client_id":             {anthropicClientID},
		"response_type":         {"code"},
		"redirect_uri":          {anthropicRedirectURI},
		"scope":                 {anthropicScopes},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	return anthropicAuthorizeURL + "?" + params.Encode()
}

func loginAnthropic(ctx context.Context, cb LoginCallbacks) (Credentials, error) {
	if cb.OnPrompt == nil {
		return Credentials{}, errors.New("anthropic login requires a code prompt")
	}
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	if cb.OnAuth != nil {
		cb.OnAuth(anthropicAuthorizeLink(verifier, challenge), "Open the URL, authorize, and paste the code shown.")
	}
	input, err := cb.OnPrompt("Paste the authorization code:")
	if err != nil {
		return Credentials{}, err
	}

	// The console displays the code as "code#state".
	code, state := strings.TrimSpace(input), ""
	if idx := strings.Index(code, "#"); idx >= 0 {
		code, state = code[:idx], code[idx+1:]
	}
	if code == "" {
		return Credentials{}, errors.New("missing authorization code")
	}

	return anthropicToken(ctx, map[string]any{
		"grant_type":    "authorization_code",
		"client_id":     anthropicClientID,
		"code":          code,
		"state":         state,
		"redirect_uri":  anthropicRedirectURI,
		"code_verifier": verifier,
	})
}

func refreshAnthropic(ctx context.Context, refreshToken string) (Credentials, error) {
	return anthropicToken(ctx, map[string]any{
		"grant_type":    "refresh_token",
		"client_id":     anthropicClientID,
		"refresh_token": refreshToken,
	})
}

// anthropicToken posts a JSON token request. The endpoint takes JSON
// rather than the form encoding oauth2.Config produces, so the
// exchange is done directly.
func anthropicToken(ctx context.Context, body map[string]any) (Credentials, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicTokenURL, bytes.NewReader(payload))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Credentials{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return Credentials{}, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Credentials{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" || parsed.RefreshToken == "" || parsed.ExpiresIn <= 0 {
		return Credentials{}, errors.New("token response missing fields")
	}
	return Credentials{
		Access:  parsed.AccessToken,
		Refresh: parsed.RefreshToken,
		Expires: time.Now().Add(time.Duration(parsed.ExpiresIn)*time.Second - anthropicExpirySkew).UnixMilli(),
	}, nil
}
