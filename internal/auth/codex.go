package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// OpenAI Codex OAuth (ChatGPT Plus/Pro). The flow prefers a one-shot
// callback server on the fixed localhost port the authorization server
// is registered for, with manual paste as fallback.
const (
	codexClientID     = "app_EMoamEEZ73f0CkXaXp7hrann"
	codexAuthorizeURL = "https://auth.openai.com/oauth/authorize"
	codexRedirectURI  = "http://localhost:1455/auth/callback"
	codexJWTClaim     = "https://api.openai.com/auth"
	codexOriginator   = "tiller"
	codexListenAddr   = "127.0.0.1:1455"
)

var codexTokenURL = "https://auth.openai.com/oauth/token"

const codexSuccessHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Authentication successful</title>
</head>
<body>
  <p>Authentication successful. Return to your terminal to continue.</p>
</body>
</html>`

func init() {
	RegisterFlow(&Flow{
		ID:      "openai-codex",
		Name:    "OpenAI Codex (ChatGPT Plus/Pro)",
		Login:   loginCodex,
		Refresh: refreshCodex,
		APIKey:  func(creds Credentials) string { return creds.Access },
	})
}

func codexConfig() oauth2.Config {
	return oauth2.Config{
		ClientID:    codexClientID,
		RedirectURL: codexRedirectURI,
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   codexAuthorizeURL,
			TokenURL:  codexTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func loginCodex(ctx context.Context, cb LoginCallbacks) (Credentials, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := randomState()
	if err != nil {
		return Credentials{}, err
	}

	cfg := codexConfig()
	authURL := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("id_token_add_organizations", "true"),
		oauth2.SetAuthURLParam("codex_cli_simplified_flow", "true"),
		oauth2.SetAuthURLParam("originator", codexOriginator),
	)

	codeCh, stop, srvErr := startCodexCallback(state)
	if srvErr != nil {
		if cb.OnProgress != nil {
			cb.OnProgress("Failed to bind local callback server, falling back to manual paste.")
		}
	} else {
		defer stop()
	}

	if cb.OnAuth != nil {
		cb.OnAuth(authURL, "A browser window should open. Complete login to finish.")
	}
	if cb.OnProgress != nil && codeCh != nil {
		cb.OnProgress("Waiting for OAuth callback...")
	}

	var manualCh chan manualCode
	if cb.ManualCode != nil {
		manualCh = make(chan manualCode, 1)
		go func() {
			value, err := cb.ManualCode()
			manualCh <- manualCode{value: value, err: err}
		}()
	}

	var code string
	if codeCh != nil || manualCh != nil {
		// Nil channels block forever, so whichever source exists wins.
		select {
		case code = <-codeCh:
		case input := <-manualCh:
			if input.err == nil {
				parsed, pastedState := parseAuthorizationInput(input.value)
				if pastedState != "" && pastedState != state {
					return Credentials{}, errors.New("state mismatch")
				}
				code = parsed
			}
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}

	if code == "" {
		if cb.OnPrompt == nil {
			return Credentials{}, errors.New("missing authorization code")
		}
		value, err := cb.OnPrompt("Paste the authorization code (or full redirect URL):")
		if err != nil {
			return Credentials{}, err
		}
		parsed, pastedState := parseAuthorizationInput(value)
		if pastedState != "" && pastedState != state {
			return Credentials{}, errors.New("state mismatch")
		}
		code = parsed
	}
	if code == "" {
		return Credentials{}, errors.New("missing authorization code")
	}

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Credentials{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	return codexCredentials(tok)
}

func refreshCodex(ctx context.Context, refreshToken string) (Credentials, error) {
	cfg := codexConfig()
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Credentials{}, err
	}
	return codexCredentials(tok)
}

func codexCredentials(tok *oauth2.Token) (Credentials, error) {
	if tok.AccessToken == "" || tok.RefreshToken == "" || tok.Expiry.IsZero() {
		return Credentials{}, errors.New("token response missing fields")
	}
	accountID := codexAccountID(tok.AccessToken)
	if accountID == "" {
		return Credentials{}, errors.New("failed to extract account id from token")
	}
	return Credentials{
		Access:    tok.AccessToken,
		Refresh:   tok.RefreshToken,
		Expires:   tok.Expiry.UnixMilli(),
		AccountID: accountID,
	}, nil
}

// codexAccountID pulls the ChatGPT account id out of the access token.
// The token is decoded without signature verification; it came off a
// TLS connection to the issuer and is only used for request routing.
func codexAccountID(accessToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	authClaim, _ := claims[codexJWTClaim].(map[string]any)
	id, _ := authClaim["chatgpt_account_id"].(string)
	return id
}

type manualCode struct {
	value string
	err   error
}

func randomState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// startCodexCallback serves the OAuth redirect on the registered port.
// The returned channel receives at most one code.
func startCodexCallback(state string) (<-chan string, func(), error) {
	ln, err := net.Listen("tcp", codexListenAddr)
	if err != nil {
		return nil, nil, err
	}
	codeCh := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, codexSuccessHTML)
		select {
		case codeCh <- code:
		default:
		}
	})
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	return codeCh, func() { _ = srv.Close() }, nil
}
