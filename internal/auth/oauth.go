package auth

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown oauth provider")

// Credentials holds tokens issued by an OAuth provider. Expires is a
// unix-millisecond deadline after which Access must be refreshed.
type Credentials struct {
	Access    string
	Refresh   string
	Expires   int64
	AccountID string
}

// LoginCallbacks drive the interactive parts of an OAuth login. Only
// OnAuth and OnPrompt are required; flows degrade gracefully when the
// optional callbacks are nil.
type LoginCallbacks struct {
	// OnAuth receives the authorization URL the user must open.
	OnAuth func(url, instructions string)

	// OnPrompt asks the user to paste an authorization code and blocks
	// until one is entered.
	OnPrompt func(message string) (string, error)

	// OnProgress reports non-interactive status updates. Optional.
	OnProgress func(message string)

	// ManualCode supplies a pasted code concurrently with a local
	// callback server, whichever wins. Optional.
	ManualCode func() (string, error)
}

// Flow implements the login and refresh handshake for one provider.
type Flow struct {
	ID   string
	Name string

	Login   func(ctx context.Context, cb LoginCallbacks) (Credentials, error)
	Refresh func(ctx context.Context, refreshToken string) (Credentials, error)

	// APIKey extracts the value to send as the API key.
	APIKey func(creds Credentials) string
}

var (
	flowsMu sync.RWMutex
	flows   = map[string]*Flow{}
)

// RegisterFlow adds or replaces an OAuth flow. Built-in flows register
// themselves at init; callers can override them for testing or to add
// new providers.
func RegisterFlow(f *Flow) {
	if f == nil || f.ID == "" {
		return
	}
	flowsMu.Lock()
	defer flowsMu.Unlock()
	flows[f.ID] = f
}

// FlowFor returns the flow registered under id.
func FlowFor(id string) (*Flow, bool) {
	flowsMu.RLock()
	defer flowsMu.RUnlock()
	f, ok := flows[id]
	return f, ok
}

// Flows lists registered flows sorted by id.
func Flows() []*Flow {
	flowsMu.RLock()
	defer flowsMu.RUnlock()
	out := make([]*Flow, 0, len(flows))
	for _, f := range flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// parseAuthorizationInput extracts a code and optional state from what
// the user pasted: a bare code, a "code#state" pair, or the full
// redirect URL.
func parseAuthorizationInput(value string) (code, state string) {
	text := strings.TrimSpace(value)
	if text == "" {
		return "", ""
	}
	if strings.Contains(text, "#") && !strings.Contains(text, "code=") {
		parts := strings.SplitN(text, "#", 2)
		if len(parts) == 2 {
			return parts[0], parts[1]
		}
		return parts[0], ""
	}
	if strings.Contains(text, "code=") {
		parsed, err := url.Parse(text)
		if err != nil {
			return text, ""
		}
		query := parsed.Query()
		return query.Get("code"), query.Get("state")
	}
	return text, ""
}
