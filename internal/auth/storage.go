package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// CredentialType discriminates entries in the credentials file.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth  CredentialType = "oauth"
)

// Credential is one stored entry, either a raw API key or an OAuth
// token set. The zero value means "no credential".
type Credential struct {
	Type      CredentialType `json:"type"`
	Key       string         `json:"key,omitempty"`
	Access    string         `json:"access,omitempty"`
	Refresh   string         `json:"refresh,omitempty"`
	Expires   int64          `json:"expires,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
}

// Storage persists provider credentials in a single JSON file keyed by
// provider id. The file and its parent directory are created with
// restrictive permissions on first write.
//
// Resolution order for GetAPIKey: runtime override, stored API key,
// stored OAuth tokens (refreshed when expired), environment variable,
// fallback resolver.
type Storage struct {
	mu        sync.Mutex
	path      string
	data      map[string]Credential
	overrides map[string]string
	fallback  func(provider string) string
}

// NewStorage opens (or lazily creates) the credentials file at path.
// A corrupt or missing file is treated as empty.
func NewStorage(path string) *Storage {
	s := &Storage{
		path:      path,
		data:      map[string]Credential{},
		overrides: map[string]string{},
	}
	s.load()
	return s
}

func (s *Storage) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.data = map[string]Credential{}
		return
	}
	parsed := map[string]Credential{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.data = map[string]Credential{}
		return
	}
	s.data = parsed
}

func (s *Storage) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Reload re-reads the credentials file, discarding in-memory state but
// keeping runtime overrides.
func (s *Storage) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
}

// Path returns the credentials file location.
func (s *Storage) Path() string { return s.path }

// SetAPIKey stores a raw API key for a provider.
func (s *Storage) SetAPIKey(provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[provider] = Credential{Type: CredentialAPIKey, Key: key}
	return s.save()
}

// SetOAuth stores OAuth tokens for a provider.
func (s *Storage) SetOAuth(provider string, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[provider] = Credential{
		Type:      CredentialOAuth,
		Access:    creds.Access,
		Refresh:   creds.Refresh,
		Expires:   creds.Expires,
		AccountID: creds.AccountID,
	}
	return s.save()
}

// SetRuntimeAPIKey installs an in-memory key that shadows everything
// else for the provider. It is never written to disk.
func (s *Storage) SetRuntimeAPIKey(provider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[provider] = key
}

// RemoveRuntimeAPIKey drops a previously set runtime override.
func (s *Storage) RemoveRuntimeAPIKey(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, provider)
}

// SetFallback installs a resolver consulted when no other source has a
// key for the provider.
func (s *Storage) SetFallback(resolver func(provider string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = resolver
}

// Get returns the stored credential for a provider.
func (s *Storage) Get(provider string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.data[provider]
	return cred, ok
}

// Remove deletes the stored credential for a provider.
func (s *Storage) Remove(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, provider)
	return s.save()
}

// Providers lists providers with stored credentials, sorted.
func (s *Storage) Providers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for provider := range s.data {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a credential is stored for the provider.
func (s *Storage) Has(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[provider]
	return ok
}

// HasAuth reports whether any source could produce a key for the
// provider without performing network calls.
func (s *Storage) HasAuth(provider string) bool {
	s.mu.Lock()
	if _, ok := s.overrides[provider]; ok {
		s.mu.Unlock()
		return true
	}
	if _, ok := s.data[provider]; ok {
		s.mu.Unlock()
		return true
	}
	fallback := s.fallback
	s.mu.Unlock()

	if EnvAPIKey(provider) != "" {
		return true
	}
	return fallback != nil && fallback(provider) != ""
}

// Login runs the OAuth flow registered for providerID and persists the
// resulting tokens.
func (s *Storage) Login(ctx context.Context, providerID string, cb LoginCallbacks) error {
	flow, ok := FlowFor(providerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	creds, err := flow.Login(ctx, cb)
	if err != nil {
		return err
	}
	return s.SetOAuth(providerID, creds)
}

// Logout removes stored credentials for a provider.
func (s *Storage) Logout(provider string) error {
	return s.Remove(provider)
}

// GetAPIKey resolves the key to send for a provider. Expired OAuth
// tokens are refreshed through the registered flow and the new tokens
// persisted before the access token is returned. A ("", nil) return
// means no source had a key.
func (s *Storage) GetAPIKey(ctx context.Context, provider string) (string, error) {
	s.mu.Lock()
	if key, ok := s.overrides[provider]; ok {
		s.mu.Unlock()
		return key, nil
	}
	cred, stored := s.data[provider]
	fallback := s.fallback
	s.mu.Unlock()

	if stored {
		switch cred.Type {
		case CredentialAPIKey:
			return cred.Key, nil
		case CredentialOAuth:
			if cred.Expires > 0 && cred.Expires > time.Now().UnixMilli() {
				return cred.Access, nil
			}
			flow, ok := FlowFor(provider)
			if !ok {
				break
			}
			creds, err := flow.Refresh(ctx, cred.Refresh)
			if err != nil {
				return "", fmt.Errorf("refresh %s token: %w", provider, err)
			}
			if err := s.SetOAuth(provider, creds); err != nil {
				return "", err
			}
			return flow.APIKey(creds), nil
		}
	}

	if key := EnvAPIKey(provider); key != "" {
		return key, nil
	}
	if fallback != nil {
		if key := fallback(provider); key != "" {
			return key, nil
		}
	}
	return "", nil
}
