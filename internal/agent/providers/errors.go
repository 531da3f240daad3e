package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProviderError is a structured error from an LLM endpoint. Its text ends
// up in the terminal assistant message, so it carries enough to diagnose
// the failure without a debugger: provider, model, HTTP status, and the
// provider's own code and message when the body was parseable.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// errorBody is the error envelope both APIs use: {"error": {...}} with a
// message plus either a code (chat completions) or a type (messages).
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Type    string `json:"type"`
	} `json:"error"`
}

// newHTTPError builds a ProviderError from a non-2xx response body. An
// unparseable body is passed through verbatim.
func newHTTPError(provider, model string, status int, body []byte) *ProviderError {
	perr := &ProviderError{
		Provider: provider,
		Model:    model,
		Status:   status,
		Message:  strings.TrimSpace(string(body)),
	}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		perr.Message = parsed.Error.Message
		perr.Code = parsed.Error.Code
		if perr.Code == "" {
			perr.Code = parsed.Error.Type
		}
	}
	return perr
}
