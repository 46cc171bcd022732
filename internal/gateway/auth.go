package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// AuthResult is resolved once per connection at connect time.
//
// Anonymous connections are accepted; authorization is up to whatever
// serves the data. Verified is only true when a TokenVerifier accepted the
// credential: a token that was merely present is never treated as proof.
type AuthResult struct {
	Authenticated bool           `json:"authenticated"`
	Verified      bool           `json:"verified"`
	Subject       string         `json:"subject,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`

	token string
}

// Token returns the raw bearer credential, if any.
func (a AuthResult) Token() string { return a.token }

type Identity struct {
	Subject string
	Claims  map[string]any
}

// TokenVerifier validates a bearer credential.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, token string) (Identity, error)

func (f TokenVerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// StaticTokens verifies against a fixed token -> subject table.
type StaticTokens map[string]string

var errUnknownToken = errors.New("unknown token")

func (s StaticTokens) Verify(_ context.Context, token string) (Identity, error) {
	for tok, subject := range s {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			return Identity{Subject: subject}, nil
		}
	}
	return Identity{}, errUnknownToken
}

// tokenParams are the connection parameter names checked for a credential,
// in order.
var tokenParams = []string{"authorization", "Authorization", "authToken", "token"}

// BearerToken extracts the credential from connection parameters, stripping
// an optional "Bearer " prefix.
func BearerToken(params map[string]any) string {
	for _, k := range tokenParams {
		v, ok := params[k].(string)
		if !ok {
			continue
		}
		if tok := stripBearer(v); tok != "" {
			return tok
		}
	}
	return ""
}

func stripBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		v = strings.TrimSpace(v[7:])
	}
	return v
}

func resolveAuth(ctx context.Context, v TokenVerifier, params map[string]any) (AuthResult, error) {
	tok := BearerToken(params)
	if tok == "" {
		return AuthResult{}, nil
	}
	res := AuthResult{Authenticated: true, token: tok}
	if v == nil {
		return res, nil
	}
	id, err := v.Verify(ctx, tok)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	res.Verified = true
	res.Subject = id.Subject
	res.Claims = id.Claims
	return res, nil
}
