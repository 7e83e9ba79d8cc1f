package web

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/funnyzak/tapkit/internal/config"
)

// Session describes the caller behind a validated token.
type Session struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// ErrInvalidToken indicates a missing or unknown bearer token.
var ErrInvalidToken = errors.New("invalid api token")

var guestSession = &Session{Name: "guest", Role: roleAdmin}

// AuthManager validates static bearer tokens from configuration.
type AuthManager struct {
	enable bool
	tokens []config.WebTokenConfig
}

// NewAuthManager creates a new AuthManager from configuration.
func NewAuthManager(cfg config.WebAuthConfig) *AuthManager {
	tokens := make([]config.WebTokenConfig, 0, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		tok.Token = strings.TrimSpace(tok.Token)
		if tok.Token == "" {
			continue
		}
		tok.Role = strings.ToLower(strings.TrimSpace(tok.Role))
		if tok.Role == "" {
			tok.Role = roleViewer
		}
		tokens = append(tokens, tok)
	}
	return &AuthManager{enable: cfg.Enable, tokens: tokens}
}

// Enabled indicates whether authentication is active.
func (a *AuthManager) Enabled() bool {
	return a != nil && a.enable
}

// Validate maps token to its session. With auth disabled every caller is an
// admin guest.
func (a *AuthManager) Validate(token string) (*Session, error) {
	if !a.Enabled() {
		return guestSession, nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	for _, tok := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(tok.Token), []byte(token)) == 1 {
			return &Session{Name: tok.Name, Role: tok.Role}, nil
		}
	}
	return nil, ErrInvalidToken
}
