// Package session carries the identity of the signed-in user to the client
// components. A Session is immutable; signing in as someone else produces a
// new one.
package session

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/BuzzLyutic/shadowflow/internal/auth"
)

var ErrNoSession = errors.New("no active session")

type Session struct {
	userID string
	tokens oauth2.TokenSource
}

// New builds a session for userID whose access tokens come from ts.
func New(userID string, ts oauth2.TokenSource) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrNoSession)
	}
	if ts == nil {
		return nil, fmt.Errorf("%w: no token source", ErrNoSession)
	}
	return &Session{userID: userID, tokens: oauth2.ReuseTokenSource(nil, ts)}, nil
}

// FromToken builds a session around a fixed bearer token.
func FromToken(userID, accessToken string) (*Session, error) {
	return New(userID, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
}

func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.userID
}

// AccessToken returns the current access token. It fails with ErrNoSession
// when the session is gone or the token source cannot produce a valid token.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	if s == nil {
		return "", ErrNoSession
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tok, err := s.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if !tok.Valid() {
		return "", fmt.Errorf("%w: token expired", ErrNoSession)
	}
	return tok.AccessToken, nil
}

// FromBearer builds a session from an API token, taking the user id and the
// expiry from its claims. The signature is checked by the server, not here.
func FromBearer(accessToken string) (*Session, error) {
	claims, err := auth.Inspect(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	return New(claims.UserID, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      claims.Expiry(),
	}))
}
