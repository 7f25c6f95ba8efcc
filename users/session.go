package users

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// SessionAuthenticator verifies browser session cookies carrying a signed
// session token
type SessionAuthenticator interface {
	// AuthenticateRequest verify the session cookie on a request. Returns the
	// matching active principal, or nil if the request carries no valid session.
	AuthenticateRequest(r *http.Request) *Principal
}

// sessionAuthenticatorImpl implements SessionAuthenticator with HS256 JWTs
type sessionAuthenticatorImpl struct {
	goutils.Component
	store         CredentialStore
	cookieName    string
	signingSecret []byte
}

// GetSessionAuthenticator define a SessionAuthenticator
func GetSessionAuthenticator(
	store CredentialStore, cookieName string, signingSecret []byte,
) (SessionAuthenticator, error) {
	if len(signingSecret) == 0 {
		return nil, fmt.Errorf("session authenticator needs a signing secret")
	}
	logTags := log.Fields{
		"module": "users", "component": "session-authenticator",
	}
	return &sessionAuthenticatorImpl{
		Component:     goutils.Component{LogTags: logTags},
		store:         store,
		cookieName:    cookieName,
		signingSecret: signingSecret,
	}, nil
}

// AuthenticateRequest verify the session cookie on a request
func (s *sessionAuthenticatorImpl) AuthenticateRequest(r *http.Request) *Principal {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	token, err := jwt.Parse(
		cookie.Value,
		func(t *jwt.Token) (interface{}, error) { return s.signingSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		log.WithError(err).WithFields(s.LogTags).Debug("Rejected session token")
		return nil
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		log.WithFields(s.LogTags).Debug("Session token missing subject")
		return nil
	}

	record, ok := s.store.ByIdentity(subject)
	if !ok {
		log.WithFields(s.LogTags).Debugf("Session for unknown identity '%s'", subject)
		return nil
	}
	if !record.Active {
		log.WithFields(s.LogTags).Debugf("Rejected inactive principal '%s'", subject)
		return nil
	}

	return &Principal{Identity: record.Identity, Admin: record.Admin}
}

// MintSessionToken sign a new session token for an identity
func MintSessionToken(
	identity string, signingSecret []byte, lifetime time.Duration,
) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingSecret)
}
