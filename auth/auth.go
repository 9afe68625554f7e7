// Package auth holds the gateway's credential check.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrBadCredentials = errors.New("bad credentials")

// Authenticator validates a username/password pair and returns the owner
// identifier the request acts as.
type Authenticator interface {
	Authenticate(username, password string) (owner string, err error)
}

// Static authenticates against a fixed user table from the configuration.
type Static struct {
	users map[string]string
}

var _ Authenticator = (*Static)(nil)

func NewStatic(users map[string]string) *Static {
	return &Static{users: users}
}

func (a *Static) Authenticate(username, password string) (string, error) {
	want, ok := a.users[username]
	// Compare even on unknown users to keep timing uniform.
	if subtle.ConstantTimeCompare([]byte(password), []byte(want)) != 1 || !ok {
		return "", ErrBadCredentials
	}
	return username, nil
}
