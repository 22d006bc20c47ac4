// Package smtp implements the SMTP front door: a small server that accepts
// messages from applications and hands them to the dispatch pipeline.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrAuthFailed is returned when credentials do not match.
var ErrAuthFailed = errors.New("authentication failed")

// Authenticator checks SMTP AUTH credentials. The configured password may
// be plain text or a bcrypt hash ("$2a$", "$2b$" or "$2y$" prefix).
type Authenticator struct {
	username string
	password string
	hashed   bool
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
		hashed:   isBcryptHash(password),
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks a base64 AUTH PLAIN response of the form
// authzid\0authcid\0password. The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.New("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}
	return a.verify(parts[1], parts[2])
}

// VerifyLogin checks base64 username and password from the AUTH LOGIN
// challenge-response exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errors.New("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errors.New("invalid base64 password")
	}
	return a.verify(string(user), string(pass))
}

func (a *Authenticator) verify(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1

	var passOK bool
	if a.hashed {
		passOK = bcrypt.CompareHashAndPassword([]byte(a.password), []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	}

	if !userOK || !passOK {
		return ErrAuthFailed
	}
	return nil
}

func isBcryptHash(s string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
