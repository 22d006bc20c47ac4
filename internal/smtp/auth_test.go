package smtp

import (
	"encoding/base64"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		username, password string
		want               bool
	}{
		{"relay", "secret", true},
		{"", "secret", false},
		{"relay", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := NewAuthenticator(tt.username, tt.password).Enabled(); got != tt.want {
			t.Errorf("Enabled(%q, %q): got %v, want %v", tt.username, tt.password, got, tt.want)
		}
	}
}

// credentialCases runs against both a plain and a bcrypt-hashed password.
var credentialCases = []struct {
	name     string
	user     string
	pass     string
	authzid  string
	wantPass bool
}{
	{name: "valid", user: "app", pass: "s3cret", wantPass: true},
	{name: "valid with authzid", user: "app", pass: "s3cret", authzid: "admin", wantPass: true},
	{name: "wrong password", user: "app", pass: "guess"},
	{name: "wrong username", user: "other", pass: "s3cret"},
	{name: "password prefix", user: "app", pass: "s3cre"},
	{name: "empty password", user: "app", pass: ""},
}

func authenticators(t *testing.T) map[string]*Authenticator {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return map[string]*Authenticator{
		"plain":  NewAuthenticator("app", "s3cret"),
		"bcrypt": NewAuthenticator("app", string(hash)),
	}
}

func TestAuthenticator_VerifyPlain(t *testing.T) {
	t.Parallel()

	for kind, auth := range authenticators(t) {
		for _, tc := range credentialCases {
			err := auth.VerifyPlain(b64(tc.authzid + "\x00" + tc.user + "\x00" + tc.pass))
			if tc.wantPass && err != nil {
				t.Errorf("%s/%s: unexpected error: %v", kind, tc.name, err)
			}
			if !tc.wantPass && !errors.Is(err, ErrAuthFailed) {
				t.Errorf("%s/%s: expected ErrAuthFailed, got %v", kind, tc.name, err)
			}
		}
	}
}

func TestAuthenticator_VerifyLogin(t *testing.T) {
	t.Parallel()

	for kind, auth := range authenticators(t) {
		for _, tc := range credentialCases {
			if tc.authzid != "" {
				continue
			}
			err := auth.VerifyLogin(b64(tc.user), b64(tc.pass))
			if tc.wantPass && err != nil {
				t.Errorf("%s/%s: unexpected error: %v", kind, tc.name, err)
			}
			if !tc.wantPass && !errors.Is(err, ErrAuthFailed) {
				t.Errorf("%s/%s: expected ErrAuthFailed, got %v", kind, tc.name, err)
			}
		}
	}
}

func TestAuthenticator_MalformedResponses(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("app", "s3cret")

	plain := map[string]string{
		"not base64":    "not-valid-base64!!!",
		"one separator": b64("app\x00s3cret"),
		"no separator":  b64("apps3cret"),
	}
	for name, encoded := range plain {
		err := auth.VerifyPlain(encoded)
		if err == nil {
			t.Errorf("PLAIN %s: expected error", name)
		}
		if errors.Is(err, ErrAuthFailed) {
			t.Errorf("PLAIN %s: malformed input should not look like a credential mismatch", name)
		}
	}

	if err := auth.VerifyLogin("invalid!!!", b64("s3cret")); err == nil {
		t.Error("LOGIN: expected error for invalid base64 username")
	}
	if err := auth.VerifyLogin(b64("app"), "invalid!!!"); err == nil {
		t.Error("LOGIN: expected error for invalid base64 password")
	}
}

// A configured bcrypt hash must only accept the password it was made
// from, never the hash text itself.
func TestAuthenticator_HashIsNotAPassword(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	auth := NewAuthenticator("app", string(hash))

	if err := auth.VerifyPlain(b64("\x00app\x00" + string(hash))); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestIsBcryptHash(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"$2a$10$abcdefghijklmnopqrstuv": true,
		"$2b$12$abcdefghijklmnopqrstuv": true,
		"$2y$04$abcdefghijklmnopqrstuv": true,
		"plainpassword":                 false,
		"$1$md5crypt":                   false,
		"":                              false,
	}
	for in, want := range tests {
		if got := isBcryptHash(in); got != want {
			t.Errorf("isBcryptHash(%q): got %v, want %v", in, got, want)
		}
	}
}
