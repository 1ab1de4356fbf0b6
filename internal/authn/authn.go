// Package authn is the opaque authenticator the spec treats as an external
// collaborator: token issuance and verification live outside this system;
// all this package promises is authenticate(token) -> subject_id.
package authn

import (
	"context"
	"strings"

	"github.com/ridecore/matching/internal/apperr"
)

// Authenticator resolves a bearer token to a subject id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (subjectID string, err error)
}

// StaticAuthenticator treats the bearer token itself as the subject id,
// once stripped of its scheme prefix. It is a stand-in for whatever JWT
// verifier a real deployment plugs in — this system never inspects token
// contents beyond that.
type StaticAuthenticator struct{}

func (StaticAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", apperr.New(apperr.Unauthorized, "missing bearer token")
	}
	return token, nil
}
