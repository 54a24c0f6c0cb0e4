package apiclient

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// refreshSkew is how far ahead of a bearer token's exp claim the host
// proactively requests a refresh, so an in-flight request never races an
// expiring token.
const refreshSkew = 60 * time.Second

// TokenNeedsRefresh parses the unverified claims of a bearer JWT (the host
// trusts it because it issued or received it over TLS from the API server;
// it never uses this parse to authorize anything) and reports whether its
// exp claim is within refreshSkew of now, or already passed, or unparsable.
func TokenNeedsRefresh(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now.Add(refreshSkew).After(exp.Time)
}
