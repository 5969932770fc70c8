package auth

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User is the cached portal user record returned by login and profile calls.
type User struct {
	ID        json.Number `json:"id"`
	Email     string      `json:"email"`
	Username  string      `json:"username,omitempty"`
	FirstName string      `json:"first_name,omitempty"`
	LastName  string      `json:"last_name,omitempty"`
	Role      string      `json:"role,omitempty"`
}

// Credentials holds the bearer token pair issued by the portal.
// Access is short-lived; Refresh is accepted only by the refresh endpoint.
type Credentials struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Valid reports whether the pair carries an access credential.
func (c Credentials) Valid() bool {
	return c.Access != ""
}

// AccessExpiresWithin reports whether the access token's exp claim falls within d.
// The token is decoded without signature verification; the client holds no keys.
// Tokens that do not parse as JWTs report false, leaving refresh 401-driven.
func (c Credentials) AccessExpiresWithin(d time.Duration) bool {
	if c.Access == "" {
		return false
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(c.Access, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) <= d
}
