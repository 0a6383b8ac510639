// Package identity derives the learner's display name from the bearer token
// issued by the auth backend.
//
// The token is only decoded, never verified: the display name personalizes
// greeting and follow-up requests and grants no access to anything.
package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when the token cannot be decoded.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claims are the profile claims read from the token.
type Claims struct {
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

// DisplayName returns the first non-empty of the name, given_name and
// preferred_username claims. An optional "Bearer " prefix is ignored. A
// decodable token without any of these claims yields "".
func DisplayName(token string) (string, error) {
	token = strings.TrimSpace(token)
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", nil
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	for _, v := range []string{claims.Name, claims.GivenName, claims.PreferredUsername} {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", nil
}

// Source says where to find the bearer token.
type Source struct {
	// Token is the token itself.
	Token string

	// TokenFile is a file holding the token.
	TokenFile string

	// TokenEnv is the name of an environment variable holding the token.
	TokenEnv string
}

// Resolve reads the token from the first configured source and returns its
// display name. A source that is not configured yields "".
func Resolve(src Source) (string, error) {
	token := src.Token
	switch {
	case token != "":
	case src.TokenFile != "":
		data, err := os.ReadFile(src.TokenFile)
		if err != nil {
			return "", fmt.Errorf("identity: read token file: %w", err)
		}
		token = string(data)
	case src.TokenEnv != "":
		token = os.Getenv(src.TokenEnv)
	}
	return DisplayName(token)
}
