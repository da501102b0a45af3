package taskdeck

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated user the realtime layer acts for.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// usable reports whether the identity can own a connection.
func (id *Identity) usable() bool {
	return id != nil && strings.TrimSpace(id.ID) != ""
}

// IdentityFromToken extracts the identity from a session JWT without
// verifying its signature. The server verifies the token on every request;
// the client only needs to know who it is.
func IdentityFromToken(token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	id := firstClaim(claims, "userId", "id", "sub")
	if id == "" {
		return nil, fmt.Errorf("token carries no user id")
	}
	return &Identity{
		ID:          id,
		DisplayName: firstClaim(claims, "name", "displayName", "username"),
	}, nil
}

func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
