package authority

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultTokenTTL applies when the authority token carries no exp claim.
const defaultTokenTTL = 24 * time.Hour

// tokenExpiry reads the exp claim of a bearer token without verifying it; the
// authority signs its own tokens and we only need to know when to refresh.
func tokenExpiry(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return now.Add(defaultTokenTTL)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(defaultTokenTTL)
	}
	return exp.Time
}

// bearer normalizes a token to the Authorization header form.
func bearer(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "Bearer ") {
		return raw
	}
	return "Bearer " + raw
}
