package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// checkToken rejects blank tokens and JWTs whose exp has already passed.
// Signatures are not verified here; the server remains the authority and
// opaque tokens are passed through untouched.
func checkToken(token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: empty session token", ErrAuthRejected)
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !exp.After(now) {
		return fmt.Errorf("%w: session token expired at %s", ErrAuthRejected, exp.UTC().Format(time.RFC3339))
	}
	return nil
}
