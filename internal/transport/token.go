package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ValidateToken checks that the bearer token is a well-formed JWT and, when
// it carries an exp claim, that it has not expired. The signature is the
// server's business and is not verified here.
func ValidateToken(token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is empty", ErrAuth)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: malformed token: %v", ErrAuth, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: invalid exp claim: %v", ErrAuth, err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return fmt.Errorf("%w: token expired at %s", ErrAuth, exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// TokenExpiry returns the exp claim of an unverified token.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}
