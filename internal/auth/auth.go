// Package auth validates the access tokens issued by the identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ContextKey string

const UserKey ContextKey = "user"

// User is the authenticated caller.
type User struct {
	ID   string
	Name string
}

// Claims are the token claims the chat server relies on. Subject carries the
// backend user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// MakeJWT signs a token for user. The identity provider mints production
// tokens; this is used by tooling and tests.
func MakeJWT(user User, tokenSecret, issuer string, expiresIn time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name: user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	})

	return token.SignedString([]byte(tokenSecret))
}

// ValidateJWT parses tokenString and returns the user it was issued for.
// When issuer is not empty the iss claim must match it.
func ValidateJWT(tokenString, tokenSecret, issuer string) (User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) { return []byte(tokenSecret), nil },
		opts...,
	)
	if err != nil {
		return User{}, fmt.Errorf("internal/auth: failed to parse token: %w", err)
	}

	if !token.Valid {
		return User{}, errors.New("internal/auth: token is invalid")
	}

	if claims.Subject == "" {
		return User{}, errors.New("internal/auth: subject claim is missing")
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return User{ID: claims.Subject, Name: name}, nil
}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// GetUserFromContext returns the user stored by the auth middleware.
func GetUserFromContext(ctx context.Context) (User, error) {
	user, ok := ctx.Value(UserKey).(User)
	if !ok {
		return User{}, errors.New("internal/auth: no user in context")
	}
	if user.ID == "" {
		return User{}, errors.New("internal/auth: user id is empty")
	}
	return user, nil
}
