package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	id "canopy/pkg/domain"
	"canopy/pkg/requestcontext"
)

// ActorValidator resolves a bearer token to an actor identity. Identity
// management itself lives in an external collaborator; this service only
// needs a verified, well-formed actor UUID.
type ActorValidator interface {
	ValidateToken(tokenString string) (id.ActorID, error)
}

// HMACValidator validates HS256-signed tokens whose subject claim carries the
// actor UUID.
type HMACValidator struct {
	signingKey []byte
}

// NewHMACValidator constructs a validator over the shared signing key.
func NewHMACValidator(signingKey string) *HMACValidator {
	return &HMACValidator{signingKey: []byte(signingKey)}
}

func (v *HMACValidator) ValidateToken(tokenString string) (id.ActorID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return id.ActorID{}, fmt.Errorf("parse token: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return id.ActorID{}, fmt.Errorf("token subject: %w", err)
	}
	return id.ParseActorID(subject)
}

// RequireActor rejects requests without a valid bearer token and injects the
// resolved actor into the request context.
func RequireActor(validator ActorValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const bearerPrefix = "Bearer "
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, bearerPrefix)
			if !ok || token == "" {
				unauthorized(w)
				return
			}
			actor, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "unauthorized - invalid token",
					"error", err.Error(),
					"request_id", requestcontext.RequestID(r.Context()),
				)
				unauthorized(w)
				return
			}
			ctx := requestcontext.WithActorID(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"missing or invalid bearer token"}}`))
}
