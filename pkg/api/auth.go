package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"project-tracker/pkg/job"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload issued by the auth service.
type Claims struct {
	ID             int64  `json:"id"`
	Email          string `json:"email"`
	OrganizationID int64  `json:"organization_id"`
	jwt.RegisteredClaims
}

type actorKey struct{}

// ActorFrom returns the authenticated caller stored by the auth middleware.
func ActorFrom(ctx context.Context) (job.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(job.Actor)
	return a, ok
}

func withActor(ctx context.Context, a job.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// IssueToken signs an HS256 token for actor. Used by tooling and tests.
func IssueToken(secret string, actor job.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ID:             actor.UserID,
		Email:          actor.Email,
		OrganizationID: actor.OrganizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret []byte, raw string) (job.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return job.Actor{}, err
	}
	if claims.OrganizationID == 0 {
		return job.Actor{}, fmt.Errorf("token has no organization")
	}
	return job.Actor{UserID: claims.ID, Email: claims.Email, OrganizationID: claims.OrganizationID}, nil
}

// requireAuth rejects requests without a valid bearer token.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeFailure(w, http.StatusUnauthorized, CodeUnauthorized, "Access token required")
			return
		}
		actor, err := parseToken(s.secret, strings.TrimSpace(raw))
		if err != nil {
			s.logger.Debug("rejected token", "error", err)
			writeFailure(w, http.StatusForbidden, CodeInvalidToken, "Invalid or expired token")
			return
		}
		next(w, r.WithContext(withActor(r.Context(), actor)))
	})
}
