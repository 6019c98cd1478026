package api

import (
	"context"
	"net/http"

	"github.com/reedfamily/reedwrap/internal/auth"
)

type operatorContextKey struct{}

func AuthMiddleware(authSvc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			op, err := authSvc.ValidateSession(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}

			ctx := context.WithValue(r.Context(), operatorContextKey{}, op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func operatorFrom(ctx context.Context) *auth.Operator {
	op, _ := ctx.Value(operatorContextKey{}).(*auth.Operator)
	return op
}

func operatorName(ctx context.Context) string {
	if op := operatorFrom(ctx); op != nil {
		return op.Username
	}
	return "unknown"
}
