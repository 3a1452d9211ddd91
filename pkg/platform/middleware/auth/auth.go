package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"didregistry/internal/hosttoken"
	"didregistry/pkg/requestcontext"
)

// HostTokenValidator validates host tokens.
type HostTokenValidator interface {
	Validate(tokenString string) (*hosttoken.Identity, error)
}

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireHost rejects requests without a valid bearer host token and puts the
// asserted caller identity into the request context.
func RequireHost(validator HostTokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			identity, err := validator.Validate(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			ctx = requestcontext.WithHostCaller(ctx, requestcontext.Host{
				AccountID:  identity.AccountID,
				SigningKey: identity.SigningKey,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
