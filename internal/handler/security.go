package handler

import (
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// APIKeyHeader carries the staff API key on kitchen-facing endpoints.
const APIKeyHeader = "X-API-Key"

// requireAPIKey authenticates the request's API key and checks that it
// carries the required scope. Authentication and authorization failures
// are both reported as 401; which one failed is logged, not disclosed.
func (h *Handler) requireAPIKey(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(APIKeyHeader)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing api key")
			return
		}

		info, err := h.verifier.Verify(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}
		if !info.HasScope(scope) {
			zctx.From(r.Context()).Warn("api key missing scope",
				zap.String("key_name", info.Name),
				zap.String("scope", scope))
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}

		next(w, r)
	})
}
