// ABOUTME: RequireOperator huma middleware for operator JWT Bearer auth.
// ABOUTME: Injects the operator's subject into the request context.
package api

import (
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/evalq/internal/auth"
)

// requireOperator returns a middleware that requires an operator token in
// the Authorization header. With no JWT secret configured every admin request
// is refused.
func (srv *Server) requireOperator(api huma.API) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		header := ctx.Header("Authorization")
		if srv.cfg.JWTSecret == "" || !strings.HasPrefix(header, "Bearer ") {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := auth.ParseOperatorToken(strings.TrimPrefix(header, "Bearer "), []byte(srv.cfg.JWTSecret))
		if err != nil {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(huma.WithValue(ctx, ctxOperator, claims.Subject))
	}
}
