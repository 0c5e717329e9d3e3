package middleware

import (
	"net/http"

	"github.com/vireolabs/janus/internal/auth"
	gwerrors "github.com/vireolabs/janus/internal/errors"
)

// Authenticate resolves the principal and attaches it to the context.
// Anonymous requests pass through with no principal; a verification
// error is a hard 401. Runs before rate limiting so limits key on the
// authenticated identity.
func Authenticate(a auth.Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if err != nil {
				gwerrors.ErrUnauthorized.
					WithRequestID(GetRequestID(r.Context())).
					WriteJSON(w)
				return
			}
			if p != nil {
				r = r.WithContext(auth.WithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	}
}
