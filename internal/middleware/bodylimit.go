package middleware

import (
	"net/http"

	gwerrors "github.com/vireolabs/janus/internal/errors"
)

// BodyLimit rejects requests whose declared length exceeds max and
// caps chunked bodies with MaxBytesReader. Zero disables the limit.
func BodyLimit(max int64) Middleware {
	return func(next http.Handler) http.Handler {
		if max <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				e := gwerrors.ErrValidation.
					WithMessage("request body too large").
					WithRequestID(GetRequestID(r.Context()))
				e.StatusCode = http.StatusRequestEntityTooLarge
				e.WriteJSON(w)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}
