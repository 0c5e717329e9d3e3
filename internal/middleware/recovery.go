package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	gwerrors "github.com/vireolabs/janus/internal/errors"
	"github.com/vireolabs/janus/internal/logging"
)

// Recovery converts handler panics into a 500 envelope. A panic after
// the response started can only be logged.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				logging.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", GetRequestID(r.Context())),
					zap.ByteString("stack", debug.Stack()))
				gwerrors.ErrInternal.WithRequestID(GetRequestID(r.Context())).WriteJSON(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
