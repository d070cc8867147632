package web

import (
	"net/http"
	"strings"

	"github.com/campusworks/achievement-import/internal/core"
	mw "github.com/campusworks/achievement-import/internal/web/middleware"
)

// Operator headers are set by the gateway that authenticated the caller.
const (
	headerOperatorID   = "X-Operator-ID"
	headerOperatorRole = "X-Operator-Role"
)

// requestMetadata records the caller on the request context so audit
// entries written by the service can name them.
func requestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := core.Caller{IPAddress: mw.ClientIP(r), UserAgent: r.UserAgent()}
		if id := strings.TrimSpace(r.Header.Get(headerOperatorID)); id != "" {
			caller.Operator = core.Operator{ID: id, Role: strings.TrimSpace(r.Header.Get(headerOperatorRole))}
		}
		next.ServeHTTP(w, r.WithContext(core.WithCaller(r.Context(), caller)))
	})
}
