package kit

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/vigie/idgen"
)

// RecipientHeader carries the caller's recipient id on HTTP requests.
const RecipientHeader = "X-Recipient-ID"

// HTTPContext copies request metadata into the context. It reuses the id
// set by chi's RequestID middleware when present.
func HTTPContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithTransport(r.Context(), "http")
		id := middleware.GetReqID(ctx)
		if id == "" {
			id = r.Header.Get("X-Request-ID")
		}
		if id == "" {
			id = idgen.New()
		}
		ctx = WithRequestID(ctx, id)
		ctx = WithRemoteAddr(ctx, r.RemoteAddr)
		if rid := r.Header.Get(RecipientHeader); rid != "" {
			ctx = WithRecipientID(ctx, rid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
