package middleware

import (
	"net/http"
)

// AliasHandler rewrites an incoming request path by prepending prefix before
// delegating to Handler. Used to mount the OpenAI-style surface
// (/v1/chat/completions, ...) under the node's inference prefix.
type AliasHandler struct {
	Handler http.Handler
	Prefix  string
}

func (h *AliasHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = h.Prefix + r.URL.Path

	h.Handler.ServeHTTP(w, r2)
}
