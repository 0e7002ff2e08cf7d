package middleware

import (
	"net/http"
)

// DefaultMaxBodySize caps request bodies at 1MB. Pairing and mutation
// payloads are a few hundred bytes; anything near the cap is abuse.
const DefaultMaxBodySize = 1 << 20

// BodyLimitMiddleware rejects oversized request bodies before a handler
// reads them. Declared lengths over the limit get an immediate 413;
// chunked bodies are wrapped in MaxBytesReader so the limit holds even
// without a Content-Length.
type BodyLimitMiddleware struct {
	limit int64
}

func NewBodyLimitMiddleware(limit int64) *BodyLimitMiddleware {
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{limit: limit}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.ContentLength > m.limit {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "Request body too large",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.limit)
		next.ServeHTTP(w, r)
	})
}
