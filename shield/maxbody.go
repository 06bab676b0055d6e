package shield

import "net/http"

// MaxBody caps the request body at maxBytes. The limit surfaces as an
// http.MaxBytesError inside whatever read the handler performs, multipart
// parsing included.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
