package shield

import "net/http"

// HeadToGet rewrites HEAD to GET before routing, so handlers registered for
// GET answer HEAD probes with 200 rather than 405. net/http drops the body
// on HEAD responses on its own.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
