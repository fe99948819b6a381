package shield

import "net/http"

// MaxBodyBytes is the docguard upload ceiling: 100 MiB, per spec.
const MaxBodyBytes int64 = 100 << 20

// MaxBody returns middleware that limits the request body size for any
// request carrying a body. Unlike form-urlencoded bodies, multipart uploads
// are streamed, so the limit is applied unconditionally rather than gated
// on a specific Content-Type — http.MaxBytesReader aborts the read (and any
// downstream multipart.Reader.NextPart/ReadForm call) once the ceiling is
// crossed, rather than buffering the oversize body first.
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
