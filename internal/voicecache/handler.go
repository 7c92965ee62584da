package voicecache

import (
	"bytes"
	"errors"
	"net/http"
	"time"
)

// Handler serves cached clips at a route with a {handle} path wildcard, e.g.
// "GET /audio/{handle}". Handles are content addresses, so responses are
// marked immutable.
func (r *Resolver) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		handle := req.PathValue("handle")
		wav, err := r.Audio(req.Context(), handle)
		switch {
		case errors.Is(err, ErrNotFound):
			http.NotFound(w, req)
			return
		case err != nil:
			http.Error(w, "audio unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("ETag", `"`+handle+`"`)
		http.ServeContent(w, req, handle+".wav", time.Time{}, bytes.NewReader(wav))
	})
}
