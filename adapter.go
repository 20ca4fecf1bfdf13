package oauth

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"

	"github.com/giantswarm/oauth2-server/server"
)

// maxFormBytes bounds the body of form-encoded requests
const maxFormBytes = 1 << 20

// NewRequest converts an HTTP request into the grant engine's request type.
// The body is only read for form-encoded POST requests; Principal and
// ClientIP are left for the caller to fill in.
func NewRequest(w http.ResponseWriter, r *http.Request) (*server.Request, error) {
	req := &server.Request{
		Method: r.Method,
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
	}

	if r.Method != http.MethodPost || r.Body == nil {
		return req, nil
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return nil, server.ErrInvalidRequest(fmt.Sprintf("failed to parse form body: %v", err))
	}
	req.Body = r.PostForm
	return req, nil
}

// WriteResponse writes resp to w.
//
// A 302 response has its Location taken out of the header set; the
// remaining headers are copied and http.Redirect issues the redirect. Other
// responses are written with their body JSON-encoded, or with no body when
// Body is nil.
func WriteResponse(w http.ResponseWriter, r *http.Request, resp *server.Response) {
	if resp.Status == http.StatusFound {
		location := resp.Header.Get("Location")
		header := resp.Header.Clone()
		header.Del("Location")
		copyHeader(w.Header(), header)
		http.Redirect(w, r, location, http.StatusFound)
		return
	}

	copyHeader(w.Header(), resp.Header)
	if resp.Body == nil {
		w.WriteHeader(resp.Status)
		return
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	_ = json.NewEncoder(w).Encode(resp.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
