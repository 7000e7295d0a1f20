package mitm

import (
	"bytes"
	"io"
	"net/http"

	"github.com/nivlark/devproxy/internal/session"
)

// newBodyReader adapts a memoized body slice into a fresh io.Reader for
// each outbound request, since http.NewRequestWithContext consumes it once.
func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

// toHTTPResponse renders a finished Session's Response as a stdlib
// *http.Response suitable for Write or for serving back through
// http.ResponseWriter.
func toHTTPResponse(sess *session.Session) *http.Response {
	resp := sess.Response
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	headers := resp.Headers
	if headers == nil {
		headers = http.Header{}
	}
	body := resp.Body()

	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// writeHTTPResponse copies resp onto w, the shape the plain (non-CONNECT)
// proxy path needs since it's already holding an http.ResponseWriter rather
// than a hijacked connection.
func writeHTTPResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		io.Copy(w, resp.Body)
		resp.Body.Close()
	}
}
