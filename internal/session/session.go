// Package session implements the per-request/response object (design doc
// Section 4.4) that a Session owns exclusively for the lifetime of one
// intercepted exchange: the immutable Request, the mutable Response being
// built up by plugins, an opaque UserData scratch slot, and the
// ResponseState flag that gates the short-circuit contract.
package session

import (
	"net/http"
	"sync"
)

// Request is the immutable view of the intercepted request. Body access is
// memoized: repeated reads return identical bytes even after the upstream
// transport has consumed the underlying socket (design doc Section 4.4).
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	body    []byte
}

// NewRequest builds a Request, capturing the body bytes once up front so
// later reads never re-consume a socket.
func NewRequest(method, url string, headers http.Header, body []byte) *Request {
	return &Request{Method: method, URL: url, Headers: headers, body: body}
}

// Body returns the memoized request body bytes.
func (r *Request) Body() []byte { return r.body }

// BodyString is a convenience view of Body() as a string.
func (r *Request) BodyString() string { return string(r.body) }

// SetBody replaces the memoized body, for plugins that need to rewrite the
// outbound request. None of dev-proxy's core plugins mutate requests; the
// hook exists because the design names SetRequestBody explicitly.
func (r *Request) SetBody(b []byte) { r.body = b }

// Response is the mutable response under construction. It starts empty and
// is filled in either by the upstream fetch or by a plugin via
// GenericResponse.
type Response struct {
	StatusCode int
	StatusText string
	Headers    http.Header
	body       []byte
}

// Body returns the memoized response body bytes.
func (r *Response) Body() []byte { return r.body }

// BodyString is a convenience view of Body() as a string.
func (r *Response) BodyString() string { return string(r.body) }

// SetBody replaces the memoized response body without touching the
// ResponseState flag. The MITM transport stores a real upstream body this
// way (via Session.SetResponseBody) rather than synthesizing a response.
func (r *Response) SetBody(b []byte) { r.body = b }

// ResponseState tracks whether some plugin has already produced the
// response for this session. The flag is one-way and only
// Session.GenericResponse sets it. Keeping later BeforeRequest plugins from
// overwriting Response is the plugins' own ShouldExecute guard; a second
// GenericResponse call is not refused.
type ResponseState struct {
	mu         sync.Mutex
	hasBeenSet bool
}

// HasBeenSet reports whether the response has already been synthesized.
func (s *ResponseState) HasBeenSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasBeenSet
}

func (s *ResponseState) markSet() {
	s.mu.Lock()
	s.hasBeenSet = true
	s.mu.Unlock()
}

// Session is the exclusive holder of one request/response cycle.
type Session struct {
	ID       uint64
	Request  *Request
	Response *Response
	UserData map[string]any
	State    *ResponseState
}

// New creates a Session for an incoming request. Response starts as an
// empty, not-yet-set placeholder; it is populated either by the upstream
// fetch (MITM transport) or by a plugin calling GenericResponse.
func New(id uint64, req *Request) *Session {
	return &Session{
		ID:       id,
		Request:  req,
		Response: &Response{Headers: http.Header{}},
		UserData: make(map[string]any),
		State:    &ResponseState{},
	}
}

// GetRequestBody returns the memoized request body bytes.
func (s *Session) GetRequestBody() []byte { return s.Request.Body() }

// GetRequestBodyString returns the memoized request body as a string.
func (s *Session) GetRequestBodyString() string { return s.Request.BodyString() }

// SetRequestBody replaces the request body bytes.
func (s *Session) SetRequestBody(b []byte) { s.Request.SetBody(b) }

// SetResponseBody replaces the response body bytes without marking the
// response as set. Use GenericResponse to synthesize a terminal response.
func (s *Session) SetResponseBody(b []byte) { s.Response.SetBody(b) }

// GenericResponse marks the session's response as final: every later
// plugin that calls ShouldExecute skips this session (design doc
// Section 4.4/Section 8 invariant — "once HasBeenSet is true, the bytes
// delivered to the client equal the bytes set by the plugin that flipped
// the flag").
func (s *Session) GenericResponse(body []byte, status int, headers http.Header) {
	h := http.Header{}
	for k, vs := range headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	s.Response.StatusCode = status
	s.Response.StatusText = http.StatusText(status)
	s.Response.Headers = h
	s.Response.body = body
	s.State.markSet()
}
