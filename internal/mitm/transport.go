// Package mitm implements the MITM HTTP/HTTPS transport (design doc Section
// 4.3): the net/http.Server-plus-Hijacker core that generalizes
// other_examples/996819ad_majorcontext-moat__internal-proxy-proxy.go's
// handleConnect / handleConnectTunnel / handleConnectWithInterception trio
// into a transport that runs every intercepted exchange through the plugin
// event pipeline instead of majorcontext-moat's fixed credential-injection
// logic.
package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nivlark/devproxy/internal/ca"
	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/reqlog"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/watch"
)

// Transport is the proxy's network front door: one *http.Server listening
// for CONNECT (HTTPS) and absolute-form (plain HTTP) proxy requests.
type Transport struct {
	Addr     string
	Watcher  *watch.Matcher // hosts excluded here are tunneled raw, never decrypted
	CA       *ca.CA
	Host     *pluginhost.Host
	Bus      *events.Bus
	ReqLog   *reqlog.Logger
	Upstream *http.Client // nil => a default client with a 100s timeout is used
	Logger   *slog.Logger

	nextSessionID atomic.Uint64
	srv           *http.Server
}

// ListenAndServe starts the transport and blocks until ctx is cancelled or
// an unrecoverable listener error occurs. On cancellation the listener
// stops accepting; in-flight sessions are allowed to finish their current
// plugin dispatch before the connection is closed (design doc Section 5).
func (t *Transport) ListenAndServe(ctx context.Context) error {
	if t.Upstream == nil {
		t.Upstream = &http.Client{Timeout: 100 * time.Second}
	}
	if t.Logger == nil {
		t.Logger = slog.Default()
	}

	t.srv = &http.Server{
		Addr:    t.Addr,
		Handler: http.HandlerFunc(t.serveHTTP),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := t.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("mitm: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (t *Transport) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		t.handleConnect(w, r)
		return
	}
	t.handlePlain(w, r)
}

func (t *Transport) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}

	if t.Watcher != nil && !t.Watcher.IsIncluded("https://" + host + "/") {
		t.tunnel(w, r)
		return
	}
	t.interceptConnect(w, r, host)
}

// tunnel passes CONNECT traffic through unexamined, verbatim idiom from
// majorcontext-moat's handleConnectTunnel: hijack, write the 200, then pump
// both directions with io.Copy until either side closes.
func (t *Transport) tunnel(w http.ResponseWriter, r *http.Request) {
	targetConn, err := net.Dial("tcp", r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		targetConn.Close()
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		targetConn.Close()
		return
	}

	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			clientConn.Close()
			targetConn.Close()
		})
	}

	go func() { _, _ = io.Copy(targetConn, clientConn); closeBoth() }()
	go func() { _, _ = io.Copy(clientConn, targetConn); closeBoth() }()
}

// interceptConnect hijacks the CONNECT, terminates TLS with a leaf cert
// minted for host, then reads one or more HTTP/1.1 requests off the
// decrypted stream, running each through the session pipeline.
func (t *Transport) interceptConnect(w http.ResponseWriter, r *http.Request, host string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	cert, err := t.CA.GenerateCert(host)
	if err != nil {
		t.Logger.Error("minting leaf certificate failed", "host", host, "error", err)
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		return
	}
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = host
		t.processRequest(context.Background(), tlsConn, req)
	}
}

// handlePlain serves an ordinary (non-CONNECT) proxy request: the request
// line carries an absolute-form URL.
func (t *Transport) handlePlain(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Scheme, "http") {
		http.Error(w, "proxy: absolute-form URL required", http.StatusBadRequest)
		return
	}
	resp := t.runSession(r.Context(), r)
	writeHTTPResponse(w, resp)
}

// processRequest drives one request/response cycle read off a hijacked TLS
// stream and writes the result back onto the same connection.
func (t *Transport) processRequest(ctx context.Context, conn net.Conn, req *http.Request) {
	resp := t.runSession(ctx, req)
	bw := bufio.NewWriter(conn)
	resp.Write(bw)
	bw.Flush()
}

// runSession builds a Session from req and carries it through the full
// BeforeRequest -> (upstream fetch, unless already set) -> BeforeResponse ->
// AfterResponse -> log flush pipeline (design doc Section 4.3 phase order).
func (t *Transport) runSession(ctx context.Context, req *http.Request) *http.Response {
	id := t.nextSessionID.Add(1)

	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	sessReq := session.NewRequest(req.Method, req.URL.String(), req.Header.Clone(), bodyBytes)
	sess := session.New(id, sessReq)

	scoped := t.ReqLog.WithSession(id)

	t.Bus.Dispatch(ctx, events.BeforeRequest, &events.ProxyRequestArgs{Session: sess})

	if !sess.State.HasBeenSet() {
		t.fetchUpstream(ctx, sess, req)
	}

	t.Bus.Dispatch(ctx, events.BeforeResponse, &events.ProxyResponseArgs{Session: sess})
	t.Bus.Dispatch(ctx, events.AfterResponse, &events.ProxyResponseArgs{Session: sess})

	scoped.Finish(sess.Request.Method, sess.Request.URL)

	return toHTTPResponse(sess)
}

// fetchUpstream performs the real network call when no plugin has already
// synthesized a response.
func (t *Transport) fetchUpstream(ctx context.Context, sess *session.Session, orig *http.Request) {
	outReq, err := http.NewRequestWithContext(ctx, sess.Request.Method, sess.Request.URL, newBodyReader(sess.Request.Body()))
	if err != nil {
		t.Logger.Error("building upstream request failed", "url", sess.Request.URL, "error", err)
		sess.GenericResponse([]byte(err.Error()), http.StatusBadGateway, nil)
		return
	}
	outReq.Header = sess.Request.Headers.Clone()

	resp, err := t.Upstream.Do(outReq)
	if err != nil {
		t.Logger.Error("upstream fetch failed", "url", sess.Request.URL, "error", err)
		sess.GenericResponse([]byte(err.Error()), http.StatusBadGateway, nil)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	sess.Response.StatusCode = resp.StatusCode
	sess.Response.StatusText = http.StatusText(resp.StatusCode)
	sess.Response.Headers = resp.Header.Clone()
	sess.SetResponseBody(body)
}
