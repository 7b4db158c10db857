package proxy

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gatehouse-proxy/gatehouse/internal/acme"
	"github.com/gatehouse-proxy/gatehouse/internal/config"
	"github.com/gatehouse-proxy/gatehouse/internal/logger"
	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
	"github.com/gatehouse-proxy/gatehouse/internal/util"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// Recorder receives one sample per completed response. Bytes counts the body
// sent to the client.
type Recorder interface {
	Record(status int, bytes int64)
}

// Engine serves proxied requests on both the HTTP and HTTPS listeners. It
// loads the current snapshot once per request and runs the filter chain
// against that reference, so a reconcile mid-request never changes routing
// decisions already taken.
type Engine struct {
	cfg       config.Config
	publisher *snapshot.Publisher
	tokens    *acme.TokenStore
	recorder  Recorder
	accessLog *logrus.Logger
	pool      *transportPool
	buffers   *bufferPool
}

// NewEngine wires the engine. recorder and accessLog may be nil.
func NewEngine(cfg config.Config, publisher *snapshot.Publisher, tokens *acme.TokenStore, recorder Recorder, accessLog *logrus.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		publisher: publisher,
		tokens:    tokens,
		recorder:  recorder,
		accessLog: accessLog,
		pool:      newTransportPool(),
		buffers:   newBufferPool(),
	}
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := e.publisher.Current()
	cw := &countingWriter{ResponseWriter: w}

	e.serve(cw, r, snap)

	status := cw.status
	if status == 0 {
		status = http.StatusOK
	}
	if e.recorder != nil {
		e.recorder.Record(status, cw.bytes)
	}
	if e.accessLog != nil {
		e.accessLog.WithFields(logrus.Fields{
			"client_ip":   clientAddr(r),
			"method":      r.Method,
			"host":        util.SanitizeForLog(r.Host),
			"path":        util.SanitizeForLog(r.URL.Path),
			"status":      status,
			"bytes":       cw.bytes,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	}
}

func (e *Engine) serve(w http.ResponseWriter, r *http.Request, snap *snapshot.Snapshot) {
	// ACME challenges are answered before any host policy so validation
	// works for domains that have no host entry yet.
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		e.serveChallenge(w, r, snap)
		return
	}

	peer, peerOK := peerAddr(r)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	clientIP := peer

	// Forwarding headers are honored only from configured trusted proxies;
	// anyone else gets judged by their socket address.
	trusted := peerOK && e.cfg.IsTrustedProxy(peer)
	if trusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				clientIP = addr
			}
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
			scheme = proto
		}
	}

	hostKey := hostOnly(r.Host)
	if hostKey == "" {
		writeErrorPage(w, snap.ErrorPage, http.StatusBadRequest)
		return
	}

	host := snap.HostFor(hostKey)
	if host == nil {
		writeErrorPage(w, snap.ErrorPage, http.StatusNotFound)
		return
	}

	if host.AccessListID != 0 {
		if list := snap.AccessListByID(host.AccessListID); list != nil {
			if !e.authorize(w, r, snap, list, clientIP, hostKey) {
				return
			}
		}
	}

	if host.SSLForced && scheme == "http" {
		w.Header().Set("Location", "https://"+hostKey+r.URL.RequestURI())
		w.WriteHeader(http.StatusMovedPermanently)
		return
	}

	if host.RedirectTo != "" {
		status := host.RedirectStatus
		if status != http.StatusFound {
			status = http.StatusMovedPermanently
		}
		w.Header().Set("Location", host.RedirectTo)
		w.WriteHeader(status)
		return
	}

	e.dispatch(w, r, snap, host, hostKey, scheme, trusted)
}

// serveChallenge answers an HTTP-01 validation request from the worker's
// token store.
func (e *Engine) serveChallenge(w http.ResponseWriter, r *http.Request, snap *snapshot.Snapshot) {
	token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
	if e.tokens != nil && token != "" && !strings.Contains(token, "/") {
		if keyAuth, ok := e.tokens.Get(token); ok {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(keyAuth))
			return
		}
	}
	writeErrorPage(w, snap.ErrorPage, http.StatusNotFound)
}

// authorize runs the host's access list. IP rules are checked first, then
// Basic-Auth credentials when the list carries clients. Returns false when a
// response has already been written.
func (e *Engine) authorize(w http.ResponseWriter, r *http.Request, snap *snapshot.Snapshot, list *snapshot.AccessList, clientIP netip.Addr, hostKey string) bool {
	if len(list.Rules) > 0 {
		switch list.EvaluateIP(clientIP) {
		case snapshot.DecisionDeny:
			logger.WithFields(logrus.Fields{"host": hostKey, "client_ip": clientIP, "access_list": list.Name}).Info("request denied by IP rule")
			writeErrorPage(w, snap.ErrorPage, http.StatusForbidden)
			return false
		case snapshot.DecisionNoMatch:
			if list.HasAllowRule() {
				logger.WithFields(logrus.Fields{"host": hostKey, "client_ip": clientIP, "access_list": list.Name}).Info("request outside allow list")
				writeErrorPage(w, snap.ErrorPage, http.StatusForbidden)
				return false
			}
		}
	}

	if len(list.Clients) > 0 {
		username, password, ok := r.BasicAuth()
		if !ok || !list.Authenticate(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			writeErrorPage(w, snap.ErrorPage, http.StatusUnauthorized)
			return false
		}
	}
	return true
}

// dispatch resolves the effective location, picks an upstream at random and
// proxies the request.
func (e *Engine) dispatch(w http.ResponseWriter, r *http.Request, snap *snapshot.Snapshot, host *snapshot.Host, hostKey, scheme string, trusted bool) {
	targets := host.Targets
	upScheme := host.Scheme
	verifySSL := host.VerifySSL
	sni := host.UpstreamSNI
	outPath := r.URL.Path

	if loc := host.MatchLocation(r.URL.Path); loc != nil {
		if len(loc.Targets) > 0 {
			targets = loc.Targets
			upScheme = loc.Scheme
			verifySSL = loc.VerifySSL
			sni = loc.UpstreamSNI
		}
		if loc.Rewrite {
			outPath = rewritePath(r.URL.Path, loc.Path)
		}
	}
	if upScheme == "" {
		upScheme = "http"
	}

	if len(targets) == 0 {
		logger.WithFields(logrus.Fields{"host": hostKey}).Warn("no upstream targets configured")
		writeErrorPage(w, snap.ErrorPage, http.StatusBadGateway)
		return
	}
	target := targets[rand.IntN(len(targets))]

	ctx, cancel := context.WithTimeout(r.Context(), requestBudget)
	defer cancel()
	r = r.WithContext(ctx)

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = upScheme
			req.URL.Host = target
			req.URL.Path = outPath
			req.URL.RawPath = ""

			if !trusted {
				req.Header.Del("X-Forwarded-For")
			}
			req.Header.Set("X-Forwarded-Proto", scheme)
			req.Header.Set("X-Forwarded-Host", hostKey)

			applyHeaderRules(req.Header, host.RequestHeaders)

			if _, ok := req.Header["User-Agent"]; !ok {
				// explicitly disable User-Agent so it's not set to default value
				req.Header.Set("User-Agent", "")
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			applyHeaderRules(resp.Header, host.ResponseHeader)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			status := http.StatusBadGateway
			if isTimeout(err) {
				status = http.StatusGatewayTimeout
			}
			logger.WithFields(logrus.Fields{"host": hostKey, "upstream": target, "error": err}).Warn("upstream request failed")
			writeErrorPage(w, snap.ErrorPage, status)
		},
		Transport:  e.pool.get(verifySSL, sni),
		BufferPool: e.buffers,
	}
	rp.ServeHTTP(w, r)
}

// CloseIdle releases pooled upstream connections. Called on shutdown.
func (e *Engine) CloseIdle() {
	e.pool.closeIdle()
}

// rewritePath strips the matched location prefix, always leaving an absolute,
// non-empty path.
func rewritePath(path, prefix string) string {
	trimmed := path[len(prefix):]
	if trimmed == "" {
		return "/"
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "/" + trimmed
	}
	return trimmed
}

// applyHeaderRules removes each named header then installs the configured
// value; a rule with an empty value is a pure removal.
func applyHeaderRules(h http.Header, rules []snapshot.Header) {
	for _, rule := range rules {
		h.Del(rule.Name)
		if rule.Value != "" {
			h.Set(rule.Name, rule.Value)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// hostOnly lowercases a Host header and strips any port.
func hostOnly(host string) string {
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func peerAddr(r *http.Request) (netip.Addr, bool) {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}

func clientAddr(r *http.Request) string {
	if addr, ok := peerAddr(r); ok {
		return addr.String()
	}
	return r.RemoteAddr
}

type countingWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *countingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *countingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, 32*1024)
			},
		},
	}
}

type bufferPool struct {
	pool sync.Pool
}

func (b *bufferPool) Get() []byte {
	return b.pool.Get().([]byte)
}

func (b *bufferPool) Put(bytes []byte) {
	b.pool.Put(bytes)
}
