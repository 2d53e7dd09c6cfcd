package h2core

import (
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"time"
)

const proto = "h2"

// Server is the TLS+ALPN accept loop: one Session per connection,
// handed off to its own goroutine, exactly the shape the teacher's
// own server.go uses, generalized from a hard-coded demo handler to an
// arbitrary http.Handler plus a Config.
type Server struct {
	cert tls.Certificate
	cfg  *Config
}

// NewServer builds a Server bound to the given certificate. cfg may be
// nil, in which case NewConfig's defaults are used for every
// connection.
func NewServer(cert tls.Certificate, cfg *Config) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Server{cert: cert, cfg: cfg}
}

// ListenAndServe accepts connections on addr until Listen itself fails;
// there is no graceful-shutdown mode, matching the teacher's own
// ListenAndServe (mirrored note: that is orthogonal to HTTP/2 proper).
func (sv *Server) ListenAndServe(addr string, handler http.Handler) error {
	listener, err := tls.Listen("tcp", addr, &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{sv.cert},
		NextProtos:   []string{proto},
	})
	if err != nil {
		return ErrListen{Inner: err, Context: ListenContext{Addr: addr}}
	}
	defer listener.Close()

	sv.cfg.Logger.Info("listening", "addr", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return ErrListen{Inner: err, Context: ListenContext{Addr: addr}}
		}
		go sv.acceptDirect(conn, handler)
	}
}

// acceptDirect handles one ALPN-negotiated "h2" connection end to end:
// handshake, protocol check, Start, then run until done.
func (sv *Server) acceptDirect(conn net.Conn, handler http.Handler) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}

	if err := tlsConn.Handshake(); err != nil {
		sv.cfg.Logger.Warn("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}

	negotiated := tlsConn.ConnectionState().NegotiatedProtocol
	if negotiated != proto {
		sv.cfg.Logger.Warn("unexpected ALPN protocol", "remote", conn.RemoteAddr(), "protocol", negotiated)
		conn.Close()
		return
	}

	session, err := Create(conn, handler, sv.cfg)
	if err != nil {
		sv.cfg.Logger.Warn("failed to create session", "err", err)
		conn.Close()
		return
	}

	if err := session.Start(); err != nil {
		conn.Close()
		return
	}

	sv.run(session)
}

// run alternates Read and Write until the session reports IsDone, then
// tears it down. This is the outer loop the spec leaves to the host;
// kept here, in the teacher's idiom of one goroutine per connection,
// rather than inside Session itself, so a host embedding h2core for
// something other than a TCP listener (e.g. the h2c adapter below) can
// reuse it verbatim.
func (sv *Server) run(session *Session) {
	defer session.Close()

	for !session.IsDone() {
		if err := session.Read(time.Now().Add(sv.cfg.IdleWriteTimeout)); err != nil {
			break
		}
		if err := session.Write(sv.cfg.IdleWriteTimeout); err != nil {
			break
		}
	}

	session.Destroy()
}

// UpgradeHandler adapts an http.Handler to additionally accept h2c
// (HTTP/2 over cleartext via the Upgrade: h2c mechanism, RFC 7540
// §3.2). It is deliberately a thin net/http-facing shim rather than
// part of Session/Server: negotiating the upgrade handshake itself is
// ordinary HTTP/1.1 request handling, outside this package's core
// responsibility, but it needs a concrete home so StartH2C has a
// caller. A non-upgrade request is passed through to next unchanged.
type UpgradeHandler struct {
	Next    http.Handler
	Handler http.Handler
	Cfg     *Config
}

func (u *UpgradeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isH2CUpgrade(r) {
		u.Next.ServeHTTP(w, r)
		return
	}

	settingsPayload := r.Header.Get("HTTP2-Settings")
	if settingsPayload == "" {
		http.Error(w, "missing HTTP2-Settings", http.StatusBadRequest)
		return
	}
	if _, err := base64.RawURLEncoding.DecodeString(settingsPayload); err != nil {
		http.Error(w, "malformed HTTP2-Settings", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "cannot upgrade: connection does not support hijacking", http.StatusInternalServerError)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		http.Error(w, "failed to hijack connection", http.StatusInternalServerError)
		return
	}

	conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: h2c\r\n\r\n"))

	cfg := u.Cfg
	if cfg == nil {
		cfg = NewConfig()
	}

	session, err := Create(conn, u.Handler, cfg)
	if err != nil {
		conn.Close()
		return
	}
	if err := session.StartH2C(r, settingsPayload); err != nil {
		cfg.Logger.Warn("h2c upgrade failed", "err", err)
		conn.Close()
		return
	}
	if err := session.codec.readClientPreface(); err != nil {
		cfg.Logger.Warn("h2c client preface failed", "err", err)
		conn.Close()
		return
	}

	sv := &Server{cfg: cfg}
	sv.run(session)
}

func isH2CUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "h2c") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "Upgrade") {
			return true
		}
	}
	return false
}
