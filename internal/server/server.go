// Package server owns the bridge's listening socket. One TCP port serves two
// protocols: the dispatcher peeks the first request line of each accepted
// (optionally TLS-wrapped) connection and routes it either to the single-use
// pairing endpoint or to the WebSocket upgrade with bearer-token validation,
// after which the connection is handed to a session connector.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/ws"

	"github.com/aptove/acp-bridge/internal/agent"
	"github.com/aptove/acp-bridge/internal/bridge"
	"github.com/aptove/acp-bridge/internal/metrics"
	"github.com/aptove/acp-bridge/internal/pairing"
	"github.com/aptove/acp-bridge/internal/pool"
	"github.com/aptove/acp-bridge/internal/push"
	"github.com/aptove/acp-bridge/internal/ratelimit"
)

// tokenHeader is the request header carrying the bearer token. The token
// query parameter is the fallback for clients that cannot set headers.
const tokenHeader = "X-Bridge-Token"

// defaultPoolKey keys pool sessions when no bearer token is configured and
// the client presented none.
const defaultPoolKey = "default"

// Config wires the server's collaborators. Pool, Pairing, Push, Limiter and
// TLS are all optional; without a pool each connection gets its own agent
// process, killed on disconnect.
type Config struct {
	Addr         string
	AuthToken    string
	AgentCommand string
	AgentName    string

	Pool    *pool.Pool
	Pairing *pairing.Manager
	Push    *push.Client
	Limiter ratelimit.Limiter
	TLS     *tls.Config
}

// Server accepts connections and dispatches them by protocol.
type Server struct {
	config Config
	ln     net.Listener
	ready  chan struct{} // closed once the listener is bound
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server from the given configuration.
func New(config Config) *Server {
	if config.AgentName == "" {
		config.AgentName = "Agent"
	}
	return &Server{config: config, ready: make(chan struct{})}
}

// Start binds the listener and serves until ctx is cancelled or Shutdown is
// called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server: failed to bind %s: %w", s.config.Addr, err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	close(s.ready)

	scheme := "ws"
	if s.config.TLS != nil {
		scheme = "wss"
	}
	log.Printf("server: listening on %s (%s)", ln.Addr(), scheme)

	go func() {
		<-s.ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			log.Printf("server: accept failed: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// Ready returns a channel closed once the listener is bound, so callers can
// wait for Start (which blocks) to be accepting.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address. Valid once Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Shutdown stops accepting connections. In-flight sessions run until their
// sockets close.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

// handleConn runs the full per-connection pipeline: rate limit, TLS, peek
// dispatch, then the pairing endpoint or the WebSocket session.
func (s *Server) handleConn(raw net.Conn) {
	defer raw.Close()

	ip := remoteIP(raw)
	if s.config.Limiter != nil {
		if !s.config.Limiter.Check(ip) {
			log.Printf("server: connection from %s refused by rate limiter", ip)
			return
		}
		s.config.Limiter.Add(ip)
		defer s.config.Limiter.Remove(ip)
	}

	conn := raw
	if s.config.TLS != nil {
		tlsConn := tls.Server(raw, s.config.TLS)
		if err := tlsConn.Handshake(); err != nil {
			log.Printf("server: TLS handshake with %s failed: %v", ip, err)
			return
		}
		conn = tlsConn
	}

	pconn, firstLine, err := peekRequestLine(conn)
	if err != nil {
		log.Printf("server: failed to read request line from %s: %v", ip, err)
		return
	}

	if strings.HasPrefix(firstLine, "GET /pair/local") {
		s.handlePairing(pconn, firstLine)
		return
	}

	s.handleWebSocket(pconn, ip)
}

// handleWebSocket performs the upgrade with token validation and binds the
// connection to an agent session.
func (s *Server) handleWebSocket(conn net.Conn, ip string) {
	var headerToken, queryToken string

	upgrader := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if u, err := url.ParseRequestURI(string(uri)); err == nil {
				queryToken = u.Query().Get("token")
			}
			return nil
		},
		OnHeader: func(key, value []byte) error {
			if strings.EqualFold(string(key), tokenHeader) {
				headerToken = string(value)
			}
			return nil
		},
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			if s.config.AuthToken == "" {
				return nil, nil
			}
			presented := headerToken
			if presented == "" {
				presented = queryToken
			}
			if presented != s.config.AuthToken {
				return nil, ws.RejectConnectionError(
					ws.RejectionStatus(http.StatusUnauthorized),
					ws.RejectionReason("invalid or missing bridge token"),
				)
			}
			return nil, nil
		},
	}

	if _, err := upgrader.Upgrade(conn); err != nil {
		log.Printf("server: upgrade from %s failed: %v", ip, err)
		return
	}

	token := headerToken
	if token == "" {
		token = queryToken
	}
	if token == "" {
		token = defaultPoolKey
	}

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()
	log.Printf("server: websocket connection established from %s", ip)

	wc := newWSConn(conn)

	if s.config.Pool != nil {
		attach, err := s.config.Pool.GetOrSpawn(token, s.config.AgentCommand)
		if err != nil {
			log.Printf("server: failed to attach agent session: %v", err)
			closeWithError(conn, err)
			return
		}
		bridge.New(wc, s.config.Pool, token, attach, s.config.Push, s.config.AgentName).Run(s.ctx)
		return
	}

	// No pool: the agent lives and dies with this connection.
	a, err := agent.Spawn(s.config.AgentCommand)
	if err != nil {
		log.Printf("server: failed to spawn agent: %v", err)
		closeWithError(conn, err)
		return
	}
	defer a.Kill()

	attach := &pool.Attach{Input: a.Input(), Output: a.Subscribe(), Done: a.Done()}
	bridge.New(wc, nil, token, attach, s.config.Push, s.config.AgentName).Run(s.ctx)
}

// closeWithError sends an application-level close frame before the deferred
// TCP close. Best effort.
func closeWithError(conn net.Conn, err error) {
	reason := "failed to start agent session"
	if errors.Is(err, pool.ErrPoolFull) {
		reason = "agent pool is full"
	}
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusInternalServerError, reason))
	_ = ws.WriteFrame(conn, frame)
}

// handlePairing serves the single-request pairing endpoint with fixed-form
// HTTP responses.
func (s *Server) handlePairing(conn net.Conn, firstLine string) {
	code := ""
	if fields := strings.Fields(firstLine); len(fields) >= 2 {
		if u, err := url.ParseRequestURI(fields[1]); err == nil {
			code = u.Query().Get("code")
		}
	}

	if code == "" {
		writeJSONResponse(conn, http.StatusBadRequest, errorBody("missing_code", "Missing code parameter"))
		return
	}

	if s.config.Pairing == nil {
		writeJSONResponse(conn, http.StatusServiceUnavailable, errorBody("pairing_disabled", "Pairing is not enabled on this bridge"))
		return
	}

	payload, err := s.config.Pairing.Validate(code)
	switch {
	case err == nil:
		log.Printf("server: pairing code redeemed")
		writeJSONResponse(conn, http.StatusOK, payload)
	case errors.Is(err, pairing.ErrRateLimited):
		log.Printf("server: pairing rejected: rate limited")
		writeJSONResponse(conn, http.StatusTooManyRequests, errorBody("rate_limited", "Too many failed attempts. Restart the bridge to get a new code."))
	default:
		log.Printf("server: pairing rejected: %v", err)
		writeJSONResponse(conn, http.StatusUnauthorized, errorBody("invalid_code", "Pairing code is invalid or expired"))
	}
}

// errorBody builds the fixed error shape of the pairing endpoint.
func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

// writeJSONResponse emits one complete HTTP/1.1 response and leaves the
// connection to be closed by the caller.
func writeJSONResponse(conn net.Conn, status int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Printf("server: failed to encode pairing response: %v", err)
		return
	}

	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status), len(payload))
	conn.Write(payload)
}

// remoteIP strips the port from the connection's remote address.
func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
