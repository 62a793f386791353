// Package bridge binds one accepted WebSocket to an agent session: it
// replays the disconnect buffer, answers the resumption handshake from
// cached responses, and then forwards frames in both directions until either
// side goes away. A connector never owns the agent process; it holds only
// the session's shared input channel and its own output subscription, so its
// death leaves the agent untouched.
package bridge

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aptove/acp-bridge/internal/agent"
	"github.com/aptove/acp-bridge/internal/metrics"
	"github.com/aptove/acp-bridge/internal/pool"
	"github.com/aptove/acp-bridge/internal/protocol"
	"github.com/aptove/acp-bridge/internal/push"
)

const (
	// initReadTimeout bounds the wait for the client's initialize request
	// during resumption interception.
	initReadTimeout = 30 * time.Second

	// maxInterceptSkips is how many notifications the session-request
	// interception tolerates before giving up.
	maxInterceptSkips = 5
)

// Conn is the frame-level view of a WebSocket the connector needs. Text and
// binary payloads arrive as raw bytes; ReadMessage returns an error once the
// peer closes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Connector is the per-connection task pair.
type Connector struct {
	id     string
	conn   Conn
	pool   *pool.Pool // nil when the agent is connection-scoped
	token  string
	attach *pool.Attach
	push   *push.Client // nil when push is not configured
	name   string       // agent display name for notifications
}

// New creates a connector for an accepted and authenticated WebSocket.
// attach is the result of the pool's GetOrSpawn (or a connection-scoped
// equivalent); pushClient may be nil.
func New(conn Conn, p *pool.Pool, token string, attach *pool.Attach, pushClient *push.Client, agentName string) *Connector {
	return &Connector{
		id:     uuid.New().String()[:8],
		conn:   conn,
		pool:   p,
		token:  token,
		attach: attach,
		push:   pushClient,
		name:   agentName,
	}
}

// Run drives the connection until the socket closes or the agent exits. On
// return the pool entry is marked disconnected; the agent keeps running.
func (c *Connector) Run(ctx context.Context) {
	defer func() {
		if c.pool != nil {
			c.pool.MarkDisconnected(c.token)
		}
	}()

	if c.attach.Reused {
		for _, msg := range c.attach.Buffered {
			if err := c.conn.WriteMessage([]byte(msg)); err != nil {
				log.Printf("bridge: conn=%s replay send failed: %v", c.id, err)
				return
			}
		}

		if c.attach.InitResponse != "" {
			if c.interceptInitialize() && c.attach.SessionResponse != "" {
				c.interceptSession()
			}
		} else if c.attach.SessionResponse != "" {
			c.interceptSession()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan struct{}, 2)

	go func() {
		c.clientToAgent(ctx)
		finished <- struct{}{}
	}()
	go func() {
		c.agentToClient(ctx)
		finished <- struct{}{}
	}()

	// When either direction ends, abort the sibling: cancel wakes the
	// output receive, closing the socket wakes the frame read.
	<-finished
	cancel()
	c.conn.Close()
	<-finished

	log.Printf("bridge: conn=%s closed", c.id)
}

// interceptInitialize reads the client's first message and, when it is an
// initialize request, answers it from the cached response rewritten to the
// client's id. A non-matching first message is forwarded to the agent and
// interception is abandoned for this connection.
func (c *Connector) interceptInitialize() bool {
	c.conn.SetReadDeadline(time.Now().Add(initReadTimeout))
	data, err := c.conn.ReadMessage()
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		log.Printf("bridge: conn=%s initialize interception read failed: %v", c.id, err)
		return false
	}

	env, err := protocol.Parse(data)
	if err != nil || env.Method != protocol.MethodInitialize {
		log.Printf("bridge: conn=%s expected initialize, got method=%q; falling back to forwarding", c.id, methodOf(env))
		c.forwardToAgent(data)
		return false
	}

	reply, err := protocol.ReplaceID(c.attach.InitResponse, env.ID)
	if err != nil {
		log.Printf("bridge: conn=%s failed to rewrite cached initialize response: %v", c.id, err)
		c.forwardToAgent(data)
		return false
	}

	if err := c.conn.WriteMessage([]byte(reply)); err != nil {
		log.Printf("bridge: conn=%s failed to send cached initialize response: %v", c.id, err)
		return false
	}

	log.Printf("bridge: conn=%s replayed cached initialize response", c.id)
	return true
}

// interceptSession waits for the client's session-creation or -resumption
// request and answers it from the cached response. Notifications in between
// are tolerated up to a limit; an uncached initialize arriving here gets a
// synthesised minimal response.
func (c *Connector) interceptSession() bool {
	skipped := 0
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("bridge: conn=%s session interception read failed: %v", c.id, err)
			return false
		}

		env, err := protocol.Parse(data)
		if err != nil {
			log.Printf("bridge: conn=%s unparseable message during session interception; forwarding", c.id)
			c.forwardToAgent(data)
			return false
		}

		switch {
		case env.Method == protocol.MethodSessionNew || env.Method == protocol.MethodSessionLoad:
			reply, err := protocol.ReplaceID(c.attach.SessionResponse, env.ID)
			if err != nil {
				log.Printf("bridge: conn=%s failed to rewrite cached session response: %v", c.id, err)
				c.forwardToAgent(data)
				return false
			}
			if err := c.conn.WriteMessage([]byte(reply)); err != nil {
				log.Printf("bridge: conn=%s failed to send cached session response: %v", c.id, err)
				return false
			}
			log.Printf("bridge: conn=%s replayed cached %s response", c.id, env.Method)
			return true

		case env.Method == protocol.MethodInitialize && env.HasID():
			// The first connection never cached an initialize response;
			// answer with a minimal one so the client can proceed.
			log.Printf("bridge: conn=%s synthesising initialize response during session interception", c.id)
			if err := c.conn.WriteMessage([]byte(protocol.SynthesizeInitializeResponse(env.ID))); err != nil {
				return false
			}
			skipped++

		case env.IsNotification():
			log.Printf("bridge: conn=%s skipping notification %q during session interception", c.id, env.Method)
			skipped++

		default:
			log.Printf("bridge: conn=%s unexpected method %q during session interception; forwarding", c.id, env.Method)
			c.forwardToAgent(data)
			return false
		}

		if skipped > maxInterceptSkips {
			log.Printf("bridge: conn=%s gave up on session interception after %d skipped messages", c.id, skipped)
			return false
		}
	}
}

// clientToAgent forwards client frames into the agent's input channel,
// consuming bridge control messages along the way.
func (c *Connector) clientToAgent(ctx context.Context) {
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("bridge: conn=%s client read ended: %v", c.id, err)
			return
		}

		if c.consumeControl(data) {
			continue
		}

		select {
		case c.attach.Input <- string(data):
			metrics.MessagesTotal.WithLabelValues("to_agent").Inc()
		case <-c.attach.Done:
			log.Printf("bridge: conn=%s agent exited, dropping client message", c.id)
			return
		case <-ctx.Done():
			return
		}
	}
}

// consumeControl handles push-token registration messages. Returns true when
// the message was consumed and must not reach the agent.
func (c *Connector) consumeControl(data []byte) bool {
	env, err := protocol.Parse(data)
	if err != nil {
		return false
	}

	switch env.Method {
	case protocol.MethodRegisterPushToken:
		params, err := protocol.ParsePushParams(env.Raw)
		if err != nil {
			log.Printf("bridge: conn=%s bad push registration: %v", c.id, err)
			return true
		}
		if c.push != nil {
			if err := c.push.Register(params.DeviceToken, params.Platform, params.BundleID); err != nil {
				log.Printf("bridge: conn=%s push registration failed: %v", c.id, err)
			}
		}
		return true

	case protocol.MethodUnregisterPushToken:
		params, err := protocol.ParsePushParams(env.Raw)
		if err != nil {
			log.Printf("bridge: conn=%s bad push unregistration: %v", c.id, err)
			return true
		}
		if c.push != nil {
			if err := c.push.Unregister(params.DeviceToken); err != nil {
				log.Printf("bridge: conn=%s push unregistration failed: %v", c.id, err)
			}
		}
		return true
	}
	return false
}

// agentToClient forwards agent output lines to the socket. On the first
// connection it watches for the handshake responses and caches them for
// later resumption. When a send fails mid-stream the session flips to
// disconnected, the failed line is buffered, a push notification goes out,
// and a detached drain keeps buffering until the client returns.
func (c *Connector) agentToClient(ctx context.Context) {
	initCached := c.attach.Reused || c.attach.InitResponse != ""
	sessionCached := c.attach.Reused || c.attach.SessionResponse != ""

	for {
		line, lagged, err := c.attach.Output.Recv(ctx.Done())
		if err == agent.ErrLagged {
			log.Printf("bridge: conn=%s output subscription lagged, dropped %d lines", c.id, lagged)
			metrics.SubscriberLag.Add(float64(lagged))
			continue
		}
		if err != nil {
			// Cancelled, or the broadcast closed because the child exited.
			return
		}

		if c.pool != nil && !initCached && protocol.IsInitializeResponse(line) {
			c.pool.CacheInitResponse(c.token, line)
			initCached = true
		} else if c.pool != nil && !sessionCached && protocol.IsSessionResponse(line) {
			c.pool.CacheSessionResponse(c.token, line)
			sessionCached = true
		}

		if err := c.conn.WriteMessage([]byte(line)); err != nil {
			log.Printf("bridge: conn=%s client send failed mid-stream: %v", c.id, err)
			if c.pool != nil {
				c.pool.MarkDisconnected(c.token)
				c.pool.BufferMessage(c.token, line)
				go drainToBuffer(c.pool, c.token, c.attach.Output)
			}
			if c.push != nil {
				c.push.Notify(c.name)
			}
			return
		}
		metrics.MessagesTotal.WithLabelValues("to_client").Inc()
	}
}

// forwardToAgent pushes one consumed message into the input channel so an
// abandoned interception does not lose it.
func (c *Connector) forwardToAgent(data []byte) {
	select {
	case c.attach.Input <- string(data):
		metrics.MessagesTotal.WithLabelValues("to_agent").Inc()
	case <-c.attach.Done:
	}
}

// drainToBuffer keeps consuming the dead connection's subscription and
// buffering lines via the pool after the client dropped mid-stream. It stops
// as soon as the pool reports the session reconnected or gone, or the agent
// exits. Without this, output emitted between the drop and the reconnect
// would rotate out of the broadcast ring unseen.
func drainToBuffer(p *pool.Pool, token string, sub *agent.Subscription) {
	for {
		line, lagged, err := sub.Recv(nil)
		if err == agent.ErrLagged {
			log.Printf("bridge: disconnect drain lagged, dropped %d lines", lagged)
			metrics.SubscriberLag.Add(float64(lagged))
			continue
		}
		if err != nil {
			return
		}
		if !p.BufferMessage(token, line) {
			return
		}
	}
}

// methodOf is a nil-safe accessor for log lines.
func methodOf(env *protocol.Envelope) string {
	if env == nil {
		return ""
	}
	return env.Method
}
