// Package pool manages long-lived agent processes keyed by auth token. A
// session survives client disconnects: the process keeps running, its output
// can be buffered, and the next connection with the same token reattaches to
// the same process instead of spawning a new one.
package pool

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aptove/acp-bridge/internal/agent"
	"github.com/aptove/acp-bridge/internal/metrics"
)

// ErrPoolFull is returned by GetOrSpawn when the pool is at capacity and
// every session has a connected client, so none is eligible for eviction.
var ErrPoolFull = errors.New("pool: all agents connected, pool is full")

// Config holds the pool's resource policy.
type Config struct {
	// IdleTimeout is how long a disconnected session survives before the
	// reaper kills it.
	IdleTimeout time.Duration

	// MaxAgents caps the number of concurrent agent processes.
	MaxAgents int

	// BufferMessages enables buffering of agent output while disconnected.
	BufferMessages bool

	// MaxBufferSize caps the number of buffered messages per session.
	MaxBufferSize int
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    30 * time.Minute,
		MaxAgents:      10,
		BufferMessages: false,
		MaxBufferSize:  1000,
	}
}

// session is one pooled agent process plus its reconnect state. All fields
// are guarded by the pool's lock; the agent's channel handles are internally
// thread-safe and are handed out without further synchronization.
type session struct {
	agent           *agent.Agent
	connected       bool
	disconnectedAt  time.Time
	buffer          []string
	initResponse    string
	sessionResponse string
}

// Attach is what a connector receives from GetOrSpawn: the session's shared
// input channel, a fresh output subscription positioned at the current tail,
// the drained disconnect buffer, and any cached handshake responses.
type Attach struct {
	Input           chan<- string
	Output          *agent.Subscription
	Done            <-chan struct{} // closed when the agent process exits
	Buffered        []string
	Reused          bool
	InitResponse    string // cached initialize response, empty if none
	SessionResponse string // cached session-creation response, empty if none
}

// Pool is the session table. Mutating operations take the write lock;
// Stats takes only the read lock.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*session
	config   Config
}

// New creates an empty pool with the given policy.
func New(config Config) *Pool {
	if config.MaxAgents < 1 {
		config.MaxAgents = 1
	}
	return &Pool{
		sessions: make(map[string]*session),
		config:   config,
	}
}

// GetOrSpawn resolves the session for token, spawning a new agent process
// when none is alive. On reuse the disconnect buffer is drained into the
// returned Attach and the session flips back to connected.
//
// Fails with ErrPoolFull when the pool is at capacity and no session is
// idle, or with a spawn error when the child cannot be started.
func (p *Pool) GetOrSpawn(token, command string) (*Attach, error) {
	if token == "" {
		return nil, fmt.Errorf("pool: empty token")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[token]; ok {
		if s.agent.Alive() {
			log.Printf("pool: reusing agent for token %s (keep-alive)", shortToken(token))
			s.connected = true
			s.disconnectedAt = time.Time{}

			buffered := s.buffer
			s.buffer = nil
			if len(buffered) > 0 {
				log.Printf("pool: replaying %d buffered messages", len(buffered))
			}

			p.updateGauges()
			return &Attach{
				Input:           s.agent.Input(),
				Output:          s.agent.Subscribe(),
				Done:            s.agent.Done(),
				Buffered:        buffered,
				Reused:          true,
				InitResponse:    s.initResponse,
				SessionResponse: s.sessionResponse,
			}, nil
		}

		log.Printf("pool: agent for token %s died, removing", shortToken(token))
		delete(p.sessions, token)
	}

	if len(p.sessions) >= p.config.MaxAgents {
		if !p.evictOldestIdle() {
			return nil, ErrPoolFull
		}
	}

	log.Printf("pool: spawning new agent for token %s", shortToken(token))
	a, err := agent.Spawn(command)
	if err != nil {
		return nil, fmt.Errorf("pool: spawn failed: %w", err)
	}

	p.sessions[token] = &session{agent: a, connected: true}
	p.updateGauges()

	return &Attach{
		Input:  a.Input(),
		Output: a.Subscribe(),
		Done:   a.Done(),
	}, nil
}

// evictOldestIdle removes and kills the disconnected session with the
// earliest disconnect instant. Returns false when every session is connected.
// Called with the write lock held.
func (p *Pool) evictOldestIdle() bool {
	var oldestToken string
	var oldestAt time.Time

	for token, s := range p.sessions {
		if s.connected {
			continue
		}
		if oldestToken == "" || s.disconnectedAt.Before(oldestAt) {
			oldestToken = token
			oldestAt = s.disconnectedAt
		}
	}

	if oldestToken == "" {
		return false
	}

	log.Printf("pool: evicting oldest idle agent (token %s) to make room", shortToken(oldestToken))
	s := p.sessions[oldestToken]
	delete(p.sessions, oldestToken)
	s.agent.Kill()
	return true
}

// MarkDisconnected flips the session into idle state. The agent keeps
// running until the idle timeout or capacity pressure removes it.
// Idempotent on unknown tokens.
func (p *Pool) MarkDisconnected(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[token]
	if !ok {
		return
	}
	if s.connected {
		log.Printf("pool: client disconnected, agent for token %s entering idle state", shortToken(token))
		s.connected = false
		s.disconnectedAt = time.Now()
	}
	p.updateGauges()
}

// CacheInitResponse stores the agent's initialize response for replay on
// reconnect. Once set it is immutable for the session's lifetime.
func (p *Pool) CacheInitResponse(token, raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[token]; ok && s.initResponse == "" {
		s.initResponse = raw
	}
}

// CacheSessionResponse stores the agent's session-creation response for
// replay on reconnect. Once set it is immutable for the session's lifetime.
func (p *Pool) CacheSessionResponse(token, raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[token]; ok && s.sessionResponse == "" {
		s.sessionResponse = raw
	}
}

// BufferMessage appends an agent output line to the session's disconnect
// buffer. It reports whether buffering for this session is still active:
// false means the session is gone, reconnected, or buffering is disabled,
// so the caller can stop draining.
func (p *Pool) BufferMessage(token, message string) bool {
	if !p.config.BufferMessages {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[token]
	if !ok || s.connected {
		return false
	}

	if len(s.buffer) >= p.config.MaxBufferSize {
		log.Printf("pool: message buffer full for token %s, dropping message", shortToken(token))
		metrics.MessagesDropped.Inc()
		return true
	}

	s.buffer = append(s.buffer, message)
	metrics.MessagesBuffered.Inc()
	return true
}

// ReapIdle removes dead sessions and kills sessions idle beyond the timeout.
func (p *Pool) ReapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for token, s := range p.sessions {
		if !s.agent.Alive() {
			log.Printf("pool: agent for token %s died, removing", shortToken(token))
			delete(p.sessions, token)
			s.agent.Kill()
			continue
		}
		if !s.connected && !s.disconnectedAt.IsZero() {
			idle := time.Since(s.disconnectedAt)
			if idle > p.config.IdleTimeout {
				log.Printf("pool: agent for token %s idle for %s, terminating", shortToken(token), idle.Round(time.Second))
				delete(p.sessions, token)
				s.agent.Kill()
			}
		}
	}
	p.updateGauges()
}

// KillAgent removes and kills a single session. No-op on unknown tokens.
func (p *Pool) KillAgent(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[token]; ok {
		delete(p.sessions, token)
		s.agent.Kill()
	}
	p.updateGauges()
}

// Contains reports whether a session exists for token.
func (p *Pool) Contains(token string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sessions[token]
	return ok
}

// ShutdownAll drains the session table, killing every agent.
func (p *Pool) ShutdownAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.Printf("pool: shutting down all agents (%d total)", len(p.sessions))
	for token, s := range p.sessions {
		delete(p.sessions, token)
		s.agent.Kill()
	}
	p.updateGauges()
}

// Stats is a read-only snapshot of pool occupancy.
type Stats struct {
	Total     int
	Connected int
	Idle      int
	Max       int
}

// String renders the snapshot for log lines.
func (s Stats) String() string {
	return fmt.Sprintf("AgentPool: %d/%d agents (%d connected, %d idle)",
		s.Total, s.Max, s.Connected, s.Idle)
}

// Stats snapshots the pool without mutation.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{Total: len(p.sessions), Max: p.config.MaxAgents}
	for _, s := range p.sessions {
		if s.connected {
			stats.Connected++
		}
	}
	stats.Idle = stats.Total - stats.Connected
	return stats
}

// updateGauges refreshes the Prometheus pool gauges. Called with the lock held.
func (p *Pool) updateGauges() {
	total := len(p.sessions)
	connected := 0
	for _, s := range p.sessions {
		if s.connected {
			connected++
		}
	}
	metrics.AgentsTotal.Set(float64(total))
	metrics.AgentsConnected.Set(float64(connected))
	metrics.AgentsIdle.Set(float64(total - connected))
}

// shortToken truncates a token for log lines so credentials never land in
// the log in full.
func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
