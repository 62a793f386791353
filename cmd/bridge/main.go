// Command bridge exposes a stdio-speaking ACP agent to remote clients over a
// WebSocket, with session persistence across disconnects and a one-time
// pairing endpoint for handing out credentials.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aptove/acp-bridge/internal/metrics"
	"github.com/aptove/acp-bridge/internal/pairing"
	"github.com/aptove/acp-bridge/internal/pool"
	"github.com/aptove/acp-bridge/internal/push"
	"github.com/aptove/acp-bridge/internal/ratelimit"
	"github.com/aptove/acp-bridge/internal/server"
	"github.com/aptove/acp-bridge/internal/transport"
)

const (
	defaultBindAddr = "0.0.0.0"
	defaultPort     = 8765

	// Per-IP limits applied before the protocol handshake.
	maxConnectionsPerIP  = 5
	maxAttemptsPerMinute = 20
)

func main() {
	agentCommand := os.Getenv("AGENT_COMMAND")
	if agentCommand == "" {
		log.Fatalf("AGENT_COMMAND is required (e.g. AGENT_COMMAND=\"gemini --experimental-acp\")")
	}

	bindAddr := defaultBindAddr
	if v := os.Getenv("BIND_ADDR"); v != "" {
		bindAddr = v
	}
	port := defaultPort
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			port = n
		}
	}

	authToken := os.Getenv("AUTH_TOKEN")
	if authToken == "" {
		authToken = uuid.New().String()
		log.Printf("bridge: no AUTH_TOKEN set, generated one for this run")
	}

	// --- Agent pool ---
	var agentPool *pool.Pool
	if os.Getenv("POOL_ENABLED") != "false" {
		poolConfig := pool.DefaultConfig()
		if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				poolConfig.IdleTimeout = d
			}
		}
		if v := os.Getenv("MAX_AGENTS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 1 {
				poolConfig.MaxAgents = n
			}
		}
		if os.Getenv("BUFFER_MESSAGES") == "true" {
			poolConfig.BufferMessages = true
		}
		if v := os.Getenv("MAX_BUFFER_SIZE"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				poolConfig.MaxBufferSize = n
			}
		}
		agentPool = pool.New(poolConfig)
		log.Printf("bridge: agent pool enabled (max_agents=%d, idle_timeout=%s, buffering=%t)",
			poolConfig.MaxAgents, poolConfig.IdleTimeout, poolConfig.BufferMessages)
	} else {
		log.Printf("bridge: pooling disabled, agents are connection-scoped")
	}

	// --- TLS ---
	var tlsMaterial *server.TLSMaterial
	if os.Getenv("TLS_ENABLED") != "false" {
		dir := os.Getenv("TLS_DIR")
		if dir == "" {
			base, err := os.UserConfigDir()
			if err != nil {
				log.Fatalf("failed to resolve config dir: %v", err)
			}
			dir = base + "/acp-bridge"
		}
		extraHosts := []string{}
		if v := os.Getenv("ADVERTISE_ADDR"); v != "" {
			extraHosts = append(extraHosts, v)
		}
		var err error
		tlsMaterial, err = server.LoadOrGenerateTLS(dir, extraHosts)
		if err != nil {
			log.Fatalf("failed to load TLS material: %v", err)
		}
		log.Printf("bridge: TLS fingerprint %s", tlsMaterial.FingerprintShort())
	}

	// --- Transport capability ---
	fp := ""
	if tlsMaterial != nil {
		fp = tlsMaterial.Fingerprint
	}
	capability := transport.Local(os.Getenv("ADVERTISE_ADDR"), port, fp)

	// --- Pairing ---
	var pairingManager *pairing.Manager
	if os.Getenv("PAIRING_ENABLED") != "false" {
		pairingManager = pairing.New(pairing.Payload{
			URL:             capability.WebSocketURL,
			AuthToken:       authToken,
			CertFingerprint: capability.CertFingerprint,
			ClientID:        capability.ClientID,
			ClientSecret:    capability.ClientSecret,
		})
		baseURL := strings.Replace(capability.WebSocketURL, "ws", "http", 1)
		log.Printf("bridge: pairing code %s (valid for %ds)", pairingManager.Code(), pairingManager.SecondsRemaining())
		log.Printf("bridge: pairing URL: %s", pairingManager.PairingURL(baseURL))
	}

	// --- Rate limiter ---
	var limiter ratelimit.Limiter
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		limiter = ratelimit.NewRedisLimiter(client, maxConnectionsPerIP, maxAttemptsPerMinute)
		log.Printf("bridge: rate limiter backed by redis at %s", addr)
	} else {
		limiter = ratelimit.NewMemoryLimiter(maxConnectionsPerIP, maxAttemptsPerMinute)
	}

	// --- Push relay ---
	var pushClient *push.Client
	if relayURL := os.Getenv("PUSH_RELAY_URL"); relayURL != "" {
		pushClient = push.NewClient(relayURL, authToken)
		log.Printf("bridge: push relay configured")
	}

	// --- Metrics endpoint ---
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			log.Printf("bridge: metrics on %s/metrics", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("bridge: metrics server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if agentPool != nil {
		pool.StartReaper(ctx, agentPool, pool.DefaultReapInterval)
	}

	srv := server.New(server.Config{
		Addr:         fmt.Sprintf("%s:%d", bindAddr, port),
		AuthToken:    authToken,
		AgentCommand: agentCommand,
		AgentName:    os.Getenv("AGENT_NAME"),
		Pool:         agentPool,
		Pairing:      pairingManager,
		Push:         pushClient,
		Limiter:      limiter,
		TLS:          tlsConfig(tlsMaterial),
	})

	// Graceful shutdown on SIGINT/SIGTERM: stop the listener, then kill
	// every pooled agent.
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Printf("bridge: shutting down...")
		cancel()
		srv.Shutdown()
		if agentPool != nil {
			agentPool.ShutdownAll()
		}
	}()

	log.Printf("bridge: agent command: %s", agentCommand)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("bridge: server error: %v", err)
	}

	if agentPool != nil {
		agentPool.ShutdownAll()
	}
	log.Printf("bridge: exited cleanly")
}

func tlsConfig(m *server.TLSMaterial) *tls.Config {
	if m == nil {
		return nil
	}
	return m.Config
}
