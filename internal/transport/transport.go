// Package transport describes how clients reach the bridge. Provisioning of
// tunnels and overlay networks happens outside this process; what the core
// consumes is a capability descriptor built once at startup: the advertised
// WebSocket URL plus whatever credentials the transport requires clients to
// present or pin.
package transport

import (
	"fmt"
	"net"
)

// Capability is the resolved description of one transport.
type Capability struct {
	// Name identifies the transport ("local", "tailscale-ip",
	// "tailscale-serve", "cloudflare").
	Name string

	// WebSocketURL is the ws:// or wss:// URL clients connect to.
	WebSocketURL string

	// CertFingerprint is the SHA-256 fingerprint clients pin for
	// self-signed TLS transports. Empty when the transport brings its own
	// trusted certificate.
	CertFingerprint string

	// ClientID and ClientSecret are external-tunnel access credentials.
	// Empty for transports without an access layer.
	ClientID     string
	ClientSecret string
}

// Local builds the capability for the LAN transport. advertiseAddr overrides
// the auto-detected address, for container setups where the detected IP is a
// virtual one. A non-empty fingerprint implies TLS and a wss:// URL.
func Local(advertiseAddr string, port int, fingerprint string) Capability {
	addr := advertiseAddr
	if addr == "" {
		addr = localIP()
	}
	scheme := "ws"
	if fingerprint != "" {
		scheme = "wss"
	}
	return Capability{
		Name:            "local",
		WebSocketURL:    fmt.Sprintf("%s://%s:%d", scheme, addr, port),
		CertFingerprint: fingerprint,
	}
}

// External builds the capability for a transport whose hostname and TLS are
// provided from outside (a managed tunnel or an overlay network). clientID
// and clientSecret are passed through when the tunnel fronts the bridge with
// an access layer.
func External(name, hostname, clientID, clientSecret string) Capability {
	return Capability{
		Name:         name,
		WebSocketURL: "wss://" + hostname,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

// localIP returns the machine's outbound LAN address. The UDP dial never
// sends a packet; it only asks the kernel which source address it would use.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
