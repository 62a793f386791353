package transport

import (
	"strings"
	"testing"
)

func TestLocalWithAdvertiseAddr(t *testing.T) {
	c := Local("192.168.1.50", 8765, "AA:BB")
	if c.WebSocketURL != "wss://192.168.1.50:8765" {
		t.Errorf("unexpected URL %q", c.WebSocketURL)
	}
	if c.CertFingerprint != "AA:BB" {
		t.Errorf("fingerprint not carried: %q", c.CertFingerprint)
	}
}

func TestLocalWithoutTLSUsesWS(t *testing.T) {
	c := Local("10.0.0.1", 9000, "")
	if !strings.HasPrefix(c.WebSocketURL, "ws://") {
		t.Errorf("expected ws:// without a fingerprint, got %q", c.WebSocketURL)
	}
}

func TestLocalAutoDetectsAddress(t *testing.T) {
	c := Local("", 8765, "")
	if !strings.Contains(c.WebSocketURL, ":8765") {
		t.Errorf("port missing from %q", c.WebSocketURL)
	}
	if strings.Contains(c.WebSocketURL, "ws://:") {
		t.Errorf("no address detected in %q", c.WebSocketURL)
	}
}

func TestExternalCarriesCredentials(t *testing.T) {
	c := External("cloudflare", "agent.example.com", "cid", "csec")
	if c.WebSocketURL != "wss://agent.example.com" {
		t.Errorf("unexpected URL %q", c.WebSocketURL)
	}
	if c.ClientID != "cid" || c.ClientSecret != "csec" {
		t.Errorf("credentials not carried: %+v", c)
	}
	if c.CertFingerprint != "" {
		t.Error("external transports bring their own trusted certificates")
	}
}
