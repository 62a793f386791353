// Package push is the client for the external push relay. The bridge never
// holds APNs or FCM credentials: it registers device tokens with the relay
// and asks it to deliver a fixed "new activity" notification, using the
// bridge's auth token as the relay-side isolation key.
package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// notifyCooldown is the per-key debounce window for Notify.
const notifyCooldown = 30 * time.Second

// Client talks to the push relay over HTTPS.
type Client struct {
	relayURL   string
	relayToken string
	http       *http.Client

	mu   sync.Mutex
	last map[string]time.Time // debounce key -> last notification time
}

// NewClient creates a push relay client. relayToken is the bridge's auth
// token; the relay uses it to scope device registrations.
func NewClient(relayURL, relayToken string) *Client {
	return &Client{
		relayURL:   strings.TrimRight(relayURL, "/"),
		relayToken: relayToken,
		http:       &http.Client{Timeout: 10 * time.Second},
		last:       make(map[string]time.Time),
	}
}

type registerRequest struct {
	RelayToken  string `json:"relay_token"`
	DeviceToken string `json:"device_token"`
	Platform    string `json:"platform,omitempty"`
	BundleID    string `json:"bundle_id,omitempty"`
}

type pushRequest struct {
	RelayToken string `json:"relay_token"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

type relayResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Register forwards a device token to the relay. Called when the client
// sends a bridge/registerPushToken control message.
func (c *Client) Register(deviceToken, platform, bundleID string) error {
	log.Printf("push: registering %s device token with relay", platform)
	return c.call(http.MethodPost, "/register", registerRequest{
		RelayToken:  c.relayToken,
		DeviceToken: deviceToken,
		Platform:    platform,
		BundleID:    bundleID,
	})
}

// Unregister removes a device token from the relay.
func (c *Client) Unregister(deviceToken string) error {
	log.Printf("push: unregistering device token from relay")
	return c.call(http.MethodDelete, "/register", registerRequest{
		RelayToken:  c.relayToken,
		DeviceToken: deviceToken,
	})
}

// Notify asks the relay to deliver a notification for the named agent. The
// body text is fixed so agent output never leaks into notification content.
// A notification within the cooldown window of the previous one for the same
// relay token is silently dropped; the return value reports whether one was
// actually sent.
func (c *Client) Notify(agentName string) (bool, error) {
	key := c.relayToken

	c.mu.Lock()
	if last, ok := c.last[key]; ok && time.Since(last) < notifyCooldown {
		c.mu.Unlock()
		return false, nil
	}
	c.last[key] = time.Now()
	c.mu.Unlock()

	log.Printf("push: sending notification via relay for agent %q", agentName)
	err := c.call(http.MethodPost, "/push", pushRequest{
		RelayToken: c.relayToken,
		Title:      agentName,
		Body:       "Your agent has new activity",
	})
	if err != nil {
		log.Printf("push: relay notification failed: %v", err)
		return false, err
	}
	return true, nil
}

// call issues one JSON request against the relay and decodes its envelope.
func (c *Client) call(method, path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("push: failed to encode request: %w", err)
	}

	req, err := http.NewRequest(method, c.relayURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("push: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("push: failed to contact relay: %w", err)
	}
	defer res.Body.Close()

	var parsed relayResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("push: failed to parse relay response: %w", err)
	}
	if !parsed.OK {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", res.StatusCode)
		}
		return fmt.Errorf("push: relay rejected request: %s", msg)
	}
	return nil
}
