package pairing

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func testManager(fingerprint string) *Manager {
	return New(Payload{
		URL:             "wss://192.168.1.100:8765",
		AuthToken:       "test-token",
		CertFingerprint: fingerprint,
	})
}

func TestCodeGeneration(t *testing.T) {
	m := testManager("")
	code := m.Code()
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Fatalf("non-digit in code %q", code)
		}
	}
	if code[0] == '0' {
		t.Errorf("code %q outside [100000, 999999]", code)
	}
}

func TestValidCodeReturnsPayload(t *testing.T) {
	m := testManager("AA:BB:CC")

	payload, err := m.Validate(m.Code())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.URL != "wss://192.168.1.100:8765" {
		t.Errorf("unexpected url %q", payload.URL)
	}
	if payload.AuthToken != "test-token" {
		t.Errorf("unexpected auth token %q", payload.AuthToken)
	}
	if payload.Protocol != "acp" || payload.Version != "1.0" {
		t.Errorf("unexpected protocol identity: %+v", payload)
	}
}

func TestInvalidCode(t *testing.T) {
	m := testManager("")
	if _, err := m.Validate("000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestOneTimeUse(t *testing.T) {
	m := testManager("")

	// Four wrong guesses, then the right code, then a replay.
	for i := 0; i < 4; i++ {
		if _, err := m.Validate("000000"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i, err)
		}
	}
	if _, err := m.Validate(m.Code()); err != nil {
		t.Fatalf("valid code rejected: %v", err)
	}
	if _, err := m.Validate(m.Code()); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
}

func TestRateLimiting(t *testing.T) {
	m := testManager("")

	for i := 0; i < 5; i++ {
		if _, err := m.Validate("000000"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i, err)
		}
	}

	// Sixth call is rate limited regardless of the code supplied.
	if _, err := m.Validate("000000"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := m.Validate(m.Code()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("correct code after lock-out: expected ErrRateLimited, got %v", err)
	}
}

func TestAtMostOneSuccess(t *testing.T) {
	m := testManager("")
	code := m.Code()

	successes := 0
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := m.Validate(code)
			results <- err
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful validation, got %d", successes)
	}
}

func TestPairingURL(t *testing.T) {
	m := testManager("AA:BB:CC")

	u := m.PairingURL("https://192.168.1.100:8765")
	if !strings.HasPrefix(u, "https://192.168.1.100:8765/pair/local?code=") {
		t.Errorf("unexpected pairing URL %q", u)
	}
	if !strings.Contains(u, "&fp=AA%3ABB%3ACC") {
		t.Errorf("fingerprint not URL-encoded in %q", u)
	}

	noFP := testManager("")
	if strings.Contains(noFP.PairingURL("https://h"), "fp=") {
		t.Error("fp parameter should be omitted without a fingerprint")
	}
}

func TestPayloadSerialization(t *testing.T) {
	full := Payload{
		URL:             "wss://h:1",
		Protocol:        "acp",
		Version:         "1.0",
		AuthToken:       "tok",
		CertFingerprint: "AA:BB",
		ClientID:        "cid",
		ClientSecret:    "csec",
	}
	data, err := json.Marshal(full)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var back Payload
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back != full {
		t.Errorf("round trip changed payload:\n  before: %+v\n  after:  %+v", full, back)
	}

	// Optional fields are omitted entirely when absent.
	minimal, err := json.Marshal(Payload{URL: "ws://h", Protocol: "acp", Version: "1.0", AuthToken: "t"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, field := range []string{"certFingerprint", "clientId", "clientSecret"} {
		if strings.Contains(string(minimal), field) {
			t.Errorf("field %s should be omitted when empty: %s", field, minimal)
		}
	}
}

func TestSecondsRemaining(t *testing.T) {
	m := testManager("")
	if s := m.SecondsRemaining(); s <= 0 || s > 60 {
		t.Errorf("expected fresh code TTL in (0, 60], got %d", s)
	}
	if m.Expired() {
		t.Error("fresh code should not be expired")
	}
}
