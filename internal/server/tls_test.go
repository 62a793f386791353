package server

import (
	"strings"
	"testing"
)

func TestGenerateAndReloadTLS(t *testing.T) {
	dir := t.TempDir()

	generated, err := LoadOrGenerateTLS(dir, []string{"192.168.1.50", "bridge.local"})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(generated.Config.Certificates) != 1 {
		t.Fatal("expected one certificate in the acceptor config")
	}

	// Fingerprint: 32 uppercase hex bytes joined with colons.
	parts := strings.Split(generated.Fingerprint, ":")
	if len(parts) != 32 {
		t.Fatalf("expected 32 fingerprint bytes, got %d", len(parts))
	}
	for _, part := range parts {
		if len(part) != 2 {
			t.Fatalf("malformed fingerprint byte %q", part)
		}
		for _, c := range part {
			if !strings.ContainsRune("0123456789ABCDEF", c) {
				t.Fatalf("fingerprint contains non-hex %q", part)
			}
		}
	}

	// A second load must reuse the files and produce the same fingerprint.
	loaded, err := LoadOrGenerateTLS(dir, nil)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Fingerprint != generated.Fingerprint {
		t.Error("reloading the certificate changed its fingerprint")
	}
}

func TestFingerprintShort(t *testing.T) {
	m := &TLSMaterial{Fingerprint: strings.Repeat("AB:", 31) + "AB"}
	if got := m.FingerprintShort(); len(got) != 23 {
		t.Errorf("expected 23-char short fingerprint, got %d", len(got))
	}
}
