package ledger

import (
	"strings"
	"testing"

	"filippo.io/age"
)

func TestSignerRoundTrip(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSigner(id.String(), "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	if s.Recipient() != id.Recipient().String() {
		t.Fatalf("Recipient() = %q, want %q", s.Recipient(), id.Recipient().String())
	}

	payload := []byte(`{"1337":{"event":"VAULT_EXIT"}}`)
	sig, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := Verify(payload, sig, s.PublicKeyBase64()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := Verify([]byte(`{"1337":{"event":"VAULT_RETURN"}}`), sig, s.PublicKeyBase64()); err == nil {
		t.Fatal("Verify() accepted a tampered payload")
	}

	again, err := NewSigner(strings.ToLower(id.String()), s.PublicKeyBase64())
	if err != nil {
		t.Fatalf("NewSigner(lowercase, pub) error = %v", err)
	}
	if again.PublicKeyBase64() != s.PublicKeyBase64() {
		t.Fatal("key derivation is not deterministic")
	}
}

func TestNewSignerErrors(t *testing.T) {
	id, _ := age.GenerateX25519Identity()
	other, _ := age.GenerateX25519Identity()
	otherSigner, _ := NewSigner(other.String(), "")

	tests := []struct {
		name   string
		secret string
		pub    string
	}{
		{name: "empty"},
		{name: "not bech32", secret: "hunter2"},
		{name: "wrong hrp", secret: id.Recipient().String()},
		{name: "mismatched public key", secret: id.String(), pub: otherSigner.PublicKeyBase64()},
		{name: "bad public key encoding", secret: id.String(), pub: "%%%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSigner(tt.secret, tt.pub); err == nil {
				t.Fatal("NewSigner() expected error")
			}
		})
	}
}
