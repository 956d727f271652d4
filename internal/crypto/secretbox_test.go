package crypto

import "testing"

func TestBox_SealOpenRoundTrip(t *testing.T) {
	b := NewBox("a test key that is not 32 bytes")

	sealed, err := b.Seal("Bearer sk-live-abc123")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "Bearer sk-live-abc123" {
		t.Fatal("Seal returned plaintext unchanged")
	}

	opened, err := b.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "Bearer sk-live-abc123" {
		t.Errorf("Open = %q, want original plaintext", opened)
	}
}

func TestBox_OpenWrongKeyFails(t *testing.T) {
	b1 := NewBox("key-one")
	b2 := NewBox("key-two")

	sealed, err := b1.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b2.Open(sealed); err != ErrDecryptionFailed {
		t.Errorf("Open with wrong key = %v, want ErrDecryptionFailed", err)
	}
}

func TestBox_OpenTooShort(t *testing.T) {
	b := NewBox("key")
	if _, err := b.Open("c2hvcnQ="); err != ErrCiphertextTooShort {
		t.Errorf("Open(short) = %v, want ErrCiphertextTooShort", err)
	}
}

func TestIsSensitiveHeader(t *testing.T) {
	cases := map[string]bool{
		"Authorization": true,
		"X-API-Key":     true,
		"api-key":       true,
		"Token":         true,
		"Content-Type":  false,
		"X-Request-Id":  false,
	}
	for name, want := range cases {
		if got := IsSensitiveHeader(name); got != want {
			t.Errorf("IsSensitiveHeader(%q) = %v, want %v", name, got, want)
		}
	}
}
