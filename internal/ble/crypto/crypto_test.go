package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey("secretpw12", "home")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	k2, err := DeriveKey("secretpw12", "home")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if k1 != k2 {
		t.Error("same inputs produced different keys")
	}
	if len(k1.Bytes()) != KeySize {
		t.Errorf("key length = %d, want %d", len(k1.Bytes()), KeySize)
	}
}

func TestDeriveKeyDifferentSalt(t *testing.T) {
	k1, err := DeriveKey("secretpw12", "home")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	k2, err := DeriveKey("secretpw12", "office")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if k1 == k2 {
		t.Error("different salts produced the same key")
	}
}

func TestDeriveKeyWPAVector(t *testing.T) {
	// IEEE 802.11i-2004 Annex H.4 test vector.
	key, err := DeriveKey("password", "IEEE")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	want := "f42c6fc52df0ebef9ebb4b90b38a5f902e83fe1b135a70e23aed762e9710a12e"
	if key.String() != want {
		t.Errorf("DeriveKey(password, IEEE) = %s, want %s", key, want)
	}
}

func TestDeriveKeyRejectsEmptyInput(t *testing.T) {
	if _, err := DeriveKey("", "home"); err == nil {
		t.Error("DeriveKey should reject an empty passphrase")
	}
	if _, err := DeriveKey("pw123456", ""); err == nil {
		t.Error("DeriveKey should reject an empty salt")
	}
}

func TestKeyBytesIsCopy(t *testing.T) {
	key, err := DeriveKey("pw123456", "Home")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	b := key.Bytes()
	b[0] ^= 0xff
	if b[0] == key[0] {
		t.Error("Bytes() should not alias the key")
	}
}

func TestKeyWipe(t *testing.T) {
	key, err := DeriveKey("pw123456", "Home")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	key.Wipe()
	if key != (Key{}) {
		t.Error("Wipe() left key material behind")
	}
}

func TestAuthDigestKnownValues(t *testing.T) {
	tests := []struct {
		secret string
		want   string
	}{
		{"", "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a"},
		{"abc", "3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532"},
	}
	for _, tt := range tests {
		got := hex.EncodeToString(AuthDigest(tt.secret))
		if got != tt.want {
			t.Errorf("AuthDigest(%q) = %s, want %s", tt.secret, got, tt.want)
		}
	}
}

func TestAuthDigestDefaultSecret(t *testing.T) {
	d1 := AuthDigest(DefaultAuthSecret)
	d2 := AuthDigest(DefaultAuthSecret)
	if len(d1) != DigestSize {
		t.Fatalf("digest length = %d, want %d", len(d1), DigestSize)
	}
	if !bytes.Equal(d1, d2) {
		t.Error("AuthDigest is not deterministic")
	}
	if bytes.Equal(d1, AuthDigest("other-secret")) {
		t.Error("different secrets produced the same digest")
	}
}
