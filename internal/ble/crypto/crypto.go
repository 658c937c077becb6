// Package crypto provides the key material for the Wi-Fi commissioning BLE
// protocol: the WPA2 pre-shared key derived from a passphrase (PBKDF2
// HMAC-SHA1, 4096 iterations, 256 bits) and the SHA3-256 digest written to
// the authentication characteristic on connect.
package crypto

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	// KeyIterations is the PBKDF2 iteration count mandated by WPA2-PSK.
	KeyIterations = 4096
	// KeySize is the derived key length in bytes (256 bits).
	KeySize = 32
	// DigestSize is the auth digest length in bytes.
	DigestSize = 32
)

// DefaultAuthSecret is the shared secret compiled into the client. The device
// firmware is started with the same value.
const DefaultAuthSecret = "some-random-id"

// Key is a derived pre-shared key.
type Key [KeySize]byte

// Bytes returns the key as a slice for characteristic transmission.
func (k Key) Bytes() []byte {
	b := make([]byte, KeySize)
	copy(b, k[:])
	return b
}

// String returns the lowercase hex form, as wpa_supplicant prints a psk.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Wipe zeroes the key in place.
func (k *Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// DeriveKey computes PBKDF2(HMAC-SHA1, passphrase, salt, 4096, 32). The
// network identifier is used verbatim as the salt.
func DeriveKey(passphrase, salt string) (Key, error) {
	var key Key
	if passphrase == "" {
		return key, errors.New("ble/crypto: empty passphrase")
	}
	if salt == "" {
		return key, errors.New("ble/crypto: empty salt")
	}
	dk := pbkdf2.Key([]byte(passphrase), []byte(salt), KeyIterations, KeySize, sha1.New)
	if len(dk) != KeySize {
		return key, fmt.Errorf("ble/crypto: PBKDF2 returned %d bytes, want %d", len(dk), KeySize)
	}
	copy(key[:], dk)
	return key, nil
}

// AuthDigest returns SHA3-256(secret), the value the device compares against
// its own digest of the shared secret.
func AuthDigest(secret string) []byte {
	sum := sha3.Sum256([]byte(secret))
	return sum[:]
}
