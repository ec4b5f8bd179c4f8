// Package identity derives a deterministic device identity from the shared
// gateway token. The same token always yields the same keypair and device id,
// so pairing state on the gateway survives restarts without any key material
// being persisted locally.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// seedPrefix domain-separates the key derivation from other uses of the token.
const seedPrefix = "openbrain:"

// Device is a deterministic cryptographic identity.
type Device struct {
	// ID is hex(SHA256(raw public key)).
	ID string
	// PublicKey is the raw Ed25519 public key.
	PublicKey ed25519.PublicKey

	priv ed25519.PrivateKey
}

// Derive builds the device identity for a token.
//
// Rotating the token silently produces a new device id; there is no migration
// path, the gateway sees a brand-new device on the next connect.
func Derive(token string) *Device {
	seed := sha256.Sum256([]byte(seedPrefix + token))
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Device{
		ID:        hex.EncodeToString(sum[:]),
		PublicKey: pub,
		priv:      priv,
	}
}

// Sign signs msg with the device key.
func (d *Device) Sign(msg []byte) []byte {
	return ed25519.Sign(d.priv, msg)
}

// PublicKeyBase64 returns the wire form of the public key: unpadded base64url.
func (d *Device) PublicKeyBase64() string {
	return base64.RawURLEncoding.EncodeToString(d.PublicKey)
}

// SignBase64 signs msg and returns the unpadded base64url signature.
func (d *Device) SignBase64(msg []byte) string {
	return base64.RawURLEncoding.EncodeToString(d.Sign(msg))
}
